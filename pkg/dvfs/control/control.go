// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package control implements the control-file surface of a GPU: a set of
// named nodes with read and/or write handlers, reachable programmatically
// and over HTTP.
package control

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	logger "github.com/intel/gpu-dvfs/pkg/log"
)

var (
	// ErrInvalid is the error for rejected node writes.
	ErrInvalid = errors.New("invalid value")
	// ErrNotFound is the error for unknown nodes.
	ErrNotFound = errors.New("no such node")
	// ErrPermission is the error for reading write-only or writing read-only nodes.
	ErrPermission = errors.New("operation not permitted")
)

// maxWrite is the largest accepted write.
const maxWrite = 4096

// ReadFn returns the value of a node.
type ReadFn func() (string, error)

// WriteFn updates the value of a node.
type WriteFn func(value string) error

// Node is a single control node.
type Node struct {
	Name  string
	Help  string
	Read  ReadFn
	Write WriteFn
}

// Nodes is a set of control nodes.
type Nodes struct {
	sync.RWMutex
	nodes map[string]*Node
}

var log = logger.NewLogger("control")

// NewNodes creates an empty set of nodes.
func NewNodes() *Nodes {
	return &Nodes{nodes: make(map[string]*Node)}
}

// Register registers nodes.
func (n *Nodes) Register(nodes ...Node) error {
	n.Lock()
	defer n.Unlock()

	for _, node := range nodes {
		switch {
		case node.Name == "" || strings.ContainsAny(node.Name, "/ \t\n"):
			return controlError("invalid node name %q", node.Name)
		case node.Read == nil && node.Write == nil:
			return controlError("node %q has neither read nor write handler", node.Name)
		}
		if _, ok := n.nodes[node.Name]; ok {
			return controlError("node %q already registered", node.Name)
		}
		node := node
		n.nodes[node.Name] = &node
	}

	return nil
}

// Unregister removes a node.
func (n *Nodes) Unregister(name string) {
	n.Lock()
	defer n.Unlock()
	delete(n.nodes, name)
}

// Names returns the sorted names of all nodes.
func (n *Nodes) Names() []string {
	n.RLock()
	defer n.RUnlock()

	names := make([]string, 0, len(n.nodes))
	for name := range n.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Help returns the help text of a node.
func (n *Nodes) Help(name string) (string, error) {
	node, err := n.lookup(name)
	if err != nil {
		return "", err
	}
	return node.Help, nil
}

// Read reads a node.
func (n *Nodes) Read(name string) (string, error) {
	node, err := n.lookup(name)
	if err != nil {
		return "", err
	}
	if node.Read == nil {
		return "", errors.Wrapf(ErrPermission, "node %q is write-only", name)
	}
	return node.Read()
}

// Write writes a node. Surrounding whitespace is trimmed from the value.
func (n *Nodes) Write(name, value string) error {
	node, err := n.lookup(name)
	if err != nil {
		return err
	}
	if node.Write == nil {
		return errors.Wrapf(ErrPermission, "node %q is read-only", name)
	}
	if err := node.Write(strings.TrimSpace(value)); err != nil {
		log.Debug("write %q to %s failed: %v", value, name, err)
		return err
	}
	log.Debug("%s = %q", name, value)
	return nil
}

// Handler returns an HTTP handler for nodes mounted at prefix. A GET of
// <prefix>/<node> reads a node, a PUT or POST writes it. A GET of the prefix
// itself lists all nodes.
func (n *Nodes) Handler(prefix string) http.Handler {
	base := strings.TrimSuffix(prefix, "/")

	r := mux.NewRouter()
	r.HandleFunc(base+"/", n.serveList).Methods(http.MethodGet)
	r.HandleFunc(base+"/{node}", n.serveRead).Methods(http.MethodGet)
	r.HandleFunc(base+"/{node}", n.serveWrite).Methods(http.MethodPut, http.MethodPost)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	return r
}

func (n *Nodes) serveList(w http.ResponseWriter, _ *http.Request) {
	writeText(w, strings.Join(n.Names(), "\n"))
}

func (n *Nodes) serveRead(w http.ResponseWriter, r *http.Request) {
	value, err := n.Read(mux.Vars(r)["node"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, value)
}

func (n *Nodes) serveWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWrite+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxWrite {
		http.Error(w, "value too long", http.StatusRequestEntityTooLarge)
		return
	}
	if err := n.Write(mux.Vars(r)["node"], string(body)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Allow", "GET, PUT, POST")
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// Status returns the HTTP status corresponding to a node error.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPermission):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Invalid wraps err as an invalid value error.
func Invalid(err error) error {
	if err == nil || errors.Is(err, ErrInvalid) {
		return err
	}
	return errors.Wrap(ErrInvalid, err.Error())
}

// Invalidf returns a formatted invalid value error.
func Invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}

func (n *Nodes) lookup(name string) (*Node, error) {
	n.RLock()
	defer n.RUnlock()

	node, ok := n.nodes[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return node, nil
}

func writeText(w http.ResponseWriter, value string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if value != "" && !strings.HasSuffix(value, "\n") {
		value += "\n"
	}
	if _, err := io.WriteString(w, value); err != nil {
		log.Debug("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), Status(err))
}

func controlError(format string, args ...interface{}) error {
	return errors.Errorf("control: "+format, args...)
}
