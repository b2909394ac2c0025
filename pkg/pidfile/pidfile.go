// Copyright 2020-2022 Intel Corporation. All Rights Reserved.
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

// Package pidfile keeps a single daemon instance in charge of the GPUs.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrRunning is returned when another live process owns the PID file.
var ErrRunning = errors.New("another instance is running")

// PidFile is an flock()ed file holding the ID of the owning process.
type PidFile struct {
	path string
	lock *flock.Flock
}

// New creates a PID file at the given path, or at the default one if empty.
func New(path string) *PidFile {
	if path == "" {
		path = DefaultPath()
	}
	return &PidFile{path: path}
}

// Path returns the path of the PID file.
func (p *PidFile) Path() string {
	return p.path
}

// Acquire takes ownership of the PID file. A file left behind by a process
// which is gone is taken over. If a live process holds the file Acquire
// fails with ErrRunning. On success the file is kept open and locked.
func (p *PidFile) Acquire() error {
	if p.lock != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create PID file directory")
	}

	lock := flock.New(p.path)
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "failed to lock PID file")
	}
	if !locked {
		pid, _ := p.Read()
		return errors.Wrapf(ErrRunning, "PID file %s locked by process %d", p.path, pid)
	}

	if pid, err := p.Read(); err == nil && pid > 0 && pid != os.Getpid() && alive(pid) {
		lock.Close()
		return errors.Wrapf(ErrRunning, "PID file %s owned by process %d", p.path, pid)
	}

	if err := os.WriteFile(p.path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		lock.Close()
		return errors.Wrap(err, "failed to write PID file")
	}

	p.lock = lock
	return nil
}

// Read returns the process ID in the PID file, 0 if the file does not
// exist or is empty.
func (p *PidFile) Read() (int, error) {
	buf, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return -1, errors.Wrap(err, "failed to read PID file")
	}

	content := strings.TrimSpace(string(buf))
	if content == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(content)
	if err != nil {
		return -1, errors.Wrapf(err, "invalid PID file content %q", content)
	}
	return pid, nil
}

// OwnerPid returns the ID of the live process owning the PID file, or 0
// if no live process owns it.
func (p *PidFile) OwnerPid() (int, error) {
	pid, err := p.Read()
	if err != nil || pid <= 0 {
		return pid, err
	}
	if !alive(pid) {
		return 0, nil
	}
	return pid, nil
}

// Release removes the PID file if we own it and drops the lock.
func (p *PidFile) Release() error {
	if p.lock == nil {
		return nil
	}

	err := os.Remove(p.path)
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	p.lock.Close()
	p.lock = nil

	return errors.Wrap(err, "failed to remove PID file")
}

// alive checks if the given process exists.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// DefaultPath returns the default PID file path.
func DefaultPath() string {
	name := "gpu-dvfsd"
	if len(os.Args) > 0 {
		name = filepath.Base(os.Args[0])
	}
	if os.Geteuid() > 0 {
		return filepath.Join(os.TempDir(), name+".pid")
	}
	return filepath.Join("/", "run", name+".pid")
}
