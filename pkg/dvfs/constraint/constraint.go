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

// Package constraint implements the registry of named min/max GPU frequency
// constraint slots and their arbitration into an effective frequency window.
package constraint

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/intel/gpu-dvfs/pkg/dvfs/deferred"
	"github.com/intel/gpu-dvfs/pkg/dvfs/freqtable"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

// Slot is the name of a constraint client.
type Slot string

const (
	// SlotThermal is the thermal throttling client.
	SlotThermal Slot = "thermal"
	// SlotUser is the user min/max clock client.
	SlotUser Slot = "user"
	// SlotSIOP is the SIOP max clock client.
	SlotSIOP Slot = "siop"
	// SlotAFM is the AFM droop throttling client.
	SlotAFM Slot = "afm"
	// SlotUMD is the user-mode driver client.
	SlotUMD Slot = "umd"
	// SlotKernelMin is the auto-resetting kernel memory-manager idle min client.
	SlotKernelMin Slot = "kernel-min"
	// SlotSystem is the system min/max client.
	SlotSystem Slot = "system"
)

// Slots lists all known constraint slots.
var Slots = []Slot{SlotThermal, SlotUser, SlotSIOP, SlotAFM, SlotUMD, SlotKernelMin, SlotSystem}

// Kind is the kind of bound a request places on the frequency.
type Kind int

const (
	// Min is a lower bound.
	Min Kind = iota
	// Max is an upper bound.
	Max
)

// String returns the name of the bound kind.
func (k Kind) String() string {
	if k == Min {
		return "min"
	}
	return "max"
}

// ErrInvalid is returned for rejected constraint requests.
var ErrInvalid = errors.New("invalid constraint request")

// Request is the state of one constraint slot bound.
type Request struct {
	Slot   Slot
	Kind   Kind
	Value  uint64
	Active bool
}

// Window is an effective frequency window.
type Window struct {
	Min uint64
	Max uint64
}

// String returns the window as 'min-max'.
func (w Window) String() string {
	return fmt.Sprintf("%d-%d", w.Min, w.Max)
}

// Arbiter is the external constraint-arbitration service requests are forwarded to.
type Arbiter interface {
	// Update adds, updates or (with active false) removes a constraint request.
	Update(slot Slot, kind Kind, value uint64, active bool) error
}

// ObserverFn is called with the new effective window after every committed change.
type ObserverFn func(Window)

type key struct {
	slot Slot
	kind Kind
}

// Registry holds the constraint slots of one GPU.
type Registry struct {
	lock       sync.Mutex
	table      *freqtable.Table
	arbiter    Arbiter
	executor   *deferred.Executor
	known      map[Slot]bool
	major      map[Slot]bool
	requests   map[key]uint64
	resets     map[key]*deferred.Timer
	scalingMin uint64
	scalingMax uint64
	observers  []ObserverFn
}

var log = logger.NewLogger("constraint")

// NewRegistry creates a constraint registry. Requests of majorClients must
// hit a major level of the table exactly, if the table has major levels. A
// nil arbiter keeps the requests local.
func NewRegistry(table *freqtable.Table, arbiter Arbiter, executor *deferred.Executor, majorClients ...Slot) *Registry {
	r := &Registry{
		table:    table,
		arbiter:  arbiter,
		executor: executor,
		known:    make(map[Slot]bool),
		major:    make(map[Slot]bool),
		requests: make(map[key]uint64),
		resets:   make(map[key]*deferred.Timer),
	}
	for _, s := range Slots {
		r.known[s] = true
	}
	for _, s := range majorClients {
		r.major[s] = true
	}
	return r
}

// Set sets or, with a zero value, clears the given slot bound. The request
// is forwarded to the arbiter first and only committed if that succeeds.
func (r *Registry) Set(slot Slot, kind Kind, value uint64) error {
	if err := r.validate(slot, kind, value); err != nil {
		return err
	}

	r.lock.Lock()
	w, observers, err := r.commit(key{slot, kind}, value)
	r.lock.Unlock()

	if err != nil {
		return err
	}

	r.notify(w, observers)
	return nil
}

// Clear clears the given slot bound.
func (r *Registry) Clear(slot Slot, kind Kind) error {
	return r.Set(slot, kind, 0)
}

// SetWithReset sets the given slot bound and, with a positive delay, arms
// its reset timer to clear the bound after delay. Arming replaces any
// pending reset, a zero delay cancels it.
func (r *Registry) SetWithReset(slot Slot, kind Kind, value uint64, delay time.Duration) error {
	if delay < 0 {
		return errors.Wrapf(ErrInvalid, "negative reset delay %s", delay)
	}
	if err := r.Set(slot, kind, value); err != nil {
		return err
	}

	k := key{slot, kind}

	r.lock.Lock()
	t, ok := r.resets[k]
	if !ok && r.executor != nil && delay > 0 {
		t = r.executor.NewTimer(fmt.Sprintf("%s-%s-reset", slot, kind), func() {
			r.reset(k)
		})
		r.resets[k] = t
	}
	r.lock.Unlock()

	if t == nil {
		if delay > 0 {
			log.Warn("no executor, %s %s will not be reset", slot, kind)
		}
		return nil
	}

	if delay > 0 && value != 0 {
		t.Arm(delay)
	} else {
		t.Cancel()
	}

	return nil
}

// reset clears an auto-resetting slot bound.
func (r *Registry) reset(k key) {
	log.Debug("resetting %s %s", k.slot, k.kind)
	if err := r.Set(k.slot, k.kind, 0); err != nil {
		log.Error("failed to reset %s %s: %v", k.slot, k.kind, err)
	}
}

// Get returns the value of the given slot bound and whether it is active.
func (r *Registry) Get(slot Slot, kind Kind) (uint64, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	v, ok := r.requests[key{slot, kind}]
	return v, ok
}

// Requests returns the active requests sorted by slot and kind.
func (r *Registry) Requests() []Request {
	r.lock.Lock()
	defer r.lock.Unlock()

	reqs := make([]Request, 0, len(r.requests))
	for k, v := range r.requests {
		reqs = append(reqs, Request{Slot: k.slot, Kind: k.kind, Value: v, Active: true})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Slot != reqs[j].Slot {
			return reqs[i].Slot < reqs[j].Slot
		}
		return reqs[i].Kind < reqs[j].Kind
	})
	return reqs
}

// SetScalingBounds sets the externally configured scaling limits, 0 means unset.
func (r *Registry) SetScalingBounds(min, max uint64) error {
	if min != 0 && max != 0 && min > max {
		return errors.Wrapf(ErrInvalid, "scaling min %d above scaling max %d", min, max)
	}

	r.lock.Lock()
	r.scalingMin, r.scalingMax = min, max
	w := r.window()
	observers := r.observers
	r.lock.Unlock()

	r.notify(w, observers)
	return nil
}

// ScalingBounds returns the externally configured scaling limits.
func (r *Registry) ScalingBounds() (uint64, uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.scalingMin, r.scalingMax
}

// EffectiveWindow returns the effective frequency window.
func (r *Registry) EffectiveWindow() Window {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.window()
}

// Watch registers fn to be called after every committed change.
func (r *Registry) Watch(fn ObserverFn) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.observers = append(r.observers[:len(r.observers):len(r.observers)], fn)
}

// Stop cancels all pending resets, waiting for running ones to finish.
func (r *Registry) Stop() {
	r.lock.Lock()
	timers := make([]*deferred.Timer, 0, len(r.resets))
	for _, t := range r.resets {
		timers = append(timers, t)
	}
	r.lock.Unlock()

	for _, t := range timers {
		t.CancelSync()
	}
}

// Release withdraws every active request from the arbiter without
// notifying observers. Requests the arbiter fails to withdraw stay active.
func (r *Registry) Release() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	var errs *multierror.Error
	for k := range r.requests {
		if r.arbiter != nil {
			if err := r.arbiter.Update(k.slot, k.kind, 0, false); err != nil {
				errs = multierror.Append(errs, errors.Wrapf(err, "failed to withdraw %s %s", k.slot, k.kind))
				continue
			}
		}
		delete(r.requests, k)
		log.Debug("%s %s: released", k.slot, k.kind)
	}

	return errs.ErrorOrNil()
}

func (r *Registry) validate(slot Slot, kind Kind, value uint64) error {
	if !r.known[slot] {
		return errors.Wrapf(ErrInvalid, "unknown constraint slot %q", slot)
	}
	if kind != Min && kind != Max {
		return errors.Wrapf(ErrInvalid, "invalid bound kind %d", kind)
	}
	if value != 0 && r.major[slot] && r.table.HasMajorLevels() && !r.table.IsMajor(value) {
		return errors.Wrapf(ErrInvalid, "%s %s %d is not a major level (%v)",
			slot, kind, value, r.table.MajorLevels())
	}
	return nil
}

// commit forwards and commits a request, r must be locked.
func (r *Registry) commit(k key, value uint64) (Window, []ObserverFn, error) {
	active := value != 0
	if r.arbiter != nil {
		if err := r.arbiter.Update(k.slot, k.kind, value, active); err != nil {
			return Window{}, nil, errors.Wrapf(err, "failed to forward %s %s %d", k.slot, k.kind, value)
		}
	}

	if active {
		r.requests[k] = value
	} else {
		delete(r.requests, k)
	}

	log.Debug("%s %s: %d (active: %v)", k.slot, k.kind, value, active)

	return r.window(), r.observers, nil
}

// window computes the effective window, r must be locked.
func (r *Registry) window() Window {
	w := Window{Min: r.table.Min(), Max: r.table.Max()}

	for k, v := range r.requests {
		switch k.kind {
		case Min:
			if v > w.Min {
				w.Min = v
			}
		case Max:
			if v < w.Max {
				w.Max = v
			}
		}
	}

	if r.scalingMin != 0 && r.scalingMin > w.Min {
		w.Min = r.scalingMin
	}
	if r.scalingMax != 0 && r.scalingMax < w.Max {
		w.Max = r.scalingMax
	}
	if w.Min > w.Max {
		w.Min = w.Max
	}

	return w
}

func (r *Registry) notify(w Window, observers []ObserverFn) {
	for _, fn := range observers {
		fn(w)
	}
}
