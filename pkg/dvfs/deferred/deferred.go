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

// Package deferred implements a serial executor for delayed work with
// single-slot, cancel-and-replace timers.
package deferred

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	logger "github.com/intel/gpu-dvfs/pkg/log"
)

var log = logger.NewLogger("deferred")

// Executor runs the tasks of its timers one at a time on a single goroutine.
//
// The executor lock is never held while a task runs or while calling into
// the clock, so arming a timer never waits for a running task.
type Executor struct {
	name    string
	clock   clock.WithDelayedExecution
	lock    sync.Mutex
	idle    *sync.Cond
	queue   []run
	running *Timer
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

// Timer is a single-slot deferred task. At most one run is pending at any
// time: arming replaces any pending run, and a replaced run never executes.
type Timer struct {
	e       *Executor
	name    string
	fn      func()
	gen     uint64
	pending bool
	timer   clock.Timer
}

type run struct {
	t   *Timer
	gen uint64
}

// NewExecutor creates and starts an executor. A nil clock selects the real clock.
func NewExecutor(name string, c clock.WithDelayedExecution) *Executor {
	if c == nil {
		c = clock.RealClock{}
	}
	e := &Executor{
		name:  name,
		clock: c,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	e.idle = sync.NewCond(&e.lock)

	go e.worker()

	return e
}

// Clock returns the clock used by the executor.
func (e *Executor) Clock() clock.WithDelayedExecution {
	return e.clock
}

// NewTimer creates a timer running fn on the executor.
func (e *Executor) NewTimer(name string, fn func()) *Timer {
	return &Timer{
		e:    e,
		name: name,
		fn:   fn,
	}
}

// Sync waits until the executor has no queued or running tasks. It must
// not be called from a task.
func (e *Executor) Sync() {
	e.lock.Lock()
	defer e.lock.Unlock()
	for !e.stopped && (len(e.queue) > 0 || e.running != nil) {
		e.idle.Wait()
	}
}

// Stop stops the executor, dropping all queued tasks. A running task is
// allowed to finish.
func (e *Executor) Stop() {
	e.lock.Lock()
	if e.stopped {
		e.lock.Unlock()
		return
	}
	e.stopped = true
	e.queue = nil
	e.idle.Broadcast()
	e.lock.Unlock()

	close(e.stop)
	<-e.done
}

// enqueue queues a run of t unless the executor is stopped.
func (e *Executor) enqueue(t *Timer, gen uint64) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.enqueueLocked(t, gen)
}

func (e *Executor) enqueueLocked(t *Timer, gen uint64) {
	if e.stopped {
		return
	}
	e.queue = append(e.queue, run{t: t, gen: gen})
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// next dequeues the next current run, dropping stale ones.
func (e *Executor) next() *Timer {
	e.lock.Lock()
	defer e.lock.Unlock()

	for len(e.queue) > 0 {
		r := e.queue[0]
		e.queue = e.queue[1:]
		if r.gen != r.t.gen || e.stopped {
			log.Debug("%s: dropping stale run of %s", e.name, r.t.name)
			continue
		}
		r.t.pending = false
		r.t.timer = nil
		e.running = r.t
		return r.t
	}

	e.idle.Broadcast()
	return nil
}

func (e *Executor) finish() {
	e.lock.Lock()
	e.running = nil
	e.idle.Broadcast()
	e.lock.Unlock()
}

func (e *Executor) worker() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		}

		for t := e.next(); t != nil; t = e.next() {
			t.fn()
			e.finish()
		}
	}
}

// Arm schedules the timer to run after d, replacing any pending run.
// A non-positive d queues the run immediately. Arm never blocks on a
// running task and is safe to call from an interrupt handler.
func (t *Timer) Arm(d time.Duration) {
	e := t.e

	e.lock.Lock()
	t.gen++
	gen := t.gen
	old := t.timer
	t.timer = nil
	t.pending = true
	if d <= 0 {
		e.enqueueLocked(t, gen)
	}
	e.lock.Unlock()

	if old != nil {
		old.Stop()
	}
	if d <= 0 {
		return
	}

	nt := e.clock.AfterFunc(d, func() { e.enqueue(t, gen) })

	e.lock.Lock()
	stale := t.gen != gen
	if !stale {
		t.timer = nt
	}
	e.lock.Unlock()

	if stale {
		nt.Stop()
	}
}

// Cancel cancels any pending run of the timer. A run already in progress
// is not waited for.
func (t *Timer) Cancel() {
	e := t.e

	e.lock.Lock()
	t.gen++
	t.pending = false
	old := t.timer
	t.timer = nil
	e.lock.Unlock()

	if old != nil {
		old.Stop()
	}
}

// CancelSync cancels any pending run and waits for a run in progress to
// finish. A run rearming its own timer is cancelled too. It must not be
// called from the timer's own task.
func (t *Timer) CancelSync() {
	t.Cancel()

	e := t.e
	e.lock.Lock()
	for e.running == t && !e.stopped {
		e.idle.Wait()
	}
	e.lock.Unlock()

	t.Cancel()
}

// Pending returns true if the timer has a run scheduled or queued.
func (t *Timer) Pending() bool {
	t.e.lock.Lock()
	defer t.e.lock.Unlock()
	return t.pending
}

// Name returns the name of the timer.
func (t *Timer) Name() string {
	return t.name
}
