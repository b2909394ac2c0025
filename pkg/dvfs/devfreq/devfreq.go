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

// Package devfreq is a minimal frequency-scaling framework for one GPU. It
// owns the per-device lock, the current and requested frequency and the
// suspend count, and dispatches the transition and suspend/resume hooks.
package devfreq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"k8s.io/utils/clock"

	"github.com/intel/gpu-dvfs/pkg/dvfs/constraint"
	"github.com/intel/gpu-dvfs/pkg/dvfs/freqtable"
	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
	"github.com/intel/gpu-dvfs/pkg/dvfs/stats"
	"github.com/intel/gpu-dvfs/pkg/dvfs/transition"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

// Hooks are the transition and suspend/resume hooks of a device.
type Hooks interface {
	OnTransition(old, new uint64, phase transition.Phase) error
	PresetOnResume(freq uint64) error
	PostclearOnSuspend() error
}

// WindowSource provides the effective frequency window.
type WindowSource interface {
	EffectiveWindow() constraint.Window
}

// TransitionFn is called after every completed transition.
type TransitionFn func(old, new uint64)

// Options are the optional settings of a Device.
type Options struct {
	// Initial is the initial frequency, the table max if unset.
	Initial uint64
	// Clock is used for time-in-state and latency accounting.
	Clock clock.PassiveClock
}

// Device is the scaling state of one GPU.
type Device struct {
	suspends int32

	name   string
	table  *freqtable.Table
	window WindowSource
	setter hw.FrequencySetter
	hooks  Hooks
	clock  clock.PassiveClock
	stats  *stats.TimeInState

	// lock is the per-device lock, held across every transition.
	lock      sync.Mutex
	cur       uint64
	requested uint64
	failures  uint64
	detached  bool
	observers []TransitionFn
}

var log = logger.NewLogger("devfreq")

// New creates a device.
func New(name string, table *freqtable.Table, window WindowSource, setter hw.FrequencySetter, hooks Hooks, opts Options) (*Device, error) {
	if table == nil || window == nil || setter == nil || hooks == nil {
		return nil, devfreqError("%s: missing table, window, frequency setter or hooks", name)
	}

	d := &Device{
		name:   name,
		table:  table,
		window: window,
		setter: setter,
		hooks:  hooks,
		clock:  opts.Clock,
		cur:    table.Max(),
	}
	if d.clock == nil {
		d.clock = clock.RealClock{}
	}
	if opts.Initial != 0 {
		if _, ok := table.Index(opts.Initial); !ok {
			return nil, devfreqError("%s: initial frequency %d not in table %s", name, opts.Initial, table)
		}
		d.cur = opts.Initial
	}
	d.requested = d.cur

	idx, _ := table.Index(d.cur)
	d.stats = stats.New(table.Frequencies(), idx, d.clock)

	return d, nil
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// Table returns the frequency table of the device.
func (d *Device) Table() *freqtable.Table {
	return d.table
}

// SuspendCount returns the suspend count. It does not take the device
// lock, so hooks can call it.
func (d *Device) SuspendCount() int {
	return int(atomic.LoadInt32(&d.suspends))
}

// Current returns the current frequency.
func (d *Device) Current() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.cur
}

// Requested returns the last requested frequency.
func (d *Device) Requested() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.requested
}

// Watch registers fn to be called after every completed transition, with
// the device lock held.
func (d *Device) Watch(fn TransitionFn) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.observers = append(d.observers, fn)
}

// Target requests the given frequency. The request is clamped into the
// effective window and snapped to a table level. While suspended the
// request is only recorded.
func (d *Device) Target(freq uint64) error {
	ctx, span := trace.StartSpan(context.Background(), "devfreq.Target")
	defer span.End()
	span.AddAttributes(
		trace.StringAttribute("device", d.name),
		trace.Int64Attribute("requested", int64(freq)),
	)

	d.lock.Lock()
	defer d.lock.Unlock()

	d.requested = freq
	return d.target(ctx)
}

// Reevaluate re-targets the last request, for instance after the effective
// window has changed.
func (d *Device) Reevaluate() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.target(context.Background())
}

// Suspend increments the suspend count, relaxing resources on the first suspend.
func (d *Device) Suspend() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if atomic.AddInt32(&d.suspends, 1) != 1 {
		return nil
	}

	log.Info("%s: suspending at %d", d.name, d.cur)
	if err := d.hooks.PostclearOnSuspend(); err != nil {
		log.Warn("%s: suspend postclear: %v", d.name, err)
	}
	return nil
}

// Resume decrements the suspend count, provisioning resources for the
// current frequency on the last resume and re-targeting the last request.
// Provisioning failures do not fail the resume.
func (d *Device) Resume() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.detached {
		return devfreqError("%s: resume after detach", d.name)
	}
	cnt := atomic.LoadInt32(&d.suspends)
	if cnt == 0 {
		return devfreqError("%s: resume without suspend", d.name)
	}
	if atomic.AddInt32(&d.suspends, -1) != 0 {
		return nil
	}

	log.Info("%s: resuming at %d", d.name, d.cur)
	if err := d.hooks.PresetOnResume(d.cur); err != nil {
		log.Warn("%s: resume preset: %v", d.name, err)
	}
	return d.target(context.Background())
}

// Detach stops scaling for good and relaxes the resources held for the
// current frequency. Later requests are only recorded.
func (d *Device) Detach() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.detached {
		return nil
	}
	d.detached = true
	atomic.AddInt32(&d.suspends, 1)

	log.Info("%s: detaching at %d", d.name, d.cur)
	return d.hooks.PostclearOnSuspend()
}

// Provision provisions resources for the current frequency, as on resume.
func (d *Device) Provision() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.hooks.PresetOnResume(d.cur)
}

// TimeInState returns the time spent at each frequency.
func (d *Device) TimeInState() []stats.Entry {
	return d.stats.Snapshot()
}

// ConsumeTimeInState returns the time spent at each frequency and resets it.
func (d *Device) ConsumeTimeInState() []stats.Entry {
	return d.stats.Consume()
}

// Transitions returns the number of completed transitions.
func (d *Device) Transitions() uint64 {
	return d.stats.Transitions()
}

// Failures returns the number of failed transitions.
func (d *Device) Failures() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.failures
}

// target moves to the frequency selected for the request, d must be locked.
func (d *Device) target(ctx context.Context) error {
	if d.SuspendCount() > 0 {
		log.Debug("%s: suspended, deferring request %d", d.name, d.requested)
		return nil
	}

	w := d.window.EffectiveWindow()
	old, new := d.cur, d.table.Select(d.requested, w.Min, w.Max)
	if old == new {
		return nil
	}

	ctx, span := trace.StartSpan(ctx, "devfreq.transition")
	defer span.End()
	span.AddAttributes(
		trace.Int64Attribute("old", int64(old)),
		trace.Int64Attribute("new", int64(new)),
	)

	start := d.clock.Now()
	log.Debug("%s: %d -> %d (request %d, window %s)", d.name, old, new, d.requested, w)

	if err := d.hooks.OnTransition(old, new, transition.PreChange); err != nil {
		log.Warn("%s: pre-change: %v", d.name, err)
	}

	if err := d.setter.SetFrequency(new); err != nil {
		d.failures++
		if herr := d.hooks.OnTransition(old, old, transition.PostChange); herr != nil {
			log.Warn("%s: post-change revert: %v", d.name, herr)
		}
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		recordFailure(ctx, d.name)
		return devfreqError("%s: failed to set frequency %d: %v", d.name, new, err)
	}

	if err := d.hooks.OnTransition(old, new, transition.PostChange); err != nil {
		log.Warn("%s: post-change: %v", d.name, err)
	}

	d.cur = new
	idx, _ := d.table.Index(new)
	d.stats.Update(idx)
	recordTransition(ctx, d.name, d.clock.Since(start))

	for _, fn := range d.observers {
		fn(old, new)
	}

	return nil
}

func devfreqError(format string, args ...interface{}) error {
	return errors.Errorf("devfreq: "+format, args...)
}
