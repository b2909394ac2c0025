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

// Package transition implements the GPU frequency transition coordinator,
// which provisions the DRAM bandwidth floor, the bus scenario and the LLC
// partition of each frequency level in a safe order around transitions.
package transition

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/intel/gpu-dvfs/pkg/dvfs/freqtable"
	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

// Phase is the phase of a frequency transition.
type Phase int

const (
	// PreChange is before the new frequency takes effect.
	PreChange Phase = iota
	// PostChange is after the new frequency took effect.
	PostChange
)

// String returns the name of the phase.
func (p Phase) String() string {
	if p == PreChange {
		return "pre"
	}
	return "post"
}

// DefaultScenarioName is the name of the system default bus scenario.
const DefaultScenarioName = "default"

// Services are the resource services provisioned on transitions. Bus and
// Cache are optional capabilities, nil when the SoC lacks them.
type Services struct {
	Floor hw.BandwidthFloor
	Bus   hw.BusScenario
	Cache hw.CachePartition
}

// Options are the optional settings of a Coordinator.
type Options struct {
	// LLCRegion is the cache-partition region of the GPU.
	LLCRegion int
	// DefaultScenario is the system default bus scenario. If nil, it is
	// looked up by name from the bus scenario service.
	DefaultScenario *int
}

// State is a snapshot of the coordinator state.
type State struct {
	PrevScenario    int
	PrevWays        int
	DefaultScenario int
	DramFloor       uint64
	LLCWayDisabled  bool
	BoostEnabled    bool
	BoostActive     bool
}

// Coordinator provisions the dependent resources of GPU frequency levels.
//
// OnTransition is called by the scaling framework with its per-device lock
// held, and is never re-entered for the same device. The coordinator lock
// only serializes it against the control surface.
type Coordinator struct {
	lock     sync.Mutex
	table    *freqtable.Table
	svc      Services
	region   int
	suspends func() int
	state    State
	// llcStale is set when an allocation failed and the partition state is unknown.
	llcStale bool
}

var log = logger.NewLogger("transition")

// New creates a transition coordinator.
func New(table *freqtable.Table, svc Services, opts Options) (*Coordinator, error) {
	if table == nil {
		return nil, errors.New("transition: missing frequency table")
	}
	if svc.Floor == nil {
		return nil, errors.New("transition: missing bandwidth floor service")
	}

	c := &Coordinator{
		table:  table,
		svc:    svc,
		region: opts.LLCRegion,
	}

	switch {
	case opts.DefaultScenario != nil:
		c.state.DefaultScenario = *opts.DefaultScenario
	case svc.Bus != nil:
		id, err := svc.Bus.LookupScenario(DefaultScenarioName)
		if err != nil {
			return nil, errors.Wrap(err, "transition: failed to look up default bus scenario")
		}
		c.state.DefaultScenario = id
	}
	c.state.PrevScenario = c.state.DefaultScenario

	return c, nil
}

// SetSuspendCounter sets the function returning the framework suspend count.
func (c *Coordinator) SetSuspendCounter(fn func() int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.suspends = fn
}

// OnTransition provisions resources for a transition from old to new.
// Resources are only raised before a raise and relaxed after a drop, any
// other phase is a no-op, as is any transition while suspended.
// Provisioning failures are returned but never block the transition.
func (c *Coordinator) OnTransition(old, new uint64, phase Phase) error {
	switch {
	case phase == PreChange && new >= old:
	case phase == PostChange && new <= old:
	default:
		return nil
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.suspends != nil && c.suspends() > 0 {
		log.Debug("%s-change %d -> %d: suspended, skipping", phase, old, new)
		return nil
	}

	idx, level := c.table.Lookup(new)
	log.Debug("%s-change %d -> %d: provisioning level #%d", phase, old, new, idx)

	var errs *multierror.Error
	if err := c.setFloor(level); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.updateScenario(level.BusScenario); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.updateWays(c.targetWays(level)); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		log.Error("transition %d -> %d: %v", old, new, err)
		return err
	}
	return nil
}

// PresetOnResume provisions resources for the resume frequency. Only the
// LLC step determines the result, other failures are logged.
func (c *Coordinator) PresetOnResume(freq uint64) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	idx, level := c.table.Lookup(freq)
	log.Debug("resume preset at %d (level #%d)", freq, idx)

	if err := c.setFloor(level); err != nil {
		log.Error("resume preset: %v", err)
	}
	if err := c.updateScenario(level.BusScenario); err != nil {
		log.Error("resume preset: %v", err)
	}
	if err := c.updateWays(c.targetWays(level)); err != nil {
		log.Error("resume preset: %v", err)
		return err
	}
	return nil
}

// PostclearOnSuspend relaxes all provisioned resources before suspend.
func (c *Coordinator) PostclearOnSuspend() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	log.Debug("suspend postclear")

	var errs *multierror.Error
	if err := c.svc.Floor.SetFloor(0); err != nil {
		errs = multierror.Append(errs, transitionError("failed to drop DRAM floor: %v", err))
	} else {
		c.state.DramFloor = 0
	}

	if c.svc.Bus != nil && c.state.DefaultScenario < c.state.PrevScenario {
		if err := c.svc.Bus.DeleteScenario(c.state.PrevScenario); err != nil {
			errs = multierror.Append(errs,
				transitionError("failed to delete bus scenario %d: %v", c.state.PrevScenario, err))
		}
		c.state.PrevScenario = c.state.DefaultScenario
	}

	if c.svc.Cache != nil && (c.state.PrevWays > 0 || c.llcStale) {
		if err := c.svc.Cache.Allocate(c.region, false, 0); err != nil {
			errs = multierror.Append(errs, transitionError("failed to deallocate LLC: %v", err))
		} else {
			c.state.PrevWays = 0
			c.llcStale = false
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		log.Error("suspend postclear: %v", err)
		return err
	}
	return nil
}

// SetLLCWayDisabled sets the override forcing LLC ways to 0, effective from the next transition.
func (c *Coordinator) SetLLCWayDisabled(disabled bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.state.LLCWayDisabled = disabled
}

// SetComputeBoost sets the compute boost state, effective from the next transition.
func (c *Coordinator) SetComputeBoost(enabled, active bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.state.BoostEnabled = enabled
	c.state.BoostActive = active
}

// State returns a snapshot of the coordinator state.
func (c *Coordinator) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// HasBusScenario returns true if the bus scenario capability is present.
func (c *Coordinator) HasBusScenario() bool {
	return c.svc.Bus != nil
}

// HasCachePartition returns true if the cache partition capability is present.
func (c *Coordinator) HasCachePartition() bool {
	return c.svc.Cache != nil
}

func (c *Coordinator) targetWays(level freqtable.Level) int {
	if c.state.LLCWayDisabled {
		return 0
	}
	return level.LLCWays
}

// setFloor requests the DRAM floor of level, c must be locked.
func (c *Coordinator) setFloor(level freqtable.Level) error {
	floor := level.DramFloor
	if c.state.BoostEnabled && c.state.BoostActive {
		floor = level.DramFloorBoosted
	}
	if err := c.svc.Floor.SetFloor(floor); err != nil {
		return transitionError("failed to set DRAM floor %d: %v", floor, err)
	}
	c.state.DramFloor = floor
	return nil
}

// updateScenario adds a higher or deletes the previous higher bus scenario, c must be locked.
func (c *Coordinator) updateScenario(id int) error {
	if c.svc.Bus == nil {
		return nil
	}

	var err error
	prev := c.state.PrevScenario
	switch {
	case id > prev:
		if e := c.svc.Bus.AddScenario(id); e != nil {
			err = transitionError("failed to add bus scenario %d: %v", id, e)
		}
	case id < prev:
		if e := c.svc.Bus.DeleteScenario(prev); e != nil {
			err = transitionError("failed to delete bus scenario %d: %v", prev, e)
		}
	}
	c.state.PrevScenario = id

	return err
}

// updateWays changes the LLC partition to target ways, c must be locked.
// A partition is never resized in place: it is deallocated first. On
// failure PrevWays is left as is so the next transition retries.
func (c *Coordinator) updateWays(target int) error {
	if c.svc.Cache == nil || (target == c.state.PrevWays && !c.llcStale) {
		return nil
	}

	if target == 0 || c.state.PrevWays > 0 || c.llcStale {
		if err := c.svc.Cache.Allocate(c.region, false, 0); err != nil {
			return transitionError("failed to deallocate %d LLC ways: %v", c.state.PrevWays, err)
		}
		c.llcStale = false
	}
	if target > 0 {
		if err := c.svc.Cache.Allocate(c.region, true, target); err != nil {
			c.llcStale = true
			return transitionError("failed to allocate %d LLC ways: %v", target, err)
		}
	}

	c.state.PrevWays = target
	return nil
}

// ErrProvisioning is the base error of resource provisioning failures.
var ErrProvisioning = errors.New("resource provisioning failed")

func transitionError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProvisioning, format, args...)
}
