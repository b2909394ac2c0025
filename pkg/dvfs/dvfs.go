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

// Package dvfs ties together the frequency scaling state of one GPU: its
// frequency table, constraint registry, transition coordinator, scaling
// framework adapter, AFM domains, deferred executor and control nodes.
package dvfs

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/intel/gpu-dvfs/pkg/dvfs/afm"
	"github.com/intel/gpu-dvfs/pkg/dvfs/constraint"
	"github.com/intel/gpu-dvfs/pkg/dvfs/control"
	"github.com/intel/gpu-dvfs/pkg/dvfs/deferred"
	"github.com/intel/gpu-dvfs/pkg/dvfs/devfreq"
	"github.com/intel/gpu-dvfs/pkg/dvfs/freqtable"
	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
	"github.com/intel/gpu-dvfs/pkg/dvfs/metrics"
	"github.com/intel/gpu-dvfs/pkg/dvfs/transition"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

// AFMBackend are the hardware resources of one AFM domain.
type AFMBackend struct {
	Registers hw.Registers
	IRQ       hw.IRQLine
	PMIC      hw.PMIC
}

// Backends are the hardware and platform services of a GPU. Bus and
// Cache are only used if the corresponding capability is configured.
// Arbiter and PM are optional.
type Backends struct {
	Floor   hw.BandwidthFloor
	Bus     hw.BusScenario
	Cache   hw.CachePartition
	Setter  hw.FrequencySetter
	Arbiter constraint.Arbiter
	PM      hw.RuntimePM
	AFM     map[string]AFMBackend
	// Clock drives deferred work and statistics, the real clock if nil.
	Clock clock.WithDelayedExecution
}

// Device is the frequency scaling context of one GPU.
type Device struct {
	name      string
	cfg       Config
	caps      Capabilities
	table     *freqtable.Table
	executor  *deferred.Executor
	registry  *constraint.Registry
	coord     *transition.Coordinator
	dev       *devfreq.Device
	limiter   *afm.SlotLimiter
	domains   []*afm.Domain
	nodes     *control.Nodes
	collector *metrics.Collector

	lock    sync.Mutex
	boost   bool
	active  bool
	started bool
	stopped bool
}

var log = logger.NewLogger("dvfs")

// New creates the scaling context of a GPU.
func New(cfg Config, b Backends) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.Floor == nil || b.Setter == nil {
		return nil, dvfsError("%s: missing bandwidth floor or frequency setter", cfg.Name)
	}

	table, err := cfg.table()
	if err != nil {
		return nil, dvfsError("%s: %v", cfg.Name, err)
	}

	d := &Device{
		name:  cfg.Name,
		cfg:   cfg,
		table: table,
		boost: cfg.ComputeBoost,
	}

	svc := transition.Services{Floor: b.Floor}
	if cfg.Capabilities.BusScenario {
		if b.Bus == nil {
			return nil, dvfsError("%s: bus scenario capability without backend", d.name)
		}
		svc.Bus = b.Bus
		d.caps.BusScenario = true
	}
	if cfg.Capabilities.CachePartition {
		if b.Cache == nil {
			return nil, dvfsError("%s: cache partition capability without backend", d.name)
		}
		svc.Cache = b.Cache
		d.caps.CachePartition = true
	}

	d.coord, err = transition.New(table, svc, transition.Options{
		LLCRegion:       cfg.LLCRegion,
		DefaultScenario: cfg.DefaultScenario,
	})
	if err != nil {
		return nil, dvfsError("%s: %v", d.name, err)
	}
	d.coord.SetLLCWayDisabled(cfg.DisableLLCWay)
	d.coord.SetComputeBoost(d.boost, false)

	d.executor = deferred.NewExecutor(d.name, b.Clock)
	d.registry = constraint.NewRegistry(table, b.Arbiter, d.executor, cfg.majorClients()...)
	if err := d.registry.SetScalingBounds(cfg.ScalingMin, cfg.ScalingMax); err != nil {
		d.executor.Stop()
		return nil, dvfsError("%s: %v", d.name, err)
	}

	d.dev, err = devfreq.New(d.name, table, d.registry, b.Setter, d.coord, devfreq.Options{
		Initial: cfg.InitialFrequency,
		Clock:   d.executor.Clock(),
	})
	if err != nil {
		d.executor.Stop()
		return nil, dvfsError("%s: %v", d.name, err)
	}
	d.coord.SetSuspendCounter(d.dev.SuspendCount)
	d.registry.Watch(d.windowChanged)

	d.limiter = afm.NewSlotLimiter(d.registry)
	for _, acfg := range cfg.AFM {
		dcfg, err := acfg.domainConfig()
		if err != nil {
			d.executor.Stop()
			return nil, dvfsError("%s: %v", d.name, err)
		}
		res, ok := b.AFM[acfg.Name]
		if !ok {
			d.executor.Stop()
			return nil, dvfsError("%s: no backend for AFM domain %s", d.name, acfg.Name)
		}
		domain, err := afm.New(dcfg, table, d.limiter, d.executor, afm.Resources{
			Registers: res.Registers,
			IRQ:       res.IRQ,
			PMIC:      res.PMIC,
			PM:        b.PM,
		})
		if err != nil {
			d.executor.Stop()
			return nil, dvfsError("%s: %v", d.name, err)
		}
		d.domains = append(d.domains, domain)
	}

	d.collector = metrics.NewCollector(d)
	d.nodes = control.NewNodes()
	if err := d.registerNodes(); err != nil {
		d.executor.Stop()
		return nil, dvfsError("%s: %v", d.name, err)
	}

	return d, nil
}

// Start provisions the resources of the initial frequency and starts AFM
// registration.
func (d *Device) Start() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.started {
		return dvfsError("%s: already started", d.name)
	}
	d.started = true

	log.Info("%s: starting at %d kHz, window %s", d.name, d.dev.Current(), d.registry.EffectiveWindow())

	if err := d.dev.Provision(); err != nil {
		log.Warn("%s: initial provisioning: %v", d.name, err)
	}

	var errs *multierror.Error
	for _, domain := range d.domains {
		if err := domain.Init(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Stop tears down the AFM domains, stops all deferred work, relaxes the
// resources provisioned for the current frequency and withdraws every
// constraint request.
func (d *Device) Stop() error {
	d.lock.Lock()
	if d.stopped {
		d.lock.Unlock()
		return nil
	}
	d.stopped = true
	d.lock.Unlock()

	log.Info("%s: stopping", d.name)

	var g errgroup.Group
	for _, domain := range d.domains {
		domain := domain
		g.Go(domain.Teardown)
	}
	var errs *multierror.Error
	if err := g.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}

	d.registry.Stop()
	d.executor.Stop()

	if err := d.dev.Detach(); err != nil {
		errs = multierror.Append(errs, dvfsError("%s: failed to release resources: %v", d.name, err))
	}
	if err := d.registry.Release(); err != nil {
		errs = multierror.Append(errs, dvfsError("%s: %v", d.name, err))
	}

	return errs.ErrorOrNil()
}

// Suspend quiesces AFM interrupts and suspends frequency scaling.
func (d *Device) Suspend() error {
	for _, domain := range d.domains {
		domain.Suspend()
	}
	return d.dev.Suspend()
}

// Resume resumes frequency scaling and re-arms AFM interrupts.
func (d *Device) Resume() error {
	if err := d.dev.Resume(); err != nil {
		return err
	}
	if d.dev.SuspendCount() == 0 {
		for _, domain := range d.domains {
			domain.Resume()
		}
	}
	return nil
}

// Reconfigure applies the runtime-tunable settings of cfg. Changes to the
// frequency table or the AFM domain set need a restart and are ignored.
func (d *Device) Reconfigure(cfg Config) error {
	if cfg.Name != d.name {
		return dvfsError("%s: can't apply configuration of %s", d.name, cfg.Name)
	}

	var errs *multierror.Error

	if err := d.registry.SetScalingBounds(cfg.ScalingMin, cfg.ScalingMax); err != nil {
		errs = multierror.Append(errs, err)
	}
	d.coord.SetLLCWayDisabled(cfg.DisableLLCWay)
	d.setComputeBoost(cfg.ComputeBoost, nil)

	for _, acfg := range cfg.AFM {
		domain := d.Domain(acfg.Name)
		if domain == nil {
			log.Warn("%s: ignoring new AFM domain %s until restart", d.name, acfg.Name)
			continue
		}
		if acfg.DownStep != 0 {
			if err := domain.SetDownStep(acfg.DownStep); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if acfg.ReleaseDuration != 0 {
			if err := domain.SetReleaseDuration(time.Duration(acfg.ReleaseDuration)); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if acfg.WarnLevel != nil {
			if err := domain.SetWarnLevel(*acfg.WarnLevel); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if err := domain.SetEnabled(!acfg.Disabled); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	d.lock.Lock()
	d.cfg.ScalingMin, d.cfg.ScalingMax = cfg.ScalingMin, cfg.ScalingMax
	d.cfg.DisableLLCWay = cfg.DisableLLCWay
	d.cfg.KernelIdleMinDelay = cfg.KernelIdleMinDelay
	d.lock.Unlock()

	return errs.ErrorOrNil()
}

// Name returns the name of the GPU.
func (d *Device) Name() string {
	return d.name
}

// Capabilities returns the optional features in use.
func (d *Device) Capabilities() Capabilities {
	return d.caps
}

// Table returns the frequency table.
func (d *Device) Table() *freqtable.Table {
	return d.table
}

// Registry returns the constraint registry.
func (d *Device) Registry() *constraint.Registry {
	return d.registry
}

// Coordinator returns the transition coordinator.
func (d *Device) Coordinator() *transition.Coordinator {
	return d.coord
}

// Framework returns the scaling framework adapter.
func (d *Device) Framework() *devfreq.Device {
	return d.dev
}

// Executor returns the deferred executor.
func (d *Device) Executor() *deferred.Executor {
	return d.executor
}

// Domains returns the AFM domains.
func (d *Device) Domains() []*afm.Domain {
	return append([]*afm.Domain{}, d.domains...)
}

// Domain returns the named AFM domain, or nil.
func (d *Device) Domain(name string) *afm.Domain {
	for _, domain := range d.domains {
		if domain.Name() == name {
			return domain
		}
	}
	return nil
}

// Nodes returns the control nodes.
func (d *Device) Nodes() *control.Nodes {
	return d.nodes
}

// Collector returns the prometheus collector.
func (d *Device) Collector() *metrics.Collector {
	return d.collector
}

// ComputeBoost returns whether compute boost is enabled and active.
func (d *Device) ComputeBoost() (bool, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.boost, d.active
}

// setComputeBoost updates compute boost. It takes effect on the next
// transition.
func (d *Device) setComputeBoost(enabled bool, active *bool) {
	d.lock.Lock()
	d.boost = enabled
	if active != nil {
		d.active = *active
	}
	enabled, act := d.boost, d.active
	d.lock.Unlock()

	d.coord.SetComputeBoost(enabled, act)
}

func (d *Device) kernelIdleMinDelay() time.Duration {
	d.lock.Lock()
	defer d.lock.Unlock()
	return time.Duration(d.cfg.KernelIdleMinDelay)
}

// windowChanged re-targets the last request when the effective window changes.
func (d *Device) windowChanged(w constraint.Window) {
	log.Debug("%s: effective window %s", d.name, w)
	if err := d.dev.Reevaluate(); err != nil {
		log.Error("%s: failed to apply window %s: %v", d.name, w, err)
	}
}

func dvfsError(format string, args ...interface{}) error {
	return errors.Errorf("dvfs: "+format, args...)
}
