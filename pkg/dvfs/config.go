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

package dvfs

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-dvfs/pkg/config"
	"github.com/intel/gpu-dvfs/pkg/dvfs/afm"
	"github.com/intel/gpu-dvfs/pkg/dvfs/constraint"
	"github.com/intel/gpu-dvfs/pkg/dvfs/freqtable"
)

const (
	// configModule is our module name in the runtime configuration.
	configModule = "dvfs"
)

// Options is the runtime configuration of all GPUs.
type Options struct {
	// Devices are the configured GPUs.
	Devices []Config `json:"devices,omitempty"`
}

// Config is the configuration of one GPU.
type Config struct {
	// Name identifies the GPU in logs, metrics and control paths.
	Name string `json:"name"`
	// Levels is the frequency table, sorted by strictly descending frequency.
	Levels []freqtable.Level `json:"levels"`
	// MajorLevels are the frequencies major-level clients must request exactly.
	MajorLevels []uint64 `json:"majorLevels,omitempty"`
	// MajorClients are the constraint slots restricted to major levels.
	MajorClients []constraint.Slot `json:"majorClients,omitempty"`
	// InitialFrequency is the frequency at attach, the table max if unset.
	InitialFrequency uint64 `json:"initialFrequency,omitempty"`
	// ScalingMin and ScalingMax are the initial scaling bounds, 0 for none.
	ScalingMin uint64 `json:"scalingMin,omitempty"`
	ScalingMax uint64 `json:"scalingMax,omitempty"`
	// Capabilities are the optional features of the SoC generation.
	Capabilities Capabilities `json:"capabilities"`
	// LLCRegion is the cache-partition region of the GPU.
	LLCRegion int `json:"llcRegion,omitempty"`
	// DefaultScenario is the system default bus scenario id, looked up if unset.
	DefaultScenario *int `json:"defaultScenario,omitempty"`
	// DisableLLCWay suppresses LLC way allocation.
	DisableLLCWay bool `json:"disableLLCWay,omitempty"`
	// ComputeBoost enables the boosted DRAM floor while compute is active.
	ComputeBoost bool `json:"computeBoost,omitempty"`
	// KernelIdleMinDelay is the auto-reset delay of kernel idle min requests
	// written without an explicit delay, 0 for no reset.
	KernelIdleMinDelay config.Duration `json:"kernelIdleMinDelay,omitempty"`
	// AFM are the droop detection domains of the GPU.
	AFM []AFMConfig `json:"afm,omitempty"`
}

// Capabilities are the optional features of a SoC generation.
type Capabilities struct {
	// BusScenario is set if the SoC has bus traffic-class scenarios.
	BusScenario bool `json:"busScenario"`
	// CachePartition is set if the SoC has LLC cache partitioning.
	CachePartition bool `json:"cachePartition"`
}

// AFMConfig is the configuration of one AFM domain.
type AFMConfig struct {
	// Name of the domain, unique per GPU.
	Name string `json:"name"`
	// Layout is the register layout of the domain, gen1 or gen2.
	Layout string `json:"layout"`
	// DownStep is the number of levels clipped per droop.
	DownStep int `json:"downStep,omitempty"`
	// ReleaseDuration is the quiescence period before the clip is released.
	ReleaseDuration config.Duration `json:"releaseDuration,omitempty"`
	// RegisterDuration is the PMIC bus readiness retry interval.
	RegisterDuration config.Duration `json:"registerDuration,omitempty"`
	// MaxFreq and MinFreq bound the clip, 0 for the table bounds.
	MaxFreq uint64 `json:"maxFreq,omitempty"`
	MinFreq uint64 `json:"minFreq,omitempty"`
	// WarnLevel is the PMIC droop warn level, the PMIC default if unset.
	WarnLevel *int `json:"warnLevel,omitempty"`
	// Disabled leaves the PMIC droop detector disabled.
	Disabled bool `json:"disabled,omitempty"`
}

// opt is the active runtime configuration.
var opt = defaultOptions().(*Options)

// Validate checks the configuration of all GPUs.
func (o *Options) Validate() error {
	var errs *multierror.Error

	names := map[string]bool{}
	for i := range o.Devices {
		cfg := &o.Devices[i]
		if names[cfg.Name] {
			errs = multierror.Append(errs, dvfsError("duplicate GPU %q", cfg.Name))
		}
		names[cfg.Name] = true
		if err := cfg.Validate(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// Lookup returns the configuration of the named GPU.
func (o *Options) Lookup(name string) (Config, bool) {
	for _, cfg := range o.Devices {
		if cfg.Name == name {
			return cfg, true
		}
	}
	return Config{}, false
}

// Validate checks the configuration of a GPU.
func (c *Config) Validate() error {
	if c.Name == "" {
		return dvfsError("missing GPU name")
	}
	if _, err := c.table(); err != nil {
		return dvfsError("%s: %v", c.Name, err)
	}
	if c.KernelIdleMinDelay < 0 {
		return dvfsError("%s: negative kernel idle min delay", c.Name)
	}

	known := map[constraint.Slot]bool{}
	for _, s := range constraint.Slots {
		known[s] = true
	}
	for _, s := range c.MajorClients {
		if !known[s] {
			return dvfsError("%s: unknown major-level client %q", c.Name, s)
		}
	}

	domains := map[string]bool{}
	for _, a := range c.AFM {
		if a.Name == "" {
			return dvfsError("%s: AFM domain without name", c.Name)
		}
		if domains[a.Name] {
			return dvfsError("%s: duplicate AFM domain %q", c.Name, a.Name)
		}
		domains[a.Name] = true
		if _, err := afm.LookupLayout(a.Layout); err != nil {
			return dvfsError("%s: AFM domain %s: %v", c.Name, a.Name, err)
		}
	}

	return nil
}

func (c *Config) table() (*freqtable.Table, error) {
	return freqtable.New(c.Levels, c.MajorLevels)
}

func (c *Config) majorClients() []constraint.Slot {
	if c.MajorClients == nil {
		return []constraint.Slot{constraint.SlotThermal}
	}
	return c.MajorClients
}

func (a *AFMConfig) domainConfig() (afm.Config, error) {
	layout, err := afm.LookupLayout(a.Layout)
	if err != nil {
		return afm.Config{}, err
	}
	cfg := afm.Config{
		Name:             a.Name,
		Layout:           layout,
		DownStep:         a.DownStep,
		ReleaseDuration:  time.Duration(a.ReleaseDuration),
		RegisterDuration: time.Duration(a.RegisterDuration),
		MaxFreq:          a.MaxFreq,
		MinFreq:          a.MinFreq,
		WarnLevel:        -1,
		Disabled:         a.Disabled,
	}
	if a.WarnLevel != nil {
		cfg.WarnLevel = *a.WarnLevel
	}
	return cfg, nil
}

// GetOptions returns a copy of the active runtime configuration.
func GetOptions() Options {
	devices := make([]Config, len(opt.Devices))
	copy(devices, opt.Devices)
	return Options{Devices: devices}
}

// WatchUpdates registers fn to be called after runtime configuration updates.
func WatchUpdates(fn func(*Options) error) {
	module.WatchUpdates(func(event config.Event, _ config.Source) error {
		log.Info("configuration %v", event)
		o := GetOptions()
		return fn(&o)
	})
}

// defaultOptions returns a new instance of the default configuration.
func defaultOptions() interface{} {
	return &Options{}
}

// module is our runtime configuration module.
var module = config.Register(configModule, "GPU frequency scaling", opt, defaultOptions)
