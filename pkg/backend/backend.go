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

// Package backend builds the hardware backends of GPUs from their
// configured platform paths.
package backend

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/gpu-dvfs/pkg/backend/i2c"
	"github.com/intel/gpu-dvfs/pkg/backend/resctrl"
	"github.com/intel/gpu-dvfs/pkg/backend/sysfs"
	"github.com/intel/gpu-dvfs/pkg/backend/uio"
	"github.com/intel/gpu-dvfs/pkg/config"
	"github.com/intel/gpu-dvfs/pkg/dvfs"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

const (
	// configModule is our module name in the runtime configuration.
	configModule = "backend"
)

// Options are the platform paths of all GPUs.
type Options struct {
	// Devices are the backends of the configured GPUs.
	Devices []DeviceConfig `json:"devices,omitempty"`
	// Resctrl configures LLC partitioning, shared by all GPUs.
	Resctrl ResctrlConfig `json:"resctrl"`
	// UIOClassDir is the sysfs directory of UIO devices.
	UIOClassDir string `json:"uioClassDir,omitempty"`
	// DevDir is the directory of UIO and i2c device nodes.
	DevDir string `json:"devDir,omitempty"`
}

// DeviceConfig are the platform paths of one GPU.
type DeviceConfig struct {
	// Name is the name of the GPU in the dvfs configuration.
	Name string `json:"name"`
	// GPUDevfreq is the devfreq directory of the GPU.
	GPUDevfreq string `json:"gpuDevfreq"`
	// DRAMDevfreq is the devfreq directory of the DRAM, for the bandwidth floor.
	DRAMDevfreq string `json:"dramDevfreq"`
	// BusScenario is the directory of the bus scenario service.
	BusScenario string `json:"busScenario,omitempty"`
	// Arbiter is the directory of the constraint request entries, if any.
	Arbiter string `json:"arbiter,omitempty"`
	// Power is the device directory with the runtime PM entries, if any.
	Power string `json:"power,omitempty"`
	// AFM are the backends of the AFM domains.
	AFM []AFMConfig `json:"afm,omitempty"`
}

// AFMConfig are the platform resources of one AFM domain.
type AFMConfig struct {
	// Name is the name of the domain in the dvfs configuration.
	Name string `json:"name"`
	// UIO is the name of the UIO device of the domain.
	UIO string `json:"uio"`
	// Map is the index of the register map of the UIO device.
	Map int `json:"map,omitempty"`
	// I2CAdapter is the adapter number of the PMIC.
	I2CAdapter int `json:"i2cAdapter"`
	// I2CAddress is the target address of the PMIC.
	I2CAddress uint16 `json:"i2cAddress"`
}

// ResctrlConfig configures the LLC partition service.
type ResctrlConfig struct {
	// Path is the resctrl mount point, discovered if empty.
	Path string `json:"path,omitempty"`
	// MountsFile lists the mounted filesystems.
	MountsFile string `json:"mountsFile,omitempty"`
	// GroupPrefix prefixes the control groups of the GPUs.
	GroupPrefix string `json:"groupPrefix,omitempty"`
	// Ways restricts the usable LLC ways, in list format.
	Ways string `json:"ways,omitempty"`
}

// Validate checks the backend configuration.
func (o *Options) Validate() error {
	var errs *multierror.Error

	names := map[string]bool{}
	for _, d := range o.Devices {
		switch {
		case d.Name == "":
			errs = multierror.Append(errs, backendError("device without name"))
			continue
		case names[d.Name]:
			errs = multierror.Append(errs, backendError("duplicate device %q", d.Name))
		case d.GPUDevfreq == "" || d.DRAMDevfreq == "":
			errs = multierror.Append(errs, backendError("%s: missing devfreq directories", d.Name))
		}
		names[d.Name] = true

		domains := map[string]bool{}
		for _, a := range d.AFM {
			if a.Name == "" || a.UIO == "" {
				errs = multierror.Append(errs, backendError("%s: AFM domain without name or UIO device", d.Name))
			} else if domains[a.Name] {
				errs = multierror.Append(errs, backendError("%s: duplicate AFM domain %q", d.Name, a.Name))
			}
			domains[a.Name] = true
		}
	}

	return errs.ErrorOrNil()
}

// Lookup returns the configuration of the named GPU.
func (o *Options) Lookup(name string) (DeviceConfig, bool) {
	for _, d := range o.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// Set is the backends of one GPU with the resources to release at detach.
type Set struct {
	dvfs.Backends
	closers []io.Closer
}

// Close releases the resources of the backends.
func (s *Set) Close() error {
	var errs *multierror.Error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.closers = nil
	return errs.ErrorOrNil()
}

// Builder builds the backends of GPUs.
type Builder struct {
	sync.Mutex
	opts  Options
	cache *resctrl.Partition
}

var log = logger.NewLogger("backend")

// NewBuilder creates a builder for the given options.
func NewBuilder(opts Options) *Builder {
	return &Builder{opts: opts}
}

// Build creates the backends for the GPU configured by cfg.
func (b *Builder) Build(cfg dvfs.Config) (*Set, error) {
	dc, ok := b.opts.Lookup(cfg.Name)
	if !ok {
		return nil, backendError("no backends configured for GPU %q", cfg.Name)
	}

	set := &Set{
		Backends: dvfs.Backends{
			Floor:  sysfs.NewFloor(dc.DRAMDevfreq),
			Setter: sysfs.NewFrequencySetter(dc.GPUDevfreq),
			AFM:    make(map[string]dvfs.AFMBackend),
		},
	}

	if cfg.Capabilities.BusScenario {
		if dc.BusScenario == "" {
			return nil, backendError("%s: bus scenario capability without directory", cfg.Name)
		}
		set.Bus = sysfs.NewBusScenario(dc.BusScenario)
	}
	if cfg.Capabilities.CachePartition {
		cache, err := b.partition()
		if err != nil {
			return nil, backendError("%s: %v", cfg.Name, err)
		}
		set.Cache = cache
	}
	if dc.Arbiter != "" {
		set.Arbiter = sysfs.NewArbiter(dc.Arbiter)
	}
	if dc.Power != "" {
		set.PM = sysfs.NewRuntimePM(dc.Power)
	}

	for _, a := range cfg.AFM {
		ac, ok := dc.lookupAFM(a.Name)
		if !ok {
			set.Close()
			return nil, backendError("%s: no backends configured for AFM domain %q", cfg.Name, a.Name)
		}
		afmb, err := b.buildAFM(ac, set)
		if err != nil {
			set.Close()
			return nil, backendError("%s: AFM domain %s: %v", cfg.Name, a.Name, err)
		}
		set.AFM[a.Name] = afmb
	}

	log.Info("%s: backends built (GPU %s, DRAM %s)", cfg.Name, dc.GPUDevfreq, dc.DRAMDevfreq)
	return set, nil
}

func (b *Builder) buildAFM(ac AFMConfig, set *Set) (dvfs.AFMBackend, error) {
	dev, err := uio.Find(b.opts.UIOClassDir, b.opts.DevDir, ac.UIO)
	if err != nil {
		return dvfs.AFMBackend{}, err
	}
	regs, err := dev.OpenRegisters(ac.Map)
	if err != nil {
		return dvfs.AFMBackend{}, err
	}
	set.closers = append(set.closers, regs)

	devDir := b.opts.DevDir
	if devDir == "" {
		devDir = uio.DefaultDevDir
	}
	pmic := i2c.NewPMICWithOpener(filepath.Join(devDir, fmt.Sprintf("i2c-%d", ac.I2CAdapter)),
		ac.I2CAddress, i2c.OpenAdapter)
	set.closers = append(set.closers, pmic)

	return dvfs.AFMBackend{
		Registers: regs,
		IRQ:       dev.NewIRQLine(),
		PMIC:      pmic,
	}, nil
}

// partition returns the LLC partition service, shared by all GPUs.
func (b *Builder) partition() (*resctrl.Partition, error) {
	b.Lock()
	defer b.Unlock()

	if b.cache == nil {
		cache, err := resctrl.New(resctrl.Options{
			Path:        b.opts.Resctrl.Path,
			MountsFile:  b.opts.Resctrl.MountsFile,
			GroupPrefix: b.opts.Resctrl.GroupPrefix,
			Ways:        b.opts.Resctrl.Ways,
		})
		if err != nil {
			return nil, err
		}
		b.cache = cache
	}
	return b.cache, nil
}

func (d *DeviceConfig) lookupAFM(name string) (AFMConfig, bool) {
	for _, a := range d.AFM {
		if a.Name == name {
			return a, true
		}
	}
	return AFMConfig{}, false
}

// opt is the active runtime configuration.
var opt = defaultOptions().(*Options)

// GetOptions returns a copy of the active runtime configuration.
func GetOptions() Options {
	o := *opt
	o.Devices = make([]DeviceConfig, len(opt.Devices))
	copy(o.Devices, opt.Devices)
	return o
}

// defaultOptions returns a new instance of the default configuration.
func defaultOptions() interface{} {
	return &Options{}
}

func backendError(format string, args ...interface{}) error {
	return fmt.Errorf("backend: "+format, args...)
}

// Register us as a configuration module.
func init() {
	config.Register(configModule, "GPU hardware backends", opt, defaultOptions)
}
