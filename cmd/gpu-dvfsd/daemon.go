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

package main

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/gpu-dvfs/pkg/backend"
	"github.com/intel/gpu-dvfs/pkg/dvfs"
)

// controlPathPrefix is the HTTP path prefix of the per-GPU control nodes.
const controlPathPrefix = "/dvfs/"

// mux is where the control nodes of GPUs are mounted.
type mux interface {
	Handle(pattern string, handler http.Handler) error
	Unregister(pattern string) (http.Handler, bool)
}

// collectors is where the collectors of GPUs are registered.
type collectors interface {
	Register(name string, collector prometheus.Collector) error
	Unregister(name string) bool
}

// gpu is a running GPU with its backends.
type gpu struct {
	dev  *dvfs.Device
	set  *backend.Set
	path string
}

// daemon runs the scaling contexts of all configured GPUs.
type daemon struct {
	sync.Mutex
	builder    *backend.Builder
	mux        mux
	collectors collectors
	gpus       map[string]*gpu
}

func newDaemon(builder *backend.Builder, m mux, c collectors) *daemon {
	return &daemon{
		builder:    builder,
		mux:        m,
		collectors: c,
		gpus:       make(map[string]*gpu),
	}
}

// Start starts all configured GPUs. GPUs which fail to start are skipped.
func (d *daemon) Start(opts dvfs.Options) error {
	d.Lock()
	defer d.Unlock()

	var errs *multierror.Error
	for _, cfg := range opts.Devices {
		if err := d.startGPU(cfg); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Stop stops all running GPUs.
func (d *daemon) Stop() error {
	d.Lock()
	defer d.Unlock()

	var errs *multierror.Error
	for _, name := range d.names() {
		if err := d.stopGPU(name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Reconfigure applies updated configuration. Running GPUs are reconfigured,
// new ones are started and the ones no longer configured are stopped.
func (d *daemon) Reconfigure(opts *dvfs.Options) error {
	d.Lock()
	defer d.Unlock()

	var errs *multierror.Error
	configured := make(map[string]struct{})
	for _, cfg := range opts.Devices {
		configured[cfg.Name] = struct{}{}
		g, ok := d.gpus[cfg.Name]
		if !ok {
			log.Info("starting new GPU %s", cfg.Name)
			if err := d.startGPU(cfg); err != nil {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		if err := g.dev.Reconfigure(cfg); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for _, name := range d.names() {
		if _, ok := configured[name]; ok {
			continue
		}
		log.Info("stopping removed GPU %s", name)
		if err := d.stopGPU(name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// GPUs returns the names of the running GPUs.
func (d *daemon) GPUs() []string {
	d.Lock()
	defer d.Unlock()
	return d.names()
}

func (d *daemon) startGPU(cfg dvfs.Config) error {
	if _, ok := d.gpus[cfg.Name]; ok {
		return daemonError("GPU %s already running", cfg.Name)
	}

	set, err := d.builder.Build(cfg)
	if err != nil {
		return daemonError("GPU %s: %v", cfg.Name, err)
	}

	dev, err := dvfs.New(cfg, set.Backends)
	if err != nil {
		set.Close()
		return daemonError("GPU %s: %v", cfg.Name, err)
	}

	if err := dev.Start(); err != nil {
		dev.Stop()
		set.Close()
		return daemonError("GPU %s: failed to start: %v", cfg.Name, err)
	}

	path := controlPathPrefix + cfg.Name + "/"
	if err := d.mux.Handle(path, dev.Nodes().Handler(path)); err != nil {
		dev.Stop()
		set.Close()
		return daemonError("GPU %s: failed to serve control nodes: %v", cfg.Name, err)
	}

	if err := d.collectors.Register(cfg.Name, dev.Collector()); err != nil {
		log.Warn("GPU %s: metrics disabled: %v", cfg.Name, err)
	}

	d.gpus[cfg.Name] = &gpu{dev: dev, set: set, path: path}
	log.Info("GPU %s running, control nodes at %s", cfg.Name, path)

	return nil
}

func (d *daemon) stopGPU(name string) error {
	g, ok := d.gpus[name]
	if !ok {
		return nil
	}
	delete(d.gpus, name)

	d.mux.Unregister(g.path)
	d.collectors.Unregister(name)

	var errs *multierror.Error
	if err := g.dev.Stop(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := g.set.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (d *daemon) names() []string {
	names := make([]string, 0, len(d.gpus))
	for name := range d.gpus {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func daemonError(format string, args ...interface{}) error {
	return fmt.Errorf("gpu-dvfsd: "+format, args...)
}
