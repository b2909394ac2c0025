// Copyright 2019 Intel Corporation. All Rights Reserved.
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

// Package metrics keeps track of the prometheus collectors of the attached
// GPUs and gathers their metrics.
package metrics

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/intel/gpu-dvfs/pkg/log"
)

var log = logger.NewLogger("metrics")

// Collectors tracks named collectors. Every collector is registered in its
// own registry, so collectors of identically described metrics (one per
// GPU) can coexist as long as their label values differ.
type Collectors struct {
	sync.RWMutex
	registries map[string]*prometheus.Registry
}

// NewCollectors creates a new set of collectors.
func NewCollectors() *Collectors {
	return &Collectors{registries: make(map[string]*prometheus.Registry)}
}

// Register registers the named collector.
func (c *Collectors) Register(name string, collector prometheus.Collector) error {
	c.Lock()
	defer c.Unlock()

	if _, found := c.registries[name]; found {
		return metricsError("collector %s already registered", name)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(collector); err != nil {
		return metricsError("failed to register collector %s: %v", name, err)
	}
	c.registries[name] = reg

	log.Info("registered collector %s", name)
	return nil
}

// Unregister unregisters the named collector.
func (c *Collectors) Unregister(name string) bool {
	c.Lock()
	defer c.Unlock()

	if _, found := c.registries[name]; !found {
		return false
	}
	delete(c.registries, name)

	log.Info("unregistered collector %s", name)
	return true
}

// Names returns the names of the registered collectors.
func (c *Collectors) Names() []string {
	c.RLock()
	defer c.RUnlock()

	names := make([]string, 0, len(c.registries))
	for name := range c.registries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Gather implements the prometheus.Gatherer interface.
func (c *Collectors) Gather() ([]*model.MetricFamily, error) {
	c.RLock()
	gatherers := make(prometheus.Gatherers, 0, len(c.registries))
	for _, reg := range c.registries {
		gatherers = append(gatherers, reg)
	}
	c.RUnlock()

	return gatherers.Gather()
}

// default set of collectors
var collectors = NewCollectors()

// DefaultCollectors returns the default set of collectors.
func DefaultCollectors() *Collectors {
	return collectors
}

// RegisterCollector registers the named collector in the default set.
func RegisterCollector(name string, collector prometheus.Collector) error {
	return collectors.Register(name, collector)
}

// UnregisterCollector unregisters the named collector from the default set.
func UnregisterCollector(name string) bool {
	return collectors.Unregister(name)
}

// NewMetricGatherer returns a prometheus.Gatherer for the default set.
func NewMetricGatherer() prometheus.Gatherer {
	return collectors
}

func metricsError(format string, args ...interface{}) error {
	return fmt.Errorf("metrics: "+format, args...)
}
