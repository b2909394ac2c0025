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

// Package metrics exports the frequency scaling state of a GPU as
// prometheus metrics.
package metrics

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/intel/gpu-dvfs/pkg/dvfs/afm"
	"github.com/intel/gpu-dvfs/pkg/dvfs/constraint"
	"github.com/intel/gpu-dvfs/pkg/dvfs/devfreq"
	"github.com/intel/gpu-dvfs/pkg/dvfs/transition"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	frequencyDesc = iota
	requestedDesc
	windowDesc
	dramFloorDesc
	llcWaysDesc
	busScenarioDesc
	transitionsDesc
	failuresDesc
	timeInStateDesc
	afmClippedDesc
	afmTransitionsDesc
	afmInterruptsDesc
	afmDroppedDesc
	afmStateDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	frequencyDesc: prometheus.NewDesc(
		"gpu_dvfs_frequency_khz",
		"Current GPU frequency.",
		[]string{"device"}, nil,
	),
	requestedDesc: prometheus.NewDesc(
		"gpu_dvfs_requested_frequency_khz",
		"Last requested GPU frequency.",
		[]string{"device"}, nil,
	),
	windowDesc: prometheus.NewDesc(
		"gpu_dvfs_window_khz",
		"Effective GPU frequency window.",
		[]string{"device", "bound"}, nil,
	),
	dramFloorDesc: prometheus.NewDesc(
		"gpu_dvfs_dram_floor_khz",
		"Last requested DRAM bandwidth floor.",
		[]string{"device"}, nil,
	),
	llcWaysDesc: prometheus.NewDesc(
		"gpu_dvfs_llc_ways",
		"Number of LLC ways allocated for the GPU.",
		[]string{"device"}, nil,
	),
	busScenarioDesc: prometheus.NewDesc(
		"gpu_dvfs_bus_scenario",
		"Active bus traffic-class scenario.",
		[]string{"device"}, nil,
	),
	transitionsDesc: prometheus.NewDesc(
		"gpu_dvfs_transitions_total",
		"Number of completed GPU frequency transitions.",
		[]string{"device"}, nil,
	),
	failuresDesc: prometheus.NewDesc(
		"gpu_dvfs_transition_failures_total",
		"Number of failed GPU frequency transitions.",
		[]string{"device"}, nil,
	),
	timeInStateDesc: prometheus.NewDesc(
		"gpu_dvfs_time_in_state_seconds",
		"Time spent at each GPU frequency.",
		[]string{"device", "frequency"}, nil,
	),
	afmClippedDesc: prometheus.NewDesc(
		"gpu_dvfs_afm_clipped_frequency_khz",
		"Max frequency clip of an AFM domain.",
		[]string{"device", "domain"}, nil,
	),
	afmTransitionsDesc: prometheus.NewDesc(
		"gpu_dvfs_afm_transitions_total",
		"Number of clip changes of an AFM domain.",
		[]string{"device", "domain"}, nil,
	),
	afmInterruptsDesc: prometheus.NewDesc(
		"gpu_dvfs_afm_interrupts_total",
		"Number of droop interrupts of an AFM domain.",
		[]string{"device", "domain"}, nil,
	),
	afmDroppedDesc: prometheus.NewDesc(
		"gpu_dvfs_afm_dropped_interrupts_total",
		"Number of droop interrupts acknowledged without clipping.",
		[]string{"device", "domain"}, nil,
	),
	afmStateDesc: prometheus.NewDesc(
		"gpu_dvfs_afm_state",
		"State of an AFM domain, 1 for the current state.",
		[]string{"device", "domain", "state"}, nil,
	),
}

var afmStates = []afm.State{afm.Unregistered, afm.WaitingForBus, afm.Armed, afm.Throttled, afm.TornDown}

// Source is the scaling state of one GPU.
type Source interface {
	Name() string
	Framework() *devfreq.Device
	Registry() *constraint.Registry
	Coordinator() *transition.Coordinator
	Domains() []*afm.Domain
}

// Collector is a prometheus collector for one GPU.
type Collector struct {
	src Source
}

var log = logger.NewLogger("metrics")

// NewCollector creates a collector for src.
func NewCollector(src Source) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	name := c.src.Name()
	dev := c.src.Framework()
	w := c.src.Registry().EffectiveWindow()
	state := c.src.Coordinator().State()

	gauge := func(idx int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.GaugeValue, value, labels...)
	}
	counter := func(idx int, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.CounterValue, value, labels...)
	}

	gauge(frequencyDesc, float64(dev.Current()), name)
	gauge(requestedDesc, float64(dev.Requested()), name)
	gauge(windowDesc, float64(w.Min), name, "min")
	gauge(windowDesc, float64(w.Max), name, "max")
	gauge(dramFloorDesc, float64(state.DramFloor), name)
	gauge(llcWaysDesc, float64(state.PrevWays), name)
	gauge(busScenarioDesc, float64(state.PrevScenario), name)
	counter(transitionsDesc, float64(dev.Transitions()), name)
	counter(failuresDesc, float64(dev.Failures()), name)

	for _, e := range dev.TimeInState() {
		counter(timeInStateDesc, e.Time.Seconds(), name, strconv.FormatUint(e.Frequency, 10))
	}

	for _, d := range c.src.Domains() {
		irqs, dropped := d.Interrupts()
		gauge(afmClippedDesc, float64(d.ClippedFreq()), name, d.Name())
		counter(afmTransitionsDesc, float64(d.TotalTransitions()), name, d.Name())
		counter(afmInterruptsDesc, float64(irqs), name, d.Name())
		counter(afmDroppedDesc, float64(dropped), name, d.Name())
		cur := d.State()
		for _, s := range afmStates {
			v := 0.0
			if s == cur {
				v = 1.0
			}
			gauge(afmStateDesc, v, name, d.Name(), s.String())
		}
	}
}

// Gather collects the metrics of the GPU.
func (c *Collector) Gather() ([]*model.MetricFamily, error) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		return nil, metricsError("%s: failed to register collector: %v", c.src.Name(), err)
	}
	return reg.Gather()
}

// Render returns the metrics of the GPU in the prometheus text format.
func (c *Collector) Render() (string, error) {
	families, err := c.Gather()
	if err != nil {
		return "", err
	}

	buf := &bytes.Buffer{}
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(buf, f); err != nil {
			log.Error("%s: failed to format metric %s: %v", c.src.Name(), f.GetName(), err)
			return "", metricsError("%s: failed to format %s: %v", c.src.Name(), f.GetName(), err)
		}
	}
	return buf.String(), nil
}

func metricsError(format string, args ...interface{}) error {
	return fmt.Errorf("metrics: "+format, args...)
}
