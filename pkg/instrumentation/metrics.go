// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
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

package instrumentation

import (
	"strings"
	"sync"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	pclient "github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"go.opencensus.io/stats/view"

	"github.com/intel/gpu-dvfs/pkg/instrumentation/http"
)

const (
	// PrometheusMetricsPath is the URL path for exposing metrics to Prometheus.
	PrometheusMetricsPath = "/metrics"
	// prometheusExporter is used in log messages.
	prometheusExporter = "Prometheus metrics exporter"
)

// metrics encapsulates the state of our Prometheus exporter.
type metrics struct {
	exporter  *prometheus.Exporter
	mux       *http.ServeMux
	period    time.Duration
	gatherers *gatherers
}

func newMetrics() *metrics {
	return &metrics{gatherers: &gatherers{}}
}

// start creates the Prometheus exporter and hooks it up to the given mux.
func (m *metrics) start(mux *http.ServeMux, period time.Duration, export bool) error {
	if !export {
		log.Info("%s is disabled", prometheusExporter)
		return nil
	}

	log.Info("creating %s...", prometheusExporter)

	// views are exported through the registry, collectors through the gatherers
	registry := pclient.NewRegistry()
	cfg := prometheus.Options{
		Namespace: prometheusNamespace(ServiceName),
		Registry:  registry,
		Gatherer:  pclient.Gatherers{registry, m.gatherers},
		OnError:   func(err error) { log.Error("%s error: %v", prometheusExporter, err) },
	}

	exp, err := prometheus.NewExporter(cfg)
	if err != nil {
		return instrumentationError("failed to create %s: %v", prometheusExporter, err)
	}

	if err := mux.Handle(PrometheusMetricsPath, exp); err != nil {
		return instrumentationError("failed to serve %s: %v", PrometheusMetricsPath, err)
	}

	m.exporter = exp
	m.mux = mux
	m.period = period

	view.RegisterExporter(m.exporter)
	if period > 0 {
		view.SetReportingPeriod(period)
	}

	return nil
}

// stop unhooks and drops the Prometheus exporter.
func (m *metrics) stop() {
	if m.exporter == nil {
		return
	}

	log.Info("stopping %s...", prometheusExporter)

	view.UnregisterExporter(m.exporter)
	m.mux.Unregister(PrometheusMetricsPath)
	m.exporter = nil
	m.mux = nil
	m.period = 0
}

// reconfigure restarts the Prometheus exporter if its configuration changed.
func (m *metrics) reconfigure(mux *http.ServeMux, period time.Duration, export bool) error {
	log.Info("reconfiguring %s...", prometheusExporter)

	if !export {
		m.stop()
		return nil
	}

	if m.exporter != nil {
		if m.period != period && period > 0 {
			m.period = period
			view.SetReportingPeriod(period)
		}
		return nil
	}

	return m.start(mux, period, export)
}

// registerViews registers opencensus views for collection.
func (m *metrics) registerViews(views ...*view.View) error {
	if err := view.Register(views...); err != nil {
		return instrumentationError("failed to register views: %v", err)
	}
	return nil
}

// mutate service name into a valid Prometheus namespace name.
func prometheusNamespace(service string) string {
	return strings.ReplaceAll(strings.ToLower(service), "-", "_")
}

// gatherers is a trivial wrapper around prometheus Gatherers.
type gatherers struct {
	sync.RWMutex
	gatherers pclient.Gatherers
}

// Register registers a new gatherer.
func (g *gatherers) Register(gatherer pclient.Gatherer) {
	g.Lock()
	defer g.Unlock()
	g.gatherers = append(g.gatherers, gatherer)
}

// Gather implements the pclient.Gatherer interface.
func (g *gatherers) Gather() ([]*model.MetricFamily, error) {
	g.RLock()
	defer g.RUnlock()
	return g.gatherers.Gather()
}
