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

// Package instrumentation runs the HTTP endpoint of the daemon and exports
// its metrics to Prometheus and its traces to Jaeger.
package instrumentation

import (
	"fmt"

	pclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats/view"

	"github.com/intel/gpu-dvfs/pkg/instrumentation/http"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "gpu-dvfs"
)

// Our logger instance.
var log = logger.NewLogger("instrumentation")

// Our instrumentation service instance.
var svc = newService()

// GetHTTPMux returns our HTTP request multiplexer, for registering handlers.
func GetHTTPMux() *http.ServeMux {
	return svc.http.GetMux()
}

// HTTPAddress returns the address the HTTP endpoint is listening on.
func HTTPAddress() string {
	return svc.http.GetAddress()
}

// TracingEnabled returns true if the Jaeger tracing sampler is not disabled.
func TracingEnabled() bool {
	return svc.TracingEnabled()
}

// SetTraceTags sets extra process tags for exported spans, for instance
// the GPUs being scaled.
func SetTraceTags(tags map[string]string) error {
	return svc.setTraceTags(tags)
}

// Start starts our instrumentation services.
func Start() error {
	return svc.Start()
}

// Stop stops our instrumentation services.
func Stop() {
	svc.Stop()
}

// Restart restarts our instrumentation services.
func Restart() error {
	return svc.Restart()
}

// RegisterGatherer registers a prometheus Gatherer for exporting.
func RegisterGatherer(g pclient.Gatherer) {
	svc.metrics.gatherers.Register(g)
}

// RegisterViews registers opencensus views for exporting.
func RegisterViews(views ...*view.View) error {
	return svc.metrics.registerViews(views...)
}

// instrumentationError produces a formatted instrumentation-specific error.
func instrumentationError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation: "+format, args...)
}
