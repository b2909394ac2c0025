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
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opencensus.io/trace"

	"github.com/intel/gpu-dvfs/pkg/config"
	"github.com/intel/gpu-dvfs/pkg/utils"
)

// Sampling defines how often trace samples are taken.
type Sampling float64

const (
	// Disabled is the trace configuration for disabling tracing.
	Disabled Sampling = 0.0
	// Production is a trace configuration for production use.
	Production Sampling = 0.1
	// Testing is a trace configuration for testing.
	Testing Sampling = 1.0
)

const (
	// envPrefix is the prefix of environment variables overriding defaults.
	envPrefix = "GPU_DVFS_"
	// minReportPeriod is the shortest accepted view report period.
	minReportPeriod = time.Second
)

// options encapsulates our configurable instrumentation parameters.
type options struct {
	// Sampling is the sampling frequency for traces.
	Sampling Sampling `json:"sampling"`
	// ReportPeriod is the OpenCensus view reporting period.
	ReportPeriod config.Duration `json:"reportPeriod"`
	// JaegerCollector is the URL to the Jaeger HTTP Thrift collector.
	JaegerCollector string `json:"jaegerCollector,omitempty"`
	// JaegerAgent, if set, is the address of a Jaeger agent to send spans to.
	JaegerAgent string `json:"jaegerAgent,omitempty"`
	// HTTPEndpoint serves Prometheus /metrics and the GPU control nodes.
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// PrometheusExport enables the Prometheus /metrics endpoint.
	PrometheusExport bool `json:"prometheusExport"`
}

// envDefault binds an environment variable to an option default.
type envDefault struct {
	name   string
	defval string
	set    func(*options, string) error
}

// envDefaults are the option defaults which the environment can override.
var envDefaults = []envDefault{
	{
		name:   "SAMPLING_FREQUENCY",
		defval: "disabled",
		set:    func(o *options, v string) error { return o.Sampling.Parse(v) },
	},
	{
		name:   "REPORT_PERIOD",
		defval: "15s",
		set: func(o *options, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			o.ReportPeriod = config.Duration(d)
			return nil
		},
	},
	{
		name: "JAEGER_COLLECTOR",
		set:  func(o *options, v string) error { o.JaegerCollector = v; return nil },
	},
	{
		name: "JAEGER_AGENT",
		set:  func(o *options, v string) error { o.JaegerAgent = v; return nil },
	},
	{
		name:   "HTTP_ENDPOINT",
		defval: ":8891",
		set:    func(o *options, v string) error { o.HTTPEndpoint = v; return nil },
	},
	{
		name:   "PROMETHEUS_EXPORT",
		defval: "true",
		set: func(o *options, v string) error {
			enabled, err := utils.ParseEnabled(v)
			if err != nil {
				return err
			}
			o.PrometheusExport = enabled
			return nil
		},
	},
}

// Our instrumentation options.
var opt = defaultOptions().(*options)

// defaultOptions returns a new options instance, all initialized to defaults.
func defaultOptions() interface{} {
	o := &options{}
	for _, env := range envDefaults {
		env.apply(o)
	}
	return o
}

// apply sets the option from the environment, or from its default if the
// environment is unset or invalid.
func (env *envDefault) apply(o *options) {
	name := envPrefix + env.name
	if value := os.Getenv(name); value != "" {
		err := env.set(o, value)
		if err == nil {
			return
		}
		log.Error("invalid environment %s=%q: %v, using default %q", name, value, err, env.defval)
	}
	if env.defval == "" {
		return
	}
	if err := env.set(o, env.defval); err != nil {
		log.Error("invalid default %s=%q: %v", name, env.defval, err)
	}
}

// Validate checks the sanity of instrumentation options.
func (o *options) Validate() error {
	if o.Sampling < Disabled || o.Sampling > Testing {
		return instrumentationError("invalid sampling %v, must be within [0, 1]", o.Sampling)
	}
	if o.ReportPeriod != 0 && time.Duration(o.ReportPeriod) < minReportPeriod {
		return instrumentationError("report period %v is shorter than %v",
			o.ReportPeriod, minReportPeriod)
	}
	if o.PrometheusExport && o.HTTPEndpoint == "" {
		log.Warn("Prometheus export enabled without an HTTP endpoint")
	}
	return nil
}

// traceTarget returns where spans should be exported to.
func (o *options) traceTarget() traceTarget {
	return traceTarget{agent: o.JaegerAgent, collector: o.JaegerCollector}
}

// MarshalJSON is the JSON marshaller for Sampling values.
func (s Sampling) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts Sampling values as names or as probabilities.
func (s *Sampling) UnmarshalJSON(raw []byte) error {
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return instrumentationError("failed to unmarshal Sampling value: %v", err)
	}
	switch v := obj.(type) {
	case string:
		return s.Parse(v)
	case float64:
		*s = Sampling(v)
		return nil
	}
	return instrumentationError("invalid Sampling value of type %T: %v", obj, obj)
}

// Parse parses the given string to a Sampling value.
func (s *Sampling) Parse(value string) error {
	switch strings.ToLower(value) {
	case "disabled":
		*s = Disabled
	case "testing":
		*s = Testing
	case "production":
		*s = Production
	default:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return instrumentationError("invalid Sampling value '%s': %v", value, err)
		}
		*s = Sampling(f)
	}
	return nil
}

// String returns the Sampling value as a string.
func (s Sampling) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Production:
		return "production"
	case Testing:
		return "testing"
	}
	return strconv.FormatFloat(float64(s), 'f', -1, 64)
}

// Sampler returns a trace.Sampler corresponding to the Sampling value.
func (s Sampling) Sampler() trace.Sampler {
	if s == Disabled {
		return trace.NeverSample()
	}
	return trace.ProbabilitySampler(float64(s))
}

// configNotify is our configuration update notification handler.
func configNotify(event config.Event, source config.Source) error {
	log.Info("instrumentation configuration %s from %s", event, source)
	log.Debug("instrumentation configuration is now %s", utils.DumpJSON(opt))

	if err := svc.reconfigure(); err != nil {
		log.Error("failed to reconfigure instrumentation: %v", err)
	}

	return nil
}

// Register us for for configuration handling.
func init() {
	config.Register("instrumentation", "Instrumentation for traces and metrics.",
		opt, defaultOptions, config.WithNotify(configNotify))
}
