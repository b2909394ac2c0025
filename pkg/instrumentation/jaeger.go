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
	"os"
	"sort"

	"contrib.go.opencensus.io/exporter/jaeger"
	"go.opencensus.io/trace"

	"github.com/intel/gpu-dvfs/pkg/version"
)

const (
	// jaegerExporter is used in log messages.
	jaegerExporter = "Jaeger trace exporter"
)

// traceTarget is where spans are sent, an agent and/or a collector.
type traceTarget struct {
	agent     string
	collector string
}

func (t traceTarget) enabled() bool {
	return t.agent != "" || t.collector != ""
}

// tracing is the state of our Jaeger span exporter.
type tracing struct {
	exporter *jaeger.Exporter
	target   traceTarget
	sampling Sampling
	// tags are extra process tags, typically the GPUs we scale.
	tags map[string]string
}

// start creates the span exporter for target, unless target is empty.
func (t *tracing) start(target traceTarget, sampling Sampling) error {
	if !target.enabled() {
		log.Info("%s is disabled", jaegerExporter)
		return nil
	}

	log.Info("creating %s for %s...", jaegerExporter, target)

	exp, err := jaeger.NewExporter(t.options(target))
	if err != nil {
		return instrumentationError("failed to create %s: %v", jaegerExporter, err)
	}

	t.exporter = exp
	t.target = target
	t.applySampling(sampling)
	trace.RegisterExporter(t.exporter)

	return nil
}

// stop flushes pending spans and drops the span exporter.
func (t *tracing) stop() {
	if t.exporter == nil {
		return
	}

	log.Info("stopping %s...", jaegerExporter)

	trace.UnregisterExporter(t.exporter)
	t.exporter.Flush()
	t.exporter = nil
	t.target = traceTarget{}
}

// reconfigure recreates the exporter if its target changed, otherwise it
// only updates sampling.
func (t *tracing) reconfigure(target traceTarget, sampling Sampling) error {
	if t.exporter != nil && t.target == target {
		t.applySampling(sampling)
		return nil
	}

	log.Info("reconfiguring %s...", jaegerExporter)
	t.stop()
	return t.start(target, sampling)
}

// setTags updates the extra process tags, recreating a running exporter.
func (t *tracing) setTags(tags map[string]string) error {
	t.tags = make(map[string]string, len(tags))
	for k, v := range tags {
		t.tags[k] = v
	}

	if t.exporter == nil {
		return nil
	}

	target, sampling := t.target, t.sampling
	t.stop()
	return t.start(target, sampling)
}

func (t *tracing) applySampling(sampling Sampling) {
	t.sampling = sampling
	trace.ApplyConfig(trace.Config{DefaultSampler: sampling.Sampler()})
}

// options returns the exporter options for target.
func (t *tracing) options(target traceTarget) jaeger.Options {
	return jaeger.Options{
		ServiceName:       ServiceName,
		CollectorEndpoint: target.collector,
		AgentEndpoint:     target.agent,
		Process: jaeger.Process{
			ServiceName: ServiceName,
			Tags:        t.processTags(),
		},
		OnError: func(err error) { log.Error("%s error: %v", jaegerExporter, err) },
	}
}

// processTags returns the tags identifying this daemon in traces.
func (t *tracing) processTags() []jaeger.Tag {
	tags := []jaeger.Tag{
		jaeger.Int64Tag("pid", int64(os.Getpid())),
		jaeger.StringTag("version", version.Version),
	}
	if host, err := os.Hostname(); err == nil {
		tags = append(tags, jaeger.StringTag("hostname", host))
	}

	keys := make([]string, 0, len(t.tags))
	for k := range t.tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, jaeger.StringTag(k, t.tags[k]))
	}

	return tags
}

func (t traceTarget) String() string {
	switch {
	case t.agent != "" && t.collector != "":
		return "agent " + t.agent + ", collector " + t.collector
	case t.agent != "":
		return "agent " + t.agent
	}
	return "collector " + t.collector
}
