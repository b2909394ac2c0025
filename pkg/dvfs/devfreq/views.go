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

package devfreq

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	mTransitions = stats.Int64("gpu_dvfs/transitions",
		"Number of completed GPU frequency transitions", stats.UnitDimensionless)
	mFailures = stats.Int64("gpu_dvfs/transition_failures",
		"Number of failed GPU frequency transitions", stats.UnitDimensionless)
	mLatency = stats.Float64("gpu_dvfs/transition_latency",
		"Latency of GPU frequency transitions", stats.UnitMilliseconds)

	keyDevice = tag.MustNewKey("device")
)

// Views are the opencensus views of transition statistics.
var Views = []*view.View{
	{
		Name:        "gpu_dvfs/transitions",
		Description: "Number of completed GPU frequency transitions",
		Measure:     mTransitions,
		TagKeys:     []tag.Key{keyDevice},
		Aggregation: view.Count(),
	},
	{
		Name:        "gpu_dvfs/transition_failures",
		Description: "Number of failed GPU frequency transitions",
		Measure:     mFailures,
		TagKeys:     []tag.Key{keyDevice},
		Aggregation: view.Count(),
	},
	{
		Name:        "gpu_dvfs/transition_latency",
		Description: "Latency of GPU frequency transitions",
		Measure:     mLatency,
		TagKeys:     []tag.Key{keyDevice},
		Aggregation: view.Distribution(0.1, 0.5, 1, 2, 5, 10, 20, 50, 100),
	},
}

func recordTransition(ctx context.Context, device string, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	if err := stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(keyDevice, device)},
		mTransitions.M(1), mLatency.M(ms)); err != nil {
		log.Debug("%s: failed to record transition: %v", device, err)
	}
}

func recordFailure(ctx context.Context, device string) {
	if err := stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(keyDevice, device)},
		mFailures.M(1)); err != nil {
		log.Debug("%s: failed to record failure: %v", device, err)
	}
}
