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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var testDesc = prometheus.NewDesc("gpu_dvfs_test_frequency_khz", "Test frequency.", []string{"device"}, nil)

type collector struct {
	device string
	value  float64
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- testDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(testDesc, prometheus.GaugeValue, c.value, c.device)
}

func TestCollectors(t *testing.T) {
	c := NewCollectors()

	require.NoError(t, c.Register("gpu0", &collector{"gpu0", 500000}))
	require.NoError(t, c.Register("gpu1", &collector{"gpu1", 300000}))
	require.Error(t, c.Register("gpu0", &collector{"gpu0", 1}))
	require.Equal(t, []string{"gpu0", "gpu1"}, c.Names())

	families, err := c.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Equal(t, "gpu_dvfs_test_frequency_khz", families[0].GetName())
	require.Len(t, families[0].GetMetric(), 2)

	require.True(t, c.Unregister("gpu1"))
	require.False(t, c.Unregister("gpu1"))

	families, err = c.Gather()
	require.NoError(t, err)
	require.Len(t, families[0].GetMetric(), 1)
	require.Equal(t, 500000.0, families[0].GetMetric()[0].GetGauge().GetValue())
}

func TestDefaultCollectors(t *testing.T) {
	require.NoError(t, RegisterCollector("test", &collector{"gpu9", 1}))
	defer UnregisterCollector("test")
	require.Contains(t, DefaultCollectors().Names(), "test")

	families, err := NewMetricGatherer().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
