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

package constraint

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/intel/gpu-dvfs/pkg/dvfs/deferred"
	"github.com/intel/gpu-dvfs/pkg/dvfs/freqtable"
)

type arbiterCall struct {
	slot   Slot
	kind   Kind
	value  uint64
	active bool
}

type fakeArbiter struct {
	sync.Mutex
	calls []arbiterCall
	fail  error
}

func (a *fakeArbiter) Update(slot Slot, kind Kind, value uint64, active bool) error {
	a.Lock()
	defer a.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.calls = append(a.calls, arbiterCall{slot, kind, value, active})
	return nil
}

func testTable(t *testing.T, major ...uint64) *freqtable.Table {
	tbl, err := freqtable.New([]freqtable.Level{
		{Frequency: 900000}, {Frequency: 800000}, {Frequency: 700000},
		{Frequency: 500000}, {Frequency: 300000},
	}, major)
	require.NoError(t, err)
	return tbl
}

func TestWindowOverAllSubsets(t *testing.T) {
	tbl := testTable(t)

	requests := []Request{
		{Slot: SlotThermal, Kind: Max, Value: 700000},
		{Slot: SlotUser, Kind: Max, Value: 800000},
		{Slot: SlotUser, Kind: Min, Value: 500000},
		{Slot: SlotSIOP, Kind: Max, Value: 900000},
		{Slot: SlotAFM, Kind: Max, Value: 800000},
		{Slot: SlotUMD, Kind: Min, Value: 300000},
		{Slot: SlotUMD, Kind: Max, Value: 600000},
		{Slot: SlotKernelMin, Kind: Min, Value: 700000},
		{Slot: SlotSystem, Kind: Min, Value: 800000},
	}

	r := NewRegistry(tbl, &fakeArbiter{}, nil)

	for subset := 0; subset < 1<<len(requests); subset++ {
		expected := Window{Min: tbl.Min(), Max: tbl.Max()}
		for i, req := range requests {
			value := uint64(0)
			if subset&(1<<i) != 0 {
				value = req.Value
				if req.Kind == Min && value > expected.Min {
					expected.Min = value
				}
				if req.Kind == Max && value < expected.Max {
					expected.Max = value
				}
			}
			require.NoError(t, r.Set(req.Slot, req.Kind, value))
		}
		if expected.Min > expected.Max {
			expected.Min = expected.Max
		}

		w := r.EffectiveWindow()
		require.Equal(t, expected, w, "subset %#x", subset)
		require.LessOrEqual(t, w.Min, w.Max)
	}

	for _, req := range requests {
		require.NoError(t, r.Clear(req.Slot, req.Kind))
	}
	require.Equal(t, Window{Min: 300000, Max: 900000}, r.EffectiveWindow())
	require.Empty(t, r.Requests())
}

func TestScalingBounds(t *testing.T) {
	r := NewRegistry(testTable(t), nil, nil)

	require.NoError(t, r.Set(SlotUser, Max, 800000))
	require.NoError(t, r.SetScalingBounds(500000, 700000))
	require.Equal(t, Window{Min: 500000, Max: 700000}, r.EffectiveWindow())

	require.NoError(t, r.SetScalingBounds(0, 0))
	require.Equal(t, Window{Min: 300000, Max: 800000}, r.EffectiveWindow())

	err := r.SetScalingBounds(800000, 500000)
	require.True(t, errors.Is(err, ErrInvalid))
	min, max := r.ScalingBounds()
	require.Zero(t, min)
	require.Zero(t, max)
}

func TestMajorLevelClients(t *testing.T) {
	arbiter := &fakeArbiter{}
	r := NewRegistry(testTable(t, 900000, 700000, 300000), arbiter, nil, SlotThermal)

	err := r.Set(SlotThermal, Max, 800000)
	require.True(t, errors.Is(err, ErrInvalid))
	require.Empty(t, arbiter.calls, "rejected requests must not be forwarded")
	_, active := r.Get(SlotThermal, Max)
	require.False(t, active)

	require.NoError(t, r.Set(SlotThermal, Max, 700000))
	require.NoError(t, r.Set(SlotUser, Max, 800000), "only major clients are quantized")
	require.NoError(t, r.Clear(SlotThermal, Max))

	require.Equal(t, []arbiterCall{
		{SlotThermal, Max, 700000, true},
		{SlotUser, Max, 800000, true},
		{SlotThermal, Max, 0, false},
	}, arbiter.calls)

	r = NewRegistry(testTable(t), nil, nil, SlotThermal)
	require.NoError(t, r.Set(SlotThermal, Max, 800000), "quantization needs major levels")
}

func TestInvalidRequests(t *testing.T) {
	r := NewRegistry(testTable(t), nil, nil)
	require.True(t, errors.Is(r.Set("bogus", Max, 800000), ErrInvalid))
	require.True(t, errors.Is(r.Set(SlotUser, Kind(7), 800000), ErrInvalid))
	require.True(t, errors.Is(r.SetWithReset(SlotKernelMin, Min, 1, -time.Second), ErrInvalid))
}

func TestArbiterFailureIsNotCommitted(t *testing.T) {
	arbiter := &fakeArbiter{fail: fmt.Errorf("arbiter unavailable")}
	r := NewRegistry(testTable(t), arbiter, nil)

	notified := 0
	r.Watch(func(Window) { notified++ })

	require.Error(t, r.Set(SlotUser, Max, 500000))
	_, active := r.Get(SlotUser, Max)
	require.False(t, active)
	require.Equal(t, Window{Min: 300000, Max: 900000}, r.EffectiveWindow())
	require.Zero(t, notified)
}

func TestObservers(t *testing.T) {
	r := NewRegistry(testTable(t), nil, nil)

	windows := []Window{}
	r.Watch(func(w Window) { windows = append(windows, w) })

	require.NoError(t, r.Set(SlotAFM, Max, 700000))
	require.NoError(t, r.Set(SlotUMD, Min, 500000))
	require.NoError(t, r.SetScalingBounds(0, 500000))

	require.Equal(t, []Window{
		{Min: 300000, Max: 700000},
		{Min: 500000, Max: 700000},
		{Min: 500000, Max: 500000},
	}, windows)
}

func TestRelease(t *testing.T) {
	arbiter := &fakeArbiter{}
	r := NewRegistry(testTable(t), arbiter, nil)

	notified := 0
	r.Watch(func(Window) { notified++ })

	require.NoError(t, r.Set(SlotAFM, Max, 700000))
	require.NoError(t, r.Set(SlotUser, Min, 500000))
	arbiter.calls = nil
	notified = 0

	arbiter.fail = fmt.Errorf("arbiter unavailable")
	require.Error(t, r.Release())
	require.Len(t, r.Requests(), 2)

	arbiter.fail = nil
	require.NoError(t, r.Release())
	require.Empty(t, r.Requests())
	require.Equal(t, Window{Min: 300000, Max: 900000}, r.EffectiveWindow())
	require.ElementsMatch(t, []arbiterCall{
		{SlotAFM, Max, 0, false},
		{SlotUser, Min, 0, false},
	}, arbiter.calls)
	require.Zero(t, notified)
}

func TestAutoReset(t *testing.T) {
	clk := testclock.NewFakeClock(time.Unix(0, 0))
	e := deferred.NewExecutor("constraint-test", clk)
	defer e.Stop()

	r := NewRegistry(testTable(t), nil, e)
	active := func() bool {
		_, ok := r.Get(SlotKernelMin, Min)
		return ok
	}

	require.NoError(t, r.SetWithReset(SlotKernelMin, Min, 700000, 100*time.Millisecond))
	require.Equal(t, uint64(700000), r.EffectiveWindow().Min)

	// re-arming replaces the pending reset
	clk.Step(60 * time.Millisecond)
	require.NoError(t, r.SetWithReset(SlotKernelMin, Min, 800000, 100*time.Millisecond))
	clk.Step(40 * time.Millisecond)
	e.Sync()
	require.True(t, active())

	clk.Step(60 * time.Millisecond)
	require.Eventually(t, func() bool { return !active() }, 2*time.Second, time.Millisecond)
	require.Equal(t, uint64(300000), r.EffectiveWindow().Min)

	// a plain write does not stop a pending reset
	require.NoError(t, r.SetWithReset(SlotKernelMin, Min, 700000, 100*time.Millisecond))
	require.NoError(t, r.Set(SlotKernelMin, Min, 500000))
	clk.Step(100 * time.Millisecond)
	require.Eventually(t, func() bool { return !active() }, 2*time.Second, time.Millisecond)

	// a zero delay cancels the pending reset
	require.NoError(t, r.SetWithReset(SlotKernelMin, Min, 700000, 100*time.Millisecond))
	require.NoError(t, r.SetWithReset(SlotKernelMin, Min, 500000, 0))
	clk.Step(time.Second)
	e.Sync()
	require.True(t, active())

	r.Stop()
}
