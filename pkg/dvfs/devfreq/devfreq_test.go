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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
	testclock "k8s.io/utils/clock/testing"

	"github.com/intel/gpu-dvfs/pkg/dvfs/constraint"
	"github.com/intel/gpu-dvfs/pkg/dvfs/freqtable"
	"github.com/intel/gpu-dvfs/pkg/dvfs/transition"
	"github.com/intel/gpu-dvfs/pkg/testutils"
)

type fakeHooks struct {
	log      *testutils.CallLog
	suspends func() int
}

func (h *fakeHooks) OnTransition(old, new uint64, phase transition.Phase) error {
	h.log.Add("%s(%d,%d)", phase, old, new)
	if h.suspends != nil {
		h.log.Add("suspends=%d", h.suspends())
	}
	return nil
}

func (h *fakeHooks) PresetOnResume(freq uint64) error {
	h.log.Add("preset(%d)", freq)
	return nil
}

func (h *fakeHooks) PostclearOnSuspend() error {
	h.log.Add("postclear")
	return fmt.Errorf("postclear failures are only logged")
}

type fixedWindow struct {
	w constraint.Window
}

func (f *fixedWindow) EffectiveWindow() constraint.Window {
	return f.w
}

type fixture struct {
	log    *testutils.CallLog
	hooks  *fakeHooks
	setter *testutils.FakeFrequencySetter
	window *fixedWindow
	clk    *testclock.FakePassiveClock
	d      *Device
}

func newFixture(t *testing.T, name string) *fixture {
	levels := []freqtable.Level{}
	for _, f := range []uint64{900000, 800000, 700000, 500000, 300000} {
		levels = append(levels, freqtable.Level{Frequency: f})
	}
	table, err := freqtable.New(levels, nil)
	require.NoError(t, err)

	f := &fixture{
		log:    &testutils.CallLog{},
		window: &fixedWindow{constraint.Window{Min: 300000, Max: 900000}},
		clk:    testclock.NewFakePassiveClock(time.Unix(1000, 0)),
	}
	f.hooks = &fakeHooks{log: f.log}
	f.setter = &testutils.FakeFrequencySetter{Log: f.log}

	f.d, err = New(name, table, f.window, f.setter, f.hooks, Options{Initial: 300000, Clock: f.clk})
	require.NoError(t, err)

	return f
}

func TestTargetDispatchesHooks(t *testing.T) {
	f := newFixture(t, "dispatch")

	require.NoError(t, f.d.Target(900000))
	testutils.VerifyCalls(t, f.log,
		"pre(300000,900000)",
		"set(900000)",
		"post(300000,900000)",
	)
	require.Equal(t, uint64(900000), f.d.Current())

	f.log.Reset()
	require.NoError(t, f.d.Target(900000))
	testutils.VerifyCalls(t, f.log)
	require.Equal(t, uint64(1), f.d.Transitions())
}

func TestTargetClampsToWindow(t *testing.T) {
	f := newFixture(t, "clamp")
	f.window.w = constraint.Window{Min: 500000, Max: 800000}

	for _, tc := range []struct{ request, expected uint64 }{
		{900000, 800000},
		{100000, 500000},
		{650000, 700000},
		{800000, 800000},
	} {
		require.NoError(t, f.d.Target(tc.request))
		require.Equal(t, tc.expected, f.d.Current(), "request %d", tc.request)
		require.Equal(t, tc.request, f.d.Requested())
	}

	// a window change only takes effect on reevaluation
	f.window.w = constraint.Window{Min: 300000, Max: 500000}
	require.Equal(t, uint64(800000), f.d.Current())
	require.NoError(t, f.d.Reevaluate())
	require.Equal(t, uint64(500000), f.d.Current())
}

func TestSetFrequencyFailureReverts(t *testing.T) {
	f := newFixture(t, "failure")
	f.setter.Err = fmt.Errorf("clock stuck")

	require.Error(t, f.d.Target(700000))
	testutils.VerifyCalls(t, f.log,
		"pre(300000,700000)",
		"set(700000)",
		"post(300000,300000)",
	)
	require.Equal(t, uint64(300000), f.d.Current())
	require.Equal(t, uint64(1), f.d.Failures())
	require.Equal(t, uint64(0), f.d.Transitions())
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t, "suspend")
	f.hooks.suspends = f.d.SuspendCount
	require.NoError(t, f.d.Target(800000))
	f.log.Reset()

	require.Error(t, f.d.Resume(), "unbalanced resume")

	require.NoError(t, f.d.Suspend())
	require.NoError(t, f.d.Suspend())
	require.Equal(t, 2, f.d.SuspendCount())
	require.NoError(t, f.d.Target(500000))
	testutils.VerifyCalls(t, f.log, "postclear")
	require.Equal(t, uint64(800000), f.d.Current())

	require.NoError(t, f.d.Resume())
	testutils.VerifyCalls(t, f.log, "postclear")

	require.NoError(t, f.d.Resume())
	testutils.VerifyCalls(t, f.log,
		"postclear",
		"preset(800000)",
		"pre(800000,500000)",
		"suspends=0",
		"set(500000)",
		"post(800000,500000)",
		"suspends=0",
	)
}

func TestDetach(t *testing.T) {
	f := newFixture(t, "detach")
	require.NoError(t, f.d.Target(800000))
	f.log.Reset()

	require.Error(t, f.d.Detach(), "postclear error is returned")
	testutils.VerifyCalls(t, f.log, "postclear")

	require.NoError(t, f.d.Target(500000))
	require.NoError(t, f.d.Suspend())
	require.Error(t, f.d.Resume())
	require.NoError(t, f.d.Detach())
	testutils.VerifyCalls(t, f.log, "postclear")
	require.Equal(t, uint64(800000), f.d.Current())
}

func TestObservers(t *testing.T) {
	f := newFixture(t, "observers")

	seen := []string{}
	f.d.Watch(func(old, new uint64) { seen = append(seen, fmt.Sprintf("%d->%d", old, new)) })

	require.NoError(t, f.d.Target(900000))
	require.NoError(t, f.d.Target(500000))
	require.Equal(t, []string{"300000->900000", "900000->500000"}, seen)
}

func TestTimeInState(t *testing.T) {
	f := newFixture(t, "time-in-state")

	f.clk.SetTime(f.clk.Now().Add(10 * time.Millisecond))
	require.NoError(t, f.d.Target(900000))
	f.clk.SetTime(f.clk.Now().Add(30 * time.Millisecond))

	entries := f.d.ConsumeTimeInState()
	require.Len(t, entries, 5)
	require.Equal(t, uint64(900000), entries[0].Frequency)
	require.Equal(t, 30*time.Millisecond, entries[0].Time)
	require.Equal(t, 10*time.Millisecond, entries[4].Time)

	for _, e := range f.d.TimeInState() {
		require.Zero(t, e.Time)
	}
}

func TestTransitionViews(t *testing.T) {
	require.NoError(t, view.Register(Views...))
	defer view.Unregister(Views...)

	f := newFixture(t, "views")
	require.NoError(t, f.d.Target(900000))
	require.NoError(t, f.d.Target(700000))
	f.setter.Err = fmt.Errorf("clock stuck")
	require.Error(t, f.d.Target(300000))

	count := func(name string) int64 {
		rows, err := view.RetrieveData(name)
		require.NoError(t, err)
		for _, row := range rows {
			for _, tag := range row.Tags {
				if tag.Key == keyDevice && tag.Value == "views" {
					return row.Data.(*view.CountData).Value
				}
			}
		}
		return 0
	}

	require.Equal(t, int64(2), count("gpu_dvfs/transitions"))
	require.Equal(t, int64(1), count("gpu_dvfs/transition_failures"))
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t, "validation")
	table := f.d.Table()

	_, err := New("bad", nil, f.window, f.setter, f.hooks, Options{})
	require.Error(t, err)
	_, err = New("bad", table, f.window, f.setter, f.hooks, Options{Initial: 650000})
	require.Error(t, err)

	d, err := New("good", table, f.window, f.setter, f.hooks, Options{})
	require.NoError(t, err)
	require.Equal(t, uint64(900000), d.Current())
}
