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

package deferred

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

const (
	waitTimeout = 2 * time.Second
	waitTick    = time.Millisecond
)

func newTestExecutor(t *testing.T) (*Executor, *testclock.FakeClock) {
	clk := testclock.NewFakeClock(time.Unix(1000, 0))
	e := NewExecutor("test", clk)
	t.Cleanup(e.Stop)
	return e, clk
}

func waitCount(t *testing.T, e *Executor, cnt *int32, expected int32) {
	require.Eventually(t, func() bool { return atomic.LoadInt32(cnt) == expected },
		waitTimeout, waitTick)
	e.Sync()
	require.Equal(t, expected, atomic.LoadInt32(cnt))
}

func TestArmImmediate(t *testing.T) {
	e, _ := newTestExecutor(t)

	var runs int32
	tmr := e.NewTimer("immediate", func() { atomic.AddInt32(&runs, 1) })
	tmr.Arm(0)
	waitCount(t, e, &runs, 1)
	require.False(t, tmr.Pending())
}

func TestArmDelayed(t *testing.T) {
	e, clk := newTestExecutor(t)

	var runs int32
	tmr := e.NewTimer("delayed", func() { atomic.AddInt32(&runs, 1) })
	tmr.Arm(50 * time.Millisecond)
	require.True(t, tmr.Pending())

	clk.Step(49 * time.Millisecond)
	e.Sync()
	require.Equal(t, int32(0), atomic.LoadInt32(&runs))
	require.True(t, tmr.Pending())

	clk.Step(time.Millisecond)
	waitCount(t, e, &runs, 1)
	require.False(t, tmr.Pending())
}

func TestRearmReplaces(t *testing.T) {
	e, clk := newTestExecutor(t)

	var runs int32
	tmr := e.NewTimer("rearmed", func() { atomic.AddInt32(&runs, 1) })
	tmr.Arm(50 * time.Millisecond)
	clk.Step(40 * time.Millisecond)
	tmr.Arm(50 * time.Millisecond)

	clk.Step(20 * time.Millisecond)
	e.Sync()
	require.Equal(t, int32(0), atomic.LoadInt32(&runs), "original deadline must be cancelled")

	clk.Step(30 * time.Millisecond)
	waitCount(t, e, &runs, 1)

	clk.Step(time.Second)
	e.Sync()
	require.Equal(t, int32(1), atomic.LoadInt32(&runs), "a replaced run must never execute")
}

func TestStaleQueuedRunIsDropped(t *testing.T) {
	e, _ := newTestExecutor(t)

	block := make(chan struct{})
	started := make(chan struct{})
	blocker := e.NewTimer("blocker", func() {
		close(started)
		<-block
	})

	var runs int32
	tmr := e.NewTimer("stale", func() { atomic.AddInt32(&runs, 1) })

	blocker.Arm(0)
	<-started

	// both runs are queued behind the blocker, only the latest may execute
	tmr.Arm(0)
	tmr.Arm(0)
	close(block)

	waitCount(t, e, &runs, 1)
}

func TestCancel(t *testing.T) {
	e, clk := newTestExecutor(t)

	var runs int32
	tmr := e.NewTimer("cancelled", func() { atomic.AddInt32(&runs, 1) })
	tmr.Arm(10 * time.Millisecond)
	tmr.Cancel()
	require.False(t, tmr.Pending())

	clk.Step(time.Second)
	e.Sync()
	require.Equal(t, int32(0), atomic.LoadInt32(&runs))
}

func TestCancelSyncWaitsForRunningTask(t *testing.T) {
	e, _ := newTestExecutor(t)

	var (
		done    int32
		started = make(chan struct{})
		release = make(chan struct{})
	)
	tmr := e.NewTimer("slow", func() {
		close(started)
		<-release
		atomic.StoreInt32(&done, 1)
	})
	tmr.Arm(0)
	<-started

	var (
		wg           sync.WaitGroup
		doneAtCancel int32
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tmr.CancelSync()
		doneAtCancel = atomic.LoadInt32(&done)
	}()

	close(release)
	wg.Wait()
	require.Equal(t, int32(1), doneAtCancel, "CancelSync must wait for the running task")
}

func TestCancelSyncDropsRearm(t *testing.T) {
	e, clk := newTestExecutor(t)

	var (
		runs    int32
		tmr     *Timer
		started = make(chan struct{})
		release = make(chan struct{})
	)
	tmr = e.NewTimer("retry", func() {
		if atomic.AddInt32(&runs, 1) == 1 {
			close(started)
			<-release
		}
		tmr.Arm(time.Second)
	})
	tmr.Arm(0)
	<-started

	done := make(chan struct{})
	go func() {
		tmr.CancelSync()
		close(done)
	}()
	close(release)
	<-done

	require.False(t, tmr.Pending())
	clk.Step(2 * time.Second)
	e.Sync()
	require.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestSerialExecution(t *testing.T) {
	e, _ := newTestExecutor(t)

	var (
		active  int32
		overlap int32
		runs    int32
	)
	fn := func() {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&runs, 1)
	}

	timers := []*Timer{}
	for i := 0; i < 8; i++ {
		timers = append(timers, e.NewTimer("serial", fn))
	}
	for _, tmr := range timers {
		tmr.Arm(0)
	}

	waitCount(t, e, &runs, int32(len(timers)))
	require.Equal(t, int32(0), atomic.LoadInt32(&overlap))
}

func TestStoppedExecutorDropsWork(t *testing.T) {
	clk := testclock.NewFakeClock(time.Unix(1000, 0))
	e := NewExecutor("stopped", clk)

	var runs int32
	tmr := e.NewTimer("dropped", func() { atomic.AddInt32(&runs, 1) })
	e.Stop()
	e.Stop()

	tmr.Arm(0)
	e.Sync()
	tmr.CancelSync()
	require.Equal(t, int32(0), atomic.LoadInt32(&runs))
}
