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

// Package stats implements per-frequency-level time-in-state accounting.
package stats

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Entry is the cumulative time spent at one frequency level.
type Entry struct {
	Frequency uint64
	Time      time.Duration
}

// TimeInState accumulates the time spent at each level of a frequency table.
type TimeInState struct {
	lock        sync.Mutex
	clock       clock.PassiveClock
	freqs       []uint64
	time        []time.Duration
	lastLevel   int
	lastTime    time.Time
	transitions uint64
}

// New creates time-in-state accounting for the given levels, starting at level initial.
func New(freqs []uint64, initial int, c clock.PassiveClock) *TimeInState {
	if c == nil {
		c = clock.RealClock{}
	}
	s := &TimeInState{
		clock:     c,
		freqs:     append([]uint64{}, freqs...),
		time:      make([]time.Duration, len(freqs)),
		lastLevel: initial,
		lastTime:  c.Now(),
	}
	return s
}

// Update records a transition to the given level.
func (s *TimeInState) Update(level int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.account()
	if level >= 0 && level < len(s.time) {
		s.lastLevel = level
	}
	if s.transitions == math.MaxUint64 {
		s.reset()
	}
	s.transitions++
}

// Current returns the level of the last transition.
func (s *TimeInState) Current() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastLevel
}

// Transitions returns the number of transitions recorded.
func (s *TimeInState) Transitions() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.transitions
}

// Snapshot returns the time spent at each level, including the ongoing one.
func (s *TimeInState) Snapshot() []Entry {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.account()
	return s.entries()
}

// Consume returns the time spent at each level and restarts accounting.
func (s *TimeInState) Consume() []Entry {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.account()
	entries := s.entries()
	s.reset()
	return entries
}

// String returns the time spent at each level as 'frequency milliseconds' lines.
func (s *TimeInState) String() string {
	return Format(s.Snapshot())
}

// Format formats entries as 'frequency milliseconds' lines.
func Format(entries []Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%d %d", e.Frequency, e.Time.Milliseconds()))
	}
	return strings.Join(lines, "\n")
}

// account adds the time since the last update to the current level, s must be locked.
func (s *TimeInState) account() {
	now := s.clock.Now()
	elapsed := now.Sub(s.lastTime)
	s.lastTime = now
	if elapsed <= 0 || s.lastLevel < 0 || s.lastLevel >= len(s.time) {
		return
	}
	if s.time[s.lastLevel] > math.MaxInt64-elapsed {
		s.reset()
	}
	s.time[s.lastLevel] += elapsed
}

// reset clears all accumulated statistics, s must be locked.
func (s *TimeInState) reset() {
	for i := range s.time {
		s.time[i] = 0
	}
	s.transitions = 0
	s.lastTime = s.clock.Now()
}

func (s *TimeInState) entries() []Entry {
	entries := make([]Entry, 0, len(s.freqs))
	for i, f := range s.freqs {
		entries = append(entries, Entry{Frequency: f, Time: s.time[i]})
	}
	return entries
}
