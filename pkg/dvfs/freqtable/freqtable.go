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

// Package freqtable implements the static per-level GPU frequency table.
package freqtable

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	idset "github.com/intel/goresctrl/pkg/utils"
)

// Level is one GPU frequency level and the resources it depends on.
type Level struct {
	// Frequency is the GPU clock of this level in kHz.
	Frequency uint64 `json:"frequency"`
	// DramFloor is the DRAM bandwidth floor in kHz.
	DramFloor uint64 `json:"dramFloor"`
	// DramFloorBoosted is the DRAM bandwidth floor in kHz under active compute boost.
	DramFloorBoosted uint64 `json:"dramFloorBoosted"`
	// BusScenario is the bus traffic-class scenario id, 0 for none.
	BusScenario int `json:"busScenario"`
	// LLCWays is the number of LLC ways reserved for the GPU, 0 for none.
	LLCWays int `json:"llcWays"`
}

// Table is an immutable, strictly descending frequency table. Index 0 is
// the maximum level.
type Table struct {
	levels []Level
	index  map[uint64]int
	major  idset.IDSet
}

// New creates a table from the given levels and optional major levels.
func New(levels []Level, major []uint64) (*Table, error) {
	if len(levels) == 0 {
		return nil, tableError("empty frequency table")
	}

	t := &Table{
		levels: make([]Level, len(levels)),
		index:  make(map[uint64]int, len(levels)),
	}
	copy(t.levels, levels)

	for idx, l := range t.levels {
		if l.Frequency == 0 {
			return nil, tableError("level #%d: zero frequency", idx)
		}
		if l.LLCWays < 0 || l.BusScenario < 0 {
			return nil, tableError("level #%d: negative LLC ways or bus scenario", idx)
		}
		if idx > 0 && l.Frequency >= t.levels[idx-1].Frequency {
			return nil, tableError("level #%d: frequency %d not strictly below %d",
				idx, l.Frequency, t.levels[idx-1].Frequency)
		}
		t.index[l.Frequency] = idx
	}

	if len(major) > 0 {
		t.major = idset.NewIDSet()
		for _, freq := range major {
			idx, ok := t.index[freq]
			if !ok {
				return nil, tableError("major level %d is not a table frequency", freq)
			}
			t.major.Add(idset.ID(idx))
		}
	}

	return t, nil
}

// Len returns the number of levels in the table.
func (t *Table) Len() int {
	return len(t.levels)
}

// Level returns the level with the given index.
func (t *Table) Level(idx int) Level {
	return t.levels[idx]
}

// Levels returns a copy of all levels.
func (t *Table) Levels() []Level {
	levels := make([]Level, len(t.levels))
	copy(levels, t.levels)
	return levels
}

// Frequencies returns all table frequencies in descending order.
func (t *Table) Frequencies() []uint64 {
	freqs := make([]uint64, 0, len(t.levels))
	for _, l := range t.levels {
		freqs = append(freqs, l.Frequency)
	}
	return freqs
}

// Max returns the highest frequency of the table.
func (t *Table) Max() uint64 {
	return t.levels[0].Frequency
}

// Min returns the lowest frequency of the table.
func (t *Table) Min() uint64 {
	return t.levels[len(t.levels)-1].Frequency
}

// Index returns the index of the level with exactly the given frequency.
func (t *Table) Index(freq uint64) (int, bool) {
	idx, ok := t.index[freq]
	return idx, ok
}

// Lookup returns the level with the given frequency, falling back to the
// lowest level for frequencies not in the table.
func (t *Table) Lookup(freq uint64) (int, Level) {
	if idx, ok := t.index[freq]; ok {
		return idx, t.levels[idx]
	}
	idx := len(t.levels) - 1
	return idx, t.levels[idx]
}

// floorIndex returns the index of the highest level at or below freq, or
// the lowest level if freq is below the whole table.
func (t *Table) floorIndex(freq uint64) int {
	idx := sort.Search(len(t.levels), func(i int) bool {
		return t.levels[i].Frequency <= freq
	})
	if idx == len(t.levels) {
		idx--
	}
	return idx
}

// Floor returns the highest table frequency at or below freq, or the table
// minimum if freq is below the whole table.
func (t *Table) Floor(freq uint64) uint64 {
	return t.levels[t.floorIndex(freq)].Frequency
}

// Ceil returns the lowest table frequency at or above freq, or the table
// maximum if freq is above the whole table.
func (t *Table) Ceil(freq uint64) uint64 {
	idx := sort.Search(len(t.levels), func(i int) bool {
		return t.levels[i].Frequency < freq
	})
	if idx == 0 {
		return t.levels[0].Frequency
	}
	return t.levels[idx-1].Frequency
}

// StepDown returns the frequency n levels below freq, floored at the table minimum.
func (t *Table) StepDown(freq uint64, n int) uint64 {
	idx := t.floorIndex(freq) + n
	if idx >= len(t.levels) {
		idx = len(t.levels) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return t.levels[idx].Frequency
}

// Select returns the table frequency to use for a request of freq within
// the window [min, max]. Requests are clamped into the window then rounded
// up to a table level. If that level is above max, the next level below
// is used instead.
func (t *Table) Select(freq, min, max uint64) uint64 {
	if freq > max {
		freq = max
	}
	if freq < min {
		freq = min
	}
	sel := t.Ceil(freq)
	if sel > max {
		sel = t.Floor(max)
	}
	return sel
}

// HasMajorLevels returns true if the table carries major levels.
func (t *Table) HasMajorLevels() bool {
	return t.major != nil
}

// IsMajor returns true if freq is one of the major levels.
func (t *Table) IsMajor(freq uint64) bool {
	idx, ok := t.index[freq]
	return ok && t.major != nil && t.major.Has(idset.ID(idx))
}

// MajorLevels returns the major level frequencies in descending order.
func (t *Table) MajorLevels() []uint64 {
	if t.major == nil {
		return nil
	}
	freqs := []uint64{}
	for _, id := range t.major.SortedMembers() {
		freqs = append(freqs, t.levels[id].Frequency)
	}
	return freqs
}

// String returns the table frequencies as a space-separated list.
func (t *Table) String() string {
	strs := make([]string, 0, len(t.levels))
	for _, l := range t.levels {
		strs = append(strs, strconv.FormatUint(l.Frequency, 10))
	}
	return strings.Join(strs, " ")
}

// ErrInvalidTable is the base error for invalid frequency tables.
var ErrInvalidTable = errors.New("invalid frequency table")

func tableError(format string, args ...interface{}) error {
	return errors.Wrap(ErrInvalidTable, fmt.Sprintf(format, args...))
}
