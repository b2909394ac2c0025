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

package freqtable

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testLevels() []Level {
	return []Level{
		{Frequency: 900000, DramFloor: 3172000, DramFloorBoosted: 3738000, BusScenario: 2, LLCWays: 4},
		{Frequency: 800000, DramFloor: 2730000, DramFloorBoosted: 3172000, BusScenario: 2, LLCWays: 2},
		{Frequency: 700000, DramFloor: 2288000, DramFloorBoosted: 2730000, BusScenario: 1, LLCWays: 0},
		{Frequency: 500000, DramFloor: 1539000, DramFloorBoosted: 2288000, BusScenario: 1, LLCWays: 0},
		{Frequency: 300000, DramFloor: 421000, DramFloorBoosted: 1539000, BusScenario: 0, LLCWays: 0},
	}
}

func TestNewValidation(t *testing.T) {
	type testCase struct {
		name   string
		levels []Level
		major  []uint64
	}

	for _, tc := range []testCase{
		{name: "empty"},
		{name: "ascending", levels: []Level{{Frequency: 100}, {Frequency: 200}}},
		{name: "duplicate", levels: []Level{{Frequency: 200}, {Frequency: 200}}},
		{name: "zero frequency", levels: []Level{{Frequency: 200}, {Frequency: 0}}},
		{name: "negative ways", levels: []Level{{Frequency: 200, LLCWays: -1}}},
		{name: "bad major level", levels: testLevels(), major: []uint64{650000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.levels, tc.major)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidTable))
		})
	}
}

func TestLookups(t *testing.T) {
	tbl, err := New(testLevels(), nil)
	require.NoError(t, err)

	require.Equal(t, 5, tbl.Len())
	require.Equal(t, uint64(900000), tbl.Max())
	require.Equal(t, uint64(300000), tbl.Min())
	require.Equal(t, "900000 800000 700000 500000 300000", tbl.String())

	idx, ok := tbl.Index(700000)
	require.True(t, ok)
	require.Equal(t, 2, idx)
	_, ok = tbl.Index(650000)
	require.False(t, ok)

	idx, l := tbl.Lookup(650000)
	require.Equal(t, 4, idx, "unknown frequencies fall back to the lowest level")
	require.Equal(t, uint64(300000), l.Frequency)

	require.Equal(t, uint64(500000), tbl.Floor(650000))
	require.Equal(t, uint64(300000), tbl.Floor(100))
	require.Equal(t, uint64(700000), tbl.Ceil(650000))
	require.Equal(t, uint64(900000), tbl.Ceil(1000000))
	require.Equal(t, uint64(700000), tbl.Ceil(700000))
}

func TestStepDown(t *testing.T) {
	tbl, err := New(testLevels(), nil)
	require.NoError(t, err)

	require.Equal(t, uint64(800000), tbl.StepDown(900000, 1))
	require.Equal(t, uint64(500000), tbl.StepDown(900000, 3))
	require.Equal(t, uint64(300000), tbl.StepDown(700000, 10))
	require.Equal(t, uint64(500000), tbl.StepDown(750000, 1), "off-table frequencies step from the level below them")
}

func TestSelect(t *testing.T) {
	tbl, err := New(testLevels(), nil)
	require.NoError(t, err)

	require.Equal(t, uint64(700000), tbl.Select(650000, 300000, 900000))
	require.Equal(t, uint64(800000), tbl.Select(900000, 300000, 850000))
	require.Equal(t, uint64(500000), tbl.Select(100000, 500000, 900000))
}

func TestMajorLevels(t *testing.T) {
	tbl, err := New(testLevels(), nil)
	require.NoError(t, err)
	require.False(t, tbl.HasMajorLevels())
	require.False(t, tbl.IsMajor(900000))
	require.Nil(t, tbl.MajorLevels())

	tbl, err = New(testLevels(), []uint64{300000, 900000, 700000})
	require.NoError(t, err)
	require.True(t, tbl.HasMajorLevels())
	require.True(t, tbl.IsMajor(700000))
	require.False(t, tbl.IsMajor(800000))
	require.Equal(t, []uint64{900000, 700000, 300000}, tbl.MajorLevels())
}
