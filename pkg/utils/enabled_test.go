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

package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEnabled(t *testing.T) {
	for _, on := range []string{"on", "1", "true", " Enabled\n", "yes"} {
		state, err := ParseEnabled(on)
		require.NoError(t, err, on)
		require.True(t, state, on)
	}
	for _, off := range []string{"off", "0", "FALSE", "disabled", "no"} {
		state, err := ParseEnabled(off)
		require.NoError(t, err, off)
		require.False(t, state, off)
	}
	_, err := ParseEnabled("2")
	require.Error(t, err)
}

func TestParseUint(t *testing.T) {
	v, err := ParseUint(" 585000\n")
	require.NoError(t, err)
	require.Equal(t, uint64(585000), v)

	_, err = ParseUint("-1")
	require.Error(t, err)
}

func TestDumpJSON(t *testing.T) {
	require.Equal(t, "{\n  \"a\": 1\n}", DumpJSON(map[string]int{"a": 1}))
	require.Contains(t, DumpJSON(func() {}), "failed to dump")
}
