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

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceMapParsing(t *testing.T) {
	type testCase struct {
		name    string
		value   string
		result  srcmap
		invalid bool
	}

	for _, tc := range []testCase{
		{
			name:   "single source",
			value:  "afm",
			result: srcmap{"afm": true},
		},
		{
			name:   "all sources",
			value:  "all",
			result: srcmap{"*": true},
		},
		{
			name:   "state carried over",
			value:  "on:*,off:devfreq,deferred",
			result: srcmap{"*": true, "devfreq": false, "deferred": false},
		},
		{
			name:    "invalid state",
			value:   "maybe:afm",
			invalid: true,
		},
		{
			name:    "invalid entry",
			value:   "on:afm:extra",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := make(srcmap)
			err := m.Set(tc.value)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, m)
		})
	}
}

func TestSourceMapState(t *testing.T) {
	m := srcmap{"*": true, "devfreq": false}
	require.True(t, m.state("afm", false))
	require.False(t, m.state("devfreq", true))
	require.True(t, srcmap{}.state("afm", true))
	require.Equal(t, "on:*,off:devfreq", m.String())
}

func TestSourceMapUnmarshal(t *testing.T) {
	m := srcmap{}
	require.NoError(t, m.UnmarshalJSON([]byte(`{"on": ["afm", "all"], "off": ["deferred"]}`)))
	require.Equal(t, srcmap{"afm": true, "*": true, "deferred": false}, m)

	require.NoError(t, m.UnmarshalJSON([]byte(`"off:afm"`)))
	require.Equal(t, srcmap{"afm": false}, m)

	require.Error(t, m.UnmarshalJSON([]byte(`{"perhaps": ["afm"]}`)))
}

func TestLevelParsing(t *testing.T) {
	var l Level
	require.NoError(t, l.Set("warning"))
	require.Equal(t, LevelWarn, l)
	require.Equal(t, "warning", l.String())
	require.Error(t, l.Set("chatty"))
	require.Equal(t, LevelWarn, l)
}

func TestLoggerDebugToggle(t *testing.T) {
	l := NewLogger("log-test-source")
	require.Equal(t, l, Get("[log-test-source]"))
	require.Equal(t, "log-test-source", l.Source())

	require.False(t, l.EnableDebug(true))
	require.True(t, l.DebugEnabled())
	require.True(t, l.EnableDebug(false))
	require.False(t, l.DebugEnabled())
}

func TestForcedDebugToggle(t *testing.T) {
	l := NewLogger("log-test-forced")
	l.EnableDebug(false)
	require.False(t, ForcedDebug())

	require.True(t, ToggleForcedDebug())
	require.True(t, ForcedDebug())
	require.True(t, l.DebugEnabled())

	require.False(t, ToggleForcedDebug())
	require.False(t, l.DebugEnabled())
}

func TestFmtBackend(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &fmtBackend{
		q:   make(chan *fmtReq, 16),
		out: buf,
	}
	go f.run()

	f.SetSourceAlignment(4)
	f.Log(LevelInfo, "ab", "hello %d", 1)
	f.Sync()
	require.Empty(t, buf.String(), "messages should be buffered until the first flush")

	f.Flush()
	f.Block(LevelWarn, "ab", "  ", "a\nb")
	f.Stop()

	require.Equal(t,
		"I:  [ ab ] hello 1\n"+
			"W:  [ ab ]    a\n"+
			"W:  [ ab ]    b\n",
		buf.String())
}
