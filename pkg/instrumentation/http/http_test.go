// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
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

package http

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartStop(t *testing.T) {
	srv := NewServer()

	require.NoError(t, srv.Start(""))
	require.Equal(t, "", srv.GetAddress())

	require.NoError(t, srv.Start("127.0.0.1:0"))
	srv.Stop()
	require.Equal(t, "", srv.GetAddress())

	require.NoError(t, srv.Start("127.0.0.1:0"))
	require.NoError(t, srv.Restart("127.0.0.1:0"), "restart on a different port")

	addr := srv.GetAddress()
	require.NoError(t, srv.Reconfigure(addr), "reconfigure on the same port")
	require.Equal(t, addr, srv.GetAddress())
	require.NoError(t, srv.Reconfigure("127.0.0.1:0"), "reconfigure on a different port")

	srv.Shutdown(true)
	require.Equal(t, "", srv.GetAddress())

	require.NoError(t, srv.Start("127.0.0.1:0"))
	srv.Shutdown(false)
	require.Equal(t, "", srv.GetAddress())
}

func checkURL(t *testing.T, srv *Server, path, response string, status int) {
	url := "http://" + srv.GetAddress() + path

	res, err := http.Get(url)
	require.NoError(t, err, "GET %s", url)
	defer res.Body.Close()

	require.Equal(t, status, res.StatusCode, "GET %s", url)

	txt, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, response, string(txt), "GET %s", url)
}

type testHandler struct {
	response string
}

func (h *testHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(h.response))
}

func TestPatterns(t *testing.T) {
	srv := NewServer()
	mux := srv.GetMux()

	require.NoError(t, srv.Start("127.0.0.1:0"))
	defer srv.Stop()

	checkURL(t, srv, "/dvfs/gpu0/cur_freq", "404 page not found\n", http.StatusNotFound)

	require.NoError(t, mux.Handle("/dvfs/gpu0/", &testHandler{"gpu0"}))
	checkURL(t, srv, "/dvfs/gpu0/cur_freq", "gpu0", http.StatusOK)

	require.NoError(t, mux.Handle("/metrics", &testHandler{"metrics"}))
	checkURL(t, srv, "/metrics", "metrics", http.StatusOK)

	require.NoError(t, mux.Handle("/", &testHandler{"/"}))
	checkURL(t, srv, "/metrics", "metrics", http.StatusOK)

	// duplicates are rejected
	require.Error(t, mux.Handle("/metrics", &testHandler{"other"}))
	require.Error(t, mux.Handle("/other", nil))
	checkURL(t, srv, "/metrics", "metrics", http.StatusOK)

	require.Equal(t, []string{"/", "/dvfs/gpu0/", "/metrics"}, mux.Patterns())

	h, ok := mux.Unregister("/metrics")
	require.True(t, ok)
	require.NotNil(t, h)
	checkURL(t, srv, "/metrics", "/", http.StatusOK)

	_, ok = mux.Unregister("/metrics")
	require.False(t, ok)

	require.NoError(t, mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("func"))
	}))
	checkURL(t, srv, "/metrics", "func", http.StatusOK)

	mux.Unregister("/dvfs/gpu0/")
	checkURL(t, srv, "/dvfs/gpu0/cur_freq", "/", http.StatusOK)
}
