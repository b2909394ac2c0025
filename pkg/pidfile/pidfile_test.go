// Copyright 2020-2022 Intel Corporation. All Rights Reserved.
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

package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "run", "gpu-dvfsd.pid")
}

func TestAcquireRelease(t *testing.T) {
	p := New(testPath(t))

	pid, err := p.Read()
	require.NoError(t, err)
	require.Equal(t, 0, pid)

	require.NoError(t, p.Acquire())
	require.NoError(t, p.Acquire())

	pid, err = p.Read()
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	pid, err = p.OwnerPid()
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	_, err = os.Stat(p.Path())
	require.True(t, os.IsNotExist(err))
	require.NoError(t, p.Release())
}

func TestSecondInstance(t *testing.T) {
	path := testPath(t)
	first := New(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := New(path)
	err := second.Acquire()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrRunning))
}

func TestLiveOwner(t *testing.T) {
	path := testPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	// pid 1 is always alive
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0644))

	err := New(path).Acquire()
	require.True(t, errors.Is(err, ErrRunning))
}

func TestStaleOwner(t *testing.T) {
	path := testPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<22+1)+"\n"), 0644))

	p := New(path)
	pid, err := p.OwnerPid()
	require.NoError(t, err)
	require.Equal(t, 0, pid)

	require.NoError(t, p.Acquire())
	pid, err = p.Read()
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
	require.NoError(t, p.Release())
}

func TestInvalidContent(t *testing.T) {
	path := testPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("gpu\n"), 0644))

	pid, err := New(path).Read()
	require.Error(t, err)
	require.Equal(t, -1, pid)
}

func TestDefaultPath(t *testing.T) {
	require.Equal(t, DefaultPath(), New("").Path())
	require.Equal(t, ".pid", filepath.Ext(DefaultPath()))
}
