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

package resctrl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockResctrl creates a fake resctrl filesystem and a mounts file pointing to it.
func mockResctrl(t *testing.T, l3dir string) (string, string) {
	base := t.TempDir()
	root := filepath.Join(base, "resctrl")

	files := map[string]string{
		"schemata":                        "L3:0=fff;1=fff\nMB:0=100;1=100\n",
		"info/last_cmd_status":            "ok\n",
		"info/" + l3dir + "/cbm_mask":     "fff\n",
		"info/" + l3dir + "/min_cbm_bits": "1\n",
		"info/" + l3dir + "/num_closids":  "16\n",
	}
	if l3dir != "L3" {
		files["schemata"] = "L3CODE:0=fff;1=fff\nL3DATA:0=fff;1=fff\n"
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	mounts := filepath.Join(base, "mounts")
	require.NoError(t, os.WriteFile(mounts, []byte(
		"proc /proc proc rw,nosuid 0 0\n"+
			"resctrl "+root+" resctrl rw,relatime 0 0\n"), 0644))

	return root, mounts
}

func readSchemata(t *testing.T, root, group string) string {
	data, err := os.ReadFile(filepath.Join(root, group, "schemata"))
	require.NoError(t, err)
	return string(data)
}

func TestBitmask(t *testing.T) {
	b, err := ListStrToBitmask("0-3,8,10-11")
	require.NoError(t, err)
	require.Equal(t, Bitmask(0xd0f), b)
	require.Equal(t, "0-3,8,10-11", b.ListStr())
	require.Equal(t, 7, b.Ways())
	require.False(t, b.Contiguous())

	b, err = ListStrToBitmask("4-11")
	require.NoError(t, err)
	require.True(t, b.Contiguous())
	require.Equal(t, Bitmask(0xf00), b.Top(4))
	require.Equal(t, Bitmask(0xff0), b.Top(8))
	require.Equal(t, Bitmask(0), b.Top(9))
	require.Equal(t, "f00", b.Top(4).String())

	_, err = ListStrToBitmask("3-1")
	require.Error(t, err)
	_, err = ListStrToBitmask("x")
	require.Error(t, err)
}

func TestAllocate(t *testing.T) {
	root, mounts := mockResctrl(t, "L3")

	p, err := New(Options{MountsFile: mounts})
	require.NoError(t, err)

	require.NoError(t, p.Allocate(1, true, 4))
	require.Equal(t, "L3:0=f00;1=f00\n", readSchemata(t, root, "gpu-dvfs.1"))
	require.Equal(t, 4, p.Allocated(1))

	// same size is a no-op, resizing in place is refused
	require.NoError(t, p.Allocate(1, true, 4))
	require.Error(t, p.Allocate(1, true, 2))

	require.NoError(t, p.Allocate(1, false, 0))
	_, err = os.Stat(filepath.Join(root, "gpu-dvfs.1"))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, 0, p.Allocated(1))

	require.NoError(t, p.Allocate(1, true, 2))
	require.Equal(t, "L3:0=c00;1=c00\n", readSchemata(t, root, "gpu-dvfs.1"))

	// releasing an unallocated region succeeds
	require.NoError(t, p.Allocate(2, false, 0))

	require.Error(t, p.Allocate(3, true, 0))
	require.Error(t, p.Allocate(3, true, 13))
}

func TestAllocateRestrictedWays(t *testing.T) {
	root, _ := mockResctrl(t, "L3")

	p, err := New(Options{Path: root, GroupPrefix: "gpu", Ways: "0-5"})
	require.NoError(t, err)
	require.NoError(t, p.Allocate(0, true, 2))
	require.Equal(t, "L3:0=30;1=30\n", readSchemata(t, root, "gpu.0"))
	require.Error(t, p.Allocate(1, true, 7))

	_, err = New(Options{Path: root, Ways: "0-1,4-5"})
	require.Error(t, err)
	_, err = New(Options{Path: root, Ways: "10-13"})
	require.Error(t, err)
}

func TestCodeDataPrioritization(t *testing.T) {
	root, mounts := mockResctrl(t, "L3CODE")

	p, err := New(Options{MountsFile: mounts})
	require.NoError(t, err)
	require.NoError(t, p.Allocate(1, true, 1))
	require.Equal(t, "L3CODE:0=800;1=800\nL3DATA:0=800;1=800\n", readSchemata(t, root, "gpu-dvfs.1"))
}

func TestDiscoveryFailures(t *testing.T) {
	dir := t.TempDir()
	mounts := filepath.Join(dir, "mounts")
	require.NoError(t, os.WriteFile(mounts, []byte("proc /proc proc rw 0 0\n"), 0644))

	_, err := New(Options{MountsFile: mounts})
	require.Error(t, err)
	_, err = New(Options{MountsFile: filepath.Join(dir, "none")})
	require.Error(t, err)
	_, err = New(Options{Path: dir})
	require.Error(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "info", "MB"), 0755))
	_, err = New(Options{Path: dir})
	require.Error(t, err)
}
