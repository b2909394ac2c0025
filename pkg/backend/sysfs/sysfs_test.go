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

package sysfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/gpu-dvfs/pkg/dvfs/constraint"
)

// touch creates the given entries under dir.
func touch(t *testing.T, dir string, entries map[string]string) {
	for name, content := range entries {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func read(t *testing.T, dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func TestFloor(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, map[string]string{"min_freq": "0\n"})

	f := NewFloor(dir)
	require.NoError(t, f.SetFloor(3172000))
	require.Equal(t, "3172000", read(t, dir, "min_freq"))
	require.NoError(t, f.SetFloor(0))
	require.Equal(t, "0", read(t, dir, "min_freq"))

	require.Error(t, NewFloor(filepath.Join(dir, "none")).SetFloor(1))
}

func TestBusScenario(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, map[string]string{
		"add":       "",
		"delete":    "",
		"scenarios": "default 0\ngpu-mid 1\ngpu-high: 2\n",
	})

	b := NewBusScenario(dir)
	require.NoError(t, b.AddScenario(2))
	require.Equal(t, "2", read(t, dir, "add"))
	require.NoError(t, b.DeleteScenario(1))
	require.Equal(t, "1", read(t, dir, "delete"))

	id, err := b.LookupScenario("gpu-high")
	require.NoError(t, err)
	require.Equal(t, 2, id)
	id, err = b.LookupScenario("default")
	require.NoError(t, err)
	require.Equal(t, 0, id)
	_, err = b.LookupScenario("bogus")
	require.Error(t, err)

	touch(t, dir, map[string]string{"scenarios": "default zero\n"})
	_, err = NewBusScenario(dir).LookupScenario("default")
	require.Error(t, err)
}

func TestFrequencySetter(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, map[string]string{"userspace/set_freq": "0\n"})

	require.NoError(t, NewFrequencySetter(dir).SetFrequency(700000))
	require.Equal(t, "700000", read(t, dir, "userspace/set_freq"))
}

func TestArbiter(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, map[string]string{
		"thermal_max_freq":    "",
		"kernel_min_min_freq": "",
	})

	a := NewArbiter(dir)
	require.NoError(t, a.Update(constraint.SlotThermal, constraint.Max, 500000, true))
	require.Equal(t, "500000", read(t, dir, "thermal_max_freq"))
	require.NoError(t, a.Update(constraint.SlotThermal, constraint.Max, 500000, false))
	require.Equal(t, "0", read(t, dir, "thermal_max_freq"))
	require.NoError(t, a.Update(constraint.SlotKernelMin, constraint.Min, 300000, true))
	require.Equal(t, "300000", read(t, dir, "kernel_min_min_freq"))

	require.Error(t, a.Update(constraint.SlotUser, constraint.Min, 1, true))
}

func TestRuntimePM(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, map[string]string{
		"power/control":        "auto\n",
		"power/runtime_status": "suspended\n",
	})

	p := NewRuntimePM(dir)
	require.True(t, p.Suspended())

	require.NoError(t, p.Get())
	require.Equal(t, "on", read(t, dir, "power/control"))
	require.NoError(t, p.Get())
	p.Put()
	require.Equal(t, "on", read(t, dir, "power/control"))
	p.Put()
	require.Equal(t, "auto", read(t, dir, "power/control"))
	p.Put()
	require.Equal(t, "auto", read(t, dir, "power/control"))

	touch(t, dir, map[string]string{"power/runtime_status": "active\n"})
	require.False(t, p.Suspended())

	require.False(t, NewRuntimePM(filepath.Join(dir, "none")).Suspended())
}
