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

package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/intel/gpu-dvfs/pkg/dvfs"
	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
)

type platform struct {
	root string
	opts Options
}

func mockPlatform(t *testing.T) *platform {
	root := t.TempDir()
	files := map[string]string{
		"gpu/userspace/set_freq":       "0\n",
		"dram/min_freq":                "0\n",
		"bus/add":                      "",
		"bus/delete":                   "",
		"bus/scenarios":                "default 0\n",
		"class/uio2/name":              "gpu-afm\n",
		"class/uio2/maps/map0/size":    "0x1000\n",
		"dev/uio2":                     string(make([]byte, 4096)),
		"resctrl/schemata":             "L3:0=ff\n",
		"resctrl/info/L3/cbm_mask":     "ff\n",
		"resctrl/info/L3/min_cbm_bits": "1\n",
		"resctrl/info/L3/num_closids":  "8\n",
		"resctrl/info/last_cmd_status": "ok\n",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	return &platform{
		root: root,
		opts: Options{
			Devices: []DeviceConfig{
				{
					Name:        "gpu0",
					GPUDevfreq:  filepath.Join(root, "gpu"),
					DRAMDevfreq: filepath.Join(root, "dram"),
					BusScenario: filepath.Join(root, "bus"),
					AFM: []AFMConfig{
						{Name: "main", UIO: "gpu-afm", I2CAdapter: 4, I2CAddress: 0x66},
					},
				},
			},
			Resctrl:     ResctrlConfig{Path: filepath.Join(root, "resctrl")},
			UIOClassDir: filepath.Join(root, "class"),
			DevDir:      filepath.Join(root, "dev"),
		},
	}
}

func gpuConfig() dvfs.Config {
	return dvfs.Config{
		Name:         "gpu0",
		Capabilities: dvfs.Capabilities{BusScenario: true, CachePartition: true},
		AFM:          []dvfs.AFMConfig{{Name: "main", Layout: "gen1"}},
	}
}

func TestBuild(t *testing.T) {
	p := mockPlatform(t)
	b := NewBuilder(p.opts)

	set, err := b.Build(gpuConfig())
	require.NoError(t, err)
	require.NotNil(t, set.Floor)
	require.NotNil(t, set.Setter)
	require.NotNil(t, set.Bus)
	require.NotNil(t, set.Cache)
	require.Nil(t, set.Arbiter)
	require.Nil(t, set.PM)
	require.Contains(t, set.AFM, "main")

	require.NoError(t, set.Setter.SetFrequency(500000))
	require.NoError(t, set.Cache.Allocate(1, true, 2))
	id, err := set.Bus.LookupScenario("default")
	require.NoError(t, err)
	require.Equal(t, 0, id)

	regs := set.AFM["main"].Registers
	regs.Write(0x8, 7)
	require.Equal(t, uint32(7), regs.Read(0x8))

	// the PMIC adapter node does not exist yet
	_, err = set.AFM["main"].PMIC.BusHandle()
	require.True(t, errors.Is(err, hw.ErrBusNotReady))

	require.NoError(t, set.Close())

	// the cache partition is shared
	other, err := b.Build(gpuConfig())
	require.NoError(t, err)
	require.Same(t, set.Cache, other.Cache)
	require.NoError(t, other.Close())
}

func TestBuildOptionalServices(t *testing.T) {
	p := mockPlatform(t)
	p.opts.Devices[0].Arbiter = filepath.Join(p.root, "arbiter")
	p.opts.Devices[0].Power = filepath.Join(p.root, "gpu")

	cfg := gpuConfig()
	cfg.Capabilities = dvfs.Capabilities{}
	cfg.AFM = nil

	set, err := NewBuilder(p.opts).Build(cfg)
	require.NoError(t, err)
	require.Nil(t, set.Bus)
	require.Nil(t, set.Cache)
	require.NotNil(t, set.Arbiter)
	require.NotNil(t, set.PM)
	require.Empty(t, set.AFM)
	require.NoError(t, set.Close())
}

func TestBuildFailures(t *testing.T) {
	p := mockPlatform(t)

	cfg := gpuConfig()
	cfg.Name = "gpu1"
	_, err := NewBuilder(p.opts).Build(cfg)
	require.Error(t, err)

	cfg = gpuConfig()
	cfg.AFM = append(cfg.AFM, dvfs.AFMConfig{Name: "aux", Layout: "gen2"})
	_, err = NewBuilder(p.opts).Build(cfg)
	require.Error(t, err)

	opts := p.opts
	opts.Resctrl.Path = filepath.Join(p.root, "none")
	_, err = NewBuilder(opts).Build(gpuConfig())
	require.Error(t, err)

	opts = p.opts
	opts.Devices = []DeviceConfig{opts.Devices[0]}
	opts.Devices[0].BusScenario = ""
	_, err = NewBuilder(opts).Build(gpuConfig())
	require.Error(t, err)

	opts = p.opts
	opts.Devices = []DeviceConfig{opts.Devices[0]}
	opts.Devices[0].AFM = []AFMConfig{{Name: "main", UIO: "missing"}}
	_, err = NewBuilder(opts).Build(gpuConfig())
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tcases := []struct {
		name    string
		devices []DeviceConfig
		invalid bool
	}{
		{
			name: "valid",
			devices: []DeviceConfig{
				{Name: "gpu0", GPUDevfreq: "/a", DRAMDevfreq: "/b"},
				{Name: "gpu1", GPUDevfreq: "/c", DRAMDevfreq: "/d"},
			},
		},
		{
			name:    "no name",
			devices: []DeviceConfig{{GPUDevfreq: "/a", DRAMDevfreq: "/b"}},
			invalid: true,
		},
		{
			name: "duplicate",
			devices: []DeviceConfig{
				{Name: "gpu0", GPUDevfreq: "/a", DRAMDevfreq: "/b"},
				{Name: "gpu0", GPUDevfreq: "/c", DRAMDevfreq: "/d"},
			},
			invalid: true,
		},
		{
			name:    "no devfreq",
			devices: []DeviceConfig{{Name: "gpu0", GPUDevfreq: "/a"}},
			invalid: true,
		},
		{
			name: "duplicate domain",
			devices: []DeviceConfig{{
				Name: "gpu0", GPUDevfreq: "/a", DRAMDevfreq: "/b",
				AFM: []AFMConfig{{Name: "main", UIO: "x"}, {Name: "main", UIO: "y"}},
			}},
			invalid: true,
		},
		{
			name: "domain without device",
			devices: []DeviceConfig{{
				Name: "gpu0", GPUDevfreq: "/a", DRAMDevfreq: "/b",
				AFM: []AFMConfig{{Name: "main"}},
			}},
			invalid: true,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			o := &Options{Devices: tc.devices}
			if tc.invalid {
				require.Error(t, o.Validate())
			} else {
				require.NoError(t, o.Validate())
			}
		})
	}
}
