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

// Package sysfs implements the GPU frequency scaling services on top of
// sysfs-like control files.
package sysfs

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/intel/gpu-dvfs/pkg/dvfs/constraint"
	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
	logger "github.com/intel/gpu-dvfs/pkg/log"
	sysfsutil "github.com/intel/gpu-dvfs/pkg/sysfs"
)

const (
	// DRAM devfreq minimum frequency entry.
	floorEntry = "min_freq"
	// bus scenario request entries and name table
	addEntry       = "add"
	deleteEntry    = "delete"
	scenariosEntry = "scenarios"
	// devfreq userspace governor frequency entry
	setFreqEntry = "userspace/set_freq"
	// runtime PM entries
	pmControlEntry = "power/control"
	pmStatusEntry  = "power/runtime_status"
)

var log = logger.NewLogger("sysfs")

// Floor requests the DRAM bandwidth floor through a devfreq min_freq entry.
type Floor struct {
	dir string
}

// NewFloor creates a bandwidth floor for the DRAM devfreq directory dir.
func NewFloor(dir string) *Floor {
	return &Floor{dir: dir}
}

// SetFloor implements hw.BandwidthFloor.
func (f *Floor) SetFloor(kHz uint64) error {
	log.Debug("%s: DRAM floor %d kHz", f.dir, kHz)
	return sysfsutil.WriteEntry(f.dir, floorEntry, kHz)
}

// BusScenario requests bus traffic-class scenarios.
type BusScenario struct {
	sync.Mutex
	dir   string
	names map[string]int
}

// NewBusScenario creates a bus scenario service for the directory dir.
func NewBusScenario(dir string) *BusScenario {
	return &BusScenario{dir: dir}
}

// AddScenario implements hw.BusScenario.
func (b *BusScenario) AddScenario(id int) error {
	log.Debug("%s: add scenario %d", b.dir, id)
	return sysfsutil.WriteEntry(b.dir, addEntry, id)
}

// DeleteScenario implements hw.BusScenario.
func (b *BusScenario) DeleteScenario(id int) error {
	log.Debug("%s: delete scenario %d", b.dir, id)
	return sysfsutil.WriteEntry(b.dir, deleteEntry, id)
}

// LookupScenario implements hw.BusScenario. The name table is read once.
func (b *BusScenario) LookupScenario(name string) (int, error) {
	b.Lock()
	defer b.Unlock()

	if b.names == nil {
		table, err := sysfsutil.ParseTable(filepath.Join(b.dir, scenariosEntry), sysfsutil.PickColonOrSpace)
		if err != nil {
			return 0, err
		}
		names := make(map[string]int, len(table))
		for key, value := range table {
			id, err := strconv.Atoi(value)
			if err != nil {
				return 0, backendError("%s: invalid id %q for scenario %q", b.dir, value, key)
			}
			names[key] = id
		}
		b.names = names
	}

	id, ok := b.names[name]
	if !ok {
		return 0, backendError("%s: unknown scenario %q", b.dir, name)
	}
	return id, nil
}

// FrequencySetter sets the GPU frequency through the devfreq userspace governor.
type FrequencySetter struct {
	dir string
}

// NewFrequencySetter creates a frequency setter for the GPU devfreq directory dir.
func NewFrequencySetter(dir string) *FrequencySetter {
	return &FrequencySetter{dir: dir}
}

// SetFrequency implements hw.FrequencySetter.
func (s *FrequencySetter) SetFrequency(kHz uint64) error {
	return sysfsutil.WriteEntry(s.dir, setFreqEntry, kHz)
}

// Arbiter forwards constraint requests to per-slot '<slot>_<kind>_freq' entries.
type Arbiter struct {
	dir string
}

// NewArbiter creates an arbiter for the directory dir.
func NewArbiter(dir string) *Arbiter {
	return &Arbiter{dir: dir}
}

// Update implements constraint.Arbiter. Removed requests are written as 0.
func (a *Arbiter) Update(slot constraint.Slot, kind constraint.Kind, value uint64, active bool) error {
	if !active {
		value = 0
	}
	return sysfsutil.WriteEntry(a.dir, ArbiterEntry(slot, kind), value)
}

// ArbiterEntry returns the name of the arbiter entry of a slot bound.
func ArbiterEntry(slot constraint.Slot, kind constraint.Kind) string {
	return strings.ReplaceAll(string(slot), "-", "_") + "_" + kind.String() + "_freq"
}

// RuntimePM holds the device awake through its runtime PM control entry.
type RuntimePM struct {
	sync.Mutex
	dir  string
	refs int
}

// NewRuntimePM creates a runtime PM handle for the device directory dir.
func NewRuntimePM(dir string) *RuntimePM {
	return &RuntimePM{dir: dir}
}

// Get implements hw.RuntimePM.
func (p *RuntimePM) Get() error {
	p.Lock()
	defer p.Unlock()

	if p.refs == 0 {
		if err := sysfsutil.WriteEntry(p.dir, pmControlEntry, "on"); err != nil {
			return err
		}
	}
	p.refs++
	return nil
}

// Put implements hw.RuntimePM.
func (p *RuntimePM) Put() {
	p.Lock()
	defer p.Unlock()

	if p.refs == 0 {
		log.Warn("%s: unbalanced runtime PM put", p.dir)
		return
	}
	p.refs--
	if p.refs == 0 {
		if err := sysfsutil.WriteEntry(p.dir, pmControlEntry, "auto"); err != nil {
			log.Error("%s: failed to release runtime PM: %v", p.dir, err)
		}
	}
}

// Suspended implements hw.RuntimePM. Unreadable status counts as active.
func (p *RuntimePM) Suspended() bool {
	status, err := sysfsutil.ReadEntry(p.dir, pmStatusEntry, nil)
	if err != nil {
		return false
	}
	return status == "suspended"
}

var (
	_ hw.BandwidthFloor  = &Floor{}
	_ hw.BusScenario     = &BusScenario{}
	_ hw.FrequencySetter = &FrequencySetter{}
	_ hw.RuntimePM       = &RuntimePM{}
	_ constraint.Arbiter = &Arbiter{}
)

func backendError(format string, args ...interface{}) error {
	return fmt.Errorf("sysfs: "+format, args...)
}
