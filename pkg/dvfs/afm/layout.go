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

package afm

import (
	"sort"

	"github.com/pkg/errors"
)

// Layout describes the AFM registers of one SoC generation.
type Layout struct {
	// Name is the generation name used in configuration.
	Name string

	// Control is the offset of the control register.
	Control uint32
	// Threshold is the offset of the integration period register.
	Threshold uint32
	// Status is the offset of the write-one-to-clear interrupt status register.
	Status uint32
	// Duration is the offset of the throttling duration counter.
	Duration uint32

	// CounterEnable starts the droop accumulation counter.
	CounterEnable uint32
	// IRQEnable are the overflow and error interrupt enable bits.
	IRQEnable uint32
	// Pending are the interrupt pending bits in Status.
	Pending uint32
	// PeriodShift and PeriodBits locate the integration period in Threshold.
	PeriodShift uint
	PeriodBits  uint

	// WarnRegister, WarnMask and WarnShift locate the droop warn level in the PMIC.
	WarnRegister uint8
	WarnMask     uint8
	WarnShift    uint8
	// EnableRegister and EnableBit locate the droop detector enable bit in the PMIC.
	EnableRegister uint8
	EnableBit      uint8
}

var layouts = map[string]*Layout{
	"gen1": {
		Name:           "gen1",
		Control:        0x00,
		Threshold:      0x04,
		Status:         0x08,
		Duration:       0x0c,
		CounterEnable:  1 << 0,
		IRQEnable:      1<<4 | 1<<5,
		Pending:        1<<0 | 1<<1,
		PeriodShift:    0,
		PeriodBits:     8,
		WarnRegister:   0x5a,
		WarnMask:       0x0f,
		WarnShift:      0,
		EnableRegister: 0x5b,
		EnableBit:      1 << 7,
	},
	"gen2": {
		Name:           "gen2",
		Control:        0x10,
		Threshold:      0x14,
		Status:         0x18,
		Duration:       0x20,
		CounterEnable:  1 << 31,
		IRQEnable:      1<<8 | 1<<9,
		Pending:        1<<8 | 1<<9,
		PeriodShift:    16,
		PeriodBits:     12,
		WarnRegister:   0x83,
		WarnMask:       0x70,
		WarnShift:      4,
		EnableRegister: 0x83,
		EnableBit:      1 << 0,
	},
}

// LookupLayout returns the register layout of the named generation.
func LookupLayout(name string) (*Layout, error) {
	l, ok := layouts[name]
	if !ok {
		return nil, errors.Wrapf(ErrInvalid, "unknown AFM layout %q (known: %v)", name, LayoutNames())
	}
	layout := *l
	return &layout, nil
}

// LayoutNames returns the names of the known generations.
func LayoutNames() []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WarnLevelMax returns the highest warn level the PMIC field can hold.
func (l *Layout) WarnLevelMax() int {
	return int(l.WarnMask >> l.WarnShift)
}

// period returns the threshold register value for the given integration
// period, clamped to the width of the field.
func (l *Layout) period(p uint64) uint32 {
	max := uint64(1)<<l.PeriodBits - 1
	if p > max {
		p = max
	}
	if p < 1 {
		p = 1
	}
	return uint32(p) << l.PeriodShift
}
