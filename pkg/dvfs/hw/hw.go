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

// Package hw declares the hardware and platform services the GPU DVFS
// coordinator consumes. Implementations live under pkg/backend, fakes
// for tests under pkg/testutils.
package hw

import (
	"errors"
)

// ErrBusNotReady is returned by PMIC.BusHandle while the PMIC bus is not available yet.
var ErrBusNotReady = errors.New("PMIC bus not ready")

// BandwidthFloor is a DRAM bandwidth floor constraint request.
type BandwidthFloor interface {
	// SetFloor requests the given minimum DRAM frequency in kHz, 0 drops the request.
	SetFloor(kHz uint64) error
}

// BusScenario is the system bus traffic-shaping service.
type BusScenario interface {
	// AddScenario requests the bus scenario with the given id.
	AddScenario(id int) error
	// DeleteScenario drops the request for the bus scenario with the given id.
	DeleteScenario(id int) error
	// LookupScenario returns the id of the named bus scenario.
	LookupScenario(name string) (int, error)
}

// CachePartition is the LLC cache-partition service.
type CachePartition interface {
	// Allocate enables (with the given number of ways) or disables the partition
	// of a region. A partition cannot be resized in place, it must be disabled first.
	Allocate(region int, enable bool, ways int) error
}

// PMIC is the power-management IC driver.
type PMIC interface {
	// BusHandle returns a handle to the PMIC bus, or ErrBusNotReady.
	BusHandle() (PMICBus, error)
}

// PMICBus gives access to PMIC registers.
type PMICBus interface {
	// ReadRegister reads a PMIC register.
	ReadRegister(reg uint8) (uint8, error)
	// UpdateRegister updates the bits of a PMIC register selected by mask.
	UpdateRegister(reg, mask, value uint8) error
}

// Registers is a memory-mapped register window. Accesses never block.
type Registers interface {
	// Read reads the 32-bit register at the given offset.
	Read(offset uint32) uint32
	// Write writes the 32-bit register at the given offset.
	Write(offset, value uint32)
}

// IRQLine is a hardware interrupt line.
type IRQLine interface {
	// Bind starts delivering interrupts to handler.
	Bind(handler func()) error
	// Unbind stops delivering interrupts and waits for a running handler to return.
	Unbind() error
}

// RuntimePM is the runtime power management of the GPU.
type RuntimePM interface {
	// Get takes a runtime power reference, resuming the device if necessary.
	Get() error
	// Put releases a runtime power reference.
	Put()
	// Suspended returns true if the device is runtime-suspended.
	Suspended() bool
}

// FrequencySetter changes the GPU clock.
type FrequencySetter interface {
	// SetFrequency sets the GPU frequency in kHz.
	SetFrequency(kHz uint64) error
}
