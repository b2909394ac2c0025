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

// Package i2c accesses the registers of a power-management IC over an
// i2c-dev adapter.
package i2c

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

// ioctl to select the target address of an i2c-dev adapter
const i2cSlave = 0x0703

var log = logger.NewLogger("i2c")

// Device is an open i2c-dev adapter bound to a target address.
type Device interface {
	io.ReadWriteCloser
}

// OpenFn opens the adapter at path and binds it to addr.
type OpenFn func(path string, addr uint16) (Device, error)

// PMIC is a power-management IC on an i2c adapter. The bus is opened
// lazily and reported not ready until the adapter node appears.
type PMIC struct {
	sync.Mutex
	path string
	addr uint16
	open OpenFn
	bus  *Bus
}

// NewPMIC creates a PMIC at addr on the adapter /dev/i2c-<adapter>.
func NewPMIC(adapter int, addr uint16) *PMIC {
	return NewPMICWithOpener(fmt.Sprintf("/dev/i2c-%d", adapter), addr, OpenAdapter)
}

// NewPMICWithOpener creates a PMIC on the adapter node at path, opened with open.
func NewPMICWithOpener(path string, addr uint16, open OpenFn) *PMIC {
	return &PMIC{path: path, addr: addr, open: open}
}

// BusHandle implements hw.PMIC.
func (p *PMIC) BusHandle() (hw.PMICBus, error) {
	p.Lock()
	defer p.Unlock()

	if p.bus != nil {
		return p.bus, nil
	}

	if _, err := os.Stat(p.path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(hw.ErrBusNotReady, "%s", p.path)
		}
		return nil, i2cError("%s: %v", p.path, err)
	}

	dev, err := p.open(p.path, p.addr)
	if err != nil {
		return nil, i2cError("%s: failed to open address %#x: %v", p.path, p.addr, err)
	}

	log.Info("%s: opened PMIC at address %#x", p.path, p.addr)
	p.bus = &Bus{dev: dev, name: p.path}
	return p.bus, nil
}

// Close closes the bus if it is open.
func (p *PMIC) Close() error {
	p.Lock()
	defer p.Unlock()

	if p.bus == nil {
		return nil
	}
	err := p.bus.dev.Close()
	p.bus = nil
	return err
}

// Bus reads and updates 8-bit PMIC registers.
type Bus struct {
	sync.Mutex
	dev  Device
	name string
}

// ReadRegister implements hw.PMICBus.
func (b *Bus) ReadRegister(reg uint8) (uint8, error) {
	b.Lock()
	defer b.Unlock()
	return b.read(reg)
}

// UpdateRegister implements hw.PMICBus.
func (b *Bus) UpdateRegister(reg, mask, value uint8) error {
	b.Lock()
	defer b.Unlock()

	old, err := b.read(reg)
	if err != nil {
		return err
	}
	val := old&^mask | value&mask
	if val == old {
		return nil
	}
	if _, err := b.dev.Write([]byte{reg, val}); err != nil {
		return i2cError("%s: failed to write register %#x: %v", b.name, reg, err)
	}
	log.Debug("%s: register %#x: %#x -> %#x", b.name, reg, old, val)
	return nil
}

func (b *Bus) read(reg uint8) (uint8, error) {
	if _, err := b.dev.Write([]byte{reg}); err != nil {
		return 0, i2cError("%s: failed to select register %#x: %v", b.name, reg, err)
	}
	buf := []byte{0}
	if _, err := io.ReadFull(b.dev, buf); err != nil {
		return 0, i2cError("%s: failed to read register %#x: %v", b.name, reg, err)
	}
	return buf[0], nil
}

// OpenAdapter opens an i2c-dev adapter node and selects the target address.
func OpenAdapter(path string, addr uint16) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.IoctlSetInt(int(f.Fd()), i2cSlave, int(addr)); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

var _ hw.PMIC = &PMIC{}

func i2cError(format string, args ...interface{}) error {
	return fmt.Errorf("i2c: "+format, args...)
}
