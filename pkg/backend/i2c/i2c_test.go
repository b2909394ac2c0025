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

package i2c

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
)

// chip emulates an i2c target with a register pointer.
type chip struct {
	regs   [256]uint8
	ptr    uint8
	writes int
	closed bool
	fail   bool
}

func (c *chip) Write(data []byte) (int, error) {
	if c.fail {
		return 0, fmt.Errorf("remote I/O error")
	}
	c.ptr = data[0]
	if len(data) == 2 {
		c.regs[c.ptr] = data[1]
		c.writes++
	}
	return len(data), nil
}

func (c *chip) Read(buf []byte) (int, error) {
	buf[0] = c.regs[c.ptr]
	return 1, nil
}

func (c *chip) Close() error {
	c.closed = true
	return nil
}

func TestBusHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "i2c-3")
	c := &chip{}
	opens := 0
	p := NewPMICWithOpener(path, 0x66, func(p string, addr uint16) (Device, error) {
		require.Equal(t, path, p)
		require.Equal(t, uint16(0x66), addr)
		opens++
		return c, nil
	})

	_, err := p.BusHandle()
	require.True(t, errors.Is(err, hw.ErrBusNotReady))

	require.NoError(t, os.WriteFile(path, nil, 0644))
	bus, err := p.BusHandle()
	require.NoError(t, err)
	again, err := p.BusHandle()
	require.NoError(t, err)
	require.Same(t, bus, again)
	require.Equal(t, 1, opens)

	require.NoError(t, p.Close())
	require.True(t, c.closed)
	require.NoError(t, p.Close())
}

func TestOpenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "i2c-0")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	p := NewPMICWithOpener(path, 0x10, func(string, uint16) (Device, error) {
		return nil, fmt.Errorf("device or resource busy")
	})
	_, err := p.BusHandle()
	require.Error(t, err)
	require.False(t, errors.Is(err, hw.ErrBusNotReady))

	// a regular file is not an i2c adapter
	_, err = OpenAdapter(path, 0x10)
	require.Error(t, err)
}

func TestRegisters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "i2c-1")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	c := &chip{}
	c.regs[0x20] = 0xa5

	p := NewPMICWithOpener(path, 0x66, func(string, uint16) (Device, error) { return c, nil })
	bus, err := p.BusHandle()
	require.NoError(t, err)

	v, err := bus.ReadRegister(0x20)
	require.NoError(t, err)
	require.Equal(t, uint8(0xa5), v)

	require.NoError(t, bus.UpdateRegister(0x20, 0x0f, 0x03))
	require.Equal(t, uint8(0xa3), c.regs[0x20])
	require.Equal(t, 1, c.writes)

	// unchanged value is not written
	require.NoError(t, bus.UpdateRegister(0x20, 0xf0, 0xa0))
	require.Equal(t, 1, c.writes)

	c.fail = true
	_, err = bus.ReadRegister(0x20)
	require.Error(t, err)
	require.Error(t, bus.UpdateRegister(0x20, 0x01, 0x01))
}
