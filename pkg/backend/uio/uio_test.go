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

package uio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func mockClass(t *testing.T) string {
	dir := t.TempDir()
	files := map[string]string{
		"uio0/name":           "other\n",
		"uio3/name":           "gpu-afm\n",
		"uio3/maps/map0/size": "0x1000\n",
		"uio3/maps/map1/size": "0x100\n",
		"notuio/name":         "gpu-afm\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestFind(t *testing.T) {
	class := mockClass(t)

	dev, err := Find(class, "", "gpu-afm")
	require.NoError(t, err)
	require.Equal(t, 3, dev.Index)
	require.Equal(t, "/dev/uio3", dev.Node())

	size, err := dev.MapSize(0)
	require.NoError(t, err)
	require.Equal(t, 4096, size)
	size, err = dev.MapSize(1)
	require.NoError(t, err)
	require.Equal(t, 256, size)
	_, err = dev.MapSize(2)
	require.Error(t, err)

	_, err = Find(class, "", "missing")
	require.Error(t, err)
	_, err = Find(filepath.Join(class, "none"), "", "gpu-afm")
	require.Error(t, err)
}

func TestRegisters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uio0")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0644))

	regs, err := OpenRegisters(path, 0, 4096)
	require.NoError(t, err)
	require.Equal(t, 4096, regs.Size())

	regs.Write(0x10, 0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), regs.Read(0x10))
	require.Equal(t, uint32(0), regs.Read(0x14))

	// unaligned and out of range accesses are ignored
	regs.Write(0x11, 1)
	regs.Write(4096, 1)
	require.Equal(t, uint32(0), regs.Read(0x11))
	require.Equal(t, uint32(0), regs.Read(4096))

	require.NoError(t, regs.Close())
	require.NoError(t, regs.Close())
	require.Equal(t, uint32(0), regs.Read(0x10))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(data[0x10:]))

	_, err = OpenRegisters(filepath.Join(t.TempDir(), "none"), 0, 4096)
	require.Error(t, err)
}

// socketLine returns an interrupt line backed by one end of a socket pair,
// and the other end standing in for the kernel.
func socketLine(t *testing.T) (*IRQLine, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	line := NewIRQLineWithOpener("uio-test", func(string) (*os.File, error) {
		return os.NewFile(uintptr(fds[0]), "uio-test"), nil
	})
	return line, fds[1]
}

// readEnable reads one interrupt enable write from the kernel end.
func readEnable(t *testing.T, kernel int) uint32 {
	buf := make([]byte, 4)
	n, err := unix.Read(kernel, buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	return binary.LittleEndian.Uint32(buf)
}

func fire(t *testing.T, kernel int, count uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, count)
	_, err := unix.Write(kernel, buf)
	require.NoError(t, err)
}

func TestIRQLine(t *testing.T) {
	line, kernel := socketLine(t)
	irqs := make(chan struct{}, 4)

	require.NoError(t, line.Bind(func() { irqs <- struct{}{} }))
	require.Error(t, line.Bind(func() {}))
	require.Equal(t, uint32(1), readEnable(t, kernel))

	fire(t, kernel, 1)
	select {
	case <-irqs:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt not delivered")
	}
	// the interrupt is re-enabled after the handler
	require.Equal(t, uint32(1), readEnable(t, kernel))
	require.Equal(t, uint32(1), line.Count())

	fire(t, kernel, 4)
	select {
	case <-irqs:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt not delivered")
	}
	require.Equal(t, uint32(1), readEnable(t, kernel))
	require.Equal(t, uint32(4), line.Count())

	require.NoError(t, line.Unbind())
	require.NoError(t, line.Unbind())
	require.Len(t, irqs, 0)
}

func TestIRQLineOpenFailure(t *testing.T) {
	line := NewIRQLine(filepath.Join(t.TempDir(), "uio9"))
	require.Error(t, line.Bind(func() {}))
	require.NoError(t, line.Unbind())
}
