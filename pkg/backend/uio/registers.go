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
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
)

// Registers is a mapped 32-bit register window. Close must not race with
// register access, unbind the interrupt line first.
type Registers struct {
	name string
	file *os.File
	mem  []byte
}

// OpenRegisters maps size bytes of the memory map index of the UIO node at path.
func OpenRegisters(path string, index, size int) (*Registers, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, uioError("failed to open %s: %v", path, err)
	}

	// UIO selects map N by an offset of N pages
	offset := int64(index) * int64(os.Getpagesize())
	mem, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, uioError("failed to map %s map%d (%d bytes): %v", path, index, size, err)
	}

	log.Info("mapped %s map%d, %d bytes", path, index, size)

	return &Registers{name: path, file: f, mem: mem}, nil
}

// Read implements hw.Registers.
func (r *Registers) Read(offset uint32) uint32 {
	if !r.valid(offset) {
		return 0
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[offset])))
}

// Write implements hw.Registers.
func (r *Registers) Write(offset, value uint32) {
	if !r.valid(offset) {
		return
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[offset])), value)
}

// Size returns the size of the register window.
func (r *Registers) Size() int {
	return len(r.mem)
}

// Close unmaps the register window.
func (r *Registers) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Registers) valid(offset uint32) bool {
	if offset%4 != 0 || int(offset)+4 > len(r.mem) {
		log.Error("%s: invalid register offset %#x (window %d bytes)", r.name, offset, len(r.mem))
		return false
	}
	return true
}

var _ hw.Registers = &Registers{}
