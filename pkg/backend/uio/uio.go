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

// Package uio maps the AFM register window and delivers its interrupts
// through the Linux userspace I/O framework.
package uio

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	logger "github.com/intel/gpu-dvfs/pkg/log"
	"github.com/intel/gpu-dvfs/pkg/sysfs"
)

const (
	// DefaultClassDir is the sysfs directory of UIO devices.
	DefaultClassDir = "/sys/class/uio"
	// DefaultDevDir is the directory of UIO device nodes.
	DefaultDevDir = "/dev"
)

var log = logger.NewLogger("uio")

// Device is a UIO device.
type Device struct {
	// Index is the N of uioN.
	Index int
	// Name is the name of the driver exposing the device.
	Name string

	classDir string
	devDir   string
}

// Find returns the UIO device with the given name under classDir, with
// its node in devDir. Empty directories select the defaults.
func Find(classDir, devDir, name string) (*Device, error) {
	if classDir == "" {
		classDir = DefaultClassDir
	}
	if devDir == "" {
		devDir = DefaultDevDir
	}

	entries, err := os.ReadDir(classDir)
	if err != nil {
		return nil, uioError("failed to list %s: %v", classDir, err)
	}

	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "uio") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "uio"))
		if err != nil {
			continue
		}
		var devName string
		if _, err := sysfs.ReadEntry(filepath.Join(classDir, e.Name()), "name", &devName); err != nil {
			log.Warn("%v", err)
			continue
		}
		if devName == name {
			return &Device{Index: idx, Name: name, classDir: classDir, devDir: devDir}, nil
		}
	}

	return nil, uioError("no UIO device %q in %s", name, classDir)
}

// Node returns the path of the device node.
func (d *Device) Node() string {
	return filepath.Join(d.devDir, fmt.Sprintf("uio%d", d.Index))
}

// MapSize returns the size of the given memory map of the device.
func (d *Device) MapSize(index int) (int, error) {
	var size uint64
	dir := filepath.Join(d.classDir, fmt.Sprintf("uio%d", d.Index), "maps", fmt.Sprintf("map%d", index))
	if _, err := sysfs.ReadEntry(dir, "size", &size); err != nil {
		return 0, err
	}
	return int(size), nil
}

// OpenRegisters maps the given memory map of the device.
func (d *Device) OpenRegisters(index int) (*Registers, error) {
	size, err := d.MapSize(index)
	if err != nil {
		return nil, err
	}
	return OpenRegisters(d.Node(), index, size)
}

// NewIRQLine creates an interrupt line for the device.
func (d *Device) NewIRQLine() *IRQLine {
	return NewIRQLine(d.Node())
}

func uioError(format string, args ...interface{}) error {
	return fmt.Errorf("uio: "+format, args...)
}
