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
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
)

// OpenFn opens the UIO node at path.
type OpenFn func(path string) (*os.File, error)

// IRQLine delivers the interrupts of a UIO device to a handler running on
// a dedicated goroutine.
type IRQLine struct {
	sync.Mutex
	path  string
	open  OpenFn
	file  *os.File
	efd   int
	done  chan struct{}
	count uint32
}

// NewIRQLine creates an interrupt line for the UIO node at path.
func NewIRQLine(path string) *IRQLine {
	return NewIRQLineWithOpener(path, openNode)
}

// NewIRQLineWithOpener creates an interrupt line for path, opened with open.
func NewIRQLineWithOpener(path string, open OpenFn) *IRQLine {
	return &IRQLine{path: path, open: open, efd: -1}
}

// Bind implements hw.IRQLine.
func (l *IRQLine) Bind(handler func()) error {
	l.Lock()
	defer l.Unlock()

	if l.file != nil {
		return uioError("%s: interrupt already bound", l.path)
	}

	f, err := l.open(l.path)
	if err != nil {
		return uioError("failed to open %s: %v", l.path, err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		f.Close()
		return uioError("%s: failed to create eventfd: %v", l.path, err)
	}
	fd := int(f.Fd())
	if err := enable(fd); err != nil {
		f.Close()
		unix.Close(efd)
		return uioError("%s: failed to enable interrupt: %v", l.path, err)
	}

	l.file = f
	l.efd = efd
	l.done = make(chan struct{})

	go l.run(fd, efd, handler, l.done)

	log.Info("%s: interrupt bound", l.path)
	return nil
}

// Unbind implements hw.IRQLine.
func (l *IRQLine) Unbind() error {
	l.Lock()
	defer l.Unlock()

	if l.file == nil {
		return nil
	}

	var err error
	if _, werr := unix.Write(l.efd, []byte{1, 0, 0, 0, 0, 0, 0, 0}); werr != nil {
		err = uioError("%s: failed to stop interrupt reader: %v", l.path, werr)
	} else {
		<-l.done
	}

	if cerr := l.file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	unix.Close(l.efd)
	l.file = nil
	l.efd = -1

	log.Info("%s: interrupt unbound", l.path)
	return err
}

// Count returns the last interrupt count reported by the device.
func (l *IRQLine) Count() uint32 {
	return atomic.LoadUint32(&l.count)
}

func (l *IRQLine) run(fd, efd int, handler func(), done chan struct{}) {
	defer close(done)

	buf := make([]byte, 4)
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(efd), Events: unix.POLLIN},
	}

	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Error("%s: poll failed: %v", l.path, err)
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			log.Error("%s: interrupt source closed", l.path)
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		if _, err := unix.Read(fd, buf); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			log.Error("%s: failed to read interrupt count: %v", l.path, err)
			return
		}

		count := *(*uint32)(unsafe.Pointer(&buf[0]))
		if prev := atomic.SwapUint32(&l.count, count); prev != 0 && count-prev > 1 {
			log.Debug("%s: %d interrupts coalesced", l.path, count-prev-1)
		}

		handler()

		if err := enable(fd); err != nil {
			log.Error("%s: failed to re-enable interrupt: %v", l.path, err)
		}
	}
}

// enable unmasks the interrupt of a UIO device. Devices without
// interrupt control are left as they are.
func enable(fd int) error {
	on := int32(1)
	_, err := unix.Write(fd, (*[4]byte)(unsafe.Pointer(&on))[:])
	if errors.Is(err, unix.ENOSYS) {
		return nil
	}
	return err
}

func openNode(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

var _ hw.IRQLine = &IRQLine{}
