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

package testutils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
)

// CallLog records calls into fake services in order.
type CallLog struct {
	sync.Mutex
	calls []string
}

// Add records a call.
func (l *CallLog) Add(format string, args ...interface{}) {
	l.Lock()
	defer l.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded calls.
func (l *CallLog) Calls() []string {
	l.Lock()
	defer l.Unlock()
	return append([]string{}, l.calls...)
}

// Count returns the number of recorded calls with the given prefix.
func (l *CallLog) Count(prefix string) int {
	l.Lock()
	defer l.Unlock()
	cnt := 0
	for _, c := range l.calls {
		if strings.HasPrefix(c, prefix) {
			cnt++
		}
	}
	return cnt
}

// Reset clears the log.
func (l *CallLog) Reset() {
	l.Lock()
	defer l.Unlock()
	l.calls = nil
}

// FakeBandwidthFloor is a fake DRAM bandwidth floor.
type FakeBandwidthFloor struct {
	Log   *CallLog
	Err   error
	Floor uint64
}

// SetFloor implements hw.BandwidthFloor.
func (f *FakeBandwidthFloor) SetFloor(kHz uint64) error {
	f.Log.Add("floor(%d)", kHz)
	if f.Err != nil {
		return f.Err
	}
	f.Floor = kHz
	return nil
}

// FakeBusScenario is a fake bus scenario service.
type FakeBusScenario struct {
	Log       *CallLog
	Scenarios map[string]int
	AddErr    error
	DeleteErr error
}

// AddScenario implements hw.BusScenario.
func (f *FakeBusScenario) AddScenario(id int) error {
	f.Log.Add("add(%d)", id)
	return f.AddErr
}

// DeleteScenario implements hw.BusScenario.
func (f *FakeBusScenario) DeleteScenario(id int) error {
	f.Log.Add("delete(%d)", id)
	return f.DeleteErr
}

// LookupScenario implements hw.BusScenario.
func (f *FakeBusScenario) LookupScenario(name string) (int, error) {
	if id, ok := f.Scenarios[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown bus scenario %q", name)
}

// FakeCachePartition is a fake LLC partition service.
type FakeCachePartition struct {
	Log *CallLog
	// Fail decides whether a call fails, nil for never.
	Fail func(enable bool, ways int) error
	// Ways is the number of ways currently allocated.
	Ways int
}

// Allocate implements hw.CachePartition.
func (f *FakeCachePartition) Allocate(region int, enable bool, ways int) error {
	f.Log.Add("allocate(%d,%v,%d)", region, enable, ways)
	if f.Fail != nil {
		if err := f.Fail(enable, ways); err != nil {
			return err
		}
	}
	if enable {
		if f.Ways != 0 {
			return fmt.Errorf("partition of %d ways resized in place to %d", f.Ways, ways)
		}
		f.Ways = ways
	} else {
		f.Ways = 0
	}
	return nil
}

// FakePMIC is a fake PMIC driver with a bus that becomes ready after a number of attempts.
type FakePMIC struct {
	sync.Mutex
	Log *CallLog
	// NotReady is the number of BusHandle calls to fail before succeeding.
	NotReady int
	Bus      *FakePMICBus
	attempts int
}

// BusHandle implements hw.PMIC.
func (f *FakePMIC) BusHandle() (hw.PMICBus, error) {
	f.Lock()
	defer f.Unlock()
	f.Log.Add("bushandle")
	f.attempts++
	if f.attempts <= f.NotReady {
		return nil, hw.ErrBusNotReady
	}
	return f.Bus, nil
}

// Attempts returns the number of BusHandle calls so far.
func (f *FakePMIC) Attempts() int {
	f.Lock()
	defer f.Unlock()
	return f.attempts
}

// FakePMICBus is a fake PMIC register bus.
type FakePMICBus struct {
	sync.Mutex
	Regs map[uint8]uint8
	Err  error
}

// NewFakePMICBus creates a PMIC bus with all-zero registers.
func NewFakePMICBus() *FakePMICBus {
	return &FakePMICBus{Regs: make(map[uint8]uint8)}
}

// ReadRegister implements hw.PMICBus.
func (b *FakePMICBus) ReadRegister(reg uint8) (uint8, error) {
	b.Lock()
	defer b.Unlock()
	if b.Err != nil {
		return 0, b.Err
	}
	return b.Regs[reg], nil
}

// UpdateRegister implements hw.PMICBus.
func (b *FakePMICBus) UpdateRegister(reg, mask, value uint8) error {
	b.Lock()
	defer b.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Regs[reg] = (b.Regs[reg] &^ mask) | (value & mask)
	return nil
}

// FakeRegisters is a fake register window. Bits in WriteOneToClear registers
// are cleared by writing 1 to them.
type FakeRegisters struct {
	sync.Mutex
	Regs            map[uint32]uint32
	WriteOneToClear map[uint32]bool
}

// NewFakeRegisters creates an all-zero register window.
func NewFakeRegisters() *FakeRegisters {
	return &FakeRegisters{
		Regs:            make(map[uint32]uint32),
		WriteOneToClear: make(map[uint32]bool),
	}
}

// Read implements hw.Registers.
func (r *FakeRegisters) Read(offset uint32) uint32 {
	r.Lock()
	defer r.Unlock()
	return r.Regs[offset]
}

// Write implements hw.Registers.
func (r *FakeRegisters) Write(offset, value uint32) {
	r.Lock()
	defer r.Unlock()
	if r.WriteOneToClear[offset] {
		r.Regs[offset] &^= value
		return
	}
	r.Regs[offset] = value
}

// Set sets register bits as hardware would.
func (r *FakeRegisters) Set(offset, bits uint32) {
	r.Lock()
	defer r.Unlock()
	r.Regs[offset] |= bits
}

// FakeIRQLine is a fake interrupt line fired by tests.
type FakeIRQLine struct {
	sync.Mutex
	Log     *CallLog
	BindErr error
	handler func()
}

// Bind implements hw.IRQLine.
func (l *FakeIRQLine) Bind(handler func()) error {
	l.Lock()
	defer l.Unlock()
	l.Log.Add("bind")
	if l.BindErr != nil {
		return l.BindErr
	}
	if l.handler != nil {
		return fmt.Errorf("IRQ already bound")
	}
	l.handler = handler
	return nil
}

// Unbind implements hw.IRQLine.
func (l *FakeIRQLine) Unbind() error {
	l.Lock()
	defer l.Unlock()
	l.Log.Add("unbind")
	l.handler = nil
	return nil
}

// Fire delivers an interrupt, returning false if no handler is bound.
func (l *FakeIRQLine) Fire() bool {
	l.Lock()
	handler := l.handler
	l.Unlock()
	if handler == nil {
		return false
	}
	handler()
	return true
}

// FakeRuntimePM is a fake runtime power management.
type FakeRuntimePM struct {
	sync.Mutex
	Log       *CallLog
	IsSuspend bool
	Refs      int
}

// Get implements hw.RuntimePM.
func (p *FakeRuntimePM) Get() error {
	p.Lock()
	defer p.Unlock()
	p.Log.Add("pm-get")
	p.Refs++
	return nil
}

// Put implements hw.RuntimePM.
func (p *FakeRuntimePM) Put() {
	p.Lock()
	defer p.Unlock()
	p.Log.Add("pm-put")
	p.Refs--
}

// Suspended implements hw.RuntimePM.
func (p *FakeRuntimePM) Suspended() bool {
	p.Lock()
	defer p.Unlock()
	return p.IsSuspend
}

// SetSuspended sets the runtime suspend state.
func (p *FakeRuntimePM) SetSuspended(state bool) {
	p.Lock()
	defer p.Unlock()
	p.IsSuspend = state
}

// FakeFrequencySetter is a fake GPU clock.
type FakeFrequencySetter struct {
	sync.Mutex
	Log  *CallLog
	Err  error
	Freq uint64
}

// SetFrequency implements hw.FrequencySetter.
func (s *FakeFrequencySetter) SetFrequency(kHz uint64) error {
	s.Lock()
	defer s.Unlock()
	s.Log.Add("set(%d)", kHz)
	if s.Err != nil {
		return s.Err
	}
	s.Freq = kHz
	return nil
}

// Current returns the current fake frequency.
func (s *FakeFrequencySetter) Current() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.Freq
}
