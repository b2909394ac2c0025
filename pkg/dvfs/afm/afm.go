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

// Package afm implements the AFM droop throttling controller. A power rail
// voltage droop raises an interrupt, which clips the maximum GPU frequency
// a number of levels down. The clip is released once no droop has been
// seen for a quiescence period.
package afm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/intel/gpu-dvfs/pkg/dvfs/deferred"
	"github.com/intel/gpu-dvfs/pkg/dvfs/freqtable"
	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
	"github.com/intel/gpu-dvfs/pkg/dvfs/stats"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

// State is the state of an AFM domain.
type State int32

const (
	// Unregistered is the initial state, no IRQ bound, counters untouched.
	Unregistered State = iota
	// WaitingForBus is waiting for the PMIC bus to become ready.
	WaitingForBus
	// Armed has the IRQ bound and the counters enabled.
	Armed
	// Throttled is armed with a clip in effect.
	Throttled
	// TornDown is the terminal state.
	TornDown
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case WaitingForBus:
		return "waiting-for-bus"
	case Armed:
		return "armed"
	case Throttled:
		return "throttled"
	case TornDown:
		return "torn-down"
	}
	return "unknown"
}

const (
	// DefaultDownStep is the default number of levels to clip per droop.
	DefaultDownStep = 1
	// DefaultReleaseDuration is the default quiescence period before release.
	DefaultReleaseDuration = 50 * time.Millisecond
	// DefaultRegisterDuration is the default PMIC bus readiness retry interval.
	DefaultRegisterDuration = 100 * time.Millisecond
)

// ErrInvalid is the error for invalid AFM settings.
var ErrInvalid = errors.New("invalid AFM setting")

// Config is the configuration of an AFM domain.
type Config struct {
	Name             string
	Layout           *Layout
	DownStep         int
	ReleaseDuration  time.Duration
	RegisterDuration time.Duration
	// MaxFreq and MinFreq bound the clip, 0 for the table bounds.
	MaxFreq uint64
	MinFreq uint64
	// WarnLevel is programmed into the PMIC, negative keeps its default.
	WarnLevel int
	// Disabled leaves the PMIC droop detector disabled.
	Disabled bool
}

// Resources are the hardware resources of an AFM domain. PM is optional.
type Resources struct {
	Registers hw.Registers
	IRQ       hw.IRQLine
	PMIC      hw.PMIC
	PM        hw.RuntimePM
}

// Domain is one AFM droop detector and its throttling state.
type Domain struct {
	irqs    uint64
	dropped uint64
	guard   int32
	state   int32
	suspend int32

	name     string
	layout   *Layout
	table    *freqtable.Table
	limiter  Limiter
	res      Resources
	maxFreq  uint64
	minFreq  uint64
	stats    *stats.TimeInState
	register *deferred.Timer
	clip     *deferred.Timer
	release  *deferred.Timer

	// regLock serializes register read-modify-write, it is never held
	// across anything that can sleep.
	regLock sync.Mutex

	lock             sync.Mutex
	downStep         int
	releaseDuration  time.Duration
	registerDuration time.Duration
	warnLevel        int
	enabled          bool
	clipped          uint64
	bus              hw.PMICBus
	irqBound         bool
	retries          uint64
}

var (
	log  = logger.NewLogger("afm")
	rlog = logger.RateLimit(log, logger.Interval(time.Second))
)

// New creates an AFM domain. Its deferred tasks run on executor.
func New(cfg Config, table *freqtable.Table, limiter Limiter, executor *deferred.Executor, res Resources) (*Domain, error) {
	switch {
	case cfg.Name == "":
		return nil, afmError("missing domain name")
	case cfg.Layout == nil:
		return nil, afmError("%s: missing register layout", cfg.Name)
	case table == nil || table.Len() < 2:
		return nil, afmError("%s: frequency table with at least 2 levels required", cfg.Name)
	case limiter == nil || executor == nil:
		return nil, afmError("%s: missing limiter or executor", cfg.Name)
	case res.Registers == nil || res.IRQ == nil || res.PMIC == nil:
		return nil, afmError("%s: missing registers, IRQ or PMIC", cfg.Name)
	}

	d := &Domain{
		name:             cfg.Name,
		layout:           cfg.Layout,
		table:            table,
		limiter:          limiter,
		res:              res,
		downStep:         cfg.DownStep,
		releaseDuration:  cfg.ReleaseDuration,
		registerDuration: cfg.RegisterDuration,
		warnLevel:        cfg.WarnLevel,
		enabled:          !cfg.Disabled,
		maxFreq:          table.Max(),
		minFreq:          table.Min(),
	}

	if d.downStep == 0 {
		d.downStep = DefaultDownStep
	}
	if err := d.checkDownStep(d.downStep); err != nil {
		return nil, err
	}
	if d.releaseDuration == 0 {
		d.releaseDuration = DefaultReleaseDuration
	}
	if d.registerDuration == 0 {
		d.registerDuration = DefaultRegisterDuration
	}
	if d.releaseDuration < 0 || d.registerDuration < 0 {
		return nil, errors.Wrapf(ErrInvalid, "%s: negative release or register duration", d.name)
	}
	if d.warnLevel > d.layout.WarnLevelMax() {
		return nil, errors.Wrapf(ErrInvalid, "%s: warn level %d above %d",
			d.name, d.warnLevel, d.layout.WarnLevelMax())
	}
	if cfg.MaxFreq != 0 {
		d.maxFreq = table.Floor(cfg.MaxFreq)
	}
	if cfg.MinFreq != 0 {
		d.minFreq = table.Ceil(cfg.MinFreq)
	}
	if d.minFreq > d.maxFreq {
		return nil, errors.Wrapf(ErrInvalid, "%s: min frequency %d above max %d",
			d.name, d.minFreq, d.maxFreq)
	}

	d.clipped = d.maxFreq
	idx, _ := table.Index(d.maxFreq)
	d.stats = stats.New(table.Frequencies(), idx, executor.Clock())

	d.register = executor.NewTimer(d.name+"-register", d.registerTask)
	d.clip = executor.NewTimer(d.name+"-clip", d.clipTask)
	d.release = executor.NewTimer(d.name+"-release", d.releaseTask)

	return d, nil
}

// Name returns the name of the domain.
func (d *Domain) Name() string {
	return d.name
}

// Layout returns the register layout of the domain.
func (d *Domain) Layout() *Layout {
	return d.layout
}

// Init starts registration of the domain.
func (d *Domain) Init() error {
	if !atomic.CompareAndSwapInt32(&d.state, int32(Unregistered), int32(WaitingForBus)) {
		return afmError("%s: already initialized", d.name)
	}

	// a domain max below the table max is a standing clip
	d.lock.Lock()
	if d.clipped < d.table.Max() {
		if err := d.limiter.LimitMax(d.name, d.clipped); err != nil {
			log.Error("%s: failed to clip to %d: %v", d.name, d.clipped, err)
		}
	}
	d.lock.Unlock()

	log.Info("%s: waiting for PMIC bus", d.name)
	d.register.Arm(0)
	return nil
}

// HandleIRQ is the droop interrupt handler. It never blocks.
func (d *Domain) HandleIRQ() {
	atomic.AddUint64(&d.irqs, 1)

	if d.getState() != Armed || (d.res.PM != nil && d.res.PM.Suspended()) {
		atomic.AddUint64(&d.dropped, 1)
		rlog.Debug("%s: droop interrupt while suspended or unarmed", d.name)
		d.ack()
		return
	}

	if atomic.CompareAndSwapInt32(&d.guard, 0, 1) {
		d.setIRQEnabled(false)
		d.clip.Arm(0)
	}
	d.ack()
}

// Suspend stops interrupt generation.
func (d *Domain) Suspend() {
	atomic.StoreInt32(&d.suspend, 1)
	if d.getState() == Armed {
		d.setIRQEnabled(false)
	}
}

// Resume reprograms the hardware as registration does.
func (d *Domain) Resume() {
	atomic.StoreInt32(&d.suspend, 0)
	if d.getState() == Armed {
		d.program()
	}
}

// Teardown unbinds the interrupt, cancels all deferred tasks waiting for
// running ones, and leaves the counters of an armed domain disabled.
func (d *Domain) Teardown() error {
	d.lock.Lock()
	if d.getState() == TornDown {
		d.lock.Unlock()
		return nil
	}
	armed := d.getState() == Armed
	d.setState(TornDown)
	bound := d.irqBound
	d.irqBound = false
	d.lock.Unlock()

	var errs *multierror.Error
	if bound {
		if err := d.res.IRQ.Unbind(); err != nil {
			errs = multierror.Append(errs, afmError("%s: failed to unbind IRQ: %v", d.name, err))
		}
	}

	d.register.CancelSync()
	d.clip.CancelSync()
	d.release.CancelSync()

	if armed {
		d.regLock.Lock()
		d.res.Registers.Write(d.layout.Control, 0)
		d.regLock.Unlock()
	}

	log.Info("%s: torn down", d.name)

	return errs.ErrorOrNil()
}

// State returns the current state of the domain.
func (d *Domain) State() State {
	s := d.getState()
	if s == Armed && (atomic.LoadInt32(&d.guard) != 0 || d.ClippedFreq() < d.maxFreq) {
		return Throttled
	}
	return s
}

// Clip clips the max frequency to freq as a droop would, arming the
// release. Clipping to the max frequency releases the clip.
func (d *Domain) Clip(freq uint64) error {
	if _, ok := d.table.Index(freq); !ok || freq < d.minFreq || freq > d.maxFreq {
		return errors.Wrapf(ErrInvalid, "%s: invalid clip frequency %d", d.name, freq)
	}

	d.lock.Lock()
	err := d.applyClip(freq)
	release := d.releaseDuration
	d.lock.Unlock()

	if err != nil {
		return err
	}
	if freq == d.maxFreq {
		d.release.Cancel()
	} else {
		d.release.Arm(release)
	}
	return nil
}

// ClippedFreq returns the current clip.
func (d *Domain) ClippedFreq() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.clipped
}

// MaxFreq returns the unclipped max frequency of the domain.
func (d *Domain) MaxFreq() uint64 {
	return d.maxFreq
}

// MinFreq returns the lowest frequency the domain clips to.
func (d *Domain) MinFreq() uint64 {
	return d.minFreq
}

// SetDownStep sets the number of levels to clip per droop.
func (d *Domain) SetDownStep(n int) error {
	if err := d.checkDownStep(n); err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.downStep = n
	return nil
}

// DownStep returns the number of levels to clip per droop.
func (d *Domain) DownStep() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.downStep
}

// SetReleaseDuration sets the quiescence period before a clip is released.
func (d *Domain) SetReleaseDuration(duration time.Duration) error {
	if duration <= 0 {
		return errors.Wrapf(ErrInvalid, "%s: invalid release duration %s", d.name, duration)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.releaseDuration = duration
	return nil
}

// ReleaseDuration returns the quiescence period before a clip is released.
func (d *Domain) ReleaseDuration() time.Duration {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.releaseDuration
}

// SetWarnLevel sets the PMIC droop warn level. Before registration the
// level is only recorded and programmed once the bus is ready.
func (d *Domain) SetWarnLevel(level int) error {
	if level < 0 || level > d.layout.WarnLevelMax() {
		return errors.Wrapf(ErrInvalid, "%s: warn level %d out of range [0,%d]",
			d.name, level, d.layout.WarnLevelMax())
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if d.bus != nil {
		l := d.layout
		if err := d.bus.UpdateRegister(l.WarnRegister, l.WarnMask, uint8(level)<<l.WarnShift); err != nil {
			return afmError("%s: failed to set warn level: %v", d.name, err)
		}
	}
	d.warnLevel = level
	return nil
}

// WarnLevel returns the droop warn level, read back from the PMIC if possible.
func (d *Domain) WarnLevel() (int, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.bus == nil {
		return d.warnLevel, nil
	}
	val, err := d.bus.ReadRegister(d.layout.WarnRegister)
	if err != nil {
		return 0, afmError("%s: failed to read warn level: %v", d.name, err)
	}
	return int((val & d.layout.WarnMask) >> d.layout.WarnShift), nil
}

// SetEnabled enables or disables the PMIC droop detector.
func (d *Domain) SetEnabled(enable bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.bus != nil {
		if err := d.writeEnable(d.bus, enable); err != nil {
			return err
		}
	}
	d.enabled = enable
	return nil
}

// Enabled returns whether the PMIC droop detector is enabled.
func (d *Domain) Enabled() (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.bus == nil {
		return d.enabled, nil
	}
	val, err := d.bus.ReadRegister(d.layout.EnableRegister)
	if err != nil {
		return false, afmError("%s: failed to read enable bit: %v", d.name, err)
	}
	return val&d.layout.EnableBit != 0, nil
}

// TimeInState returns the time spent at each clip level.
func (d *Domain) TimeInState() []stats.Entry {
	return d.stats.Snapshot()
}

// TotalTransitions returns the number of clip changes.
func (d *Domain) TotalTransitions() uint64 {
	return d.stats.Transitions()
}

// RegisterRetries returns the number of times registration was retried.
func (d *Domain) RegisterRetries() uint64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.retries
}

// Interrupts returns the number of interrupts seen and dropped.
func (d *Domain) Interrupts() (uint64, uint64) {
	return atomic.LoadUint64(&d.irqs), atomic.LoadUint64(&d.dropped)
}

// registerTask binds the IRQ and programs the hardware once the PMIC bus
// is ready, rescheduling itself until then.
func (d *Domain) registerTask() {
	if d.getState() == TornDown {
		return
	}

	bus, err := d.res.PMIC.BusHandle()
	if err != nil {
		d.retry("PMIC bus: %v", err)
		return
	}

	if d.res.PM != nil {
		if err := d.res.PM.Get(); err != nil {
			d.retry("runtime PM: %v", err)
			return
		}
		defer d.res.PM.Put()
	}

	d.lock.Lock()
	if d.getState() == TornDown {
		d.lock.Unlock()
		return
	}
	d.bus = bus
	if !d.irqBound {
		if err := d.res.IRQ.Bind(d.HandleIRQ); err != nil {
			d.lock.Unlock()
			d.retry("IRQ: %v", err)
			return
		}
		d.irqBound = true
	}
	if err := d.programPMIC(bus); err != nil {
		log.Error("%s: %v", d.name, err)
	}
	d.setState(Armed)
	d.lock.Unlock()

	if atomic.LoadInt32(&d.suspend) == 0 {
		d.program()
	}

	log.Info("%s: armed", d.name)
}

func (d *Domain) retry(format string, args ...interface{}) {
	d.lock.Lock()
	d.retries++
	cnt, delay := d.retries, d.registerDuration
	d.lock.Unlock()

	args = append([]interface{}{d.name}, args...)
	args = append(args, cnt, delay)
	rlog.Warn("%s: not ready ("+format+"), retry #%d in %s", args...)

	d.register.Arm(delay)
}

// clipTask ratchets the clip down from its current value.
func (d *Domain) clipTask() {
	d.lock.Lock()
	freq := d.table.StepDown(d.clipped, d.downStep)
	if freq < d.minFreq {
		freq = d.minFreq
	}
	if err := d.applyClip(freq); err != nil {
		log.Error("%s: %v", d.name, err)
	}
	release := d.releaseDuration
	d.lock.Unlock()

	atomic.StoreInt32(&d.guard, 0)
	if d.getState() == Armed && atomic.LoadInt32(&d.suspend) == 0 {
		d.setIRQEnabled(true)
	}

	d.release.Arm(release)
}

// releaseTask restores the unclipped max frequency.
func (d *Domain) releaseTask() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if err := d.applyClip(d.maxFreq); err != nil {
		log.Error("%s: %v", d.name, err)
	}
}

// applyClip updates the clip and its statistics, d must be locked.
func (d *Domain) applyClip(freq uint64) error {
	if err := d.limiter.LimitMax(d.name, freq); err != nil {
		return afmError("%s: failed to clip to %d: %v", d.name, freq, err)
	}

	log.Debug("%s: clip %d -> %d", d.name, d.clipped, freq)

	d.clipped = freq
	idx, _ := d.table.Index(freq)
	d.stats.Update(idx)

	return nil
}

// program programs the counter and threshold registers.
func (d *Domain) program() {
	l, r := d.layout, d.res.Registers
	period := d.maxFreq / d.minFreq

	d.regLock.Lock()
	defer d.regLock.Unlock()

	r.Write(l.Control, 0)
	r.Write(l.Duration, 0)
	r.Write(l.Status, l.Pending)
	r.Write(l.Threshold, l.period(period))

	ctrl := l.CounterEnable
	if atomic.LoadInt32(&d.guard) == 0 {
		ctrl |= l.IRQEnable
	}
	r.Write(l.Control, ctrl)
}

// programPMIC programs the warn level and enable bit, d must be locked.
func (d *Domain) programPMIC(bus hw.PMICBus) error {
	var errs *multierror.Error

	if d.warnLevel >= 0 {
		l := d.layout
		if err := bus.UpdateRegister(l.WarnRegister, l.WarnMask, uint8(d.warnLevel)<<l.WarnShift); err != nil {
			errs = multierror.Append(errs, afmError("failed to set warn level: %v", err))
		}
	}
	if err := d.writeEnable(bus, d.enabled); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

func (d *Domain) writeEnable(bus hw.PMICBus, enable bool) error {
	var val uint8
	if enable {
		val = d.layout.EnableBit
	}
	if err := bus.UpdateRegister(d.layout.EnableRegister, d.layout.EnableBit, val); err != nil {
		return afmError("%s: failed to set enable bit: %v", d.name, err)
	}
	return nil
}

// setIRQEnabled flips the interrupt enable bits.
func (d *Domain) setIRQEnabled(enable bool) {
	l, r := d.layout, d.res.Registers

	d.regLock.Lock()
	defer d.regLock.Unlock()

	ctrl := r.Read(l.Control)
	if enable {
		ctrl |= l.IRQEnable
	} else {
		ctrl &^= l.IRQEnable
	}
	r.Write(l.Control, ctrl)
}

// ack clears the throttling duration counter and the pending bits.
func (d *Domain) ack() {
	l, r := d.layout, d.res.Registers

	d.regLock.Lock()
	defer d.regLock.Unlock()

	r.Write(l.Duration, 0)
	r.Write(l.Status, l.Pending)
}

func (d *Domain) checkDownStep(n int) error {
	if n < 1 || n > d.table.Len()-1 {
		return errors.Wrapf(ErrInvalid, "%s: down step %d out of range [1,%d]",
			d.name, n, d.table.Len()-1)
	}
	return nil
}

func (d *Domain) getState() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *Domain) setState(s State) {
	atomic.StoreInt32(&d.state, int32(s))
}

func afmError(format string, args ...interface{}) error {
	return errors.Errorf("afm: "+format, args...)
}
