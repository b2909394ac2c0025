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

package dvfs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/intel/gpu-dvfs/pkg/dvfs/afm"
	"github.com/intel/gpu-dvfs/pkg/dvfs/constraint"
	"github.com/intel/gpu-dvfs/pkg/dvfs/control"
	"github.com/intel/gpu-dvfs/pkg/dvfs/stats"
	"github.com/intel/gpu-dvfs/pkg/utils"
)

// registerNodes registers the control nodes of the GPU.
func (d *Device) registerNodes() error {
	dev := d.dev
	reg := d.registry

	nodes := []control.Node{
		{
			Name: "cur_freq",
			Help: "current frequency in kHz",
			Read: readUint(dev.Current),
		},
		{
			Name:  "target_freq",
			Help:  "requested frequency in kHz, writes retarget the GPU",
			Read:  readUint(dev.Requested),
			Write: writeUint(dev.Target),
		},
		{
			Name: "available_frequencies",
			Help: "frequency table in kHz, highest first",
			Read: func() (string, error) {
				return joinUints(d.table.Frequencies()), nil
			},
		},
		{
			Name: "min_freq",
			Help: "effective window minimum in kHz",
			Read: readUint(func() uint64 { return reg.EffectiveWindow().Min }),
		},
		{
			Name: "max_freq",
			Help: "effective window maximum in kHz",
			Read: readUint(func() uint64 { return reg.EffectiveWindow().Max }),
		},
		{
			Name: "scaling_min_freq",
			Help: "scaling minimum in kHz, 0 for none",
			Read: readUint(func() uint64 { min, _ := reg.ScalingBounds(); return min }),
			Write: writeUint(func(v uint64) error {
				_, max := reg.ScalingBounds()
				return reg.SetScalingBounds(v, max)
			}),
		},
		{
			Name: "scaling_max_freq",
			Help: "scaling maximum in kHz, 0 for none",
			Read: readUint(func() uint64 { _, max := reg.ScalingBounds(); return max }),
			Write: writeUint(func(v uint64) error {
				min, _ := reg.ScalingBounds()
				return reg.SetScalingBounds(min, v)
			}),
		},
		d.slotNode("min_clock", "user minimum clock in kHz", constraint.SlotUser, constraint.Min),
		d.slotNode("max_clock", "user maximum clock in kHz", constraint.SlotUser, constraint.Max),
		d.slotNode("siop_max_clock", "SIOP maximum clock in kHz", constraint.SlotSIOP, constraint.Max),
		d.slotNode("thermal_max_clock", "thermal maximum clock in kHz", constraint.SlotThermal, constraint.Max),
		d.slotNode("umd_min_clock", "user-mode driver minimum clock in kHz", constraint.SlotUMD, constraint.Min),
		d.slotNode("umd_max_clock", "user-mode driver maximum clock in kHz", constraint.SlotUMD, constraint.Max),
		{
			Name:  "kernel_idle_min",
			Help:  "kernel idle minimum clock as '<kHz> [delay-ms]', reset after the delay",
			Read:  d.readSlot(constraint.SlotKernelMin, constraint.Min),
			Write: d.writeKernelIdleMin,
		},
		{
			Name:  "compute_boost",
			Help:  "compute boost as '<enabled> [active]'",
			Read:  d.readComputeBoost,
			Write: d.writeComputeBoost,
		},
		{
			Name: "disable_llc_way",
			Help: "1 to suppress LLC way allocation",
			Read: func() (string, error) {
				return utils.FormatEnabled(d.coord.State().LLCWayDisabled), nil
			},
			Write: func(value string) error {
				disabled, err := utils.ParseEnabled(value)
				if err != nil {
					return control.Invalid(err)
				}
				d.coord.SetLLCWayDisabled(disabled)
				return nil
			},
		},
		{
			Name: "time_in_state",
			Help: "time spent at each frequency as '<kHz> <ms>' lines",
			Read: func() (string, error) {
				return stats.Format(dev.TimeInState()), nil
			},
		},
		{
			Name:  "trans_stat",
			Help:  "time in state with the current frequency marked, and transition counts, '0' resets",
			Read:  d.readTransStat,
			Write: d.writeTransStat,
		},
		{
			Name:  "power",
			Help:  "'suspend' or 'resume' the scaling of the GPU",
			Read:  d.readPower,
			Write: d.writePower,
		},
		{
			Name: "metrics",
			Help: "prometheus metrics of the GPU",
			Read: d.collector.Render,
		},
	}

	for _, domain := range d.domains {
		nodes = append(nodes, afmNodes(domain)...)
	}

	return d.nodes.Register(nodes...)
}

func (d *Device) slotNode(name, help string, slot constraint.Slot, kind constraint.Kind) control.Node {
	return control.Node{
		Name: name,
		Help: help + ", 0 for none",
		Read: d.readSlot(slot, kind),
		Write: writeUint(func(v uint64) error {
			return d.registry.Set(slot, kind, v)
		}),
	}
}

func (d *Device) readSlot(slot constraint.Slot, kind constraint.Kind) control.ReadFn {
	return func() (string, error) {
		v, _ := d.registry.Get(slot, kind)
		return strconv.FormatUint(v, 10), nil
	}
}

func (d *Device) writeKernelIdleMin(value string) error {
	fields := strings.Fields(value)
	if len(fields) < 1 || len(fields) > 2 {
		return control.Invalidf("expected '<kHz> [delay-ms]', got %q", value)
	}
	freq, err := utils.ParseUint(fields[0])
	if err != nil {
		return control.Invalid(err)
	}
	delay := d.kernelIdleMinDelay()
	if len(fields) == 2 {
		ms, err := utils.ParseUint(fields[1])
		if err != nil {
			return control.Invalid(err)
		}
		delay = time.Duration(ms) * time.Millisecond
	}

	if delay == 0 {
		err = d.registry.Set(constraint.SlotKernelMin, constraint.Min, freq)
	} else {
		err = d.registry.SetWithReset(constraint.SlotKernelMin, constraint.Min, freq, delay)
	}
	return invalidIf(err)
}

func (d *Device) readComputeBoost() (string, error) {
	enabled, active := d.ComputeBoost()
	return utils.FormatEnabled(enabled) + " " + utils.FormatEnabled(active), nil
}

func (d *Device) writeComputeBoost(value string) error {
	fields := strings.Fields(value)
	if len(fields) < 1 || len(fields) > 2 {
		return control.Invalidf("expected '<enabled> [active]', got %q", value)
	}
	enabled, err := utils.ParseEnabled(fields[0])
	if err != nil {
		return control.Invalid(err)
	}
	var active *bool
	if len(fields) == 2 {
		a, err := utils.ParseEnabled(fields[1])
		if err != nil {
			return control.Invalid(err)
		}
		active = &a
	}
	d.setComputeBoost(enabled, active)
	return nil
}

func (d *Device) readTransStat() (string, error) {
	cur := d.dev.Current()
	lines := []string{}
	for _, e := range d.dev.TimeInState() {
		mark := " "
		if e.Frequency == cur {
			mark = "*"
		}
		lines = append(lines, fmt.Sprintf("%s%10d %12d", mark, e.Frequency, e.Time.Milliseconds()))
	}
	lines = append(lines,
		fmt.Sprintf("Total transition : %d", d.dev.Transitions()),
		fmt.Sprintf("Failed transition : %d", d.dev.Failures()),
	)
	return strings.Join(lines, "\n"), nil
}

func (d *Device) writeTransStat(value string) error {
	if value != "0" {
		return control.Invalidf("only 0 is accepted, got %q", value)
	}
	consumed := d.dev.ConsumeTimeInState()
	log.Debug("%s: statistics reset: %s", d.name, strings.ReplaceAll(stats.Format(consumed), "\n", ", "))
	return nil
}

func (d *Device) readPower() (string, error) {
	if cnt := d.dev.SuspendCount(); cnt > 0 {
		return fmt.Sprintf("suspended %d", cnt), nil
	}
	return "active", nil
}

func (d *Device) writePower(value string) error {
	switch value {
	case "suspend":
		return d.Suspend()
	case "resume":
		if d.dev.SuspendCount() == 0 {
			return control.Invalidf("not suspended")
		}
		return d.Resume()
	}
	return control.Invalidf("expected 'suspend' or 'resume', got %q", value)
}

// afmNodes returns the control nodes of an AFM domain.
func afmNodes(domain *afm.Domain) []control.Node {
	prefix := "afm." + domain.Name() + "."

	return []control.Node{
		{
			Name: prefix + "enable",
			Help: "1 if the PMIC droop detector is enabled",
			Read: func() (string, error) {
				enabled, err := domain.Enabled()
				return utils.FormatEnabled(enabled), err
			},
			Write: func(value string) error {
				enable, err := utils.ParseEnabled(value)
				if err != nil {
					return control.Invalid(err)
				}
				return domain.SetEnabled(enable)
			},
		},
		{
			Name: prefix + "warn_level",
			Help: fmt.Sprintf("PMIC droop warn level, 0-%d", domain.Layout().WarnLevelMax()),
			Read: func() (string, error) {
				level, err := domain.WarnLevel()
				return strconv.Itoa(level), err
			},
			Write: writeInt(domain.SetWarnLevel),
		},
		{
			Name:  prefix + "clipped_freq",
			Help:  "current max frequency clip in kHz, writes clip manually",
			Read:  readUint(domain.ClippedFreq),
			Write: writeUint(domain.Clip),
		},
		{
			Name: prefix + "release_duration",
			Help: "clip release quiescence period in ms",
			Read: func() (string, error) {
				return strconv.FormatInt(domain.ReleaseDuration().Milliseconds(), 10), nil
			},
			Write: writeUint(func(ms uint64) error {
				return domain.SetReleaseDuration(time.Duration(ms) * time.Millisecond)
			}),
		},
		{
			Name: prefix + "down_step",
			Help: "number of levels clipped per droop",
			Read: func() (string, error) {
				return strconv.Itoa(domain.DownStep()), nil
			},
			Write: writeInt(domain.SetDownStep),
		},
		{
			Name: prefix + "time_in_state",
			Help: "time spent at each clip as '<kHz> <ms>' lines",
			Read: func() (string, error) {
				return stats.Format(domain.TimeInState()), nil
			},
		},
		{
			Name: prefix + "total_trans",
			Help: "number of clip changes",
			Read: readUint(domain.TotalTransitions),
		},
		{
			Name: prefix + "state",
			Help: "state of the domain",
			Read: func() (string, error) {
				return domain.State().String(), nil
			},
		},
	}
}

func readUint(get func() uint64) control.ReadFn {
	return func() (string, error) {
		return strconv.FormatUint(get(), 10), nil
	}
}

func writeUint(set func(uint64) error) control.WriteFn {
	return func(value string) error {
		v, err := utils.ParseUint(value)
		if err != nil {
			return control.Invalid(err)
		}
		return invalidIf(set(v))
	}
}

func writeInt(set func(int) error) control.WriteFn {
	return func(value string) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return control.Invalidf("invalid integer %q", value)
		}
		return invalidIf(set(v))
	}
}

// invalidIf marks rejected requests as invalid values.
func invalidIf(err error) error {
	if errors.Is(err, constraint.ErrInvalid) || errors.Is(err, afm.ErrInvalid) {
		return control.Invalid(err)
	}
	return err
}

func joinUints(values []uint64) string {
	strs := make([]string, 0, len(values))
	for _, v := range values {
		strs = append(strs, strconv.FormatUint(v, 10))
	}
	return strings.Join(strs, " ")
}
