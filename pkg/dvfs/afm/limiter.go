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

package afm

import (
	"sync"

	"github.com/intel/gpu-dvfs/pkg/dvfs/constraint"
)

// Limiter applies the max-frequency clip of an AFM domain.
type Limiter interface {
	LimitMax(domain string, freq uint64) error
}

// SlotLimiter folds the clips of all domains of a GPU into the AFM
// constraint slot, which always carries the lowest clip.
type SlotLimiter struct {
	lock     sync.Mutex
	registry *constraint.Registry
	clips    map[string]uint64
}

// NewSlotLimiter creates a limiter updating the AFM slot of registry.
func NewSlotLimiter(registry *constraint.Registry) *SlotLimiter {
	return &SlotLimiter{
		registry: registry,
		clips:    make(map[string]uint64),
	}
}

// LimitMax sets the clip of domain and updates the AFM slot. The clip is
// only recorded if the slot update succeeds.
func (l *SlotLimiter) LimitMax(domain string, freq uint64) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	old, had := l.clips[domain]
	l.clips[domain] = freq

	if err := l.registry.Set(constraint.SlotAFM, constraint.Max, l.lowest()); err != nil {
		if had {
			l.clips[domain] = old
		} else {
			delete(l.clips, domain)
		}
		return err
	}

	return nil
}

// Limit returns the current combined clip, 0 if there is none.
func (l *SlotLimiter) Limit() uint64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.lowest()
}

func (l *SlotLimiter) lowest() uint64 {
	var min uint64
	for _, f := range l.clips {
		if min == 0 || f < min {
			min = f
		}
	}
	return min
}
