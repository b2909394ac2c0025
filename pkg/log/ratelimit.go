// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
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

package log

import (
	"fmt"
	"sync"
	"time"

	goxrate "golang.org/x/time/rate"
)

// Rate specifies maximum per-message logging rate.
type Rate struct {
	// rate limit
	Limit goxrate.Limit
	// allowed bursts
	Burst int
	// optional message window size
	Window int
}

// ratelimited implements rate-limited logging. Messages are limited by their
// format string, so messages differing only in their arguments share a limit.
type ratelimited struct {
	Logger
	sync.Mutex
	rate   Rate
	window []string
	limits map[string]*limit
}

// limit is the limiter of a single format, with a count of suppressed messages.
type limit struct {
	*goxrate.Limiter
	suppressed uint64
}

const (
	// DefaultWindow is the default message window size for rate limiting.
	DefaultWindow = 64
	// MinimumWindow is the smallest message window size for rate limiting.
	MinimumWindow = 8
)

// Every defines a rate limit for the given interval.
func Every(interval time.Duration) goxrate.Limit {
	return goxrate.Every(interval)
}

// Interval returns a Rate for the given interval.
func Interval(interval time.Duration) Rate {
	return Rate{Limit: Every(interval), Burst: 1}
}

// RateLimit returns a ratelimited version of the given logger.
func RateLimit(log Logger, rate Rate) Logger {
	switch {
	case rate.Window == 0:
		rate.Window = DefaultWindow
	case rate.Window < MinimumWindow:
		rate.Window = MinimumWindow
	}
	if rate.Burst < 1 {
		rate.Burst = 1
	}
	return &ratelimited{
		Logger: log,
		rate:   rate,
		limits: make(map[string]*limit),
		window: make([]string, 0, rate.Window),
	}
}

func (rl *ratelimited) Debug(format string, args ...interface{}) {
	if !rl.Logger.DebugEnabled() {
		return
	}
	if msg, ok := rl.filter(format, args...); ok {
		rl.Logger.Debug("%s", msg)
	}
}

func (rl *ratelimited) Info(format string, args ...interface{}) {
	if msg, ok := rl.filter(format, args...); ok {
		rl.Logger.Info("%s", msg)
	}
}

func (rl *ratelimited) Warn(format string, args ...interface{}) {
	if msg, ok := rl.filter(format, args...); ok {
		rl.Logger.Warn("%s", msg)
	}
}

func (rl *ratelimited) Error(format string, args ...interface{}) {
	if msg, ok := rl.filter(format, args...); ok {
		rl.Logger.Error("%s", msg)
	}
}

// filter returns the formatted message if the limit of its format allows it.
func (rl *ratelimited) filter(format string, args ...interface{}) (string, bool) {
	suppressed, ok := rl.allow(format)
	if !ok {
		return "", false
	}
	msg := fmt.Sprintf(format, args...)
	if suppressed > 0 {
		msg = fmt.Sprintf("%s (%d similar messages suppressed)", msg, suppressed)
	}
	return msg, true
}

// allow checks the limit of format, returning the number of messages
// suppressed since the last one allowed.
func (rl *ratelimited) allow(format string) (uint64, bool) {
	rl.Lock()
	defer rl.Unlock()

	lim := rl.getLimit(format)
	if !lim.Allow() {
		lim.suppressed++
		return 0, false
	}
	suppressed := lim.suppressed
	lim.suppressed = 0
	return suppressed, true
}

// getLimit returns the limit for format, creating one if necessary.
func (rl *ratelimited) getLimit(format string) *limit {
	if lim, ok := rl.limits[format]; ok {
		return lim
	}

	// shift out the oldest format if our window is full
	if len(rl.window) >= rl.rate.Window {
		delete(rl.limits, rl.window[0])
		rl.window = rl.window[1:]
	}
	rl.window = append(rl.window, format)

	lim := &limit{Limiter: goxrate.NewLimiter(rl.rate.Limit, rl.rate.Burst)}
	rl.limits[format] = lim

	return lim
}
