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
	"os"
	"os/signal"
)

// signal notification channel
var signals chan os.Signal

// SetupDebugToggleSignal sets up a signal handler to toggle forced full
// debugging on/off. Any earlier handler is replaced.
func SetupDebugToggleSignal(sig os.Signal) {
	log.Lock()
	defer log.Unlock()

	clearDebugToggleSignal()

	signals = make(chan os.Signal, 1)
	signal.Notify(signals, sig)

	go func(sig <-chan os.Signal) {
		for range sig {
			ToggleForcedDebug()
		}
	}(signals)
}

// ClearDebugToggleSignal removes any signal handlers for toggling debug on/off.
func ClearDebugToggleSignal() {
	log.Lock()
	defer log.Unlock()
	clearDebugToggleSignal()
}

func clearDebugToggleSignal() {
	if signals != nil {
		signal.Stop(signals)
		close(signals)
		signals = nil
	}
}

// ToggleForcedDebug flips forced full debugging, returning the new state.
func ToggleForcedDebug() bool {
	log.Lock()
	log.forced = !log.forced
	forced := log.forced
	log.Unlock()

	if forced {
		deflog.Warn("forced full debugging is now on")
	} else {
		deflog.Warn("forced full debugging is now off")
	}
	return forced
}

// ForcedDebug returns whether full debugging is forced on.
func ForcedDebug() bool {
	log.RLock()
	defer log.RUnlock()
	return log.forced
}
