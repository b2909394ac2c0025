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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// logging is the runtime state shared by all loggers.
type logging struct {
	sync.RWMutex
	level   Level                // lowest unsuppressed severity
	configs map[logger]config    // per-logger configuration
	sources map[logger]string    // per-logger source name
	loggers map[string]logger    // source name to logger lookup
	backend map[string]BackendFn // registered backends
	active  Backend              // active backend
	forced  bool                 // forced full debugging
	enabled srcmap               // source logging states
	debug   srcmap               // source debugging states
	align   int                  // longest source name seen
}

var log = &logging{
	level:   DefaultLevel,
	configs: make(map[logger]config),
	sources: make(map[logger]string),
	loggers: make(map[string]logger),
	backend: make(map[string]BackendFn),
	enabled: make(srcmap),
	debug:   make(srcmap),
}

// our default logger
var deflog = log.get(filepath.Base(filepath.Clean(os.Args[0])))

// get returns the logger for source, creating it if necessary.
func (l *logging) get(source string) logger {
	source = strings.Trim(source, "[] ")

	l.Lock()
	defer l.Unlock()

	if id, ok := l.loggers[source]; ok {
		return id
	}

	id := logger(len(l.loggers))
	l.loggers[source] = id
	l.sources[id] = source
	l.configs[id] = mkConfig(l.enabled.state(source, true), l.debug.state(source, false))

	if len(source) > l.align {
		l.align = len(source)
		if l.active != nil {
			l.active.SetSourceAlignment(l.align)
		}
	}

	return id
}

// update updates the logging and debugging state of all loggers, l must be locked.
func (l *logging) update(enabled, debug srcmap) {
	if enabled != nil {
		l.enabled = enabled.clone()
	}
	if debug != nil {
		l.debug = debug.clone()
	}
	for id, source := range l.sources {
		l.configs[id] = mkConfig(l.enabled.state(source, true), l.debug.state(source, false))
	}
}

// setLevel sets the lowest unsuppressed severity, l must be locked.
func (l *logging) setLevel(level Level) {
	l.level = level
}

// setBackend activates the named backend, l must be locked.
func (l *logging) setBackend(name string) error {
	if l.active != nil && l.active.Name() == name {
		return nil
	}

	fn, ok := l.backend[name]
	if !ok {
		return loggerError("unknown logger backend %q", name)
	}

	b := fn()
	b.SetSourceAlignment(l.align)

	old := l.active
	l.active = b

	if old != nil {
		old.Flush()
		old.Stop()
	}

	return nil
}

// SetLevel sets the lowest severity level of messages to pass through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.setLevel(level)
}

// SetBackend activates the named logging backend.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()
	return log.setBackend(name)
}

// Flush flushes any buffered messages of the active backend.
func Flush() {
	log.RLock()
	active := log.active
	log.RUnlock()
	if active != nil {
		active.Flush()
	}
}

// Sync waits for all pending messages of the active backend to get emitted.
func Sync() {
	log.RLock()
	active := log.active
	log.RUnlock()
	if active != nil {
		active.Sync()
	}
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Info formats and emits an informational message.
func Info(format string, args ...interface{}) {
	deflog.Info(format, args...)
}

// Warn formats and emits a warning message.
func Warn(format string, args ...interface{}) {
	deflog.Warn(format, args...)
}

// Error formats and emits an error message.
func Error(format string, args ...interface{}) {
	deflog.Error(format, args...)
}

// Fatal formats and emits an error message and os.Exit()'s with status 1.
func Fatal(format string, args ...interface{}) {
	deflog.Fatal(format, args...)
}

// Debug formats and emits a debug message.
func Debug(format string, args ...interface{}) {
	deflog.Debug(format, args...)
}

// loggerError produces a formatted logger-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
