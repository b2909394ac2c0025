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
	"encoding/json"
	"flag"
	"sort"
	"strings"

	pkgcfg "github.com/intel/gpu-dvfs/pkg/config"
	"github.com/intel/gpu-dvfs/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// command-line argument prefix.
	optPrefix = "logger"
	// Flag for enabling/disabling normal non-debug logging for sources.
	optEnable = optPrefix + "-sources"
	// Flag for enabling/disabling debug logging for sources.
	optDebug = optPrefix + "-debug"
	// Flag for selecting logging level.
	optLevel = optPrefix + "-level"
	// Flag for selecting logging backend.
	optLogger = optPrefix
	// configModule is our module name in the runtime configuration.
	configModule = optPrefix
)

// options captures our runtime configurable logging options.
type options struct {
	// Level is the logging severity/level.
	Level Level
	// Enable is a map for enabling/disabling normal logging for sources.
	Enable srcmap
	// Debug is a map for enabling/disabling debug logging for sources.
	Debug srcmap
	// Logger is the name of the logger backend to use.
	Logger backendName
}

// srcmap tracks logging or debugging state per source, '*' being the wildcard.
type srcmap map[string]bool

type backendName string

// command line defaults, these are the fallback for the runtime configuration
var defaults = &options{
	Logger: FmtBackendName,
	Level:  DefaultLevel,
	Enable: make(srcmap),
	Debug:  make(srcmap),
}

// active runtime configuration
var opt = defaultOptions().(*options)

// Set parses a logging level.
func (l *Level) Set(value string) error {
	levels := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
	}
	level, ok := levels[strings.ToLower(value)]
	if !ok {
		return loggerError("invalid logging level %s", value)
	}

	*l = level
	if l == &defaults.Level {
		SetLevel(level)
	}

	return nil
}

// String returns the name of a logging level.
func (l Level) String() string {
	names := map[Level]string{
		LevelDebug: "debug",
		LevelInfo:  "info",
		LevelWarn:  "warning",
		LevelError: "error",
		LevelFatal: "fatal",
		LevelPanic: "panic",
	}
	if level, ok := names[l]; ok {
		return level
	}

	return names[LevelInfo]
}

// MarshalJSON marshals a Level as its name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON unmarshals a Level from its name.
func (l *Level) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return loggerError("invalid logging level %s: %v", string(raw), err)
	}
	return l.Set(name)
}

func (n *backendName) Set(value string) error {
	*n = backendName(value)
	if n == &defaults.Logger {
		return SetBackend(value)
	}
	return nil
}

func (n backendName) String() string {
	return string(n)
}

// Set parses a comma-separated list of [state:]source entries.
func (m *srcmap) Set(value string) error {
	sm := make(srcmap)
	prev, state, src := "", "", ""
	for _, entry := range strings.Split(value, ",") {
		statesrc := strings.Split(entry, ":")
		switch len(statesrc) {
		case 2:
			state, src = statesrc[0], statesrc[1]
		case 1:
			state, src = "", statesrc[0]
		default:
			return loggerError("invalid state spec '%s' in source map", entry)
		}

		if state != "" {
			prev = state
		} else {
			state = prev
			if state == "" {
				state = "on"
			}
		}
		if src == "all" {
			src = "*"
		}

		enabled, err := utils.ParseEnabled(state)
		if err != nil {
			return loggerError("invalid state '%s' in source map", state)
		}
		sm[src] = enabled
	}

	*m = sm

	// propagate command-line to the running loggers
	switch m {
	case &defaults.Enable:
		log.Lock()
		log.update(sm, nil)
		log.Unlock()
	case &defaults.Debug:
		log.Lock()
		log.update(nil, sm)
		log.Unlock()
	}

	return nil
}

func (m *srcmap) String() string {
	if m == nil {
		return ""
	}

	on, off := []string{}, []string{}
	for src, state := range *m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	switch {
	case len(on) == 0 && len(off) == 0:
		return ""
	case len(off) == 0:
		return "on:" + strings.Join(on, ",")
	case len(on) == 0:
		return "off:" + strings.Join(off, ",")
	}

	return "on:" + strings.Join(on, ",") + ",off:" + strings.Join(off, ",")
}

// MarshalJSON marshals a source map in its command line notation.
func (m srcmap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON unmarshals a source map from a string or a {state: [sources]} map.
func (m *srcmap) UnmarshalJSON(raw []byte) error {
	cfgstr := ""
	if err := json.Unmarshal(raw, &cfgstr); err == nil {
		if cfgstr == "" {
			*m = make(srcmap)
			return nil
		}
		return m.Set(cfgstr)
	}

	rawmap := map[string][]string{}
	if err := json.Unmarshal(raw, &rawmap); err != nil {
		return loggerError("failed to unmarshal logger source map '%s': %v", string(raw), err)
	}

	*m = make(srcmap)
	for state, sources := range rawmap {
		enabled, err := utils.ParseEnabled(state)
		if err != nil {
			return loggerError("invalid state '%s' in logger source map", state)
		}
		for _, src := range sources {
			if src == "all" {
				src = "*"
			}
			(*m)[src] = enabled
		}
	}

	return nil
}

// state returns the state of the given source in the map, or def if it is not present.
func (m srcmap) state(source string, def bool) bool {
	if state, ok := m[source]; ok {
		return state
	}
	if state, ok := m["*"]; ok {
		return state
	}
	return def
}

func (m srcmap) clone() srcmap {
	c := make(srcmap, len(m))
	for src, state := range m {
		c[src] = state
	}
	return c
}

// configNotify applies the runtime configuration.
func (o *options) configNotify(event pkgcfg.Event, src pkgcfg.Source) error {
	deflog.Info("logger configuration %v", event)

	enable := opt.Enable
	if len(enable) == 0 {
		enable = defaults.Enable
	}
	debug := opt.Debug
	if len(debug) == 0 {
		debug = defaults.Debug
	}

	deflog.Info("*  log level: %v", opt.Level)
	deflog.Info("*    logging: %v", enable.String())
	deflog.Info("*  debugging: %v", debug.String())

	log.Lock()
	defer log.Unlock()

	if err := log.setBackend(opt.Logger.String()); err != nil {
		return err
	}
	log.setLevel(opt.Level)
	log.update(enable, debug)

	return nil
}

// defaultOptions returns a new options instance initialized from the command line defaults.
func defaultOptions() interface{} {
	return &options{
		Logger: defaults.Logger,
		Level:  defaults.Level,
		Enable: defaults.Enable.clone(),
		Debug:  defaults.Debug.clone(),
	}
}

func init() {
	cfglog := log.get("config")
	pkgcfg.SetLogger(pkgcfg.Logger{
		DebugEnabled: cfglog.DebugEnabled,
		Debugf:       cfglog.Debug,
		Infof:        cfglog.Info,
		Warningf:     cfglog.Warn,
		Errorf:       cfglog.Error,
		Fatalf:       cfglog.Fatal,
		Panicf:       cfglog.Panic,
	})

	flag.Var(&defaults.Logger, optLogger,
		"logger backend to use (fmt, klog).")
	flag.Var(&defaults.Level, optLevel,
		"lowest severity level to pass through (debug, info, warning, error)")
	flag.Var(&defaults.Enable, optEnable,
		"comma-separated list of source names to enable/disable.\n"+
			"Specify '*' or 'all' to enable all sources, which is also the default.\n"+
			"Prefix a source or list with 'off:' to disable.")
	flag.Var(&defaults.Debug, optDebug,
		"comma-separated list of source names to enable debug messages for.\n"+
			"Specify '*' or 'all' to enable all sources.\n"+
			"Prefix a source or list with 'off:' to disable, which is also the default state.")

	pkgcfg.Register(configModule, configHelp, opt, defaultOptions,
		pkgcfg.WithNotify(opt.configNotify))
}
