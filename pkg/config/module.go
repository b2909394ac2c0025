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

package config

import (
	"reflect"
	"sort"
	"strings"
)

// GetConfigFn returns a freshly allocated default configuration for a module.
type GetConfigFn func() interface{}

// Validator is implemented by module configuration that can check itself.
type Validator interface {
	Validate() error
}

// Module is a named, runtime-configurable piece of configuration data.
type Module struct {
	name        string
	description string
	ptr         interface{}
	getfn       GetConfigFn
	notify      []NotifyFn
}

// Option is the generic interface for any option applicable to a Module.
type Option interface {
	apply(*Module) error
}

type funcOption struct {
	f func(*Module) error
}

func (fo *funcOption) apply(m *Module) error {
	return fo.f(m)
}

func newFuncOption(f func(*Module) error) *funcOption {
	return &funcOption{f: f}
}

// WithNotify injects an update notification callback into a module.
func WithNotify(fn NotifyFn) Option {
	return newFuncOption(func(m *Module) error {
		if fn == nil {
			return configError("module %s: nil notifier", m.name)
		}
		m.notify = append(m.notify, fn)
		return nil
	})
}

// Register registers a configuration module. ptr points to the active
// configuration of the module and getfn returns new default instances
// of the same type. Configuration updates are only ever assigned to *ptr.
func Register(name, description string, ptr interface{}, getfn GetConfigFn, opts ...Option) *Module {
	if name == "" || strings.ContainsAny(name, ". ") {
		log.Panicf("can't register configuration module with invalid name %q", name)
	}
	if ptr == nil || reflect.TypeOf(ptr).Kind() != reflect.Ptr {
		log.Panicf("module %s: configuration must be a non-nil pointer, got %T", name, ptr)
	}
	if getfn == nil {
		log.Panicf("module %s: missing default configuration function", name)
	}
	if def := getfn(); reflect.TypeOf(def) != reflect.TypeOf(ptr) {
		log.Panicf("module %s: type mismatch, configuration %T vs. default %T", name, ptr, def)
	}

	m := &Module{
		name:        name,
		description: description,
		ptr:         ptr,
		getfn:       getfn,
	}
	if m.description == "" {
		m.description = "<no description for module " + name + ">"
	}

	for _, opt := range opts {
		if err := opt.apply(m); err != nil {
			log.Errorf("%v", err)
		}
	}

	state.Lock()
	defer state.Unlock()

	if old, ok := state.modules[name]; ok {
		log.Panicf("can't register module %s (%s), already registered (%s)",
			name, m.description, old.description)
	}
	state.modules[name] = m

	return m
}

// Name returns the name of the module.
func (m *Module) Name() string {
	return m.name
}

// Description returns the description of the module.
func (m *Module) Description() string {
	return m.description
}

// WatchUpdates adds a notifier function to the module.
func (m *Module) WatchUpdates(fn NotifyFn) {
	state.Lock()
	defer state.Unlock()
	if err := WithNotify(fn).apply(m); err != nil {
		log.Errorf("%v", err)
	}
}

// prepare creates a new, validated configuration for the module from data.
func (m *Module) prepare(data Data) (interface{}, error) {
	cfg := m.getfn()
	if data != nil {
		if err := data.decode(cfg); err != nil {
			return nil, configError("module %s: %v", m.name, err)
		}
	}
	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, configError("module %s: invalid configuration: %v", m.name, err)
		}
	}
	return cfg, nil
}

// current returns a shallow copy of the active configuration.
func (m *Module) current() interface{} {
	cur := reflect.New(reflect.TypeOf(m.ptr).Elem())
	cur.Elem().Set(reflect.ValueOf(m.ptr).Elem())
	return cur.Interface()
}

// assign makes cfg the active configuration of the module.
func (m *Module) assign(cfg interface{}) {
	reflect.ValueOf(m.ptr).Elem().Set(reflect.ValueOf(cfg).Elem())
}

// notifyAll passes event to all notifiers of the module.
func (m *Module) notifyAll(event Event, source Source) error {
	for _, fn := range m.notify {
		if err := fn(event, source); err != nil {
			return configError("module %s rejected configuration: %v", m.name, err)
		}
	}
	return nil
}

// sortedModules returns registered modules sorted by name, state must be locked.
func sortedModules() []*Module {
	mods := make([]*Module, 0, len(state.modules))
	for _, m := range state.modules {
		mods = append(mods, m)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].name < mods[j].name })
	return mods
}
