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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Source describes where configuration data has been acquired from.
type Source string

const (
	// ConfigFile is a YAML/JSON file configuration source.
	ConfigFile Source = "configuration file"
	// External is an external configuration source.
	External Source = "external configuration"
	// ConfigBackup is a backup of a previous configuration.
	ConfigBackup Source = "configuration backup"
)

// Event describes the reason why a notification callback has been invoked.
type Event string

const (
	// UpdateEvent is the event type for a configuration update.
	UpdateEvent Event = "updated"
	// RevertEvent is the event type for a configuration rollback.
	RevertEvent Event = "reverted"
)

// NotifyFn is the type of a configuration change notification functions.
type NotifyFn func(Event, Source) error

// state is the set of registered configuration modules.
var state = struct {
	sync.Mutex
	modules map[string]*Module
}{
	modules: make(map[string]*Module),
}

// SetConfig updates the configuration of all registered modules.
//
// Modules missing from data are reset to their defaults. All new
// configuration is prepared and validated before any of it is
// activated. If any notifier rejects the update, the previous
// configuration is restored and a RevertEvent is sent.
func SetConfig(data Data, source Source) error {
	state.Lock()
	defer state.Unlock()

	data = data.copy()
	mods := sortedModules()
	pending := make(map[*Module]interface{}, len(mods))

	var errs *multierror.Error
	for _, m := range mods {
		modData, err := data.pick(m.name, true)
		if err != nil {
			errs = multierror.Append(errs, configError("module %s: %v", m.name, err))
			continue
		}
		cfg, err := m.prepare(modData)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		pending[m] = cfg
	}
	for key := range data {
		errs = multierror.Append(errs, configError("unknown configuration module %q", key))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	backup := make(map[*Module]interface{}, len(mods))
	for _, m := range mods {
		backup[m] = m.current()
		m.assign(pending[m])
	}

	log.Infof("activating configuration from %s", source)

	for _, m := range mods {
		err := m.notifyAll(UpdateEvent, source)
		if err == nil {
			continue
		}

		log.Errorf("%v, reverting", err)
		for _, r := range mods {
			r.assign(backup[r])
		}
		for _, r := range mods {
			if rerr := r.notifyAll(RevertEvent, ConfigBackup); rerr != nil {
				log.Errorf("failed to revert configuration: %v", rerr)
			}
		}
		return err
	}

	return nil
}

// SetConfigFromFile updates the configuration from the given file.
func SetConfigFromFile(path string) error {
	data, err := DataFromFile(path)
	if err != nil {
		return err
	}
	return SetConfig(data, ConfigFile)
}

// GetConfig returns the active configuration of all registered modules.
func GetConfig() (Data, error) {
	state.Lock()
	defer state.Unlock()

	cfg := make(Data)
	for _, m := range sortedModules() {
		data, err := DataFromObject(m.ptr)
		if err != nil {
			return nil, configError("module %s: %v", m.name, err)
		}
		cfg[m.name] = data
	}

	return cfg, nil
}

// Describe returns help about the named or all registered modules.
func Describe(names ...string) string {
	state.Lock()
	defer state.Unlock()

	if len(names) == 0 {
		for name := range state.modules {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	help := []string{}
	for _, name := range names {
		m, ok := state.modules[name]
		if !ok {
			help = append(help, fmt.Sprintf("- %s: no such configuration module", name))
			continue
		}
		help = append(help, "- "+m.name+":\n"+indent(m.description, "    "))
	}

	return strings.Join(help, "\n")
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// configError returns a formatted configuration-specific error.
func configError(format string, args ...interface{}) error {
	return fmt.Errorf("config: "+format, args...)
}
