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

package sysfs

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// frequency unit multipliers, relative to kHz
var units = map[string]float64{
	"":    1,
	"Hz":  1.0 / 1000,
	"kHz": 1,
	"KHz": 1,
	"MHz": 1000,
	"GHz": 1000 * 1000,
}

// PickEntryFn picks a given input line apart into an entry of key and value.
// An empty key skips the line.
type PickEntryFn func(string) (string, string, error)

// PickColonOrSpace splits 'key: value' and 'key value' lines.
func PickColonOrSpace(line string) (string, string, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", nil
	}
	if split := strings.SplitN(line, ":", 2); len(split) == 2 {
		return strings.TrimSpace(split[0]), strings.TrimSpace(split[1]), nil
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", "", sysfsError("", "invalid entry %q", line)
	}
	return fields[0], fields[1], nil
}

// splitNumericAndUnit splits a string into a numeric and a unit part.
func splitNumericAndUnit(value string) (string, string) {
	value = strings.TrimSpace(value)
	idx := strings.IndexFunc(value, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r == '.')
	})
	if idx < 0 {
		return value, ""
	}
	return value[:idx], strings.TrimSpace(value[idx:])
}

// ParseFrequency parses a frequency with an optional unit into kHz.
// A value without a unit is taken to be in kHz.
func ParseFrequency(value string) (uint64, error) {
	num, unit := splitNumericAndUnit(value)
	mul, ok := units[unit]
	if !ok || num == "" {
		return 0, sysfsError("", "invalid frequency %q", value)
	}
	if mul == 1 && !strings.Contains(num, ".") {
		kHz, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return 0, sysfsError("", "invalid frequency %q: %v", value, err)
		}
		return kHz, nil
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, sysfsError("", "invalid frequency %q: %v", value, err)
	}
	return uint64(f*mul + 0.5), nil
}

// ParseFileEntries parses a sysfs file for the given entries.
func ParseFileEntries(path string, values map[string]interface{}, pickFn PickEntryFn) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return sysfsError(path, "failed to read file: %v", err)
	}

	found := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		if len(found) == len(values) {
			break
		}

		key, value, err := pickFn(line)
		if err != nil {
			return sysfsError(path, "%v", err)
		}

		ptr, ok := values[key]
		if !ok || key == "" {
			continue
		}

		if freq, ok := ptr.(*Frequency); ok {
			kHz, err := ParseFrequency(value)
			if err != nil {
				return sysfsError(path, "key %q: %v", key, err)
			}
			*freq = Frequency(kHz)
		} else if err := parseValue(value, ptr); err != nil {
			return sysfsError(path, "key %q: %v", key, err)
		}

		found[key] = true
	}

	if len(found) < len(values) {
		missing := []string{}
		for key := range values {
			if !found[key] {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)
		return sysfsError(path, "entries %s not found", strings.Join(missing, ","))
	}

	return nil
}

// ParseTable parses all entries of a sysfs table file into a map.
func ParseTable(path string, pickFn PickEntryFn) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sysfsError(path, "failed to read file: %v", err)
	}

	table := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, err := pickFn(line)
		if err != nil {
			return nil, sysfsError(path, "%v", err)
		}
		if key != "" {
			table[key] = value
		}
	}

	return table, nil
}

// Frequency is a frequency in kHz, parsed with an optional unit.
type Frequency uint64
