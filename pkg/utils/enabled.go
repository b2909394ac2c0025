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

package utils

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseEnabled parses a boolean-ish on/off state.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "enable", "enabled", "true", "yes", "1":
		return true, nil
	case "off", "disable", "disabled", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled/disabled state %q", value)
}

// FormatEnabled returns the canonical "1" or "0" for a state.
func FormatEnabled(state bool) string {
	if state {
		return "1"
	}
	return "0"
}

// ParseUint parses a decimal unsigned integer, ignoring surrounding whitespace.
func ParseUint(value string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid unsigned integer %q", value)
	}
	return v, nil
}

// DumpJSON dumps an object as indented JSON, or an error marker if that fails.
func DumpJSON(obj interface{}) string {
	raw, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Sprintf("<failed to dump %T as JSON: %v>", obj, err)
	}
	return string(raw)
}
