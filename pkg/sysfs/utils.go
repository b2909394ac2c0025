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

package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"
)

// ReadEntry reads a sysfs-like entry and converts it according to the type of ptr.
// An optional item separator can be given for list values. The raw, trimmed
// content of the entry is returned.
func ReadEntry(base, entry string, ptr interface{}, args ...interface{}) (string, error) {
	path := filepath.Join(base, entry)

	blob, err := os.ReadFile(path)
	if err != nil {
		return "", sysfsError(path, "failed to read entry: %v", err)
	}
	buf := strings.TrimRight(string(blob), "\n")

	if ptr == nil {
		return buf, nil
	}

	switch ptr.(type) {
	case *string, *int, *uint, *int32, *uint32, *int64, *uint64, *bool:
		if err := parseValue(buf, ptr); err != nil {
			return "", sysfsError(path, "%v", err)
		}
		return buf, nil

	case *idset.IDSet, *[]int, *[]uint64:
		sep, err := getSeparator(" ", args)
		if err != nil {
			return "", sysfsError(path, "%v", err)
		}
		if err := parseValueList(buf, sep, ptr); err != nil {
			return "", sysfsError(path, "%v", err)
		}
		return buf, nil
	}

	return "", sysfsError(path, "unsupported entry type %T", ptr)
}

// WriteEntry writes a value to a sysfs-like entry. An optional item separator
// can be given for list values.
func WriteEntry(base, entry string, val interface{}, args ...interface{}) error {
	path := filepath.Join(base, entry)

	var buf string
	switch v := val.(type) {
	case string:
		buf = v
	case bool:
		buf = "0"
		if v {
			buf = "1"
		}
	case int, uint, int32, uint32, int64, uint64:
		buf = fmt.Sprintf("%d", v)
	case idset.IDSet, []int, []uint64:
		sep, err := getSeparator(" ", args)
		if err != nil {
			return sysfsError(path, "%v", err)
		}
		buf = formatValueList(sep, val)
	default:
		return sysfsError(path, "unsupported entry type %T", val)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return sysfsError(path, "cannot open: %v", err)
	}
	defer f.Close()

	if _, err = f.Write([]byte(buf + "\n")); err != nil {
		return sysfsError(path, "cannot write: %v", err)
	}

	return nil
}

// Determine list separator string, given an optional separator variadic argument.
func getSeparator(defaultVal string, args []interface{}) (string, error) {
	switch len(args) {
	case 0:
		return defaultVal, nil
	case 1:
		if sep, ok := args[0].(string); ok {
			return sep, nil
		}
	}
	return "", fmt.Errorf("invalid separator (%v), 1 string expected", args)
}

// Parse a single value from a string.
func parseValue(str string, value interface{}) error {
	str = strings.TrimSpace(str)

	switch ptr := value.(type) {
	case *string:
		*ptr = str
	case *bool:
		v, err := strconv.ParseBool(str)
		if err != nil {
			return fmt.Errorf("invalid boolean entry '%s': %v", str, err)
		}
		*ptr = v
	case *int, *int32, *int64:
		v, err := strconv.ParseInt(str, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid entry '%s': %v", str, err)
		}
		switch ptr := value.(type) {
		case *int:
			*ptr = int(v)
		case *int32:
			*ptr = int32(v)
		case *int64:
			*ptr = v
		}
	case *uint, *uint32, *uint64:
		v, err := strconv.ParseUint(str, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid entry '%s': %v", str, err)
		}
		switch ptr := value.(type) {
		case *uint:
			*ptr = uint(v)
		case *uint32:
			*ptr = uint32(v)
		case *uint64:
			*ptr = v
		}
	}

	return nil
}

// Parse a list of values from a string into a slice or an IDSet.
func parseValueList(str, sep string, valuep interface{}) error {
	ids := idset.NewIDSet()
	ints := []int{}
	uints := []uint64{}

	for _, s := range strings.Split(strings.TrimSpace(str), sep) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		switch valuep.(type) {
		case *idset.IDSet:
			rng := strings.SplitN(s, "-", 2)
			beg, err := strconv.Atoi(rng[0])
			if err != nil {
				return fmt.Errorf("invalid entry '%s': %v", s, err)
			}
			end := beg
			if len(rng) == 2 {
				if end, err = strconv.Atoi(rng[1]); err != nil {
					return fmt.Errorf("invalid entry '%s': %v", s, err)
				}
			}
			for id := beg; id <= end; id++ {
				ids.Add(idset.ID(id))
			}
		case *[]int:
			v, err := strconv.ParseInt(s, 0, 0)
			if err != nil {
				return fmt.Errorf("invalid entry '%s': %v", s, err)
			}
			ints = append(ints, int(v))
		case *[]uint64:
			v, err := strconv.ParseUint(s, 0, 64)
			if err != nil {
				return fmt.Errorf("invalid entry '%s': %v", s, err)
			}
			uints = append(uints, v)
		default:
			return fmt.Errorf("invalid slice value type: %T", valuep)
		}
	}

	switch ptr := valuep.(type) {
	case *idset.IDSet:
		*ptr = ids
	case *[]int:
		*ptr = ints
	case *[]uint64:
		*ptr = uints
	}

	return nil
}

// Format a list of values into a string.
func formatValueList(sep string, value interface{}) string {
	strs := []string{}
	switch v := value.(type) {
	case idset.IDSet:
		return v.StringWithSeparator(sep)
	case []int:
		for _, i := range v {
			strs = append(strs, strconv.Itoa(i))
		}
	case []uint64:
		for _, u := range v {
			strs = append(strs, strconv.FormatUint(u, 10))
		}
	}
	return strings.Join(strs, sep)
}

func sysfsError(path, format string, args ...interface{}) error {
	if path == "" {
		return fmt.Errorf("sysfs: "+format, args...)
	}
	return fmt.Errorf("sysfs: "+path+": "+format, args...)
}
