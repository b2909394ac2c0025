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

package resctrl

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"
)

// info contains the L3 allocation capabilities of the system.
type info struct {
	resctrlPath string
	numClosids  uint64
	cacheIds    idset.IDSet
	// true if code and data are partitioned separately
	cdp        bool
	cbmMask    Bitmask
	minCbmBits uint64
}

func getInfo(resctrlPath, mountsFile string) (info, error) {
	var err error
	info := info{resctrlPath: resctrlPath}

	if info.resctrlPath == "" {
		info.resctrlPath, err = getResctrlMountPath(mountsFile)
		if err != nil {
			return info, resctrlError("failed to detect resctrl mount point: %v", err)
		}
	}
	log.Info("using resctrl filesystem at %q", info.resctrlPath)

	infopath := filepath.Join(info.resctrlPath, "info")
	if _, err := os.Stat(infopath); err != nil {
		return info, resctrlError("failed to read RDT info from %q: %v", infopath, err)
	}

	l3path := filepath.Join(infopath, "L3")
	if _, err = os.Stat(l3path); err != nil {
		l3path = filepath.Join(infopath, "L3CODE")
		if _, err = os.Stat(l3path); err != nil {
			return info, resctrlError("L3 cache allocation not supported")
		}
		info.cdp = true
	}

	if info.cbmMask, err = readFileBitmask(filepath.Join(l3path, "cbm_mask")); err != nil {
		return info, resctrlError("failed to get cbm_mask from %q: %v", l3path, err)
	}
	if info.minCbmBits, err = readFileUint64(filepath.Join(l3path, "min_cbm_bits")); err != nil {
		return info, resctrlError("failed to get min_cbm_bits from %q: %v", l3path, err)
	}
	if info.numClosids, err = readFileUint64(filepath.Join(l3path, "num_closids")); err != nil {
		return info, resctrlError("failed to get num_closids from %q: %v", l3path, err)
	}

	if info.cacheIds, err = getCacheIds(info.resctrlPath); err != nil {
		return info, err
	}

	return info, nil
}

func getCacheIds(basepath string) (idset.IDSet, error) {
	ids := idset.NewIDSet()

	data, err := readFileString(filepath.Join(basepath, "schemata"))
	if err != nil {
		return ids, resctrlError("failed to read root schemata: %v", err)
	}

	for _, line := range strings.Split(data, "\n") {
		trimmed := strings.TrimSpace(line)
		split := strings.SplitN(trimmed, ":", 2)
		if len(split) != 2 || !strings.HasPrefix(split[0], "L3") {
			continue
		}

		for _, definition := range strings.Split(split[1], ";") {
			kv := strings.Split(definition, "=")
			if len(kv) != 2 {
				return ids, resctrlError("looks like an invalid L3 %q", trimmed)
			}
			id, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 32)
			if err != nil {
				return ids, resctrlError("failed to parse cache id in %q: %v", trimmed, err)
			}
			ids.Add(idset.ID(id))
		}
		return ids, nil
	}
	return ids, resctrlError("no L3 resources in root schemata")
}

func getResctrlMountPath(mountsFile string) (string, error) {
	f, err := os.Open(mountsFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		split := strings.Split(s.Text(), " ")
		if len(split) > 3 && split[2] == "resctrl" {
			return split[1], nil
		}
	}
	return "", resctrlError("resctrl not found in %s", mountsFile)
}

func readFileUint64(path string) (uint64, error) {
	data, err := readFileString(path)
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(data, 10, 64)
}

func readFileBitmask(path string) (Bitmask, error) {
	data, err := readFileString(path)
	if err != nil {
		return 0, err
	}

	value, err := strconv.ParseUint(data, 16, 64)
	return Bitmask(value), err
}

func readFileString(path string) (string, error) {
	data, err := os.ReadFile(path)
	return strings.TrimSpace(string(data)), err
}
