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

// Package resctrl partitions the last-level cache for the GPU through the
// Linux resctrl filesystem.
package resctrl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/intel/gpu-dvfs/pkg/dvfs/hw"
	logger "github.com/intel/gpu-dvfs/pkg/log"
)

const (
	// DefaultMountsFile is the file resctrl mounts are discovered from.
	DefaultMountsFile = "/proc/mounts"
	// DefaultGroupPrefix is the default prefix of partition group names.
	DefaultGroupPrefix = "gpu-dvfs"
)

var log = logger.NewLogger("resctrl")

// Options configures a Partition.
type Options struct {
	// Path is the resctrl mount point, discovered from MountsFile if empty.
	Path string
	// MountsFile lists the mounted filesystems.
	MountsFile string
	// GroupPrefix prefixes the control group of each region.
	GroupPrefix string
	// Ways restricts the usable ways, in list format (e.g. '8-11').
	Ways string
}

// Partition implements hw.CachePartition with one resctrl control group
// per region. A partition is always carved from the most significant
// usable ways.
type Partition struct {
	sync.Mutex
	info   info
	prefix string
	ways   Bitmask
	active map[int]int
}

// New discovers the resctrl filesystem and creates a cache partition service.
func New(opts Options) (*Partition, error) {
	if opts.MountsFile == "" {
		opts.MountsFile = DefaultMountsFile
	}
	if opts.GroupPrefix == "" {
		opts.GroupPrefix = DefaultGroupPrefix
	}

	info, err := getInfo(opts.Path, opts.MountsFile)
	if err != nil {
		return nil, err
	}

	ways := info.cbmMask
	if opts.Ways != "" {
		mask, err := ListStrToBitmask(opts.Ways)
		if err != nil {
			return nil, err
		}
		if mask&^info.cbmMask != 0 {
			return nil, resctrlError("ways %s not within cbm_mask %s", mask.ListStr(), info.cbmMask.ListStr())
		}
		ways = mask
	}
	if !ways.Contiguous() {
		return nil, resctrlError("usable ways %s are not contiguous", ways.ListStr())
	}

	p := &Partition{
		info:   info,
		prefix: opts.GroupPrefix,
		ways:   ways,
		active: make(map[int]int),
	}

	log.Info("LLC ways %s usable, %d cache ids, %d closids",
		ways.ListStr(), info.cacheIds.Size(), info.numClosids)

	return p, nil
}

// Allocate implements hw.CachePartition.
func (p *Partition) Allocate(region int, enable bool, ways int) error {
	p.Lock()
	defer p.Unlock()

	if !enable {
		return p.deallocate(region)
	}

	if cur, ok := p.active[region]; ok {
		if cur == ways {
			return nil
		}
		return resctrlError("region %d: cannot resize partition from %d to %d ways", region, cur, ways)
	}
	if ways < 1 || uint64(ways) < p.info.minCbmBits || ways > p.ways.Ways() {
		return resctrlError("region %d: invalid number of ways %d (min %d, max %d)",
			region, ways, p.info.minCbmBits, p.ways.Ways())
	}

	group := p.groupPath(region)
	if err := os.Mkdir(group, 0755); err != nil && !os.IsExist(err) {
		return resctrlError("region %d: failed to create group: %v", region, err)
	}

	mask := p.ways.Top(ways)
	schemata := p.schemata(mask)
	log.Debug("writing schemata %q to %q", schemata, group)
	if err := os.WriteFile(filepath.Join(group, "schemata"), []byte(schemata), 0644); err != nil {
		err = p.cmdError(err)
		if rmErr := os.RemoveAll(group); rmErr != nil {
			log.Warn("region %d: failed to remove group: %v", region, rmErr)
		}
		return resctrlError("region %d: failed to allocate ways %s: %v", region, mask.ListStr(), err)
	}

	p.active[region] = ways
	log.Info("region %d: allocated LLC ways %s", region, mask.ListStr())
	return nil
}

func (p *Partition) deallocate(region int) error {
	if err := os.RemoveAll(p.groupPath(region)); err != nil {
		return resctrlError("region %d: failed to release partition: %v", region, err)
	}
	if _, ok := p.active[region]; ok {
		log.Info("region %d: released LLC ways", region)
	}
	delete(p.active, region)
	return nil
}

// Allocated returns the number of ways allocated for a region.
func (p *Partition) Allocated(region int) int {
	p.Lock()
	defer p.Unlock()
	return p.active[region]
}

func (p *Partition) groupPath(region int) string {
	return filepath.Join(p.info.resctrlPath, fmt.Sprintf("%s.%d", p.prefix, region))
}

// schemata returns the L3 schemata allocating mask on every cache id.
func (p *Partition) schemata(mask Bitmask) string {
	entries := []string{}
	for _, id := range p.info.cacheIds.SortedMembers() {
		entries = append(entries, fmt.Sprintf("%d=%s", id, mask))
	}
	line := strings.Join(entries, ";")

	if p.info.cdp {
		return "L3CODE:" + line + "\nL3DATA:" + line + "\n"
	}
	return "L3:" + line + "\n"
}

func (p *Partition) cmdError(origErr error) error {
	status, err := readFileString(filepath.Join(p.info.resctrlPath, "info", "last_cmd_status"))
	if err != nil {
		return origErr
	}
	if len(status) > 0 && status != "ok" {
		return fmt.Errorf("%s", status)
	}
	return origErr
}

var _ hw.CachePartition = &Partition{}

func resctrlError(format string, args ...interface{}) error {
	return fmt.Errorf("resctrl: "+format, args...)
}
