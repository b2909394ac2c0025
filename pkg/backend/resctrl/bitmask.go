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
	"math/bits"
	"strconv"
	"strings"
)

// Bitmask is a cache way bitmask.
type Bitmask uint64

// String returns the bitmask in the hexadecimal schemata format.
func (b Bitmask) String() string {
	return strconv.FormatUint(uint64(b), 16)
}

// ListStr prints the bitmask in human-readable format, similar to e.g. the
// cpuset format of the Linux kernel
func (b Bitmask) ListStr() string {
	str := ""
	sep := ""

	shift := int(0)
	lsbOne := b.lsbOne()

	// Process "ranges of ones"
	for lsbOne != -1 {
		b >>= uint(lsbOne)

		numOnes := b.lsbZero()

		if numOnes == 1 {
			str += sep + strconv.Itoa(lsbOne+shift)
		} else {
			str += sep + strconv.Itoa(lsbOne+shift) + "-" + strconv.Itoa(lsbOne+numOnes-1+shift)
		}

		b >>= uint(numOnes)
		shift += lsbOne + numOnes
		lsbOne = b.lsbOne()

		sep = ","
	}

	return str
}

// ListStrToBitmask parses a string containing a human-readable list of bit
// numbers into a bitmask
func ListStrToBitmask(str string) (Bitmask, error) {
	b := Bitmask(0)

	if len(str) == 0 {
		return b, nil
	}

	for _, ran := range strings.Split(str, ",") {
		split := strings.SplitN(ran, "-", 2)

		bitNum, err := strconv.ParseUint(split[0], 10, 6)
		if err != nil {
			return b, resctrlError("invalid bitmask %q: %v", str, err)
		}

		if len(split) == 1 {
			b |= 1 << bitNum
		} else {
			endNum, err := strconv.ParseUint(split[1], 10, 6)
			if err != nil {
				return b, resctrlError("invalid bitmask %q: %v", str, err)
			}
			if endNum <= bitNum {
				return b, resctrlError("invalid range %q in bitmask %q", ran, str)
			}
			b |= (1<<(endNum-bitNum+1) - 1) << bitNum
		}
	}
	return b, nil
}

// Ways returns the number of ways in the bitmask.
func (b Bitmask) Ways() int {
	return bits.OnesCount64(uint64(b))
}

// Contiguous returns true if the set bits of the bitmask form one range.
func (b Bitmask) Contiguous() bool {
	if b == 0 {
		return true
	}
	shifted := b >> uint(b.lsbOne())
	return shifted&(shifted+1) == 0
}

// Top returns the mask of the n most significant ways of the bitmask.
func (b Bitmask) Top(n int) Bitmask {
	if n <= 0 || n > b.Ways() {
		return 0
	}
	msb := b.msbOne()
	return Bitmask((uint64(1)<<uint(n) - 1) << uint(msb+1-n))
}

func (b Bitmask) lsbOne() int {
	if b == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(b))
}

func (b Bitmask) msbOne() int {
	// Returns -1 for b == 0
	return 63 - bits.LeadingZeros64(uint64(b))
}

func (b Bitmask) lsbZero() int {
	return bits.TrailingZeros64(^uint64(b))
}
