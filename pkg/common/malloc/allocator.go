// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package malloc

import (
	"math/bits"
	"strconv"
)

// Address is an opaque handle to an allocated region.
type Address uint64

// NullAddress is returned by every primitive that fails.
const NullAddress Address = 0

func (a Address) String() string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}

// Allocator is the capability set of a pluggable low-level allocator.
//
// Failure is reported by returning NullAddress. Deallocate and Reallocate
// must be called with the size and alignment the region was obtained with;
// what happens otherwise is defined by the implementation.
type Allocator interface {
	Allocate(size, align uint64) Address
	AllocateZeroed(size, align uint64) Address
	Deallocate(addr Address, size, align uint64)
	// Reallocate resizes the region at addr. On failure it returns
	// NullAddress and the old region stays valid.
	Reallocate(addr Address, oldSize, align, newSize uint64) Address
}

// Memory is implemented by allocators whose regions can be accessed as
// byte slices.
type Memory interface {
	// Slice returns the size bytes at addr, or nil if the range is not
	// backed by memory.
	Slice(addr Address, size uint64) []byte
}

// IsValidAlign reports whether align is a non-zero power of two.
func IsValidAlign(align uint64) bool {
	return align != 0 && bits.OnesCount64(align) == 1
}

func alignUp(n, align uint64) (uint64, bool) {
	ret := (n + align - 1) &^ (align - 1)
	return ret, ret >= n
}

const (
	KB = 1 << 10
	MB = 1 << 20
	GB = 1 << 30
)
