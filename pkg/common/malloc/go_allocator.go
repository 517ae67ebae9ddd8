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
	"sync"
	"sync/atomic"
	"unsafe"
)

// GoAllocator hands out buffers from the Go heap. Addresses are real
// pointers; every live buffer is pinned in a map until it is freed.
// Freed buffers are kept per size class for reuse.
type GoAllocator struct {
	classSizes []uint64
	pools      []goAllocatorPool

	mu     sync.Mutex
	pinned map[Address]goAllocatorHandle
}

type goAllocatorPool struct {
	numAlloc atomic.Int64
	numFree  atomic.Int64
	ch       chan []byte
}

type goAllocatorHandle struct {
	buf    []byte
	offset uint64
	class  int
}

func (h goAllocatorHandle) bytes() []byte {
	return h.buf[h.offset:]
}

type GoAllocatorStats struct {
	Pinned   int
	Reused   int64
	Recycled int64
}

// MaxGoAllocation bounds a single GoAllocator request, size and alignment
// alike, to the same 4GiB a LinearMemory can address.
const MaxGoAllocation = MaxPages * PageSize

var _ Allocator = new(GoAllocator)
var _ Memory = new(GoAllocator)

func NewGoAllocator(maxBufferSize uint64) *GoAllocator {
	const (
		minClassSize    = 128
		maxClassSize    = 8 * (1 << 20)
		classSizeFactor = 1.8
	)

	classSizes := func() (ret []uint64) {
		for size := uint64(minClassSize); size <= maxClassSize; size = uint64(float64(size) * classSizeFactor) {
			ret = append(ret, size)
		}
		return
	}()

	classSumSize := func() (ret uint64) {
		for _, size := range classSizes {
			ret += size
		}
		return
	}()

	bufferedObjectsPerClass := int(maxBufferSize / classSumSize)

	pools := make([]goAllocatorPool, len(classSizes))
	for i := range pools {
		pools[i].ch = make(chan []byte, bufferedObjectsPerClass)
	}

	return &GoAllocator{
		classSizes: classSizes,
		pools:      pools,
		pinned:     make(map[Address]goAllocatorHandle),
	}
}

func (g *GoAllocator) requestSizeToClass(size uint64) int {
	for class, classSize := range g.classSizes {
		if classSize >= size {
			return class
		}
	}
	return -1
}

func (g *GoAllocator) Allocate(size, align uint64) Address {
	return g.allocate(size, align, false)
}

func (g *GoAllocator) AllocateZeroed(size, align uint64) Address {
	return g.allocate(size, align, true)
}

func (g *GoAllocator) allocate(size, align uint64, zeroed bool) Address {
	if !IsValidAlign(align) || size > MaxGoAllocation || align > MaxGoAllocation {
		return NullAddress
	}
	total := max(size, 1) + align - 1

	var buf []byte
	class := g.requestSizeToClass(total)
	if class >= 0 {
		select {
		case buf = <-g.pools[class].ch:
			g.pools[class].numAlloc.Add(1)
			if zeroed {
				clear(buf)
			}
		default:
			buf = make([]byte, g.classSizes[class])
		}
	} else {
		buf = make([]byte, total)
	}

	base := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	aligned, _ := alignUp(base, align)
	addr := Address(aligned)

	g.mu.Lock()
	g.pinned[addr] = goAllocatorHandle{
		buf:    buf,
		offset: aligned - base,
		class:  class,
	}
	g.mu.Unlock()
	return addr
}

func (g *GoAllocator) Deallocate(addr Address, _, _ uint64) {
	g.mu.Lock()
	handle, ok := g.pinned[addr]
	delete(g.pinned, addr)
	g.mu.Unlock()
	if !ok || handle.class < 0 {
		return
	}
	select {
	case g.pools[handle.class].ch <- handle.buf:
		g.pools[handle.class].numFree.Add(1)
	default:
	}
}

func (g *GoAllocator) Reallocate(addr Address, oldSize, align, newSize uint64) Address {
	if addr == NullAddress {
		return g.Allocate(newSize, align)
	}
	g.mu.Lock()
	old, ok := g.pinned[addr]
	g.mu.Unlock()
	if !ok {
		return NullAddress
	}
	if uint64(len(old.bytes())) >= newSize {
		return addr
	}
	newAddr := g.Allocate(newSize, align)
	if newAddr == NullAddress {
		return NullAddress
	}
	copy(g.Slice(newAddr, newSize), old.bytes()[:min(oldSize, uint64(len(old.bytes())))])
	g.Deallocate(addr, oldSize, align)
	return newAddr
}

func (g *GoAllocator) Slice(addr Address, size uint64) []byte {
	g.mu.Lock()
	handle, ok := g.pinned[addr]
	g.mu.Unlock()
	if !ok || size > uint64(len(handle.bytes())) {
		return nil
	}
	return handle.bytes()[:size:size]
}

func (g *GoAllocator) Stats() GoAllocatorStats {
	g.mu.Lock()
	ret := GoAllocatorStats{
		Pinned: len(g.pinned),
	}
	g.mu.Unlock()
	for i := range g.pools {
		ret.Reused += g.pools[i].numAlloc.Load()
		ret.Recycled += g.pools[i].numFree.Load()
	}
	return ret
}
