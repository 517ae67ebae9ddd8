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
	"context"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/logutil"
)

// InvalidFreePolicy decides what HeapAllocator does with a free of an
// address it did not hand out.
type InvalidFreePolicy string

const (
	InvalidFreeIgnore InvalidFreePolicy = "ignore"
	InvalidFreePanic  InvalidFreePolicy = "panic"
)

type HeapConfig struct {
	InitialPages uint32            `toml:"initial-pages"`
	MaxPages     uint32            `toml:"max-pages"`
	InvalidFree  InvalidFreePolicy `toml:"invalid-free"`
}

const (
	defaultInitialPages = 1
	defaultMaxPages     = 16384
)

func (c *HeapConfig) SetDefaultValues() {
	if c.MaxPages == 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.InitialPages == 0 {
		c.InitialPages = min(defaultInitialPages, c.MaxPages)
	}
	if c.InvalidFree == "" {
		c.InvalidFree = InvalidFreeIgnore
	}
}

func (c *HeapConfig) Validate() error {
	if c.MaxPages == 0 || c.MaxPages > MaxPages {
		return moerr.NewBadConfig(context.TODO(), "heap max-pages must be in [1, %d], got %d", MaxPages, c.MaxPages)
	}
	if c.InitialPages > c.MaxPages {
		return moerr.NewBadConfig(context.TODO(), "heap initial-pages %d exceeds max-pages %d", c.InitialPages, c.MaxPages)
	}
	switch c.InvalidFree {
	case InvalidFreeIgnore, InvalidFreePanic:
	default:
		return moerr.NewBadConfig(context.TODO(), "heap invalid-free must be ignore or panic, got %q", c.InvalidFree)
	}
	return nil
}

const (
	// every block is a multiple of granule and starts on a granule boundary
	granule = 8
	// address 0 is the null sentinel, so the heap starts above it
	heapBase = 16
)

type freeBlock struct {
	addr uint64
	size uint64
}

func lessFreeBlock(a, b freeBlock) bool {
	return a.addr < b.addr
}

// HeapAllocator is a first-fit allocator over a LinearMemory. Free blocks
// are indexed by address and coalesced on free. It is not safe for
// concurrent use.
type HeapAllocator struct {
	mem    *LinearMemory
	policy InvalidFreePolicy
	logger *zap.Logger

	free *btree.BTreeG[freeBlock]
	live map[Address]uint64 // reserved size of every handed out block

	freeBytes    uint64
	inuseBytes   uint64
	inuseObjects uint64
	peak         *PeakInuseTracker
}

type HeapStats struct {
	Pages        uint32
	MaxPages     uint32
	InuseBytes   uint64
	InuseObjects uint64
	PeakInuse    uint64
	FreeBytes    uint64
	FreeBlocks   int
}

var _ Allocator = new(HeapAllocator)
var _ Memory = new(HeapAllocator)

func NewHeapAllocator(cfg HeapConfig) (*HeapAllocator, error) {
	cfg.SetDefaultValues()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mem, err := NewLinearMemory(cfg.InitialPages, cfg.MaxPages)
	if err != nil {
		return nil, err
	}
	ret := &HeapAllocator{
		mem:    mem,
		policy: cfg.InvalidFree,
		logger: logutil.GetGlobalLogger().Named("heap"),
		free:   btree.NewG(8, lessFreeBlock),
		live:   make(map[Address]uint64),
		peak:   NewPeakInuseTracker(),
	}
	if size := mem.Size(); size > heapBase {
		ret.insertFree(heapBase, size-heapBase)
	}
	return ret, nil
}

func (h *HeapAllocator) Allocate(size, align uint64) Address {
	return h.allocate(size, align)
}

func (h *HeapAllocator) AllocateZeroed(size, align uint64) Address {
	addr := h.allocate(size, align)
	if addr != NullAddress {
		clear(h.mem.Slice(addr, size))
	}
	return addr
}

func (h *HeapAllocator) Deallocate(addr Address, size, align uint64) {
	reserved, ok := h.live[addr]
	if !ok {
		h.invalidFree(addr, size, align)
		return
	}
	h.release(addr, reserved)
}

func (h *HeapAllocator) Reallocate(addr Address, oldSize, align, newSize uint64) Address {
	if addr == NullAddress {
		return h.allocate(newSize, align)
	}
	reserved, ok := h.live[addr]
	if !ok || !IsValidAlign(align) {
		return NullAddress
	}
	need, ok := blockSize(newSize)
	if !ok {
		return NullAddress
	}

	// shrink in place
	if need <= reserved {
		if tail := reserved - need; tail > 0 {
			h.live[addr] = need
			h.inuseBytes -= tail
			h.insertFree(uint64(addr)+need, tail)
		}
		return addr
	}

	// grow in place into the following free block
	end := uint64(addr) + reserved
	if next, ok := h.free.Get(freeBlock{addr: end}); ok && reserved+next.size >= need {
		extra := need - reserved
		h.free.Delete(next)
		h.freeBytes -= next.size
		if rest := next.size - extra; rest > 0 {
			h.free.ReplaceOrInsert(freeBlock{addr: end + extra, size: rest})
			h.freeBytes += rest
		}
		h.live[addr] = need
		h.inuseBytes += extra
		h.peak.Update(h.inuseBytes)
		return addr
	}

	// move
	newAddr := h.allocate(newSize, align)
	if newAddr == NullAddress {
		return NullAddress
	}
	n := min(reserved, need)
	copy(h.mem.Slice(newAddr, n), h.mem.Slice(addr, n))
	h.release(addr, reserved)
	return newAddr
}

func (h *HeapAllocator) Slice(addr Address, size uint64) []byte {
	return h.mem.Slice(addr, size)
}

// Reserved returns the size of the block at addr, rounded up to the
// granule, and whether addr is currently allocated.
func (h *HeapAllocator) Reserved(addr Address) (uint64, bool) {
	size, ok := h.live[addr]
	return size, ok
}

func (h *HeapAllocator) Stats() HeapStats {
	peak, _ := h.peak.Peak()
	return HeapStats{
		Pages:        h.mem.Pages(),
		MaxPages:     h.mem.MaxPages(),
		InuseBytes:   h.inuseBytes,
		InuseObjects: h.inuseObjects,
		PeakInuse:    peak,
		FreeBytes:    h.freeBytes,
		FreeBlocks:   h.free.Len(),
	}
}

func (h *HeapAllocator) Close() error {
	h.free.Clear(false)
	h.live = nil
	return h.mem.Close()
}

func blockSize(size uint64) (uint64, bool) {
	return alignUp(max(size, granule), granule)
}

func (h *HeapAllocator) allocate(size, align uint64) Address {
	if !IsValidAlign(align) {
		return NullAddress
	}
	align = max(align, granule)
	limit := uint64(h.mem.MaxPages()) * PageSize
	if align >= limit {
		return NullAddress
	}
	need, ok := blockSize(size)
	if !ok || need > limit {
		return NullAddress
	}

	if addr, ok := h.firstFit(need, align); ok {
		return addr
	}
	if !h.grow(need + align) {
		return NullAddress
	}
	addr, _ := h.firstFit(need, align)
	return addr
}

func (h *HeapAllocator) firstFit(need, align uint64) (Address, bool) {
	var found freeBlock
	var start uint64
	ok := false
	h.free.Ascend(func(b freeBlock) bool {
		s, valid := alignUp(b.addr, align)
		end := b.addr + b.size
		if !valid || s >= end || end-s < need {
			return true
		}
		found, start, ok = b, s, true
		return false
	})
	if !ok {
		return NullAddress, false
	}

	h.free.Delete(found)
	if lead := start - found.addr; lead > 0 {
		h.free.ReplaceOrInsert(freeBlock{addr: found.addr, size: lead})
	}
	if tail := found.addr + found.size - (start + need); tail > 0 {
		h.free.ReplaceOrInsert(freeBlock{addr: start + need, size: tail})
	}
	h.freeBytes -= need

	addr := Address(start)
	h.live[addr] = need
	h.inuseBytes += need
	h.inuseObjects++
	h.peak.Update(h.inuseBytes)
	return addr, true
}

// grow commits enough whole pages to hold at least n more bytes.
func (h *HeapAllocator) grow(n uint64) bool {
	// a free block at the end of memory merges with the new pages
	if last, ok := h.free.Max(); ok && last.addr+last.size == h.mem.Size() {
		n -= min(n, last.size)
	}
	delta := max((n+PageSize-1)/PageSize, 1)
	if delta > uint64(h.mem.MaxPages()) {
		return false
	}
	old, ok := h.mem.Grow(uint32(delta))
	if !ok {
		h.logger.Debug("heap exhausted",
			zap.Uint32("pages", old),
			zap.Uint64("request", n),
		)
		return false
	}
	start := max(uint64(old)*PageSize, heapBase)
	h.insertFree(start, h.mem.Size()-start)
	return true
}

func (h *HeapAllocator) release(addr Address, reserved uint64) {
	delete(h.live, addr)
	h.inuseBytes -= reserved
	h.inuseObjects--
	h.insertFree(uint64(addr), reserved)
}

func (h *HeapAllocator) insertFree(addr, size uint64) {
	h.freeBytes += size

	var prev freeBlock
	hasPrev := false
	h.free.DescendLessOrEqual(freeBlock{addr: addr}, func(b freeBlock) bool {
		prev, hasPrev = b, true
		return false
	})
	if hasPrev && prev.addr+prev.size == addr {
		h.free.Delete(prev)
		addr = prev.addr
		size += prev.size
	}
	if next, ok := h.free.Get(freeBlock{addr: addr + size}); ok {
		h.free.Delete(next)
		size += next.size
	}
	h.free.ReplaceOrInsert(freeBlock{addr: addr, size: size})
}

func (h *HeapAllocator) invalidFree(addr Address, size, align uint64) {
	if h.policy == InvalidFreePanic {
		panic(moerr.NewInternalErrorNoCtx("invalid free of %s, size %d, align %d", addr, size, align))
	}
	h.logger.Debug("ignore invalid free",
		zap.Stringer("address", addr),
		zap.Uint64("size", size),
		zap.Uint64("align", align),
	)
}
