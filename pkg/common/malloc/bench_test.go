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
	"testing"
)

func BenchmarkHeapAllocFree(b *testing.B) {
	h, err := NewHeapAllocator(HeapConfig{InitialPages: 16, MaxPages: 64})
	if err != nil {
		b.Fatal(err)
	}
	defer h.Close()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr := h.Allocate(4096, 8)
		h.Deallocate(addr, 4096, 8)
	}
}

func BenchmarkHeapAllocFreeSizes(b *testing.B) {
	h, err := NewHeapAllocator(HeapConfig{InitialPages: 16, MaxPages: 64})
	if err != nil {
		b.Fatal(err)
	}
	defer h.Close()
	var addrs [16]Address
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		slot := i % len(addrs)
		if addrs[slot] != NullAddress {
			h.Deallocate(addrs[slot], 0, 8)
		}
		addrs[slot] = h.Allocate(uint64(i%65536), 8)
	}
}

func BenchmarkGoAllocFree(b *testing.B) {
	g := NewGoAllocator(64 * MB)
	for i := 0; i < b.N; i++ {
		addr := g.Allocate(4096, 8)
		g.Deallocate(addr, 4096, 8)
	}
}

func BenchmarkParallelGoAllocFree(b *testing.B) {
	g := NewGoAllocator(64 * MB)
	b.RunParallel(func(pb *testing.PB) {
		for size := uint64(1); pb.Next(); size++ {
			addr := g.Allocate(size%65536, 8)
			g.Deallocate(addr, size%65536, 8)
		}
	})
}
