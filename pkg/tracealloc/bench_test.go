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

package tracealloc

import (
	"testing"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
)

func newBenchHeap(b *testing.B) *malloc.HeapAllocator {
	h, err := malloc.NewHeapAllocator(malloc.HeapConfig{InitialPages: 16, MaxPages: 64})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		h.Close()
	})
	return h
}

func BenchmarkHeapAllocFree(b *testing.B) {
	h := newBenchHeap(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr := h.Allocate(64, 8)
		h.Deallocate(addr, 64, 8)
	}
}

func BenchmarkTracingNoopAllocFree(b *testing.B) {
	a := NewTracingAllocator(newBenchHeap(b), nil)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr := a.Allocate(64, 8)
		a.Deallocate(addr, 64, 8)
	}
}

func BenchmarkTracingMetricsAllocFree(b *testing.B) {
	a := NewTracingAllocator(newBenchHeap(b), NewMetricsHooks())
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		addr := a.Allocate(64, 8)
		a.Deallocate(addr, 64, 8)
	}
}
