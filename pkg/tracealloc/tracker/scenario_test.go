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

package tracker

import (
	"testing"

	"github.com/prashantv/gostub"
	"github.com/smartystreets/goconvey/convey"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
)

func newTracedHeap(t *testing.T) (*tracealloc.TracingAllocator[*malloc.HeapAllocator], *Tracker) {
	heap, err := malloc.NewHeapAllocator(malloc.HeapConfig{InitialPages: 1, MaxPages: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		heap.Close()
	})
	tr := New()
	return tracealloc.NewTracingAllocator(heap, tr), tr
}

func TestScenarios(t *testing.T) {
	stubs := gostub.Stub(&captureSite, func() malloc.StacktraceID {
		return 0
	})
	defer stubs.Reset()

	convey.Convey("allocate then free", t, func() {
		a, tr := newTracedHeap(t)
		addr := a.Allocate(16, 8)
		convey.So(addr, convey.ShouldNotEqual, malloc.NullAddress)

		live := tr.DumpLiveAllocations(DumpOptions{Key: KeyByAddress})
		convey.So(live.Rows, convey.ShouldHaveLength, 1)
		convey.So(live.Rows[0].Key, convey.ShouldEqual, addr.String())
		convey.So(live.Rows[0].Value, convey.ShouldEqual, float64(16))
		convey.So(live.Total, convey.ShouldEqual, float64(16))

		a.Deallocate(addr, 16, 8)
		live = tr.DumpLiveAllocations(DumpOptions{Key: KeyByAddress})
		convey.So(live.Rows, convey.ShouldBeEmpty)
		convey.So(live.Total, convey.ShouldEqual, float64(0))
		convey.So(tr.DumpInvalidFrees(DumpOptions{}).Rows, convey.ShouldBeEmpty)
	})

	convey.Convey("free of an address never allocated", t, func() {
		a, tr := newTracedHeap(t)
		const x = malloc.Address(0x4000)
		a.Deallocate(x, 8, 8)

		invalid := tr.DumpInvalidFrees(DumpOptions{Key: KeyByAddress})
		convey.So(invalid.KeyLabel, convey.ShouldEqual, "Invalid Free")
		convey.So(invalid.ValueLabel, convey.ShouldEqual, "Count")
		convey.So(invalid.Rows, convey.ShouldHaveLength, 1)
		convey.So(invalid.Rows[0].Key, convey.ShouldEqual, x.String())
		convey.So(invalid.Rows[0].Value, convey.ShouldEqual, float64(1))
		convey.So(tr.InvalidFrees()[0].Reason, convey.ShouldEqual, NeverAllocated)
		convey.So(tr.DumpLiveAllocations(DumpOptions{}).Rows, convey.ShouldBeEmpty)
	})

	convey.Convey("reallocate moves the live entry", t, func() {
		a, tr := newTracedHeap(t)
		addr := a.Allocate(32, 8)
		// keep the neighbour busy so the block has to move
		a.Allocate(32, 8)
		moved := a.Reallocate(addr, 32, 8, 64)
		convey.So(moved, convey.ShouldNotEqual, malloc.NullAddress)
		convey.So(moved, convey.ShouldNotEqual, addr)

		live := tr.DumpLiveAllocations(DumpOptions{Key: KeyByAddress})
		_, ok := live.Lookup(addr.String())
		convey.So(ok, convey.ShouldBeFalse)
		row, ok := live.Lookup(moved.String())
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(row.Value, convey.ShouldEqual, float64(64))
		convey.So(tr.DumpInvalidFrees(DumpOptions{}).Rows, convey.ShouldBeEmpty)
	})

	convey.Convey("double free", t, func() {
		a, tr := newTracedHeap(t)
		addr := a.Allocate(8, 8)
		a.Deallocate(addr, 8, 8)
		a.Deallocate(addr, 8, 8)

		invalid := tr.InvalidFrees()
		convey.So(invalid, convey.ShouldHaveLength, 1)
		convey.So(invalid[0].Reason, convey.ShouldEqual, DoubleFree)
		convey.So(invalid[0].Address, convey.ShouldEqual, addr)

		byKind := tr.DumpInvalidFrees(DumpOptions{Key: KeyByKind})
		convey.So(byKind.Rows[0].Key, convey.ShouldEqual, "dealloc (double free)")
	})

	convey.Convey("failed allocation is not live", t, func() {
		a, tr := newTracedHeap(t)
		addr := a.Allocate(64*malloc.PageSize, 8)
		convey.So(addr, convey.ShouldEqual, malloc.NullAddress)
		convey.So(tr.DumpLiveAllocations(DumpOptions{}).Rows, convey.ShouldBeEmpty)

		failed := tr.DumpFailedAllocations(DumpOptions{Key: KeyByKind})
		convey.So(failed.Rows, convey.ShouldHaveLength, 1)
		convey.So(failed.Rows[0].Value, convey.ShouldEqual, float64(64*malloc.PageSize))
		convey.So(tr.Stats().FailedAllocations, convey.ShouldEqual, 1)
	})

	convey.Convey("failed reallocate keeps the old allocation", t, func() {
		a, tr := newTracedHeap(t)
		addr := a.Allocate(32, 8)
		convey.So(a.Reallocate(addr, 32, 8, 64*malloc.PageSize), convey.ShouldEqual, malloc.NullAddress)

		live := tr.DumpLiveAllocations(DumpOptions{Key: KeyByAddress})
		row, ok := live.Lookup(addr.String())
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(row.Value, convey.ShouldEqual, float64(32))
		convey.So(tr.FailedAllocations(), convey.ShouldHaveLength, 1)
		convey.So(tr.FailedAllocations()[0].Kind, convey.ShouldEqual, tracealloc.KindRealloc)
	})
}
