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
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/prashantv/gostub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
)

func stubSites(t *testing.T, sites ...malloc.StacktraceID) {
	i := 0
	stubs := gostub.Stub(&captureSite, func() malloc.StacktraceID {
		site := sites[i%len(sites)]
		i++
		return site
	})
	t.Cleanup(stubs.Reset)
}

func TestLiveIsLastWriteWins(t *testing.T) {
	stubSites(t, 0)
	tr := New()
	tr.OnAlloc(16, 8, 0x100)
	tr.OnAlloc(48, 8, 0x100)

	live := tr.LiveAllocations()
	require.Len(t, live, 1)
	assert.Equal(t, uint64(48), live[0].Size)
	assert.Equal(t, uint64(48), tr.Stats().LiveBytes)

	tr.OnDealloc(48, 8, 0x100)
	assert.Empty(t, tr.LiveAllocations())
	assert.Empty(t, tr.InvalidFrees())
}

func TestNullDeallocIsInvalid(t *testing.T) {
	stubSites(t, 0)
	tr := New()
	tr.OnDealloc(0, 8, malloc.NullAddress)
	invalid := tr.InvalidFrees()
	require.Len(t, invalid, 1)
	assert.Equal(t, NeverAllocated, invalid[0].Reason)
}

func TestReallocFromNull(t *testing.T) {
	stubSites(t, 0)
	tr := New()
	tr.OnRealloc(malloc.NullAddress, 0x200, 0, 24, 8)
	live := tr.LiveAllocations()
	require.Len(t, live, 1)
	assert.Equal(t, malloc.Address(0x200), live[0].Address)
	assert.Equal(t, tracealloc.KindRealloc, live[0].Kind)
	assert.Empty(t, tr.InvalidFrees())
}

func TestReallocOfDeadAddress(t *testing.T) {
	stubSites(t, 0)
	tr := New()
	tr.OnRealloc(0x300, 0x400, 16, 32, 8)
	invalid := tr.InvalidFrees()
	require.Len(t, invalid, 1)
	assert.Equal(t, malloc.Address(0x300), invalid[0].Address)
	assert.Equal(t, uint64(16), invalid[0].Size)
	require.Len(t, tr.LiveAllocations(), 1)
}

func TestReallocInPlace(t *testing.T) {
	stubSites(t, 0)
	tr := New()
	tr.OnAlloc(16, 8, 0x100)
	tr.OnRealloc(0x100, 0x100, 16, 8, 8)
	live := tr.LiveAllocations()
	require.Len(t, live, 1)
	assert.Equal(t, uint64(8), live[0].Size)
	assert.Empty(t, tr.InvalidFrees())
}

func TestGroupingBySite(t *testing.T) {
	stubSites(t, 1, 2, 1)
	tr := New()
	tr.OnAlloc(10, 8, 0x10)
	tr.OnAlloc(100, 8, 0x20)
	tr.OnAlloc(30, 8, 0x30)

	table := tr.DumpLiveAllocations(DumpOptions{})
	assert.Equal(t, "Live Allocations", table.KeyLabel)
	assert.Equal(t, "Size (Bytes)", table.ValueLabel)
	assert.Equal(t, float64(140), table.Total)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, Row{Key: malloc.StacktraceID(2).String(), Value: 100, Count: 1}, table.Rows[0])
	assert.Equal(t, Row{Key: malloc.StacktraceID(1).String(), Value: 40, Count: 2}, table.Rows[1])

	counted := tr.DumpLiveAllocations(DumpOptions{
		KeyLabel:   "Site",
		ValueLabel: "Objects",
		Value:      ValueCount,
	})
	assert.Equal(t, "Site", counted.KeyLabel)
	assert.Equal(t, "Objects", counted.ValueLabel)
	assert.Equal(t, float64(3), counted.Total)
	assert.Equal(t, malloc.StacktraceID(1).String(), counted.Rows[0].Key)
}

func TestApplyKeepsSite(t *testing.T) {
	stubSites(t, 7)
	tr := New()
	tr.Apply(tracealloc.Event{Kind: tracealloc.KindAlloc, Size: 8, Align: 8, Address: 0x10, Site: 99})
	tr.Apply(tracealloc.Event{Kind: tracealloc.KindAlloc, Size: 8, Align: 8, Address: 0x20})
	tr.Apply(tracealloc.Event{Kind: tracealloc.Kind(0), Address: 0x30})

	live := tr.LiveAllocations()
	require.Len(t, live, 2)
	assert.Equal(t, malloc.StacktraceID(99), live[0].Site)
	assert.Equal(t, malloc.StacktraceID(7), live[1].Site)
	assert.Equal(t, uint64(2), tr.Stats().Events)
}

func TestWithoutSiteCapture(t *testing.T) {
	stubSites(t, 7)
	tr := New(WithoutSiteCapture())
	tr.OnAlloc(8, 8, 0x10)
	assert.Equal(t, malloc.StacktraceID(0), tr.LiveAllocations()[0].Site)
}

func TestSiteCapture(t *testing.T) {
	stubs := gostub.Stub(&captureSite, func() malloc.StacktraceID {
		// keep this test's frames, they share the tracker's package path
		return malloc.GetStacktraceID(0, func(function string) bool {
			return strings.HasPrefix(function, "github.com/matrixorigin/tracealloc/pkg/tracealloc.") ||
				strings.Contains(function, "(*Tracker)") ||
				strings.Contains(function, "TestSiteCapture.func")
		})
	})
	defer stubs.Reset()

	heap, err := malloc.NewHeapAllocator(malloc.HeapConfig{})
	require.NoError(t, err)
	defer heap.Close()
	tr := New()
	a := tracealloc.NewTracingAllocator(heap, tr)

	a.Allocate(8, 8)
	a.Allocate(16, 8)
	for i := 0; i < 3; i++ {
		a.Allocate(32, 8)
	}

	table := tr.DumpLiveAllocations(DumpOptions{})
	require.Len(t, table.Rows, 3)
	assert.Equal(t, 3, table.Rows[0].Count)
	for _, row := range table.Rows {
		assert.Contains(t, row.Key, "TestSiteCapture")
		assert.NotContains(t, row.Key, "(*TracingAllocator")
	}
}

func TestSelectors(t *testing.T) {
	for _, name := range []string{"site", "address", "size", "align", "kind"} {
		f, err := KeySelector(name)
		require.NoError(t, err)
		assert.NotNil(t, f)
	}
	for _, name := range []string{"bytes", "count"} {
		f, err := ValueSelector(name)
		require.NoError(t, err)
		assert.NotNil(t, f)
	}
	f, err := KeySelector("")
	require.NoError(t, err)
	assert.Nil(t, f)

	_, err = KeySelector("color")
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrUnknownSelector))
	_, err = ValueSelector("weight")
	assert.True(t, moerr.IsMoErrCode(err, moerr.ErrUnknownSelector))

	r := Record{Kind: tracealloc.KindAlloc, Address: 0xff, Size: 24, Align: 16}
	assert.Equal(t, "0xff", KeyByAddress(r))
	assert.Equal(t, "24", KeyBySize(r))
	assert.Equal(t, "16", KeyByAlign(r))
	assert.Equal(t, "alloc", KeyByKind(r))
	assert.Equal(t, float64(24), ValueBytes(r))
	assert.Equal(t, float64(1), ValueCount(r))
}

func TestTableOrderAndRender(t *testing.T) {
	table := buildTable([]Record{
		{Size: 5, Address: 0xb},
		{Size: 5, Address: 0xa},
		{Size: 9, Address: 0xc},
	}, DumpOptions{
		KeyLabel:   "Live Allocations",
		ValueLabel: "Size (Bytes)",
		Key:        KeyByAddress,
		Value:      ValueBytes,
	})
	keys := make([]string, 0, table.Len())
	for _, row := range table.Rows {
		keys = append(keys, row.Key)
	}
	assert.Equal(t, []string{"0xc", "0xa", "0xb"}, keys)

	var buf bytes.Buffer
	n, err := table.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	out := buf.String()
	assert.Contains(t, out, "Live Allocations")
	assert.Contains(t, out, "Size (Bytes)")
	total := strings.Index(out, "<total>")
	first := strings.Index(out, "0xc")
	require.True(t, total >= 0 && first >= 0)
	assert.Less(t, total, first)
	assert.Contains(t, out, "19")
}

func TestStatsAndReset(t *testing.T) {
	stubSites(t, 0)
	tr := New()
	tr.OnAlloc(100, 8, 0x10)
	tr.OnAllocZeroed(50, 8, 0x20)
	tr.OnDealloc(100, 8, 0x10)
	tr.OnRealloc(0x20, 0x30, 50, 70, 8)
	tr.OnAlloc(8, 8, malloc.NullAddress)

	stats := tr.Stats()
	assert.Equal(t, 1, stats.LiveObjects)
	assert.Equal(t, uint64(70), stats.LiveBytes)
	assert.Equal(t, uint64(150), stats.PeakLiveBytes)
	assert.Equal(t, 1, stats.FailedAllocations)
	assert.Equal(t, uint64(5), stats.Events)
	assert.Equal(t, uint64(2), stats.Allocs)
	assert.Equal(t, uint64(1), stats.AllocsZeroed)
	assert.Equal(t, uint64(1), stats.Deallocs)
	assert.Equal(t, uint64(1), stats.Reallocs)

	tr.Reset()
	assert.Equal(t, Stats{}, tr.Stats())
	tr.OnDealloc(8, 8, 0x10)
	assert.Equal(t, NeverAllocated, tr.InvalidFrees()[0].Reason)
}

func TestConcurrentNotifications(t *testing.T) {
	stubSites(t, 0)
	tr := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			base := malloc.Address(g+1) << 32
			for i := 0; i < 1000; i++ {
				addr := base + malloc.Address(i*16)
				tr.OnAlloc(16, 8, addr)
				if i%2 == 0 {
					tr.OnDealloc(16, 8, addr)
				}
			}
		}(g)
	}
	wg.Wait()
	stats := tr.Stats()
	assert.Equal(t, 8*500, stats.LiveObjects)
	assert.Equal(t, uint64(8*500*16), stats.LiveBytes)
	assert.Zero(t, stats.InvalidFrees)
}

func TestHeapProfile(t *testing.T) {
	stubSites(t, 1, 1, 2)
	tr := New()
	tr.OnAlloc(10, 8, 0x10)
	tr.OnAlloc(20, 8, 0x20)
	tr.OnAlloc(40, 8, 0x30)

	var buf bytes.Buffer
	require.NoError(t, tr.WriteHeapProfile(&buf))

	prof, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.NoError(t, prof.CheckValid())
	assert.Equal(t, "inuse_bytes", prof.DefaultSampleType)
	require.Len(t, prof.Sample, 2)

	var objects, inuse int64
	for _, s := range prof.Sample {
		objects += s.Value[0]
		inuse += s.Value[1]
		require.Len(t, s.Location, 1)
		assert.Contains(t, s.Location[0].Line[0].Function.Name, "site:")
	}
	assert.Equal(t, int64(3), objects)
	assert.Equal(t, int64(70), inuse)
}
