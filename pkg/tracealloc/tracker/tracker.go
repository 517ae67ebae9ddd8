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
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
)

var captureSite = func() malloc.StacktraceID {
	return malloc.StacktraceID(tracealloc.CaptureSite())
}

// Tracker is an in-process observer. It keeps the set of live
// allocations, every invalid free and every failed allocation, and
// answers dump queries over them. It is safe for concurrent use.
type Tracker struct {
	captureSites bool

	mu      sync.Mutex
	seq     uint64
	live    map[malloc.Address]*Record
	ever    *roaring64.Bitmap
	invalid []Record
	failed  []Record

	liveBytes uint64
	peak      *malloc.PeakInuseTracker
	counts    [tracealloc.KindRealloc + 1]uint64
}

type Option func(*Tracker)

// WithoutSiteCapture disables call-site capture for notifications that
// arrive through Hooks. Events passed to Apply keep their own site.
func WithoutSiteCapture() Option {
	return func(t *Tracker) {
		t.captureSites = false
	}
}

var _ tracealloc.Hooks = new(Tracker)
var _ tracealloc.EventSink = new(Tracker)

func New(opts ...Option) *Tracker {
	t := &Tracker{
		captureSites: true,
		live:         make(map[malloc.Address]*Record),
		ever:         roaring64.New(),
		peak:         malloc.NewPeakInuseTracker(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) site() malloc.StacktraceID {
	if !t.captureSites {
		return 0
	}
	return captureSite()
}

func (t *Tracker) OnAlloc(size, align uint64, addr malloc.Address) {
	t.apply(tracealloc.Event{Kind: tracealloc.KindAlloc, Size: size, Align: align, Address: addr}, t.site())
}

func (t *Tracker) OnAllocZeroed(size, align uint64, addr malloc.Address) {
	t.apply(tracealloc.Event{Kind: tracealloc.KindAllocZeroed, Size: size, Align: align, Address: addr}, t.site())
}

func (t *Tracker) OnDealloc(size, align uint64, addr malloc.Address) {
	t.apply(tracealloc.Event{Kind: tracealloc.KindDealloc, Size: size, Align: align, Address: addr}, t.site())
}

func (t *Tracker) OnRealloc(oldAddr, newAddr malloc.Address, oldSize, newSize, align uint64) {
	t.apply(tracealloc.Event{
		Kind:       tracealloc.KindRealloc,
		Size:       newSize,
		Align:      align,
		Address:    newAddr,
		OldAddress: oldAddr,
		OldSize:    oldSize,
	}, t.site())
}

// Apply records an event that was built elsewhere, for example decoded
// from a trace. A zero Site is captured from the current stack.
func (t *Tracker) Apply(e tracealloc.Event) {
	site := malloc.StacktraceID(e.Site)
	if site == 0 {
		site = t.site()
	}
	t.apply(e, site)
}

func (t *Tracker) apply(e tracealloc.Event, site malloc.StacktraceID) {
	if !e.Kind.Valid() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	t.counts[e.Kind]++
	rec := Record{
		Kind:    e.Kind,
		Address: e.Address,
		Size:    e.Size,
		Align:   e.Align,
		Site:    site,
		Seq:     t.seq,
	}

	switch e.Kind {
	case tracealloc.KindAlloc, tracealloc.KindAllocZeroed:
		t.allocLocked(rec)

	case tracealloc.KindDealloc:
		t.deallocLocked(rec)

	case tracealloc.KindRealloc:
		if e.Address == malloc.NullAddress {
			// the old region stays valid
			t.failed = append(t.failed, rec)
			return
		}
		if e.OldAddress != malloc.NullAddress {
			t.deallocLocked(Record{
				Kind:    e.Kind,
				Address: e.OldAddress,
				Size:    e.OldSize,
				Align:   e.Align,
				Site:    site,
				Seq:     t.seq,
			})
		}
		t.allocLocked(rec)
	}
}

func (t *Tracker) allocLocked(rec Record) {
	if rec.Address == malloc.NullAddress {
		t.failed = append(t.failed, rec)
		return
	}
	if prev, ok := t.live[rec.Address]; ok {
		t.liveBytes -= prev.Size
	}
	r := rec
	t.live[rec.Address] = &r
	t.ever.Add(uint64(rec.Address))
	t.liveBytes += rec.Size
	t.peak.Update(t.liveBytes)
}

func (t *Tracker) deallocLocked(rec Record) {
	if prev, ok := t.live[rec.Address]; ok {
		delete(t.live, rec.Address)
		t.liveBytes -= prev.Size
		return
	}
	rec.Reason = NeverAllocated
	if rec.Address != malloc.NullAddress && t.ever.Contains(uint64(rec.Address)) {
		rec.Reason = DoubleFree
	}
	t.invalid = append(t.invalid, rec)
}

// LiveAllocations returns the live records ordered by address.
func (t *Tracker) LiveAllocations() []Record {
	t.mu.Lock()
	ret := make([]Record, 0, len(t.live))
	for _, r := range t.live {
		ret = append(ret, *r)
	}
	t.mu.Unlock()
	sortByAddress(ret)
	return ret
}

func (t *Tracker) InvalidFrees() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.invalid...)
}

func (t *Tracker) FailedAllocations() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.failed...)
}

// DumpLiveAllocations groups the allocations that have not been freed.
// By default they are keyed by call site and valued by size.
func (t *Tracker) DumpLiveAllocations(opts DumpOptions) Table {
	return buildTable(t.LiveAllocations(), opts.withDefaults(liveDefaults))
}

// DumpInvalidFrees groups the deallocations of addresses that were not
// live. By default they are keyed by call site and counted.
func (t *Tracker) DumpInvalidFrees(opts DumpOptions) Table {
	return buildTable(t.InvalidFrees(), opts.withDefaults(invalidDefaults))
}

// DumpFailedAllocations groups the allocations that returned the null
// address.
func (t *Tracker) DumpFailedAllocations(opts DumpOptions) Table {
	return buildTable(t.FailedAllocations(), opts.withDefaults(failedDefaults))
}

type Stats struct {
	LiveObjects       int
	LiveBytes         uint64
	PeakLiveBytes     uint64
	PeakAt            time.Time
	InvalidFrees      int
	FailedAllocations int
	Events            uint64
	Allocs            uint64
	AllocsZeroed      uint64
	Deallocs          uint64
	Reallocs          uint64
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	peak, at := t.peak.Peak()
	return Stats{
		LiveObjects:       len(t.live),
		LiveBytes:         t.liveBytes,
		PeakLiveBytes:     peak,
		PeakAt:            at,
		InvalidFrees:      len(t.invalid),
		FailedAllocations: len(t.failed),
		Events:            t.seq,
		Allocs:            t.counts[tracealloc.KindAlloc],
		AllocsZeroed:      t.counts[tracealloc.KindAllocZeroed],
		Deallocs:          t.counts[tracealloc.KindDealloc],
		Reallocs:          t.counts[tracealloc.KindRealloc],
	}
}

// Reset forgets everything recorded so far.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq = 0
	t.counts = [tracealloc.KindRealloc + 1]uint64{}
	t.live = make(map[malloc.Address]*Record)
	t.ever.Clear()
	t.invalid = nil
	t.failed = nil
	t.liveBytes = 0
	t.peak.Reset()
}
