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
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
)

func heapSampleTypes() []*profile.ValueType {
	return []*profile.ValueType{
		{
			Type: "inuse_objects",
			Unit: "object",
		},
		{
			Type: "inuse_bytes",
			Unit: "bytes",
		},
	}
}

// HeapProfile builds a pprof heap profile of the live allocations, one
// sample per call site.
func (t *Tracker) HeapProfile() *profile.Profile {
	records := t.LiveAllocations()

	prof := &profile.Profile{
		SampleType:        heapSampleTypes(),
		DefaultSampleType: "inuse_bytes",
		PeriodType: &profile.ValueType{
			Type: "space",
			Unit: "bytes",
		},
		Period:    1,
		TimeNanos: time.Now().UnixNano(),
	}

	b := newProfileBuilder(prof)
	samples := make(map[malloc.StacktraceID]*profile.Sample)
	for _, r := range records {
		sample, ok := samples[r.Site]
		if !ok {
			sample = &profile.Sample{
				Location: b.locations(r.Site),
				Value:    make([]int64, 2),
				Label: map[string][]string{
					"site": {siteLabel(r.Site)},
				},
			}
			samples[r.Site] = sample
			prof.Sample = append(prof.Sample, sample)
		}
		sample.Value[0]++
		sample.Value[1] += int64(r.Size)
	}
	return prof
}

// WriteHeapProfile writes the live allocations as a gzipped pprof heap
// profile.
func (t *Tracker) WriteHeapProfile(w io.Writer) error {
	return t.HeapProfile().Write(w)
}

func siteLabel(site malloc.StacktraceID) string {
	return fmt.Sprintf("%016x", uint64(site))
}

type functionKey struct {
	name string
	file string
}

type locationKey struct {
	function functionKey
	line     int64
}

type profileBuilder struct {
	prof      *profile.Profile
	functions map[functionKey]*profile.Function
	locs      map[locationKey]*profile.Location
}

func newProfileBuilder(prof *profile.Profile) *profileBuilder {
	return &profileBuilder{
		prof:      prof,
		functions: make(map[functionKey]*profile.Function),
		locs:      make(map[locationKey]*profile.Location),
	}
}

func (b *profileBuilder) location(name, file string, line int64) *profile.Location {
	fk := functionKey{name: name, file: file}
	lk := locationKey{function: fk, line: line}
	if loc, ok := b.locs[lk]; ok {
		return loc
	}
	fn, ok := b.functions[fk]
	if !ok {
		fn = &profile.Function{
			ID:         uint64(len(b.prof.Function) + 1),
			Name:       name,
			SystemName: name,
			Filename:   file,
		}
		b.functions[fk] = fn
		b.prof.Function = append(b.prof.Function, fn)
	}
	loc := &profile.Location{
		ID: uint64(len(b.prof.Location) + 1),
		Line: []profile.Line{
			{
				Function: fn,
				Line:     line,
			},
		},
	}
	b.locs[lk] = loc
	b.prof.Location = append(b.prof.Location, loc)
	return loc
}

// locations resolves a site to its frames, innermost first. A site that
// was not captured in this process becomes a single synthetic frame.
func (b *profileBuilder) locations(site malloc.StacktraceID) []*profile.Location {
	frames := site.Frames()
	if len(frames) == 0 {
		return []*profile.Location{
			b.location(site.String(), "", 0),
		}
	}
	ret := make([]*profile.Location, 0, len(frames))
	for _, frame := range frames {
		ret = append(ret, b.location(frame.Function, frame.File, int64(frame.Line)))
	}
	return ret
}
