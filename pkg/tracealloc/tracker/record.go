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
	"cmp"
	"context"
	"slices"
	"strconv"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
)

// Reason tells why a deallocation was invalid.
type Reason uint8

const (
	ReasonNone Reason = iota
	// NeverAllocated: no allocation ever returned the address.
	NeverAllocated
	// DoubleFree: the address was allocated once but is no longer live.
	DoubleFree
)

func (r Reason) String() string {
	switch r {
	case NeverAllocated:
		return "never allocated"
	case DoubleFree:
		return "double free"
	}
	return ""
}

// Record is what the tracker keeps for one notification.
type Record struct {
	Kind    tracealloc.Kind
	Address malloc.Address
	Size    uint64
	Align   uint64
	Site    malloc.StacktraceID
	// Reason is set for invalid frees only.
	Reason Reason
	// Seq is the position of the notification in the stream, from 1.
	Seq uint64
}

// DumpOptions configures a dump. Zero fields take the defaults of the
// table being dumped.
type DumpOptions struct {
	KeyLabel   string
	ValueLabel string
	Key        func(Record) string
	Value      func(Record) float64
}

func (o DumpOptions) withDefaults(def DumpOptions) DumpOptions {
	if o.KeyLabel == "" {
		o.KeyLabel = def.KeyLabel
	}
	if o.ValueLabel == "" {
		o.ValueLabel = def.ValueLabel
	}
	if o.Key == nil {
		o.Key = def.Key
	}
	if o.Value == nil {
		o.Value = def.Value
	}
	return o
}

var (
	liveDefaults = DumpOptions{
		KeyLabel:   "Live Allocations",
		ValueLabel: "Size (Bytes)",
		Key:        KeyBySite,
		Value:      ValueBytes,
	}
	invalidDefaults = DumpOptions{
		KeyLabel:   "Invalid Free",
		ValueLabel: "Count",
		Key:        KeyBySite,
		Value:      ValueCount,
	}
	failedDefaults = DumpOptions{
		KeyLabel:   "Failed Allocations",
		ValueLabel: "Size (Bytes)",
		Key:        KeyBySite,
		Value:      ValueBytes,
	}
)

func KeyBySite(r Record) string {
	return r.Site.String()
}

func KeyByAddress(r Record) string {
	return r.Address.String()
}

func KeyBySize(r Record) string {
	return strconv.FormatUint(r.Size, 10)
}

func KeyByAlign(r Record) string {
	return strconv.FormatUint(r.Align, 10)
}

func KeyByKind(r Record) string {
	if r.Reason != ReasonNone {
		return r.Kind.String() + " (" + r.Reason.String() + ")"
	}
	return r.Kind.String()
}

func ValueBytes(r Record) float64 {
	return float64(r.Size)
}

func ValueCount(Record) float64 {
	return 1
}

var keySelectors = map[string]func(Record) string{
	"site":    KeyBySite,
	"address": KeyByAddress,
	"size":    KeyBySize,
	"align":   KeyByAlign,
	"kind":    KeyByKind,
}

var valueSelectors = map[string]func(Record) float64{
	"bytes": ValueBytes,
	"count": ValueCount,
}

// KeySelector resolves a key selector by name. The empty name resolves to
// nil, which means the table default.
func KeySelector(name string) (func(Record) string, error) {
	if name == "" {
		return nil, nil
	}
	if f, ok := keySelectors[name]; ok {
		return f, nil
	}
	return nil, moerr.NewUnknownSelector(context.TODO(), "key", name)
}

// ValueSelector resolves a value selector by name, like KeySelector.
func ValueSelector(name string) (func(Record) float64, error) {
	if name == "" {
		return nil, nil
	}
	if f, ok := valueSelectors[name]; ok {
		return f, nil
	}
	return nil, moerr.NewUnknownSelector(context.TODO(), "value", name)
}

func sortByAddress(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		return cmp.Compare(a.Address, b.Address)
	})
}
