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
	"strings"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
)

const modulePackagePrefix = "github.com/matrixorigin/tracealloc/pkg/tracealloc"

// IsTracingFrame reports whether function belongs to the tracing layer:
// the decorator, the hook helpers or one of the observers.
func IsTracingFrame(function string) bool {
	return strings.HasPrefix(function, modulePackagePrefix)
}

// CaptureSite fingerprints the stack of the code that called into the
// traced allocator. Frames of the tracing layer are not included.
func CaptureSite() uint64 {
	return uint64(malloc.GetStacktraceID(0, IsTracingFrame))
}

// EventSink is implemented by observers that take recorded events
// directly, keeping their Site.
type EventSink interface {
	Apply(Event)
}

// Deliver hands e to h, through Apply if h is an EventSink.
func Deliver(e Event, h Hooks) {
	if sink, ok := h.(EventSink); ok {
		sink.Apply(e)
		return
	}
	e.Dispatch(h)
}
