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
	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
)

// TracingAllocator delegates every allocation primitive to an upstream
// allocator unchanged, then reports the call and its outcome to Hooks.
//
// It takes no locks and allocates nothing itself, so it is exactly as safe
// for concurrent use as the upstream and the hooks are.
type TracingAllocator[U malloc.Allocator] struct {
	upstream U
	hooks    Hooks
}

// NewTracingAllocator takes ownership of upstream. Callers must not use
// upstream directly afterwards, or the trace will miss operations.
// A nil hooks discards all notifications.
func NewTracingAllocator[U malloc.Allocator](
	upstream U,
	hooks Hooks,
) *TracingAllocator[U] {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &TracingAllocator[U]{
		upstream: upstream,
		hooks:    hooks,
	}
}

var _ malloc.Allocator = new(TracingAllocator[malloc.Allocator])
var _ malloc.Memory = new(TracingAllocator[malloc.Allocator])

func (t *TracingAllocator[U]) Allocate(size, align uint64) malloc.Address {
	addr := t.upstream.Allocate(size, align)
	t.hooks.OnAlloc(size, align, addr)
	return addr
}

func (t *TracingAllocator[U]) AllocateZeroed(size, align uint64) malloc.Address {
	addr := t.upstream.AllocateZeroed(size, align)
	t.hooks.OnAllocZeroed(size, align, addr)
	return addr
}

func (t *TracingAllocator[U]) Deallocate(addr malloc.Address, size, align uint64) {
	t.upstream.Deallocate(addr, size, align)
	t.hooks.OnDealloc(size, align, addr)
}

func (t *TracingAllocator[U]) Reallocate(addr malloc.Address, oldSize, align, newSize uint64) malloc.Address {
	newAddr := t.upstream.Reallocate(addr, oldSize, align, newSize)
	t.hooks.OnRealloc(addr, newAddr, oldSize, newSize, align)
	return newAddr
}

// Slice forwards to the upstream if it exposes its memory. It is not an
// allocation primitive and is not traced.
func (t *TracingAllocator[U]) Slice(addr malloc.Address, size uint64) []byte {
	if m, ok := any(t.upstream).(malloc.Memory); ok {
		return m.Slice(addr, size)
	}
	return nil
}
