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

// Hooks receives one synchronous notification per allocator operation,
// in call order, after the operation has completed. A failed operation is
// reported with malloc.NullAddress as its result.
//
// Implementations must not call back into the traced allocator, and must
// not fail the caller: a hook that cannot record an event drops it.
type Hooks interface {
	OnAlloc(size, align uint64, addr malloc.Address)
	OnAllocZeroed(size, align uint64, addr malloc.Address)
	OnDealloc(size, align uint64, addr malloc.Address)
	OnRealloc(oldAddr, newAddr malloc.Address, oldSize, newSize, align uint64)
}

type NoopHooks struct{}

var _ Hooks = NoopHooks{}

func (NoopHooks) OnAlloc(uint64, uint64, malloc.Address)                           {}
func (NoopHooks) OnAllocZeroed(uint64, uint64, malloc.Address)                     {}
func (NoopHooks) OnDealloc(uint64, uint64, malloc.Address)                         {}
func (NoopHooks) OnRealloc(malloc.Address, malloc.Address, uint64, uint64, uint64) {}

type multiHooks []Hooks

// MultiHooks fans every notification out to hooks in argument order.
// Nil entries are skipped.
func MultiHooks(hooks ...Hooks) Hooks {
	var ret multiHooks
	for _, h := range hooks {
		if h == nil {
			continue
		}
		if m, ok := h.(multiHooks); ok {
			ret = append(ret, m...)
			continue
		}
		ret = append(ret, h)
	}
	switch len(ret) {
	case 0:
		return NoopHooks{}
	case 1:
		return ret[0]
	}
	return ret
}

func (m multiHooks) OnAlloc(size, align uint64, addr malloc.Address) {
	for _, h := range m {
		h.OnAlloc(size, align, addr)
	}
}

func (m multiHooks) OnAllocZeroed(size, align uint64, addr malloc.Address) {
	for _, h := range m {
		h.OnAllocZeroed(size, align, addr)
	}
}

func (m multiHooks) OnDealloc(size, align uint64, addr malloc.Address) {
	for _, h := range m {
		h.OnDealloc(size, align, addr)
	}
}

func (m multiHooks) OnRealloc(oldAddr, newAddr malloc.Address, oldSize, newSize, align uint64) {
	for _, h := range m {
		h.OnRealloc(oldAddr, newAddr, oldSize, newSize, align)
	}
}

// EventFunc adapts a function into Hooks. Every notification becomes one
// Event.
type EventFunc func(Event)

var _ Hooks = EventFunc(nil)

func (f EventFunc) OnAlloc(size, align uint64, addr malloc.Address) {
	f(Event{Kind: KindAlloc, Size: size, Align: align, Address: addr})
}

func (f EventFunc) OnAllocZeroed(size, align uint64, addr malloc.Address) {
	f(Event{Kind: KindAllocZeroed, Size: size, Align: align, Address: addr})
}

func (f EventFunc) OnDealloc(size, align uint64, addr malloc.Address) {
	f(Event{Kind: KindDealloc, Size: size, Align: align, Address: addr})
}

func (f EventFunc) OnRealloc(oldAddr, newAddr malloc.Address, oldSize, newSize, align uint64) {
	f(Event{
		Kind:       KindRealloc,
		Size:       newSize,
		Align:      align,
		Address:    newAddr,
		OldAddress: oldAddr,
		OldSize:    oldSize,
	})
}
