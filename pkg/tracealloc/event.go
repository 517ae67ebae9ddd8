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
	"fmt"
	"sync"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
)

type Kind uint8

const (
	KindAlloc Kind = iota + 1
	KindAllocZeroed
	KindDealloc
	KindRealloc
)

func (k Kind) String() string {
	switch k {
	case KindAlloc:
		return "alloc"
	case KindAllocZeroed:
		return "alloc_zeroed"
	case KindDealloc:
		return "dealloc"
	case KindRealloc:
		return "realloc"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Valid() bool {
	return k >= KindAlloc && k <= KindRealloc
}

// Event is one notification in recorded form.
//
// For KindRealloc, OldAddress and OldSize describe the input region and
// Address and Size the result. For the other kinds OldAddress and OldSize
// are zero. Site is a call-site fingerprint, zero if none was captured.
type Event struct {
	Kind       Kind
	Size       uint64
	Align      uint64
	Address    malloc.Address
	OldAddress malloc.Address
	OldSize    uint64
	Site       uint64
}

// Failed reports whether the operation returned the null sentinel.
// Deallocations never fail.
func (e Event) Failed() bool {
	return e.Kind != KindDealloc && e.Address == malloc.NullAddress
}

// Dispatch delivers e to h as the notification that produced it.
func (e Event) Dispatch(h Hooks) {
	switch e.Kind {
	case KindAlloc:
		h.OnAlloc(e.Size, e.Align, e.Address)
	case KindAllocZeroed:
		h.OnAllocZeroed(e.Size, e.Align, e.Address)
	case KindDealloc:
		h.OnDealloc(e.Size, e.Align, e.Address)
	case KindRealloc:
		h.OnRealloc(e.OldAddress, e.Address, e.OldSize, e.Size, e.Align)
	}
}

func (e Event) String() string {
	if e.Kind == KindRealloc {
		return fmt.Sprintf("%s %s(%d) -> %s(%d) align %d", e.Kind, e.OldAddress, e.OldSize, e.Address, e.Size, e.Align)
	}
	return fmt.Sprintf("%s %s size %d align %d", e.Kind, e.Address, e.Size, e.Align)
}

// EventLog records every notification it receives. It is safe for
// concurrent use.
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

var _ Hooks = new(EventLog)

func (l *EventLog) append(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]Event, len(l.events))
	copy(ret, l.events)
	return ret
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *EventLog) Reset() {
	l.mu.Lock()
	l.events = l.events[:0]
	l.mu.Unlock()
}

func (l *EventLog) OnAlloc(size, align uint64, addr malloc.Address) {
	EventFunc(l.append).OnAlloc(size, align, addr)
}

func (l *EventLog) OnAllocZeroed(size, align uint64, addr malloc.Address) {
	EventFunc(l.append).OnAllocZeroed(size, align, addr)
}

func (l *EventLog) OnDealloc(size, align uint64, addr malloc.Address) {
	EventFunc(l.append).OnDealloc(size, align, addr)
}

func (l *EventLog) OnRealloc(oldAddr, newAddr malloc.Address, oldSize, newSize, align uint64) {
	EventFunc(l.append).OnRealloc(oldAddr, newAddr, oldSize, newSize, align)
}
