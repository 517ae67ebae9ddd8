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

package malloc

import (
	"context"

	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
)

// PageSize is the growth granularity of a LinearMemory.
const PageSize = 64 * KB

// MaxPages bounds a LinearMemory to 4GiB, so every address fits in 32 bits.
const MaxPages = 1 << 16

// LinearMemory is a contiguous, growable byte range addressed by offset.
// The whole maximum is reserved up front, so the base never moves and
// slices handed out stay valid across Grow.
type LinearMemory struct {
	buf      []byte // committed pages
	reserved []byte
	maxPages uint32
	release  func([]byte) error
}

func NewLinearMemory(initialPages, maxPages uint32) (*LinearMemory, error) {
	if maxPages == 0 || maxPages > MaxPages {
		return nil, moerr.NewInvalidArg(context.TODO(), "max pages", maxPages)
	}
	if initialPages > maxPages {
		return nil, moerr.NewInvalidArg(context.TODO(), "initial pages", initialPages)
	}

	reserved, release, err := reserveMemory(uint64(maxPages) * PageSize)
	if err != nil {
		return nil, moerr.ConvertGoError(context.TODO(), err)
	}

	return &LinearMemory{
		buf:      reserved[:uint64(initialPages)*PageSize],
		reserved: reserved,
		maxPages: maxPages,
		release:  release,
	}, nil
}

func (m *LinearMemory) Pages() uint32 {
	return uint32(uint64(len(m.buf)) / PageSize)
}

func (m *LinearMemory) MaxPages() uint32 {
	return m.maxPages
}

// Size returns the committed size in bytes.
func (m *LinearMemory) Size() uint64 {
	return uint64(len(m.buf))
}

// Grow commits delta more pages and returns the previous page count.
func (m *LinearMemory) Grow(delta uint32) (uint32, bool) {
	old := m.Pages()
	if uint64(old)+uint64(delta) > uint64(m.maxPages) {
		return old, false
	}
	m.buf = m.reserved[:uint64(old+delta)*PageSize]
	return old, true
}

func (m *LinearMemory) Slice(addr Address, size uint64) []byte {
	end := uint64(addr) + size
	if end < uint64(addr) || end > uint64(len(m.buf)) {
		return nil
	}
	return m.buf[addr:end:end]
}

func (m *LinearMemory) Close() error {
	if m.reserved == nil {
		return nil
	}
	reserved := m.reserved
	m.buf, m.reserved = nil, nil
	if m.release != nil {
		return m.release(reserved)
	}
	return nil
}
