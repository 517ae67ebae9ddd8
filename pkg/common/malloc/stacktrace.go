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
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// StacktraceID identifies a call stack. It is computed from function
// names and line numbers, so the same call site gets the same id in every
// process running the same binary.
type StacktraceID uint64

type stacktraceInfo struct {
	pcs    []uintptr
	frames []runtime.Frame
}

var stackIDToInfo sync.Map // StacktraceID -> *stacktraceInfo

var pcs64Pool = sync.Pool{
	New: func() any {
		slice := make([]uintptr, 64)
		return &slice
	},
}

// GetStacktraceID captures the caller's stack. skip counts frames above
// the caller of GetStacktraceID. Leading frames whose function name makes
// drop return true are not part of the stack.
func GetStacktraceID(skip int, drop func(function string) bool) StacktraceID {
	pcs := pcs64Pool.Get().(*[]uintptr)
	defer func() {
		*pcs = (*pcs)[:cap(*pcs)]
		pcs64Pool.Put(pcs)
	}()

	n := runtime.Callers(2+skip, *pcs)
	*pcs = (*pcs)[:n]

	hasher := xxhash.New()
	var frames []runtime.Frame
	iter := runtime.CallersFrames(*pcs)
	leading := true
	for {
		frame, more := iter.Next()
		if leading && drop != nil && drop(frame.Function) {
			if !more {
				break
			}
			continue
		}
		leading = false
		_, _ = hasher.WriteString(frame.Function)
		_, _ = hasher.WriteString(":")
		_, _ = hasher.WriteString(strconv.Itoa(frame.Line))
		frames = append(frames, frame)
		if !more {
			break
		}
	}
	id := StacktraceID(hasher.Sum64())

	if _, ok := stackIDToInfo.Load(id); !ok {
		stackIDToInfo.LoadOrStore(id, &stacktraceInfo{
			pcs:    slices.Clone(*pcs),
			frames: frames,
		})
	}
	return id
}

// PCs returns the raw program counters of a stack captured in this
// process, dropped frames included, or nil for an id seen only through a
// trace.
func (s StacktraceID) PCs() []uintptr {
	v, ok := stackIDToInfo.Load(s)
	if !ok {
		return nil
	}
	return v.(*stacktraceInfo).pcs
}

func (s StacktraceID) Frames() []runtime.Frame {
	v, ok := stackIDToInfo.Load(s)
	if !ok {
		return nil
	}
	return v.(*stacktraceInfo).frames
}

func (s StacktraceID) String() string {
	v, ok := stackIDToInfo.Load(s)
	if !ok {
		return fmt.Sprintf("site:%016x", uint64(s))
	}
	return framesToString(v.(*stacktraceInfo).frames)
}

func framesToString(frames []runtime.Frame) string {
	buf := new(strings.Builder)
	for _, frame := range frames {
		buf.WriteString(frame.Function)
		buf.WriteString("\n")
		buf.WriteString("\t")
		buf.WriteString(frame.File)
		buf.WriteString(":")
		buf.WriteString(strconv.Itoa(frame.Line))
		buf.WriteString("\n")
	}
	return buf.String()
}
