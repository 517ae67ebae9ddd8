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

package remote

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/tracker"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/wire"
)

const codecName = "tracealloc"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// codec sends events as fixed size wire records, one per message, and
// everything else as json.
type codec struct{}

func (codec) Name() string {
	return codecName
}

func (codec) Marshal(v any) ([]byte, error) {
	if e, ok := v.(*tracealloc.Event); ok {
		return wire.AppendEvent(make([]byte, 0, wire.RecordSize), *e), nil
	}
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	if e, ok := v.(*tracealloc.Event); ok {
		ret, err := wire.DecodeEvent(data)
		if err != nil {
			return err
		}
		*e = ret
		return nil
	}
	return json.Unmarshal(data, v)
}

// Table names accepted by Dump.
const (
	TableLive    = "live"
	TableInvalid = "invalid"
	TableFailed  = "failed"
)

type DumpRequest struct {
	// Session may be empty when exactly one session exists.
	Session    string `json:"session,omitempty"`
	Table      string `json:"table"`
	Key        string `json:"key,omitempty"`
	Value      string `json:"value,omitempty"`
	KeyLabel   string `json:"key_label,omitempty"`
	ValueLabel string `json:"value_label,omitempty"`
}

type DumpReply struct {
	Session string        `json:"session"`
	Table   tracker.Table `json:"table"`
}

type SessionsRequest struct{}

type SessionInfo struct {
	ID       string        `json:"id"`
	Active   bool          `json:"active"`
	Started  time.Time     `json:"started"`
	Received uint64        `json:"received"`
	Stats    tracker.Stats `json:"stats"`
}

type SessionsReply struct {
	Sessions []SessionInfo `json:"sessions"`
}

type NotifyReply struct {
	Received uint64 `json:"received"`
}
