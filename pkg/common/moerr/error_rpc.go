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

package moerr

import (
	"encoding/binary"
)

// MarshalBinary encodes e as code u16 | message, so that it survives an
// rpc boundary with its code.
func (e *Error) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 2, 2+len(e.message))
	binary.LittleEndian.PutUint16(buf, e.code)
	return append(buf, e.message...), nil
}

func (e *Error) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return NewInvalidInputNoCtx("error payload of %d bytes", len(data))
	}
	e.code = binary.LittleEndian.Uint16(data)
	e.message = string(data[2:])
	e.detail = ""
	return nil
}

// IsConnectionRelatedRPCError reports whether err means the remote end
// could not be reached, as opposed to the remote end rejecting a request.
func IsConnectionRelatedRPCError(err error) bool {
	if err == nil {
		return false
	}
	return IsMoErrCode(err, ErrBackendClosed) ||
		IsMoErrCode(err, ErrServiceUnavailable)
}
