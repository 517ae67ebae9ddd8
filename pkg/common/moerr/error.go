// Copyright 2021 - 2022 Matrix Origin
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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// 0 - 99 is OK. They do not contain info, and are special handled
	// using a static instance, no alloc.
	Ok    uint16 = 0
	OkMax uint16 = 99

	// Group 1: Internal errors
	ErrStart        uint16 = 20100
	ErrInternal     uint16 = 20101
	ErrNYI          uint16 = 20102
	ErrOOM          uint16 = 20103
	ErrNotSupported uint16 = 20105

	// Group 2: arguments
	ErrInvalidArg uint16 = 20203

	// Group 3: invalid input
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301

	// Group 4: unexpected state and io errors
	ErrInvalidState  uint16 = 20400
	ErrFileNotFound  uint16 = 20405
	ErrUnexpectedEOF uint16 = 20407

	// Group 5: trace stream and observer
	ErrBadTraceHeader    uint16 = 20500
	ErrUnknownEventKind  uint16 = 20501
	ErrNoSuchSession     uint16 = 20502
	ErrAmbiguousSession  uint16 = 20503
	ErrUnknownSelector   uint16 = 20504
	ErrSessionClosed     uint16 = 20505
	ErrTooManySessions   uint16 = 20506
	ErrObserverClosed    uint16 = 20507
	ErrShortTraceRecord  uint16 = 20508
	ErrUnsupportedFormat uint16 = 20509

	// Group 6: rpc
	ErrBackendClosed      uint16 = 20600
	ErrServiceUnavailable uint16 = 20601

	// ErrEnd, the max value of MOErrorCode
	ErrEnd uint16 = 65535
)

var errorMsgRefer = map[uint16]string{
	// Group 1: Internal errors
	ErrStart:        "internal error: error code start",
	ErrInternal:     "internal error: %s",
	ErrNYI:          "%s is not yet implemented",
	ErrOOM:          "error: out of memory",
	ErrNotSupported: "not supported: %s",

	// Group 2: arguments
	ErrInvalidArg: "invalid argument %s, bad value %v",

	// Group 3: invalid input
	ErrBadConfig:    "invalid configuration: %s",
	ErrInvalidInput: "invalid input: %s",

	// Group 4: unexpected state and io errors
	ErrInvalidState:  "invalid state %s",
	ErrFileNotFound:  "file %s is not found",
	ErrUnexpectedEOF: "unexpected end of file %s",

	// Group 5: trace stream and observer
	ErrBadTraceHeader:    "bad trace header: %s",
	ErrUnknownEventKind:  "unknown event kind %d",
	ErrNoSuchSession:     "trace session %s does not exist",
	ErrAmbiguousSession:  "%d trace sessions are active, a session id is required",
	ErrUnknownSelector:   "unknown %s selector %q",
	ErrSessionClosed:     "trace session %s is closed",
	ErrTooManySessions:   "too many trace sessions, limit is %d",
	ErrObserverClosed:    "observer is closed",
	ErrShortTraceRecord:  "short trace record: got %d bytes, want %d",
	ErrUnsupportedFormat: "unsupported trace format version %d",

	// Group 6: rpc
	ErrBackendClosed:      "the backend has been closed",
	ErrServiceUnavailable: "service unavailable: %s",

	// Group End: max value of MOErrorCode
	ErrEnd: "internal error: end of errcode code",
}

func newError(ctx context.Context, code uint16, args ...any) *Error {
	format, has := errorMsgRefer[code]
	if !has {
		panic(NewInternalError(ctx, "not exist MOErrorCode: %d", code))
	}
	if len(args) == 0 {
		return &Error{code: code, message: format}
	}
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

type Error struct {
	code    uint16
	message string
	detail  string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Detail() string {
	return e.detail
}

func (e *Error) Display() string {
	if len(e.detail) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s: %s", e.message, e.detail)
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Succeeded() bool {
	return e.code < OkMax
}

// WithDetail returns a copy of e carrying extra context for display.
func (e *Error) WithDetail(detail string) *Error {
	ret := *e
	ret.detail = detail
	return &ret
}

func IsMoErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}

	var me *Error
	if !errors.As(e, &me) {
		// This is not a moerr
		return false
	}
	return me.code == rc
}

func DowncastError(e error) *Error {
	var err *Error
	if errors.As(e, &err) {
		return err
	}
	return newError(Context(), ErrInternal, fmt.Sprintf("downcast error failed: %v", e))
}

// ConvertPanicError converts a runtime panic to internal error.
func ConvertPanicError(ctx context.Context, v interface{}) *Error {
	if e, ok := v.(*Error); ok {
		return e
	}
	return newError(ctx, ErrInternal, fmt.Sprintf("panic %v", v))
}

// ConvertGoError converts a go error into mo error.
// Note here we must return error, because nil error
// is the same as nil *Error -- Go strangeness.
func ConvertGoError(ctx context.Context, err error) error {
	// nil is nil
	if err == nil {
		return err
	}

	// already a moerr, return it as is
	if _, ok := err.(*Error); ok {
		return err
	}

	// Convert a few well known os/go error.
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// if io.EOF reaches here, we believe it is not expected.
		return NewUnexpectedEOF(ctx, err.Error())
	}
	if errors.Is(err, os.ErrNotExist) {
		return NewFileNotFound(ctx, err.Error())
	}

	return NewInternalError(ctx, "convert go error to mo error %v", err)
}

func NewInternalError(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInternal, xmsg)
}

func NewInternalErrorNoCtx(msg string, args ...any) *Error {
	return NewInternalError(Context(), msg, args...)
}

func NewNYI(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrNYI, xmsg)
}

func NewNotSupported(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrNotSupported, xmsg)
}

func NewOOM(ctx context.Context) *Error {
	return newError(ctx, ErrOOM)
}

func NewInvalidArg(ctx context.Context, arg string, val any) *Error {
	return newError(ctx, ErrInvalidArg, arg, val)
}

func NewInvalidArgNoCtx(arg string, val any) *Error {
	return NewInvalidArg(Context(), arg, val)
}

func NewBadConfig(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrBadConfig, xmsg)
}

func NewInvalidInput(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidInput, xmsg)
}

func NewInvalidInputNoCtx(msg string, args ...any) *Error {
	return NewInvalidInput(Context(), msg, args...)
}

func NewInvalidState(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrInvalidState, xmsg)
}

func NewFileNotFound(ctx context.Context, f string) *Error {
	return newError(ctx, ErrFileNotFound, f)
}

func NewUnexpectedEOF(ctx context.Context, f string) *Error {
	return newError(ctx, ErrUnexpectedEOF, f)
}

func NewBadTraceHeader(ctx context.Context, msg string, args ...any) *Error {
	xmsg := fmt.Sprintf(msg, args...)
	return newError(ctx, ErrBadTraceHeader, xmsg)
}

func NewUnknownEventKind(ctx context.Context, kind uint8) *Error {
	return newError(ctx, ErrUnknownEventKind, kind)
}

func NewUnknownEventKindNoCtx(kind uint8) *Error {
	return NewUnknownEventKind(Context(), kind)
}

func NewShortTraceRecord(ctx context.Context, got, want int) *Error {
	return newError(ctx, ErrShortTraceRecord, got, want)
}

func NewShortTraceRecordNoCtx(got, want int) *Error {
	return NewShortTraceRecord(Context(), got, want)
}

func NewUnsupportedFormat(ctx context.Context, version uint8) *Error {
	return newError(ctx, ErrUnsupportedFormat, version)
}

func NewNoSuchSession(ctx context.Context, id string) *Error {
	return newError(ctx, ErrNoSuchSession, id)
}

func NewAmbiguousSession(ctx context.Context, n int) *Error {
	return newError(ctx, ErrAmbiguousSession, n)
}

func NewUnknownSelector(ctx context.Context, kind, name string) *Error {
	return newError(ctx, ErrUnknownSelector, kind, name)
}

func NewSessionClosed(ctx context.Context, id string) *Error {
	return newError(ctx, ErrSessionClosed, id)
}

func NewTooManySessions(ctx context.Context, limit int) *Error {
	return newError(ctx, ErrTooManySessions, limit)
}

func NewObserverClosed(ctx context.Context) *Error {
	return newError(ctx, ErrObserverClosed)
}

func NewBackendClosed(ctx context.Context) *Error {
	return newError(ctx, ErrBackendClosed)
}

func NewBackendClosedNoCtx() *Error {
	return NewBackendClosed(Context())
}

func NewServiceUnavailable(ctx context.Context, reason string) *Error {
	return newError(ctx, ErrServiceUnavailable, reason)
}

var contextFunc = context.Background

// Context returns the background context used by the NoCtx constructors.
func Context() context.Context {
	return contextFunc()
}
