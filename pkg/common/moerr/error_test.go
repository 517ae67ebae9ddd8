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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMoErrCode(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		err      error
		code     uint16
		expected bool
	}{
		{
			name:     "nil error is ok",
			err:      nil,
			code:     Ok,
			expected: true,
		},
		{
			name:     "nil error is not internal",
			err:      nil,
			code:     ErrInternal,
			expected: false,
		},
		{
			name:     "matching code",
			err:      NewNoSuchSession(ctx, "abc"),
			code:     ErrNoSuchSession,
			expected: true,
		},
		{
			name:     "wrapped moerr",
			err:      fmt.Errorf("dump: %w", NewUnknownSelector(ctx, "key", "color")),
			code:     ErrUnknownSelector,
			expected: true,
		},
		{
			name:     "different code",
			err:      NewBadConfig(ctx, "max-pages"),
			code:     ErrInvalidInput,
			expected: false,
		},
		{
			name:     "standard error",
			err:      errors.New("some error"),
			code:     ErrInternal,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsMoErrCode(tt.err, tt.code))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	ctx := context.Background()

	err := NewShortTraceRecord(ctx, 3, 56)
	require.Equal(t, "short trace record: got 3 bytes, want 56", err.Error())
	require.Equal(t, ErrShortTraceRecord, err.ErrorCode())
	require.False(t, err.Succeeded())

	err = NewOOM(ctx)
	require.Equal(t, "error: out of memory", err.Error())

	withDetail := NewInvalidInput(ctx, "bad kind").WithDetail("offset 12")
	require.Equal(t, "invalid input: bad kind: offset 12", withDetail.Display())
	require.Equal(t, "offset 12", withDetail.Detail())
}

func TestConvertGoError(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, ConvertGoError(ctx, nil))

	err := ConvertGoError(ctx, io.EOF)
	require.True(t, IsMoErrCode(err, ErrUnexpectedEOF))

	err = ConvertGoError(ctx, fmt.Errorf("open: %w", os.ErrNotExist))
	require.True(t, IsMoErrCode(err, ErrFileNotFound))

	orig := NewObserverClosed(ctx)
	require.Same(t, orig, ConvertGoError(ctx, orig))

	err = ConvertGoError(ctx, errors.New("boom"))
	require.True(t, IsMoErrCode(err, ErrInternal))
}

func TestConvertPanicError(t *testing.T) {
	ctx := context.Background()

	orig := NewInvalidState(ctx, "closed")
	require.Same(t, orig, ConvertPanicError(ctx, orig))

	err := ConvertPanicError(ctx, "oops")
	require.Equal(t, ErrInternal, err.ErrorCode())
	require.Contains(t, err.Error(), "panic oops")
}

func TestDowncastError(t *testing.T) {
	orig := NewInvalidArgNoCtx("align", 3)
	require.Same(t, orig, DowncastError(orig))
	require.Equal(t, ErrInternal, DowncastError(errors.New("x")).ErrorCode())
}

func TestUnknownCodePanics(t *testing.T) {
	require.Panics(t, func() {
		_ = newError(context.Background(), 12345)
	})
}
