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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorBinaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, err := range []*Error{
		NewNoSuchSession(ctx, "7d4f"),
		NewAmbiguousSession(ctx, 3),
		NewServiceUnavailable(ctx, "connection refused"),
		NewObserverClosed(ctx),
	} {
		data, merr := err.MarshalBinary()
		require.NoError(t, merr)

		got := new(Error)
		require.NoError(t, got.UnmarshalBinary(data))
		assert.Equal(t, err.ErrorCode(), got.ErrorCode())
		assert.Equal(t, err.Error(), got.Error())
	}

	err := new(Error).UnmarshalBinary([]byte{1})
	assert.True(t, IsMoErrCode(err, ErrInvalidInput))
}

func TestIsConnectionRelatedRPCError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "ErrBackendClosed",
			err:      NewBackendClosedNoCtx(),
			expected: true,
		},
		{
			name:     "ErrServiceUnavailable",
			err:      NewServiceUnavailable(context.Background(), "dial failed"),
			expected: true,
		},
		{
			name:     "ErrNoSuchSession",
			err:      NewNoSuchSession(context.Background(), "x"),
			expected: false,
		},
		{
			name:     "standard error",
			err:      errors.New("some error"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsConnectionRelatedRPCError(tt.err))
		})
	}
}
