// Copyright 2024 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Timeout("connect", "conn-1", cause)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "connect conn-1: timeout: dial tcp: connection refused", err.Error())
}

func TestErrorWithoutCause(t *testing.T) {
	err := NotConnected("publish", "", nil)
	assert.Equal(t, "publish: not connected", err.Error())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNewDefaultsToInternal(t *testing.T) {
	err := New("append", "c", nil, errors.New("disk full"))
	assert.ErrorIs(t, err, ErrInternal)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"not found", NotFound("get", "x", nil), ErrNotFound},
		{"wrapped not connected", fmt.Errorf("facade: %w", NotConnected("sub", "x", nil)), ErrNotConnected},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"canceled", fmt.Errorf("wait: %w", context.Canceled), ErrTimeout},
		{"protocol", Protocol("sub", "x", errors.New("bad filter")), ErrProtocol},
		{"plain", errors.New("boom"), ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Timeout("publish", "x", nil)))
	assert.False(t, IsRetryable(Protocol("publish", "x", nil)))
	assert.False(t, IsRetryable(nil))
}
