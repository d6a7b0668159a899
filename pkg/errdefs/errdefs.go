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

// Package errdefs defines the error taxonomy returned by the gateway to its
// callers. Network and storage failures are converted into one of these kinds
// at the component boundary so that callers never see raw transport errors.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrNotFound means the connection, topic or session is unknown.
	// It is a caller error and is not retried.
	ErrNotFound = errors.New("not found")
	// ErrNotConnected means the operation needs a live broker socket.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout means the operation exceeded its time box. Safe to retry.
	ErrTimeout = errors.New("timeout")
	// ErrProtocol means the broker rejected the operation, or the request
	// could never be valid MQTT (for example a malformed topic filter).
	ErrProtocol = errors.New("protocol error")
	// ErrInternal covers store and extraction failures.
	ErrInternal = errors.New("internal error")
)

// Error carries the failed operation, the connection it was scoped to, the
// taxonomy kind and the underlying cause.
type Error struct {
	Op           string
	ConnectionID string
	Kind         error
	Err          error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ConnectionID != "" {
		msg += " " + e.ConnectionID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an *Error. A nil kind is treated as ErrInternal.
func New(op, connectionID string, kind, cause error) *Error {
	if kind == nil {
		kind = ErrInternal
	}
	return &Error{Op: op, ConnectionID: connectionID, Kind: kind, Err: cause}
}

// NotFound wraps cause as ErrNotFound.
func NotFound(op, connectionID string, cause error) error {
	return New(op, connectionID, ErrNotFound, cause)
}

// NotConnected wraps cause as ErrNotConnected.
func NotConnected(op, connectionID string, cause error) error {
	return New(op, connectionID, ErrNotConnected, cause)
}

// Timeout wraps cause as ErrTimeout.
func Timeout(op, connectionID string, cause error) error {
	return New(op, connectionID, ErrTimeout, cause)
}

// Protocol wraps cause as ErrProtocol.
func Protocol(op, connectionID string, cause error) error {
	return New(op, connectionID, ErrProtocol, cause)
}

// Internal wraps cause as ErrInternal.
func Internal(op, connectionID string, cause error) error {
	return New(op, connectionID, ErrInternal, cause)
}

// KindOf classifies err into one of the taxonomy kinds. Context deadlines and
// cancellations count as timeouts; anything unclassified is internal.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrNotConnected):
		return ErrNotConnected
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrTimeout
	case errors.Is(err, ErrProtocol):
		return ErrProtocol
	default:
		return ErrInternal
	}
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return KindOf(err) == ErrTimeout
}
