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

// Package actor provides the mailbox-driven worker primitive used by the
// ingestion shards and other long-running loops of the gateway.
package actor

import "context"

// Actor is a long-running worker that consumes its mailbox until ctx ends.
// Start blocks for the lifetime of the worker; a non-nil error or a panic is
// reported to the supervisor, which decides whether to start it again.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Func adapts a function to the Actor interface.
type Func func(ctx context.Context, mb *Mailbox) error

// Start calls f.
func (f Func) Start(ctx context.Context, mb *Mailbox) error {
	return f(ctx, mb)
}

// Mailbox is a bounded FIFO queue in front of an actor. The mailbox outlives
// restarts of its actor, so messages queued while a worker is restarting are
// not lost.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox holding at most size messages.
func NewMailbox(size int) *Mailbox {
	if size < 1 {
		size = 1
	}
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send enqueues msg, blocking while the mailbox is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend enqueues msg without blocking. It returns false when the mailbox is
// full and the message was not queued.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or ctx is done.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan exposes the receive side for use in select statements.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Cap returns the capacity of the mailbox.
func (mb *Mailbox) Cap() int {
	return cap(mb.messages)
}
