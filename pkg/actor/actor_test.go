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

package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMailbox(t *testing.T) {
	mb := NewMailbox(10)
	assert.Equal(t, 10, mb.Cap())
	assert.Equal(t, 0, mb.Len())

	assert.Equal(t, 1, NewMailbox(0).Cap(), "size is clamped to one")
}

func TestMailboxPreservesOrder(t *testing.T) {
	mb := NewMailbox(3)
	for i := 0; i < 3; i++ {
		mb.Send(i)
	}
	assert.Equal(t, 3, mb.Len())

	for i := 0; i < 3; i++ {
		msg, err := mb.Receive(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, i, msg)
	}
}

func TestMailboxTrySendWhenFull(t *testing.T) {
	mb := NewMailbox(1)
	assert.True(t, mb.TrySend("first"))
	assert.False(t, mb.TrySend("second"), "full mailbox must reject without blocking")

	msg := <-mb.Chan()
	assert.Equal(t, "first", msg)
	assert.True(t, mb.TrySend("third"))
}

func TestMailboxReceiveWithContextCancellation(t *testing.T) {
	mb := NewMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mb.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMailboxBlockingSend(t *testing.T) {
	mb := NewMailbox(1)
	mb.Send("first")

	sent := make(chan struct{})
	go func() {
		mb.Send("second")
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("Send returned while the mailbox was full")
	case <-time.After(20 * time.Millisecond):
	}

	received, err := mb.Receive(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "first", received)

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("Send did not complete after receive")
	}
}

func TestFuncActor(t *testing.T) {
	want := errors.New("done")
	var a Actor = Func(func(ctx context.Context, mb *Mailbox) error { return want })
	assert.ErrorIs(t, a.Start(context.Background(), NewMailbox(1)), want)
}
