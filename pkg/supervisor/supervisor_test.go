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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turtacn/mqtt-gateway/pkg/actor"
)

func newTestSupervisor(t *testing.T) *OneForOneSupervisor {
	return NewOneForOneSupervisor(WithLogger(zaptest.NewLogger(t)), WithRestartDelay(10*time.Millisecond))
}

func countingActor(starts *atomic.Int32, fn func() error) actor.Actor {
	return actor.Func(func(ctx context.Context, mb *actor.Mailbox) error {
		starts.Add(1)
		return fn()
	})
}

func TestSupervisor_StartAndShutdown(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	spec := Spec{
		ID: "blocking",
		Actor: actor.Func(func(ctx context.Context, mb *actor.Mailbox) error {
			close(started)
			<-ctx.Done()
			return nil
		}),
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))
	<-started

	cancel()
	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestSupervisor_PermanentRestartAfterError(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	spec := Spec{
		ID:      "failing",
		Actor:   countingActor(&starts, func() error { return errors.New("i have failed") }),
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))

	assert.Eventually(t, func() bool { return starts.Load() > 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_PanicIsRecovered(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts atomic.Int32
	spec := Spec{
		ID:      "panicking",
		Actor:   countingActor(&starts, func() error { panic("something went horribly wrong") }),
		Restart: RestartPermanent,
		Mailbox: actor.NewMailbox(1),
	}
	require.NoError(t, sup.Start(ctx, []Spec{spec}))

	assert.Eventually(t, func() bool { return starts.Load() > 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_MailboxSurvivesRestart(t *testing.T) {
	sup := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := actor.NewMailbox(4)
	got := make(chan any, 4)
	spec := Spec{
		ID: "crash-on-first",
		Actor: actor.Func(func(ctx context.Context, mb *actor.Mailbox) error {
			msg, err := mb.Receive(ctx)
			if err != nil {
				return nil
			}
			if msg == "boom" {
				panic("bad message")
			}
			got <- msg
			return errors.New("one message per incarnation")
		}),
		Restart: RestartPermanent,
		Mailbox: mb,
	}
	mb.Send("boom")
	mb.Send("after")
	require.NoError(t, sup.Start(ctx, []Spec{spec}))

	select {
	case msg := <-got:
		assert.Equal(t, "after", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message queued before the crash was lost")
	}
}

func TestSupervisor_Strategies(t *testing.T) {
	t.Run("start with no specs", func(t *testing.T) {
		err := newTestSupervisor(t).Start(context.Background(), nil)
		assert.ErrorIs(t, err, ErrNoSpecs)
	})

	tests := []struct {
		name     string
		restart  RestartStrategy
		result   error
		restarts bool
	}{
		{"temporary never restarts", RestartTemporary, errors.New("fail"), false},
		{"transient restarts on error", RestartTransient, errors.New("fail"), true},
		{"transient stays down on success", RestartTransient, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := newTestSupervisor(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var starts atomic.Int32
			spec := Spec{
				ID:      tt.name,
				Actor:   countingActor(&starts, func() error { return tt.result }),
				Restart: tt.restart,
				Mailbox: actor.NewMailbox(1),
			}
			require.NoError(t, sup.Start(ctx, []Spec{spec}))

			if tt.restarts {
				assert.Eventually(t, func() bool { return starts.Load() > 1 }, 2*time.Second, 10*time.Millisecond)
				return
			}
			sup.Wait()
			assert.Equal(t, int32(1), starts.Load())
		})
	}
}
