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

package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turtacn/mqtt-gateway/pkg/hub"
)

type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Broadcast(e hub.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hub.Event(nil), r.events...)
}

func newRelay(t *testing.T, mr *miniredis.Miniredis, node string, local hub.Broadcaster) *Relay {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := New(client, local, Options{NodeID: node, Channel: "events", Logger: zaptest.NewLogger(t)})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func TestRelayForwardsBetweenNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	localA, localB := &recorder{}, &recorder{}
	a := newRelay(t, mr, "node-a", localA)
	_ = newRelay(t, mr, "node-b", localB)

	a.Broadcast(hub.Event{Type: hub.EventMessage, ConnectionID: "c1", Topic: "t", Payload: []byte("x")})

	require.Eventually(t, func() bool { return len(localB.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := localB.snapshot()[0]
	assert.Equal(t, "c1", got.ConnectionID)
	assert.Equal(t, []byte("x"), got.Payload)

	// Node A delivered locally once and ignored its own echo.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, localA.snapshot(), 1)
}

func TestRelayStartTwice(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newRelay(t, mr, "n", &recorder{})
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestRelayBroadcastNeverBlocks(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	local := &recorder{}
	r := New(client, local, Options{NodeID: "n", Channel: "events", QueueSize: 2})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Broadcast(hub.Event{Type: hub.EventStatus, ConnectionID: "c"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a relay that was never started")
	}
	assert.Len(t, local.snapshot(), 10)
}

func TestRelayIgnoresGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	local := &recorder{}
	_ = newRelay(t, mr, "n", local)

	mr.Publish("events", "not json")
	mr.Publish("events", `{"origin":"other","event":{"type":"status","connectionId":"c9","qos":0,"retain":false,"timestamp":"2024-01-01T00:00:00Z","state":"connected"}}`)

	require.Eventually(t, func() bool { return len(local.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "c9", local.snapshot()[0].ConnectionID)
}
