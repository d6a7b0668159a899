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

package gateway

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turtacn/mqtt-gateway/pkg/broker"
	"github.com/turtacn/mqtt-gateway/pkg/errdefs"
	"github.com/turtacn/mqtt-gateway/pkg/extract"
	"github.com/turtacn/mqtt-gateway/pkg/hub"
	"github.com/turtacn/mqtt-gateway/pkg/ingest"
	"github.com/turtacn/mqtt-gateway/pkg/lifecycle"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
	"github.com/turtacn/mqtt-gateway/pkg/storage/storagetest"
)

const waitFor = 3 * time.Second

type stack struct {
	broker  *broker.Broker
	dir     *storage.MemDirectory
	store   *storage.MemMessageStore
	hub     *hub.Hub
	manager *lifecycle.Manager
	gw      *Gateway
}

func newStack(t *testing.T) *stack {
	logger := zaptest.NewLogger(t)
	b := broker.New("127.0.0.1:0", logger)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Close() })

	s := &stack{
		broker: b,
		dir:    storage.NewMemDirectory(),
		store:  storage.NewMemMessageStore(),
		hub:    hub.New(hub.Options{Logger: logger}),
	}
	pipeline := ingest.New(s.dir, s.store, s.hub, ingest.Options{Shards: 2, QueueSize: 64, Logger: logger})
	require.NoError(t, pipeline.Start(context.Background()))
	t.Cleanup(func() { _ = pipeline.Stop() })

	s.manager = lifecycle.New(s.dir, pipeline, s.hub, lifecycle.Options{
		ConnectTimeout:    2 * time.Second,
		OperationTimeout:  2 * time.Second,
		DisconnectQuiesce: 20 * time.Millisecond,
		Logger:            logger,
	})
	s.gw = New(s.dir, s.store, s.manager, logger)
	t.Cleanup(func() { _ = s.gw.Shutdown(context.Background()) })
	return s
}

func (s *stack) record(t *testing.T, owner string) *storage.LogicalConnection {
	conn := storagetest.NewConnection(owner)
	conn.Host, conn.Port = s.broker.HostPort()
	require.NoError(t, s.dir.Create(context.Background(), conn))
	return conn
}

func TestOwnershipIsEnforced(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	conn := s.record(t, "alice")

	checks := map[string]error{
		"connect":     s.gw.Connect(ctx, "mallory", conn.ID),
		"disconnect":  s.gw.Disconnect(ctx, "mallory", conn.ID),
		"unsubscribe": s.gw.Unsubscribe(ctx, "mallory", conn.ID, "a"),
		"delete":      s.gw.Delete(ctx, "mallory", conn.ID),
		"unknown":     s.gw.Connect(ctx, "alice", "missing"),
	}
	_, checks["subscribe"] = s.gw.Subscribe(ctx, "mallory", conn.ID, "a", 0)
	_, checks["publish"] = s.gw.Publish(ctx, "mallory", conn.ID, "a", nil, 0, false)
	_, checks["status"] = s.gw.Status(ctx, "mallory", conn.ID)
	_, checks["messages"] = s.gw.Messages(ctx, "mallory", conn.ID, 10)

	for name, err := range checks {
		assert.ErrorIs(t, err, errdefs.ErrNotFound, name)
	}
	assert.False(t, s.manager.Connected(conn.ID))

	// Trusted internal callers pass an empty owner.
	require.NoError(t, s.gw.Connect(ctx, "", conn.ID))
	assert.True(t, s.manager.Connected(conn.ID))
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	conn := s.record(t, "alice")

	session, err := s.hub.Register("browser-1")
	require.NoError(t, err)

	require.NoError(t, s.gw.Connect(ctx, "alice", conn.ID))
	_, err = s.gw.Subscribe(ctx, "alice", conn.ID, "home/+/temp", 1)
	require.NoError(t, err)
	_, err = s.gw.Subscribe(ctx, "alice", conn.ID, "home/#", 0)
	require.NoError(t, err)

	require.NoError(t, s.broker.Publish("home/kitchen/temp", []byte(`{"a":1,"b":{"c":true}}`), false, 0))

	require.Eventually(t, func() bool {
		msgs, err := s.gw.Messages(ctx, "alice", conn.ID, 0)
		return err == nil && len(msgs) >= 1
	}, waitFor, 10*time.Millisecond)

	msgs, err := s.gw.Messages(ctx, "alice", conn.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "home/kitchen/temp", msgs[0].Topic)
	assert.Equal(t, extract.Keys{"a": extract.Number(1), "b.c": extract.Bool(true)}, msgs[0].ExtractedKeys)

	keys, err := s.gw.TopicKeys(ctx, "home/kitchen/temp")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "a", keys[0].Key)
	assert.Equal(t, "b.c", keys[1].Key)

	history, err := s.gw.KeyHistory(ctx, "home/kitchen/temp", "a", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, extract.Number(1), history[0].Value)

	status, err := s.gw.Status(ctx, "alice", conn.ID)
	require.NoError(t, err)
	assert.True(t, status.Live)
	assert.Equal(t, "connected", status.State)
	assert.ElementsMatch(t, []string{"home/+/temp", "home/#"}, status.Patterns)
	require.Len(t, status.Subscriptions, 2)
	for _, sub := range status.Subscriptions {
		assert.Equal(t, int64(1), sub.MessageCount, sub.Pattern)
	}

	deadline := time.After(waitFor)
	for {
		select {
		case e := <-session.Events():
			if e.Type == hub.EventMessage {
				assert.Equal(t, conn.ID, e.ConnectionID)
				assert.Equal(t, "home/kitchen/temp", e.Topic)
				return
			}
		case <-deadline:
			t.Fatal("message event not broadcast")
		}
	}
}

func TestPublishIsRecordedOutbound(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	conn := s.record(t, "bob")
	require.NoError(t, s.gw.Connect(ctx, "bob", conn.ID))

	msg, err := s.gw.Publish(ctx, "bob", conn.ID, "cmd/light", []byte(`{"on":true}`), 1, false)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, storage.DirectionOutbound, msg.Direction)

	msgs, err := s.gw.Messages(ctx, "bob", conn.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.DirectionOutbound, msgs[0].Direction)
}

func TestDeleteForceDisconnects(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	conn := s.record(t, "carol")
	require.NoError(t, s.gw.Connect(ctx, "carol", conn.ID))
	_, err := s.gw.Subscribe(ctx, "carol", conn.ID, "x/#", 0)
	require.NoError(t, err)

	require.NoError(t, s.gw.Delete(ctx, "carol", conn.ID))
	assert.False(t, s.manager.Connected(conn.ID))
	assert.Zero(t, s.manager.Count())

	_, err = s.gw.Status(ctx, "carol", conn.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	subs, err := s.dir.ListSubscriptions(ctx, conn.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)

	// Messages on the old subscription are no longer ingested.
	require.NoError(t, s.broker.Publish("x/1", []byte("late"), false, 0))
	time.Sleep(100 * time.Millisecond)
	n, err := s.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueryValidation(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	_, err := s.gw.TopicKeys(ctx, "home/+")
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
	_, err = s.gw.KeyHistory(ctx, "home/a", "", 10)
	assert.ErrorIs(t, err, errdefs.ErrProtocol)
}

// Racing connect and disconnect must never leave a live broker connection
// whose record says disconnected, or the reverse.
func TestNoPhantomConnections(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	for i := 0; i < 20; i++ {
		conn := s.record(t, fmt.Sprintf("user-%d", i))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.gw.Connect(ctx, conn.OwnerID, conn.ID)
		}()
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				time.Sleep(time.Duration(i) * time.Millisecond)
			}
			_ = s.gw.Disconnect(ctx, conn.OwnerID, conn.ID)
		}()
		wg.Wait()

		stored, err := s.dir.Get(ctx, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, stored.Connected, s.manager.Connected(conn.ID), "iteration %d", i)
	}
}

func TestDisconnectDuringSlowConnect(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	conn := storagetest.NewConnection("dave")
	conn.Host = host
	conn.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	require.NoError(t, s.dir.Create(ctx, conn))

	result := make(chan error, 1)
	go func() { result <- s.gw.Connect(ctx, "dave", conn.ID) }()

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(waitFor):
		t.Fatal("connect never reached the listener")
	}
	require.NoError(t, s.gw.Disconnect(ctx, "dave", conn.ID))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, lifecycle.ErrSuperseded)
		assert.True(t, errdefs.IsRetryable(err))
	case <-time.After(waitFor):
		t.Fatal("connect was not interrupted")
	}
	stored, err := s.dir.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, stored.Connected)
	assert.Zero(t, s.manager.Count())
}
