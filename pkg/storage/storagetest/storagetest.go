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

// Package storagetest holds behavioural tests shared by every Directory and
// MessageStore implementation.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-gateway/pkg/extract"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
)

// NewConnection returns a valid connection owned by owner.
func NewConnection(owner string) *storage.LogicalConnection {
	return &storage.LogicalConnection{
		OwnerID:   owner,
		Name:      "sensor gateway",
		Host:      "127.0.0.1",
		Port:      1883,
		Transport: storage.TransportTCP,
		ClientID:  "client-" + owner,
	}
}

// RunDirectory exercises a Directory created fresh by newDir for each subtest.
func RunDirectory(t *testing.T, newDir func(t *testing.T) storage.Directory) {
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		d := newDir(t)
		c := NewConnection("alice")
		c.Username = "user"
		c.Password = "secret"
		require.NoError(t, d.Create(ctx, c))
		require.NotEmpty(t, c.ID)

		got, err := d.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID)
		assert.Equal(t, "127.0.0.1", got.Host)
		assert.Equal(t, 1883, got.Port)
		assert.Equal(t, storage.TransportTCP, got.Transport)
		assert.Equal(t, "secret", got.Password)
		assert.False(t, got.Connected)
		assert.False(t, got.CreatedAt.IsZero())

		_, err = d.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateRejectsInvalidAndDuplicate", func(t *testing.T) {
		d := newDir(t)
		bad := NewConnection("alice")
		bad.Port = 0
		assert.ErrorIs(t, d.Create(ctx, bad), storage.ErrInvalid)

		c := NewConnection("alice")
		c.ID = "fixed"
		require.NoError(t, d.Create(ctx, c))
		dup := NewConnection("bob")
		dup.ID = "fixed"
		assert.ErrorIs(t, d.Create(ctx, dup), storage.ErrAlreadyExists)
	})

	t.Run("ListByOwner", func(t *testing.T) {
		d := newDir(t)
		for _, owner := range []string{"alice", "bob", "alice"} {
			require.NoError(t, d.Create(ctx, NewConnection(owner)))
		}
		all, err := d.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		mine, err := d.ListByOwner(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, mine, 2)
		for _, c := range mine {
			assert.Equal(t, "alice", c.OwnerID)
		}
	})

	t.Run("Update", func(t *testing.T) {
		d := newDir(t)
		c := NewConnection("alice")
		require.NoError(t, d.Create(ctx, c))

		at := time.Now().Truncate(time.Millisecond)
		connected := true
		updated, err := d.Update(ctx, c.ID, storage.ConnectionUpdate{Connected: &connected, LastConnectedAt: &at})
		require.NoError(t, err)
		assert.True(t, updated.Connected)

		got, err := d.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, got.Connected)
		assert.True(t, at.Equal(got.LastConnectedAt), "last connected %v != %v", got.LastConnectedAt, at)

		_, err = d.Update(ctx, "missing", storage.DesiredState(false))
		assert.ErrorIs(t, err, storage.ErrNotFound)

		port := 70000
		_, err = d.Update(ctx, c.ID, storage.ConnectionUpdate{Port: &port})
		assert.ErrorIs(t, err, storage.ErrInvalid)
	})

	t.Run("SubscriptionsUpsertAndCount", func(t *testing.T) {
		d := newDir(t)
		c := NewConnection("alice")
		require.NoError(t, d.Create(ctx, c))

		row, err := d.UpsertSubscription(ctx, storage.Subscription{ConnectionID: c.ID, Pattern: "a/+", QoS: 0, Subscribed: true})
		require.NoError(t, err)
		assert.True(t, row.Subscribed)

		at := time.Now().Truncate(time.Millisecond)
		require.NoError(t, d.RecordSubscriptionMessage(ctx, c.ID, "a/+", at))
		require.NoError(t, d.RecordSubscriptionMessage(ctx, c.ID, "a/+", at.Add(-time.Second)))

		// Re-subscribing with a new QoS keeps the counters.
		row, err = d.UpsertSubscription(ctx, storage.Subscription{ConnectionID: c.ID, Pattern: "a/+", QoS: 2, Subscribed: true})
		require.NoError(t, err)
		assert.Equal(t, byte(2), row.QoS)
		assert.Equal(t, int64(2), row.MessageCount)

		rows, err := d.ListSubscriptions(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(2), rows[0].MessageCount)
		assert.True(t, at.Equal(rows[0].LastMessageAt), "last message time must not move backwards")

		require.NoError(t, d.MarkUnsubscribed(ctx, c.ID, "a/+"))
		rows, err = d.ListSubscriptions(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, rows[0].Subscribed)

		assert.ErrorIs(t, d.MarkUnsubscribed(ctx, c.ID, "nope"), storage.ErrNotFound)
		assert.ErrorIs(t, d.RecordSubscriptionMessage(ctx, c.ID, "nope", at), storage.ErrNotFound)
		_, err = d.UpsertSubscription(ctx, storage.Subscription{ConnectionID: "missing", Pattern: "x"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		d := newDir(t)
		c := NewConnection("alice")
		require.NoError(t, d.Create(ctx, c))
		_, err := d.UpsertSubscription(ctx, storage.Subscription{ConnectionID: c.ID, Pattern: "#", Subscribed: true})
		require.NoError(t, err)

		require.NoError(t, d.Delete(ctx, c.ID))
		_, err = d.Get(ctx, c.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		rows, err := d.ListSubscriptions(ctx, c.ID)
		require.NoError(t, err)
		assert.Empty(t, rows)

		assert.ErrorIs(t, d.Delete(ctx, c.ID), storage.ErrNotFound)
	})
}

// RunMessageStore exercises a MessageStore created fresh by newStore for
// each subtest.
func RunMessageStore(t *testing.T, newStore func(t *testing.T) storage.MessageStore) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	appendN := func(t *testing.T, s storage.MessageStore, conn, topic string, n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
			require.NoError(t, s.Append(ctx, &storage.IngestedMessage{
				ConnectionID:  conn,
				Topic:         topic,
				Payload:       payload,
				Direction:     storage.DirectionInbound,
				Timestamp:     base.Add(time.Duration(i) * time.Second),
				ExtractedKeys: extract.Extract(payload),
			}))
		}
	}

	t.Run("AppendQuery", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, "c1", "a/b", 5)
		appendN(t, s, "c2", "x/y", 2)

		msgs, err := s.QueryByConnection(ctx, "c1", 3)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, `{"seq":4}`, string(msgs[0].Payload), "newest first")
		assert.Equal(t, `{"seq":2}`, string(msgs[2].Payload))
		assert.NotEmpty(t, msgs[0].ID)
		assert.Equal(t, storage.DirectionInbound, msgs[0].Direction)
		assert.True(t, msgs[0].ExtractedKeys["seq"].Equal(extract.Number(4)))

		msgs, err = s.QueryByTopic(ctx, "x/y", 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	})

	t.Run("PayloadStoredVerbatim", func(t *testing.T) {
		s := newStore(t)
		payload := []byte{0x00, 0xff, 'n', 'o', 't', ' ', 'j', 's', 'o', 'n'}
		require.NoError(t, s.Append(ctx, &storage.IngestedMessage{
			ConnectionID: "c1", Topic: "bin", Payload: payload, QoS: 1, Retain: true, Timestamp: base,
		}))
		msgs, err := s.QueryByTopic(ctx, "bin", 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, payload, msgs[0].Payload)
		assert.Nil(t, msgs[0].ExtractedKeys)
		assert.Equal(t, byte(1), msgs[0].QoS)
		assert.True(t, msgs[0].Retain)
	})

	t.Run("PruneOldestRemovesOldestHalf", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, "c1", "a/b", 10)

		pruned, err := s.PruneOldest(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, 5, pruned)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		msgs, err := s.QueryByConnection(ctx, "c1", 100)
		require.NoError(t, err)
		require.Len(t, msgs, 5)
		assert.Equal(t, `{"seq":5}`, string(msgs[len(msgs)-1].Payload), "oldest survivor")

		pruned, err = s.PruneOldest(ctx, 50)
		require.NoError(t, err)
		assert.Equal(t, 5, pruned)
	})

	t.Run("TopicKeys", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertTopicKey(ctx, "a/b", "temp", extract.Number(20.5), base))
		require.NoError(t, s.UpsertTopicKey(ctx, "a/b", "temp", extract.Number(21), base.Add(time.Second)))
		require.NoError(t, s.UpsertTopicKey(ctx, "a/b", "ok", extract.Bool(true), base))
		require.NoError(t, s.UpsertTopicKey(ctx, "other", "temp", extract.String("x"), base))

		keys, err := s.ListTopicKeys(ctx, "a/b")
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "ok", keys[0].Key)
		assert.Equal(t, extract.TypeBoolean, keys[0].Type)
		assert.Equal(t, "temp", keys[1].Key)
		assert.Equal(t, int64(2), keys[1].Count)
		assert.Equal(t, "21", keys[1].LastValue)
		assert.Equal(t, extract.TypeNumber, keys[1].Type)
		assert.True(t, base.Equal(keys[1].FirstSeenAt))
		assert.True(t, base.Add(time.Second).Equal(keys[1].LastSeenAt))
	})

	t.Run("KeyValueHistory", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, "c1", "a/b", 4)

		points, err := s.KeyValueHistory(ctx, "a/b", "seq", 2)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, float64(3), points[0].Value.Num)
		assert.Equal(t, float64(2), points[1].Value.Num)

		points, err = s.KeyValueHistory(ctx, "a/b", "missing", 10)
		require.NoError(t, err)
		assert.Empty(t, points)
	})

	t.Run("DeleteTopic", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, "c1", "a/b", 3)
		appendN(t, s, "c1", "keep", 2)
		require.NoError(t, s.UpsertTopicKey(ctx, "a/b", "seq", extract.Number(1), base))

		require.NoError(t, s.DeleteTopic(ctx, "a/b"))
		msgs, err := s.QueryByTopic(ctx, "a/b", 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		keys, err := s.ListTopicKeys(ctx, "a/b")
		require.NoError(t, err)
		assert.Empty(t, keys)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
