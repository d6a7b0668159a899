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

package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-gateway/pkg/storage"
	"github.com/turtacn/mqtt-gateway/pkg/storage/storagetest"
)

func TestMemDirectory(t *testing.T) {
	storagetest.RunDirectory(t, func(t *testing.T) storage.Directory {
		return storage.NewMemDirectory()
	})
}

func TestMemMessageStore(t *testing.T) {
	storagetest.RunMessageStore(t, func(t *testing.T) storage.MessageStore {
		s := storage.NewMemMessageStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemDirectoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	d := storage.NewMemDirectory()
	c := storagetest.NewConnection("alice")
	require.NoError(t, d.Create(ctx, c))

	got, err := d.Get(ctx, c.ID)
	require.NoError(t, err)
	got.Host = "mutated"

	again, err := d.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", again.Host)
}

func TestMemMessageStoreOutOfOrderAppend(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemMessageStore()
	base := time.Now()

	for _, offset := range []int{3, 1, 2, 0} {
		require.NoError(t, s.Append(ctx, &storage.IngestedMessage{
			ConnectionID: "c",
			Topic:        "t",
			Payload:      []byte{byte(offset)},
			Timestamp:    base.Add(time.Duration(offset) * time.Second),
		}))
	}

	_, err := s.PruneOldest(ctx, 2)
	require.NoError(t, err)

	msgs, err := s.QueryByTopic(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte{3}, msgs[0].Payload)
	assert.Equal(t, []byte{2}, msgs[1].Payload)
}

func TestMemMessageStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemMessageStore()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Append(ctx, &storage.IngestedMessage{Topic: "t"}), storage.ErrClosed)
	_, err := s.Count(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestMemDirectoryConcurrentCounters(t *testing.T) {
	ctx := context.Background()
	d := storage.NewMemDirectory()
	c := storagetest.NewConnection("alice")
	require.NoError(t, d.Create(ctx, c))
	_, err := d.UpsertSubscription(ctx, storage.Subscription{ConnectionID: c.ID, Pattern: "#", Subscribed: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.RecordSubscriptionMessage(ctx, c.ID, "#", time.Now()))
		}()
	}
	wg.Wait()

	rows, err := d.ListSubscriptions(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), rows[0].MessageCount)
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		transport storage.Transport
		path      string
		want      string
	}{
		{storage.TransportTCP, "", "tcp://broker:1883"},
		{storage.TransportTLS, "", "tls://broker:1883"},
		{storage.TransportWS, "", "ws://broker:1883/mqtt"},
		{storage.TransportWSS, "ws", "wss://broker:1883/ws"},
	}
	for _, tt := range tests {
		c := storage.LogicalConnection{Host: "broker", Port: 1883, Transport: tt.transport, Path: tt.path}
		assert.Equal(t, tt.want, c.BrokerURL())
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, storage.DefaultQueryLimit, storage.NormalizeLimit(0, 0))
	assert.Equal(t, 10, storage.NormalizeLimit(10, 0))
	assert.Equal(t, 50, storage.NormalizeLimit(500, 50))
}
