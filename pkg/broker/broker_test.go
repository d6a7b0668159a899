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

package broker

import (
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startTestBroker(t *testing.T) *Broker {
	b := New("127.0.0.1:0", zaptest.NewLogger(t))
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func connectClient(t *testing.T, b *Broker, clientID string, lost chan<- error) mqtt.Client {
	opts := mqtt.NewClientOptions().AddBroker("tcp://" + b.Addr()).SetClientID(clientID).SetAutoReconnect(false)
	if lost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { lost <- err })
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(2*time.Second), "timed out connecting")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(50) })
	return client
}

func TestStartResolvesPort(t *testing.T) {
	b := startTestBroker(t)
	host, port := b.HostPort()
	assert.Equal(t, "127.0.0.1", host)
	assert.NotZero(t, port)
	assert.ErrorIs(t, b.Start(), ErrAlreadyStarted)
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := startTestBroker(t)
	client := connectClient(t, b, "sub-1", nil)

	msgs := make(chan mqtt.Message, 1)
	token := client.Subscribe("test/#", 1, func(_ mqtt.Client, m mqtt.Message) { msgs <- m })
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	require.NoError(t, b.Publish("test/topic", []byte("hello"), false, 0))

	select {
	case m := <-msgs:
		assert.Equal(t, "test/topic", m.Topic())
		assert.Equal(t, "hello", string(m.Payload()))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestKickDropsClient(t *testing.T) {
	b := startTestBroker(t)
	lost := make(chan error, 1)
	connectClient(t, b, "kick-me", lost)

	assert.False(t, b.Kick("unknown"))
	require.True(t, b.Kick("kick-me"))

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe the loss")
	}
}

func TestClosedBroker(t *testing.T) {
	b := New("127.0.0.1:0", nil)
	assert.ErrorIs(t, b.Publish("a", nil, false, 0), ErrNotStarted)
	assert.False(t, b.Kick("x"))
	assert.NoError(t, b.Close())
}
