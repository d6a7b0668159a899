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

package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dialHub(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketStreamsEvents(t *testing.T) {
	h := New(Options{BufferSize: 16, Logger: zaptest.NewLogger(t)})
	srv := httptest.NewServer(h.Handler(HandlerOptions{}))
	defer srv.Close()

	conn := dialHub(t, srv, nil)
	require.Eventually(t, func() bool { return h.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Broadcast(Event{Type: EventMessage, ConnectionID: "c1", Topic: "a/b", Payload: []byte("hello"), QoS: 1})
	h.Broadcast(StatusEvent("c1", "connected", nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	assert.Equal(t, EventMessage, first.Type)
	assert.Equal(t, "a/b", first.Topic)
	assert.Equal(t, []byte("hello"), first.Payload)
	assert.Equal(t, byte(1), first.QoS)
	assert.Equal(t, EventStatus, second.Type)
	assert.Equal(t, "connected", second.State)
}

func TestWebSocketUnregistersOnClientClose(t *testing.T) {
	h := New(Options{Logger: zaptest.NewLogger(t)})
	srv := httptest.NewServer(h.Handler(HandlerOptions{}))
	defer srv.Close()

	conn := dialHub(t, srv, nil)
	require.Eventually(t, func() bool { return h.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHeartbeat(t *testing.T) {
	h := New(Options{PingInterval: 20 * time.Millisecond, MaxMissedPongs: 2, Logger: zaptest.NewLogger(t)})
	srv := httptest.NewServer(h.Handler(HandlerOptions{}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// A reading client answers pings through gorilla's default ping handler.
	responsive := dialHub(t, srv, nil)
	go func() {
		for {
			if _, _, err := responsive.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return h.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	// A client that never reads never sees the pings, so never answers.
	_ = dialHub(t, srv, nil)
	require.Eventually(t, func() bool { return h.Sessions() == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return h.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond,
		"silent session should be evicted")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.Sessions(), "responsive session must stay registered")
}

func TestWebSocketOriginCheck(t *testing.T) {
	h := New(Options{Logger: zaptest.NewLogger(t)})
	srv := httptest.NewServer(h.Handler(HandlerOptions{AllowedOrigins: []string{"https://dash.example.com"}}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	conn := dialHub(t, srv, http.Header{"Origin": {"https://dash.example.com"}})
	assert.NotNil(t, conn)
}
