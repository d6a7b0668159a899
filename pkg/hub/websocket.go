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
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandlerOptions configures the WebSocket transport.
type HandlerOptions struct {
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
	// AllowedOrigins lists accepted Origin hosts. Empty accepts any origin.
	AllowedOrigins []string
	// ReadLimit caps inbound frames; sessions only send control frames.
	ReadLimit int64
}

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 4096
)

// Handler returns an http.Handler that upgrades requests to WebSocket
// sessions streaming the hub's events as JSON text frames.
func (h *Hub) Handler(opts HandlerOptions) http.Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
			return
		}
		h.serveSession(conn, opts)
	})
}

func (h *Hub) serveSession(conn *websocket.Conn, opts HandlerOptions) {
	defer conn.Close()

	ch, err := h.Register(uuid.NewString())
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(opts.WriteTimeout))
		return
	}
	defer h.Unregister(ch.ID())

	log := h.logger.With(zap.String("session_id", ch.ID()), zap.String("remote", conn.RemoteAddr().String()))
	log.Info("websocket session opened")
	defer log.Info("websocket session closed")

	conn.SetReadLimit(opts.ReadLimit)
	conn.SetPongHandler(func(string) error {
		ch.Pong()
		return nil
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			// Inbound data frames are ignored; reading drives the pong
			// handler and detects the peer closing.
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("websocket read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	for {
		select {
		case <-readDone:
			return
		case <-ch.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
				time.Now().Add(opts.WriteTimeout))
			return
		case <-ch.Pings():
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
				log.Debug("websocket ping failed", zap.Error(err))
				return
			}
		case e := <-ch.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	hosts := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		hosts[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := hosts[strings.ToLower(u.Host)]
		return ok
	}
}
