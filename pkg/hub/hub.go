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

// Package hub fans events out to real-time sessions. Every session has its
// own bounded queue so a slow reader only loses its own oldest events and
// never delays the producer or other sessions.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/metrics"
)

// Defaults for Options.
const (
	DefaultBufferSize     = 64
	DefaultPingInterval   = 30 * time.Second
	DefaultMaxMissedPongs = 2
)

var (
	// ErrDuplicateSession is returned when registering a session ID twice.
	ErrDuplicateSession = errors.New("session already registered")
	// ErrHubClosed is returned by Register after Shutdown.
	ErrHubClosed = errors.New("hub is closed")
)

// Broadcaster accepts events for delivery to every session. Implementations
// must not block.
type Broadcaster interface {
	Broadcast(e Event)
}

// Options configures a Hub.
type Options struct {
	BufferSize     int
	PingInterval   time.Duration
	MaxMissedPongs int
	Logger         *zap.Logger
}

// Hub is the registry of sessions.
type Hub struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Channel
	closed   bool
}

// New creates a hub. Zero option values take the package defaults.
func New(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.MaxMissedPongs <= 0 {
		opts.MaxMissedPongs = DefaultMaxMissedPongs
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		opts:     opts,
		logger:   logger.Named("hub"),
		sessions: make(map[string]*Channel),
	}
}

// Register adds a session. An empty ID is replaced by a random one. The
// session receives every event broadcast after Register returns.
func (h *Hub) Register(sessionID string) (*Channel, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, exists := h.sessions[sessionID]; exists {
		return nil, ErrDuplicateSession
	}
	ch := newChannel(sessionID, h.opts.BufferSize)
	h.sessions[sessionID] = ch
	metrics.HubSessions.Inc()
	h.logger.Debug("session registered", zap.String("session_id", sessionID))
	return ch, nil
}

// Unregister removes a session and closes its channel. It reports whether
// the session was registered.
func (h *Hub) Unregister(sessionID string) bool {
	h.mu.Lock()
	ch, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
		ch.close()
		metrics.HubSessions.Dec()
	}
	h.mu.Unlock()

	if ok {
		h.logger.Debug("session unregistered", zap.String("session_id", sessionID))
	}
	return ok
}

// Broadcast delivers e to every registered session without blocking.
func (h *Hub) Broadcast(e Event) {
	metrics.HubEventsTotal.WithLabelValues(string(e.Type)).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.sessions {
		if n := ch.push(e); n > 0 {
			metrics.HubDroppedTotal.Add(float64(n))
		}
	}
}

// Sessions returns the number of registered sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// session returns the channel of a registered session.
func (h *Hub) session(sessionID string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.sessions[sessionID]
	return ch, ok
}

// Run drives the heartbeat until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// heartbeat requests a ping on every session and unregisters the ones that
// missed MaxMissedPongs consecutive pongs.
func (h *Hub) heartbeat() {
	var stale []string
	h.mu.RLock()
	for id, ch := range h.sessions {
		if ch.heartbeat() >= h.opts.MaxMissedPongs {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		if h.Unregister(id) {
			metrics.HubEvictedTotal.Inc()
			h.logger.Info("session evicted after missed pongs", zap.String("session_id", id))
		}
	}
}

// Shutdown unregisters every session and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*Channel)
	for _, ch := range sessions {
		ch.close()
	}
	metrics.HubSessions.Sub(float64(len(sessions)))
	h.mu.Unlock()
}

var _ Broadcaster = (*Hub)(nil)
