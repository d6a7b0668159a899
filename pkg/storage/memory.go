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

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/mqtt-gateway/pkg/extract"
)

// MemDirectory is an in-memory Directory, safe for concurrent use.
type MemDirectory struct {
	connections   map[string]*LogicalConnection
	subscriptions map[string]map[string]*Subscription // connectionID -> pattern -> row
	now           func() time.Time
	mu            sync.RWMutex
}

// NewMemDirectory creates an empty MemDirectory.
func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		connections:   make(map[string]*LogicalConnection),
		subscriptions: make(map[string]map[string]*Subscription),
		now:           time.Now,
	}
}

// Get returns a copy of the connection.
func (d *MemDirectory) Get(_ context.Context, id string) (*LogicalConnection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.connections[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// List returns every connection sorted by creation time.
func (d *MemDirectory) List(_ context.Context) ([]LogicalConnection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.collect(func(*LogicalConnection) bool { return true }), nil
}

// ListByOwner returns the connections of ownerID sorted by creation time.
func (d *MemDirectory) ListByOwner(_ context.Context, ownerID string) ([]LogicalConnection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.collect(func(c *LogicalConnection) bool { return c.OwnerID == ownerID }), nil
}

func (d *MemDirectory) collect(keep func(*LogicalConnection) bool) []LogicalConnection {
	out := make([]LogicalConnection, 0, len(d.connections))
	for _, c := range d.connections {
		if keep(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Create stores a copy of conn, assigning an ID and timestamps.
func (d *MemDirectory) Create(_ context.Context, conn *LogicalConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if err := conn.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.connections[conn.ID]; exists {
		return fmt.Errorf("connection %s: %w", conn.ID, ErrAlreadyExists)
	}
	now := d.now()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	cp := *conn
	d.connections[conn.ID] = &cp
	return nil
}

// Update applies update to the connection.
func (d *MemDirectory) Update(_ context.Context, id string, update ConnectionUpdate) (*LogicalConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.connections[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	next := *c
	update.Apply(&next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = d.now()
	d.connections[id] = &next
	cp := next
	return &cp, nil
}

// Delete removes the connection and its subscriptions.
func (d *MemDirectory) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.connections[id]; !ok {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	delete(d.connections, id)
	delete(d.subscriptions, id)
	return nil
}

// ListSubscriptions returns the rows of a connection sorted by pattern.
func (d *MemDirectory) ListSubscriptions(_ context.Context, connectionID string) ([]Subscription, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows := d.subscriptions[connectionID]
	out := make([]Subscription, 0, len(rows))
	for _, s := range rows {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out, nil
}

// UpsertSubscription creates or updates the (connection, pattern) row.
func (d *MemDirectory) UpsertSubscription(_ context.Context, sub Subscription) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.connections[sub.ConnectionID]; !ok {
		return nil, fmt.Errorf("connection %s: %w", sub.ConnectionID, ErrNotFound)
	}
	rows, ok := d.subscriptions[sub.ConnectionID]
	if !ok {
		rows = make(map[string]*Subscription)
		d.subscriptions[sub.ConnectionID] = rows
	}

	now := d.now()
	row, exists := rows[sub.Pattern]
	if !exists {
		row = &Subscription{
			ConnectionID: sub.ConnectionID,
			Pattern:      sub.Pattern,
			CreatedAt:    now,
		}
		rows[sub.Pattern] = row
	}
	row.QoS = sub.QoS
	row.Subscribed = sub.Subscribed
	row.UpdatedAt = now

	cp := *row
	return &cp, nil
}

// MarkUnsubscribed clears the subscribed flag of a row.
func (d *MemDirectory) MarkUnsubscribed(_ context.Context, connectionID, pattern string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	row, err := d.row(connectionID, pattern)
	if err != nil {
		return err
	}
	row.Subscribed = false
	row.UpdatedAt = d.now()
	return nil
}

// RecordSubscriptionMessage bumps the count and last-message time of a row.
func (d *MemDirectory) RecordSubscriptionMessage(_ context.Context, connectionID, pattern string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	row, err := d.row(connectionID, pattern)
	if err != nil {
		return err
	}
	row.MessageCount++
	if at.After(row.LastMessageAt) {
		row.LastMessageAt = at
	}
	return nil
}

func (d *MemDirectory) row(connectionID, pattern string) (*Subscription, error) {
	row, ok := d.subscriptions[connectionID][pattern]
	if !ok {
		return nil, fmt.Errorf("subscription %s %q: %w", connectionID, pattern, ErrNotFound)
	}
	return row, nil
}

// MemMessageStore is an in-memory MessageStore. Messages are kept ordered by
// timestamp so that pruning removes the oldest first.
type MemMessageStore struct {
	messages []IngestedMessage
	keys     map[string]map[string]*TopicKey // topic -> key -> entry
	closed   bool
	mu       sync.RWMutex
}

// NewMemMessageStore creates an empty MemMessageStore.
func NewMemMessageStore() *MemMessageStore {
	return &MemMessageStore{
		keys: make(map[string]map[string]*TopicKey),
	}
}

// Append stores a copy of msg.
func (s *MemMessageStore) Append(_ context.Context, msg *IngestedMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cp := *msg
	cp.Payload = append([]byte(nil), msg.Payload...)

	// Messages almost always arrive in timestamp order; only walk back when
	// one does not.
	i := len(s.messages)
	for i > 0 && s.messages[i-1].Timestamp.After(cp.Timestamp) {
		i--
	}
	s.messages = append(s.messages, IngestedMessage{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = cp
	return nil
}

// QueryByConnection returns the newest messages of a connection.
func (s *MemMessageStore) QueryByConnection(_ context.Context, connectionID string, limit int) ([]IngestedMessage, error) {
	return s.query(limit, func(m *IngestedMessage) bool { return m.ConnectionID == connectionID })
}

// QueryByTopic returns the newest messages on a topic.
func (s *MemMessageStore) QueryByTopic(_ context.Context, topic string, limit int) ([]IngestedMessage, error) {
	return s.query(limit, func(m *IngestedMessage) bool { return m.Topic == topic })
}

func (s *MemMessageStore) query(limit int, keep func(*IngestedMessage) bool) ([]IngestedMessage, error) {
	limit = NormalizeLimit(limit, 0)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []IngestedMessage
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(&s.messages[i]) {
			out = append(out, s.messages[i])
		}
	}
	return out, nil
}

// Count returns the number of stored messages.
func (s *MemMessageStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.messages), nil
}

// PruneOldest drops the n oldest messages.
func (s *MemMessageStore) PruneOldest(_ context.Context, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if n <= 0 {
		return 0, nil
	}
	if n > len(s.messages) {
		n = len(s.messages)
	}
	remaining := make([]IngestedMessage, len(s.messages)-n)
	copy(remaining, s.messages[n:])
	s.messages = remaining
	return n, nil
}

// UpsertTopicKey updates the key index entry of (topic, key).
func (s *MemMessageStore) UpsertTopicKey(_ context.Context, topic, key string, value extract.Value, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	entries, ok := s.keys[topic]
	if !ok {
		entries = make(map[string]*TopicKey)
		s.keys[topic] = entries
	}
	entry, ok := entries[key]
	if !ok {
		entry = &TopicKey{Topic: topic, Key: key, FirstSeenAt: at}
		entries[key] = entry
	}
	entry.Count++
	entry.Type = value.Type
	entry.LastValue = value.String()
	entry.LastSeenAt = at
	return nil
}

// ListTopicKeys returns the key index of a topic.
func (s *MemMessageStore) ListTopicKeys(_ context.Context, topic string) ([]TopicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries := s.keys[topic]
	out := make([]TopicKey, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// KeyValueHistory walks the messages of a topic newest first.
func (s *MemMessageStore) KeyValueHistory(_ context.Context, topic, key string, limit int) ([]KeyValuePoint, error) {
	limit = NormalizeLimit(limit, 0)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []KeyValuePoint
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := &s.messages[i]
		if m.Topic != topic {
			continue
		}
		if v, ok := m.ExtractedKeys[key]; ok {
			out = append(out, KeyValuePoint{MessageID: m.ID, Timestamp: m.Timestamp, Value: v})
		}
	}
	return out, nil
}

// DeleteTopic removes the messages and key index of a topic.
func (s *MemMessageStore) DeleteTopic(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.Topic != topic {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(s.messages); i++ {
		s.messages[i] = IngestedMessage{}
	}
	s.messages = kept
	delete(s.keys, topic)
	return nil
}

// Close marks the store closed and drops its contents.
func (s *MemMessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.messages = nil
	s.keys = nil
	return nil
}

var (
	_ Directory    = (*MemDirectory)(nil)
	_ MessageStore = (*MemMessageStore)(nil)
)
