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

// Package storage defines the two durable collaborators of the gateway, the
// connection Directory and the MessageStore, together with in-memory
// implementations. SQL implementations live in the sqlstore subpackage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/turtacn/mqtt-gateway/pkg/extract"
)

var (
	// ErrNotFound is returned when a connection, subscription or topic is unknown.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalid is returned for records that fail validation.
	ErrInvalid = errors.New("invalid record")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store is closed")
)

// Directory is the durable store of logical connections and their
// subscription records.
type Directory interface {
	// Get returns the connection with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*LogicalConnection, error)
	// List returns every connection.
	List(ctx context.Context) ([]LogicalConnection, error)
	// ListByOwner returns the connections owned by ownerID.
	ListByOwner(ctx context.Context, ownerID string) ([]LogicalConnection, error)
	// Create stores a new connection. An empty ID is assigned.
	Create(ctx context.Context, conn *LogicalConnection) error
	// Update applies a partial update and returns the updated record.
	Update(ctx context.Context, id string, update ConnectionUpdate) (*LogicalConnection, error)
	// Delete removes a connection and all of its subscriptions.
	Delete(ctx context.Context, id string) error

	// ListSubscriptions returns the subscription rows of a connection.
	ListSubscriptions(ctx context.Context, connectionID string) ([]Subscription, error)
	// UpsertSubscription creates the (connection, pattern) row or updates its
	// QoS and subscribed flag. Counters are preserved.
	UpsertSubscription(ctx context.Context, sub Subscription) (*Subscription, error)
	// MarkUnsubscribed clears the subscribed flag of a row.
	MarkUnsubscribed(ctx context.Context, connectionID, pattern string) error
	// RecordSubscriptionMessage increments the message count of a row and
	// moves its last-message timestamp forward.
	RecordSubscriptionMessage(ctx context.Context, connectionID, pattern string, at time.Time) error
}

// MessageStore is the durable store of ingested messages and the
// topic→key index.
type MessageStore interface {
	// Append persists a message. An empty ID is assigned.
	Append(ctx context.Context, msg *IngestedMessage) error
	// QueryByConnection returns up to limit messages of a connection, newest first.
	QueryByConnection(ctx context.Context, connectionID string, limit int) ([]IngestedMessage, error)
	// QueryByTopic returns up to limit messages on a concrete topic, newest first.
	QueryByTopic(ctx context.Context, topic string, limit int) ([]IngestedMessage, error)
	// Count returns the number of stored messages.
	Count(ctx context.Context) (int, error)
	// PruneOldest deletes the n oldest messages by timestamp and returns how
	// many were deleted.
	PruneOldest(ctx context.Context, n int) (int, error)

	// UpsertTopicKey bumps the occurrence count of (topic, key) and
	// overwrites its type, last value and last-seen time.
	UpsertTopicKey(ctx context.Context, topic, key string, value extract.Value, at time.Time) error
	// ListTopicKeys returns the key index of a topic sorted by key.
	ListTopicKeys(ctx context.Context, topic string) ([]TopicKey, error)
	// KeyValueHistory returns up to limit values of a key, newest first.
	KeyValueHistory(ctx context.Context, topic, key string, limit int) ([]KeyValuePoint, error)
	// DeleteTopic removes every message and key entry of a topic.
	DeleteTopic(ctx context.Context, topic string) error

	// Close releases the store.
	Close() error
}

// DefaultQueryLimit is used when a query limit is not positive.
const DefaultQueryLimit = 100

// NormalizeLimit clamps a query limit into (0, max]. A max of zero means no cap.
func NormalizeLimit(limit, max int) int {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}
