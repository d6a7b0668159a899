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

// Package gateway is the single entry point used by the HTTP layer. Every
// call is scoped to an owner: unknown connections and connections owned by
// someone else are both reported as not found.
package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/errdefs"
	"github.com/turtacn/mqtt-gateway/pkg/lifecycle"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
	"github.com/turtacn/mqtt-gateway/pkg/topic"
)

// MaxQueryLimit caps the page size of message and history queries.
const MaxQueryLimit = 1000

// Status describes a connection record together with its live state.
type Status struct {
	Connection    storage.LogicalConnection `json:"connection"`
	State         string                    `json:"state"`
	Live          bool                      `json:"live"`
	Patterns      []string                  `json:"patterns"`
	Subscriptions []storage.Subscription    `json:"subscriptions"`
}

// Gateway is the facade over the directory, the message store and the
// lifecycle manager.
type Gateway struct {
	dir       storage.Directory
	store     storage.MessageStore
	lifecycle *lifecycle.Manager
	logger    *zap.Logger
}

// New creates a Gateway.
func New(dir storage.Directory, store storage.MessageStore, mgr *lifecycle.Manager, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		dir:       dir,
		store:     store,
		lifecycle: mgr,
		logger:    logger.Named("gateway"),
	}
}

// authorize loads the connection and checks ownership. An empty ownerID is a
// trusted internal caller.
func (g *Gateway) authorize(ctx context.Context, op, ownerID, id string) (*storage.LogicalConnection, error) {
	conn, err := g.dir.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdefs.NotFound(op, id, err)
		}
		return nil, errdefs.Internal(op, id, err)
	}
	if ownerID != "" && conn.OwnerID != ownerID {
		return nil, errdefs.NotFound(op, id, nil)
	}
	return conn, nil
}

// Connect opens the broker connection of id.
func (g *Gateway) Connect(ctx context.Context, ownerID, id string) error {
	if _, err := g.authorize(ctx, "connect", ownerID, id); err != nil {
		return err
	}
	return g.lifecycle.Connect(ctx, id)
}

// Disconnect closes the broker connection of id.
func (g *Gateway) Disconnect(ctx context.Context, ownerID, id string) error {
	if _, err := g.authorize(ctx, "disconnect", ownerID, id); err != nil {
		return err
	}
	return g.lifecycle.Disconnect(ctx, id)
}

// Subscribe subscribes id to pattern.
func (g *Gateway) Subscribe(ctx context.Context, ownerID, id, pattern string, qos byte) (*storage.Subscription, error) {
	if _, err := g.authorize(ctx, "subscribe", ownerID, id); err != nil {
		return nil, err
	}
	return g.lifecycle.Subscribe(ctx, id, pattern, qos)
}

// Unsubscribe removes pattern from id.
func (g *Gateway) Unsubscribe(ctx context.Context, ownerID, id, pattern string) error {
	if _, err := g.authorize(ctx, "unsubscribe", ownerID, id); err != nil {
		return err
	}
	return g.lifecycle.Unsubscribe(ctx, id, pattern)
}

// Publish sends a message through the broker connection of id.
func (g *Gateway) Publish(ctx context.Context, ownerID, id, topicName string, payload []byte, qos byte, retain bool) (*storage.IngestedMessage, error) {
	if _, err := g.authorize(ctx, "publish", ownerID, id); err != nil {
		return nil, err
	}
	return g.lifecycle.Publish(ctx, id, topicName, payload, qos, retain)
}

// Status returns the record, live state and subscriptions of id.
func (g *Gateway) Status(ctx context.Context, ownerID, id string) (*Status, error) {
	const op = "status"
	conn, err := g.authorize(ctx, op, ownerID, id)
	if err != nil {
		return nil, err
	}
	subs, err := g.dir.ListSubscriptions(ctx, id)
	if err != nil {
		return nil, errdefs.Internal(op, id, err)
	}
	patterns := g.lifecycle.Patterns(id)
	if patterns == nil {
		patterns = []string{}
	}
	state := g.lifecycle.State(id)
	return &Status{
		Connection:    *conn,
		State:         state.String(),
		Live:          state == lifecycle.StateConnected,
		Patterns:      patterns,
		Subscriptions: subs,
	}, nil
}

// Delete force-disconnects id and removes its record and subscriptions.
func (g *Gateway) Delete(ctx context.Context, ownerID, id string) error {
	const op = "delete"
	if _, err := g.authorize(ctx, op, ownerID, id); err != nil {
		return err
	}
	if err := g.lifecycle.Disconnect(ctx, id); err != nil {
		return err
	}
	if err := g.dir.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errdefs.NotFound(op, id, err)
		}
		return errdefs.Internal(op, id, err)
	}
	g.logger.Info("Connection deleted", zap.String("connection_id", id))
	return nil
}

// Messages returns the newest messages of id.
func (g *Gateway) Messages(ctx context.Context, ownerID, id string, limit int) ([]storage.IngestedMessage, error) {
	const op = "messages"
	if _, err := g.authorize(ctx, op, ownerID, id); err != nil {
		return nil, err
	}
	msgs, err := g.store.QueryByConnection(ctx, id, storage.NormalizeLimit(limit, MaxQueryLimit))
	if err != nil {
		return nil, errdefs.Internal(op, id, err)
	}
	return msgs, nil
}

// TopicKeys returns the key index of a concrete topic.
func (g *Gateway) TopicKeys(ctx context.Context, topicName string) ([]storage.TopicKey, error) {
	const op = "topic keys"
	if err := topic.ValidateTopic(topicName); err != nil {
		return nil, errdefs.Protocol(op, "", err)
	}
	keys, err := g.store.ListTopicKeys(ctx, topicName)
	if err != nil {
		return nil, errdefs.Internal(op, "", err)
	}
	return keys, nil
}

// KeyHistory returns the newest values of key on a concrete topic.
func (g *Gateway) KeyHistory(ctx context.Context, topicName, key string, limit int) ([]storage.KeyValuePoint, error) {
	const op = "key history"
	if err := topic.ValidateTopic(topicName); err != nil {
		return nil, errdefs.Protocol(op, "", err)
	}
	if key == "" {
		return nil, errdefs.Protocol(op, "", errors.New("key cannot be empty"))
	}
	points, err := g.store.KeyValueHistory(ctx, topicName, key, storage.NormalizeLimit(limit, MaxQueryLimit))
	if err != nil {
		return nil, errdefs.Internal(op, "", err)
	}
	return points, nil
}

// Shutdown closes every broker connection.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.lifecycle.Shutdown(ctx)
}

// LiveConnections returns the number of connected broker clients.
func (g *Gateway) LiveConnections() int {
	return g.lifecycle.Count()
}
