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

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/mqtt-gateway/pkg/storage"
)

const connectionColumns = `id, owner_id, name, host, port, transport, path, client_id,
	username, password, connected, last_connected_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*storage.LogicalConnection, error) {
	var (
		c                                 storage.LogicalConnection
		transport                         string
		connected                         int
		lastConnected, created, updatedAt int64
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Host, &c.Port, &transport, &c.Path, &c.ClientID,
		&c.Username, &c.Password, &connected, &lastConnected, &created, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Transport = storage.Transport(transport)
	c.Connected = connected != 0
	c.LastConnectedAt = fromNanos(lastConnected)
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updatedAt)
	return &c, nil
}

func (s *Store) getConnection(ctx context.Context, q querier, id string) (*storage.LogicalConnection, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+connectionColumns+` FROM connections WHERE id = ?`), id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection %s: %w", id, err)
	}
	return c, nil
}

// Get returns the connection with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*storage.LogicalConnection, error) {
	return s.getConnection(ctx, s.db, id)
}

// List returns every connection ordered by creation time.
func (s *Store) List(ctx context.Context) ([]storage.LogicalConnection, error) {
	return s.listConnections(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY created_at, id`)
}

// ListByOwner returns the connections of ownerID ordered by creation time.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]storage.LogicalConnection, error) {
	return s.listConnections(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
}

func (s *Store) listConnections(ctx context.Context, query string, args ...any) ([]storage.LogicalConnection, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []storage.LogicalConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Create inserts a new connection.
func (s *Store) Create(ctx context.Context, conn *storage.LogicalConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if err := conn.Validate(); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM connections WHERE id = ?`), conn.ID).Scan(&exists)
		if err == nil {
			return fmt.Errorf("connection %s: %w", conn.ID, storage.ErrAlreadyExists)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check connection %s: %w", conn.ID, err)
		}

		now := time.Now()
		conn.CreatedAt = now
		conn.UpdatedAt = now
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO connections (`+connectionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			conn.ID, conn.OwnerID, conn.Name, conn.Host, conn.Port, string(conn.Transport), conn.Path, conn.ClientID,
			conn.Username, conn.Password, boolInt(conn.Connected), toNanos(conn.LastConnectedAt),
			toNanos(conn.CreatedAt), toNanos(conn.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert connection %s: %w", conn.ID, err)
		}
		return nil
	})
}

// Update applies update inside a transaction.
func (s *Store) Update(ctx context.Context, id string, update storage.ConnectionUpdate) (*storage.LogicalConnection, error) {
	var result *storage.LogicalConnection
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.getConnection(ctx, tx, id)
		if err != nil {
			return err
		}
		update.Apply(c)
		if err := c.Validate(); err != nil {
			return err
		}
		c.UpdatedAt = time.Now()

		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE connections SET
			name = ?, host = ?, port = ?, transport = ?, path = ?, client_id = ?, username = ?, password = ?,
			connected = ?, last_connected_at = ?, updated_at = ?
			WHERE id = ?`),
			c.Name, c.Host, c.Port, string(c.Transport), c.Path, c.ClientID, c.Username, c.Password,
			boolInt(c.Connected), toNanos(c.LastConnectedAt), toNanos(c.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("failed to update connection %s: %w", id, err)
		}
		result = c
		return nil
	})
	return result, err
}

// Delete removes a connection and its subscriptions.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM connections WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("failed to delete connection %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("connection %s: %w", id, storage.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM subscriptions WHERE connection_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete subscriptions of %s: %w", id, err)
		}
		return nil
	})
}

const subscriptionColumns = `connection_id, pattern, qos, subscribed, message_count, last_message_at, created_at, updated_at`

func scanSubscription(row rowScanner) (*storage.Subscription, error) {
	var (
		sub                          storage.Subscription
		qos, subscribed              int
		lastMessage, created, update int64
	)
	if err := row.Scan(&sub.ConnectionID, &sub.Pattern, &qos, &subscribed, &sub.MessageCount,
		&lastMessage, &created, &update); err != nil {
		return nil, err
	}
	sub.QoS = byte(qos)
	sub.Subscribed = subscribed != 0
	sub.LastMessageAt = fromNanos(lastMessage)
	sub.CreatedAt = fromNanos(created)
	sub.UpdatedAt = fromNanos(update)
	return &sub, nil
}

// ListSubscriptions returns the rows of a connection ordered by pattern.
func (s *Store) ListSubscriptions(ctx context.Context, connectionID string) ([]storage.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE connection_id = ? ORDER BY pattern`), connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of %s: %w", connectionID, err)
	}
	defer rows.Close()

	var out []storage.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// UpsertSubscription inserts or updates the (connection, pattern) row,
// leaving its counters untouched.
func (s *Store) UpsertSubscription(ctx context.Context, sub storage.Subscription) (*storage.Subscription, error) {
	var result *storage.Subscription
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getConnection(ctx, tx, sub.ConnectionID); err != nil {
			return err
		}

		now := toNanos(time.Now())
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO subscriptions
			(connection_id, pattern, qos, subscribed, message_count, last_message_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, 0, ?, ?)
			ON CONFLICT (connection_id, pattern) DO UPDATE SET
				qos = excluded.qos, subscribed = excluded.subscribed, updated_at = excluded.updated_at`),
			sub.ConnectionID, sub.Pattern, int(sub.QoS), boolInt(sub.Subscribed), now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert subscription %s %q: %w", sub.ConnectionID, sub.Pattern, err)
		}

		row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+subscriptionColumns+`
			FROM subscriptions WHERE connection_id = ? AND pattern = ?`), sub.ConnectionID, sub.Pattern)
		result, err = scanSubscription(row)
		if err != nil {
			return fmt.Errorf("failed to reload subscription %s %q: %w", sub.ConnectionID, sub.Pattern, err)
		}
		return nil
	})
	return result, err
}

// MarkUnsubscribed clears the subscribed flag of a row.
func (s *Store) MarkUnsubscribed(ctx context.Context, connectionID, pattern string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE subscriptions SET subscribed = 0, updated_at = ?
		WHERE connection_id = ? AND pattern = ?`), toNanos(time.Now()), connectionID, pattern)
	return s.checkSubscriptionUpdate(res, err, connectionID, pattern)
}

// RecordSubscriptionMessage increments the counter of a row. The last-message
// time only moves forward.
func (s *Store) RecordSubscriptionMessage(ctx context.Context, connectionID, pattern string, at time.Time) error {
	ts := toNanos(at)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE subscriptions SET
			message_count = message_count + 1,
			last_message_at = CASE WHEN last_message_at < ? THEN ? ELSE last_message_at END
		WHERE connection_id = ? AND pattern = ?`), ts, ts, connectionID, pattern)
	return s.checkSubscriptionUpdate(res, err, connectionID, pattern)
}

func (s *Store) checkSubscriptionUpdate(res sql.Result, err error, connectionID, pattern string) error {
	if err != nil {
		return fmt.Errorf("failed to update subscription %s %q: %w", connectionID, pattern, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %s %q: %w", connectionID, pattern, storage.ErrNotFound)
	}
	return nil
}
