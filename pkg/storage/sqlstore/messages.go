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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/extract"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
)

const messageColumns = `id, connection_id, topic, payload, qos, retain, direction, ts, extracted_keys`

func (s *Store) scanMessage(row rowScanner) (*storage.IngestedMessage, error) {
	var (
		m           storage.IngestedMessage
		qos, retain int
		direction   string
		ts          int64
		keys        sql.NullString
	)
	if err := row.Scan(&m.ID, &m.ConnectionID, &m.Topic, &m.Payload, &qos, &retain, &direction, &ts, &keys); err != nil {
		return nil, err
	}
	m.QoS = byte(qos)
	m.Retain = retain != 0
	m.Direction = storage.Direction(direction)
	m.Timestamp = fromNanos(ts)
	if keys.Valid && keys.String != "" {
		if err := json.Unmarshal([]byte(keys.String), &m.ExtractedKeys); err != nil {
			// The message itself is still usable.
			s.logger.Warn("failed to decode extracted keys", zap.String("message_id", m.ID), zap.Error(err))
			m.ExtractedKeys = nil
		}
	}
	return &m, nil
}

// Append inserts msg.
func (s *Store) Append(ctx context.Context, msg *storage.IngestedMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Direction == "" {
		msg.Direction = storage.DirectionInbound
	}

	var keys sql.NullString
	if len(msg.ExtractedKeys) > 0 {
		b, err := json.Marshal(msg.ExtractedKeys)
		if err != nil {
			return fmt.Errorf("failed to encode extracted keys: %w", err)
		}
		keys = sql.NullString{String: string(b), Valid: true}
	}

	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConnectionID, msg.Topic, payload, int(msg.QoS), boolInt(msg.Retain),
		string(msg.Direction), toNanos(msg.Timestamp), keys)
	if err != nil {
		return fmt.Errorf("failed to append message on %q: %w", msg.Topic, err)
	}
	return nil
}

// QueryByConnection returns the newest messages of a connection.
func (s *Store) QueryByConnection(ctx context.Context, connectionID string, limit int) ([]storage.IngestedMessage, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE connection_id = ? ORDER BY ts DESC, seq DESC LIMIT ?`, connectionID, storage.NormalizeLimit(limit, 0))
}

// QueryByTopic returns the newest messages on a topic.
func (s *Store) QueryByTopic(ctx context.Context, topic string, limit int) ([]storage.IngestedMessage, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE topic = ? ORDER BY ts DESC, seq DESC LIMIT ?`, topic, storage.NormalizeLimit(limit, 0))
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]storage.IngestedMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []storage.IngestedMessage
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Count returns the number of stored messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// PruneOldest deletes the n oldest messages by timestamp.
func (s *Store) PruneOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE seq IN (
		SELECT seq FROM messages ORDER BY ts, seq LIMIT ?)`), n)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned count: %w", err)
	}
	return int(deleted), nil
}

// UpsertTopicKey bumps the (topic, key) index entry.
func (s *Store) UpsertTopicKey(ctx context.Context, topic, key string, value extract.Value, at time.Time) error {
	ts := toNanos(at)
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO topic_keys
		(topic, key_name, value_type, last_value, occurrences, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (topic, key_name) DO UPDATE SET
			value_type = excluded.value_type,
			last_value = excluded.last_value,
			occurrences = topic_keys.occurrences + 1,
			last_seen_at = excluded.last_seen_at`),
		topic, key, string(value.Type), value.String(), ts, ts)
	if err != nil {
		return fmt.Errorf("failed to upsert key %q of %q: %w", key, topic, err)
	}
	return nil
}

// ListTopicKeys returns the key index of a topic ordered by key.
func (s *Store) ListTopicKeys(ctx context.Context, topic string) ([]storage.TopicKey, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT topic, key_name, value_type, last_value, occurrences,
		first_seen_at, last_seen_at FROM topic_keys WHERE topic = ? ORDER BY key_name`), topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %q: %w", topic, err)
	}
	defer rows.Close()

	var out []storage.TopicKey
	for rows.Next() {
		var (
			k           storage.TopicKey
			typ         string
			first, last int64
		)
		if err := rows.Scan(&k.Topic, &k.Key, &typ, &k.LastValue, &k.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan topic key: %w", err)
		}
		k.Type = extract.Type(typ)
		k.FirstSeenAt = fromNanos(first)
		k.LastSeenAt = fromNanos(last)
		out = append(out, k)
	}
	return out, rows.Err()
}

// KeyValueHistory scans the messages of a topic newest first and collects
// the values of key.
func (s *Store) KeyValueHistory(ctx context.Context, topic, key string, limit int) ([]storage.KeyValuePoint, error) {
	limit = storage.NormalizeLimit(limit, 0)

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+messageColumns+` FROM messages
		WHERE topic = ? AND extracted_keys IS NOT NULL ORDER BY ts DESC, seq DESC`), topic)
	if err != nil {
		return nil, fmt.Errorf("failed to query history of %q: %w", topic, err)
	}
	defer rows.Close()

	var out []storage.KeyValuePoint
	for rows.Next() && len(out) < limit {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if v, ok := m.ExtractedKeys[key]; ok {
			out = append(out, storage.KeyValuePoint{MessageID: m.ID, Timestamp: m.Timestamp, Value: v})
		}
	}
	return out, rows.Err()
}

// DeleteTopic removes the messages and key index of a topic.
func (s *Store) DeleteTopic(ctx context.Context, topic string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE topic = ?`), topic); err != nil {
			return fmt.Errorf("failed to delete messages of %q: %w", topic, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM topic_keys WHERE topic = ?`), topic); err != nil {
			return fmt.Errorf("failed to delete keys of %q: %w", topic, err)
		}
		return nil
	})
}
