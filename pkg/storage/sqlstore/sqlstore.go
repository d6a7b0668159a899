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

// Package sqlstore implements storage.Directory and storage.MessageStore on
// database/sql. PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite) are
// supported; queries are written with '?' placeholders and rebound per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/turtacn/mqtt-gateway/pkg/storage"
)

// Dialect selects the SQL flavour.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrUnsupportedDialect is returned by Open for unknown drivers.
var ErrUnsupportedDialect = errors.New("unsupported sql dialect")

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is a SQL-backed Directory and MessageStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// Open opens a database for the given dialect and verifies it is reachable.
func Open(ctx context.Context, dialect Dialect, dsn string, opts Options, logger *zap.Logger) (*Store, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// One writer; concurrent connections only produce SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		for _, pragma := range []string{"journal_mode=WAL", "busy_timeout=5000", "synchronous=NORMAL"} {
			if _, err := db.ExecContext(ctx, "PRAGMA "+pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set PRAGMA %s: %w", pragma, err)
			}
		}
	}

	return New(db, dialect, logger), nil
}

// New wraps an already opened database.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, dialect: dialect, logger: logger.Named("sqlstore")}
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	blob, serial := "BLOB", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		blob, serial = "BYTEA", "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			transport TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			connected INTEGER NOT NULL DEFAULT 0,
			last_connected_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_owner ON connections (owner_id)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			connection_id TEXT NOT NULL,
			pattern TEXT NOT NULL,
			qos INTEGER NOT NULL DEFAULT 0,
			subscribed INTEGER NOT NULL DEFAULT 0,
			message_count BIGINT NOT NULL DEFAULT 0,
			last_message_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (connection_id, pattern)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq ` + serial + `,
			id TEXT NOT NULL UNIQUE,
			connection_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload ` + blob + `,
			qos INTEGER NOT NULL DEFAULT 0,
			retain INTEGER NOT NULL DEFAULT 0,
			direction TEXT NOT NULL DEFAULT 'inbound',
			ts BIGINT NOT NULL,
			extracted_keys TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_connection ON messages (connection_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages (topic, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages (ts)`,
		`CREATE TABLE IF NOT EXISTS topic_keys (
			topic TEXT NOT NULL,
			key_name TEXT NOT NULL,
			value_type TEXT NOT NULL,
			last_value TEXT NOT NULL DEFAULT '',
			occurrences BIGINT NOT NULL DEFAULT 0,
			first_seen_at BIGINT NOT NULL,
			last_seen_at BIGINT NOT NULL,
			PRIMARY KEY (topic, key_name)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	s.logger.Debug("schema ensured", zap.String("dialect", string(s.dialect)))
	return nil
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ storage.Directory    = (*Store)(nil)
	_ storage.MessageStore = (*Store)(nil)
)
