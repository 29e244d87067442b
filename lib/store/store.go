// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the SQLite-backed state store for SiteWarden:
// sites, sealed credentials, backups, tasks, conversations, and
// messages.
//
// Every operation takes a tenant.Context as its first argument after
// ctx and verifies row ownership before returning or mutating
// anything. A bound context only ever sees its own tenant's rows; the
// system context (stall checker, summary sweep) may scan across
// tenants. There is no code path that reads a row without an
// ownership check.
//
// Timestamps are Unix nanoseconds from the injected clock, so tests
// drive time explicitly.
package store

import (
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/sqlitepool"
)

// Store provides tenant-scoped access to the SiteWarden database.
// Safe for concurrent use; each method takes its own pooled
// connection.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// Clock provides timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Open opens (creating if necessary) the database and applies the
// schema. The caller must Close the store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixNano()
}

const schema = `
CREATE TABLE IF NOT EXISTS sites (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sites_tenant ON sites(tenant_id);

CREATE TABLE IF NOT EXISTS site_credentials (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	site_id     TEXT NOT NULL,
	kind        TEXT NOT NULL,
	ciphertext  TEXT NOT NULL,
	key_version INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	UNIQUE(tenant_id, site_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_credentials_site ON site_credentials(tenant_id, site_id);

CREATE TABLE IF NOT EXISTS backups (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	site_id      TEXT NOT NULL,
	archive_path TEXT NOT NULL,
	digest       TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	compression  TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backups_site ON backups(tenant_id, site_id, created_at);

CREATE TABLE IF NOT EXISTS tasks (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	site_id         TEXT NOT NULL,
	role            TEXT NOT NULL,
	operation       TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	state           TEXT NOT NULL,
	mutating        INTEGER NOT NULL,
	payload         BLOB,
	result          BLOB,
	last_error      TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	dev_fail_count  INTEGER NOT NULL DEFAULT 0,
	backup_id       TEXT NOT NULL DEFAULT '',
	not_before      INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	dispatched_at   INTEGER NOT NULL DEFAULT 0,
	started_at      INTEGER NOT NULL DEFAULT 0,
	heartbeat_at    INTEGER NOT NULL DEFAULT 0,
	finished_at     INTEGER NOT NULL DEFAULT 0,
	UNIQUE(tenant_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_tasks_site ON tasks(tenant_id, site_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, updated_at);

CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	site_id         TEXT NOT NULL,
	summary         TEXT NOT NULL DEFAULT '',
	summary_pending INTEGER NOT NULL DEFAULT 0,
	message_count   INTEGER NOT NULL DEFAULT 0,
	summarized_seq  INTEGER NOT NULL DEFAULT 0,
	summarized_at   INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE(tenant_id, site_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	tenant_id       TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	author          TEXT NOT NULL,
	body            TEXT NOT NULL,
	system          INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	UNIQUE(conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`
