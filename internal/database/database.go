// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package database persists active sessions, playback history, rules, and
// rule events in an embedded DuckDB file. One DB serves both the session
// reconciler and the policy evaluator.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/logging"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("database: not found")

const schemaTimeout = 30 * time.Second

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the database and initializes the schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	if path != ":memory:" {
		dbDir := filepath.Dir(path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
			}
		}
	}

	connStr := path
	if cfg.MaxMemory != "" {
		connStr = fmt.Sprintf("%s?max_memory=%s", path, cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logging.Info().Str("path", path).Msg("database ready")
	return db, nil
}

// initSchema creates all tables and indexes. Idempotent; every statement
// uses IF NOT EXISTS so restarts against an existing file are safe.
func (db *DB) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	queries := []string{
		// Mutable working set: one row per live stream, deleted when the
		// stream disappears from polls.
		`CREATE TABLE IF NOT EXISTS active_sessions (
			server_id VARCHAR NOT NULL,
			session_id VARCHAR NOT NULL,
			rating_key VARCHAR NOT NULL,
			user_id BIGINT NOT NULL,
			username VARCHAR NOT NULL DEFAULT '',
			start_time BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			state VARCHAR NOT NULL,
			paused_counter BIGINT NOT NULL DEFAULT 0,
			paused_since BIGINT,
			raw VARCHAR,
			PRIMARY KEY (server_id, session_id)
		)`,

		// Write-once playback segments. The uniqueness index lets a replayed
		// finalization insert become a no-op instead of a duplicate.
		`CREATE TABLE IF NOT EXISTS history_entries (
			id UUID PRIMARY KEY,
			server_id VARCHAR NOT NULL,
			rating_key VARCHAR NOT NULL,
			user_id BIGINT NOT NULL,
			username VARCHAR NOT NULL DEFAULT '',
			title VARCHAR NOT NULL DEFAULT '',
			subtitle VARCHAR NOT NULL DEFAULT '',
			start_time BIGINT NOT NULL,
			stop_time BIGINT NOT NULL,
			duration BIGINT NOT NULL,
			paused_counter BIGINT NOT NULL DEFAULT 0,
			ip_address VARCHAR NOT NULL DEFAULT '',
			platform VARCHAR NOT NULL DEFAULT '',
			device VARCHAR NOT NULL DEFAULT '',
			raw VARCHAR
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_history_dedupe
			ON history_entries(user_id, rating_key, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON history_entries(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_start ON history_entries(start_time)`,

		`CREATE SEQUENCE IF NOT EXISTS seq_rules_id START 1`,
		`CREATE TABLE IF NOT EXISTS rules (
			id BIGINT PRIMARY KEY DEFAULT nextval('seq_rules_id'),
			rule_type VARCHAR NOT NULL,
			name VARCHAR NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			settings VARCHAR NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rule_users (
			rule_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			PRIMARY KEY (rule_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS rule_servers (
			rule_id BIGINT NOT NULL,
			server_id VARCHAR NOT NULL,
			PRIMARY KEY (rule_id, server_id)
		)`,

		`CREATE TABLE IF NOT EXISTS rule_events (
			id UUID PRIMARY KEY,
			rule_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			triggered_at BIGINT NOT NULL,
			ended_at BIGINT,
			details VARCHAR NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_rule ON rule_events(rule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON rule_events(user_id)`,
	}

	for _, q := range queries {
		if _, err := db.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
