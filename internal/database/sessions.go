// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/streamwarden/streamwarden/internal/models"
)

const activeSessionColumns = `server_id, session_id, rating_key, user_id, username,
	start_time, last_seen, state, paused_counter, paused_since, raw`

// ActiveSessions returns every active session row for a server.
func (db *DB) ActiveSessions(ctx context.Context, serverID string) ([]models.ActiveSession, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+activeSessionColumns+` FROM active_sessions WHERE server_id = ? ORDER BY session_id`,
		serverID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ActiveSession
	for rows.Next() {
		s, err := scanActiveSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ActiveSession returns the stored row for one session, or nil when absent.
func (db *DB) ActiveSession(ctx context.Context, serverID, sessionID string) (*models.ActiveSession, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+activeSessionColumns+` FROM active_sessions WHERE server_id = ? AND session_id = ?`,
		serverID, sessionID)
	s, err := scanActiveSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// UpsertActiveSession inserts or replaces a row by (server_id, session_id).
func (db *DB) UpsertActiveSession(ctx context.Context, s *models.ActiveSession) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO active_sessions (`+activeSessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id, session_id) DO UPDATE SET
			rating_key = EXCLUDED.rating_key,
			user_id = EXCLUDED.user_id,
			username = EXCLUDED.username,
			start_time = EXCLUDED.start_time,
			last_seen = EXCLUDED.last_seen,
			state = EXCLUDED.state,
			paused_counter = EXCLUDED.paused_counter,
			paused_since = EXCLUDED.paused_since,
			raw = EXCLUDED.raw`,
		s.ServerID, s.SessionID, s.RatingKey, s.UserID, s.Username,
		s.StartTime, s.LastSeen, string(s.State), s.PausedCounter,
		nullableInt64(s.PausedSince), rawToText(s.Raw))
	if err != nil {
		return fmt.Errorf("upsert active session %s/%s: %w", s.ServerID, s.SessionID, err)
	}
	return nil
}

// DeleteActiveSession removes a row. Deleting an absent row is not an error.
func (db *DB) DeleteActiveSession(ctx context.Context, serverID, sessionID string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM active_sessions WHERE server_id = ? AND session_id = ?`,
		serverID, sessionID)
	if err != nil {
		return fmt.Errorf("delete active session %s/%s: %w", serverID, sessionID, err)
	}
	return nil
}

// InsertHistoryEntry writes a finalized playback segment. A duplicate of an
// already written segment (same user, content, and start) is a no-op, which
// makes replayed finalizations after a crash harmless.
func (db *DB) InsertHistoryEntry(ctx context.Context, h *models.HistoryEntry) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO history_entries (id, server_id, rating_key, user_id, username,
			title, subtitle, start_time, stop_time, duration, paused_counter,
			ip_address, platform, device, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, rating_key, start_time) DO NOTHING`,
		h.ID, h.ServerID, h.RatingKey, h.UserID, h.Username,
		h.Title, h.Subtitle, h.StartTime, h.StopTime, h.Duration,
		h.PausedCounter, h.IPAddress, h.Platform, h.Device, rawToText(h.Raw))
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// HistoryFilter narrows history queries. Zero values mean unfiltered.
type HistoryFilter struct {
	UserID int64
	Since  int64 // epoch ms, inclusive lower bound on start_time
	Until  int64 // epoch ms, exclusive upper bound on start_time
	Limit  int
	Offset int
}

// HistoryEntries returns finalized segments, newest first.
func (db *DB) HistoryEntries(ctx context.Context, f HistoryFilter) ([]models.HistoryEntry, error) {
	var where []string
	var args []any
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Since != 0 {
		where = append(where, "start_time >= ?")
		args = append(args, f.Since)
	}
	if f.Until != 0 {
		where = append(where, "start_time < ?")
		args = append(args, f.Until)
	}

	q := `SELECT id, server_id, rating_key, user_id, username, title, subtitle,
		start_time, stop_time, duration, paused_counter, ip_address, platform, device, raw
		FROM history_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY start_time DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.HistoryEntry
	for rows.Next() {
		var h models.HistoryEntry
		var raw sql.NullString
		if err := rows.Scan(&h.ID, &h.ServerID, &h.RatingKey, &h.UserID, &h.Username,
			&h.Title, &h.Subtitle, &h.StartTime, &h.StopTime, &h.Duration,
			&h.PausedCounter, &h.IPAddress, &h.Platform, &h.Device, &raw); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if raw.Valid && raw.String != "" {
			h.Raw = []byte(raw.String)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActiveSession(r rowScanner) (*models.ActiveSession, error) {
	var s models.ActiveSession
	var state string
	var pausedSince sql.NullInt64
	var raw sql.NullString
	if err := r.Scan(&s.ServerID, &s.SessionID, &s.RatingKey, &s.UserID, &s.Username,
		&s.StartTime, &s.LastSeen, &state, &s.PausedCounter, &pausedSince, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan active session: %w", err)
	}
	s.State = models.SessionState(state)
	if pausedSince.Valid {
		v := pausedSince.Int64
		s.PausedSince = &v
	}
	if raw.Valid && raw.String != "" {
		s.Raw = []byte(raw.String)
	}
	return &s, nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// rawToText stores JSON blobs as plain text so scans stay driver-agnostic.
func rawToText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
