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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/models"
)

const ruleEventColumns = `id, rule_id, user_id, triggered_at, ended_at, details`

// InsertRuleEvent persists a new event.
func (db *DB) InsertRuleEvent(ctx context.Context, event *models.RuleEvent) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO rule_events (`+ruleEventColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RuleID, event.UserID, event.TriggeredAt,
		nullableInt64(event.EndedAt), string(event.Details))
	if err != nil {
		return fmt.Errorf("insert rule event: %w", err)
	}
	return nil
}

// OpenEventsForRule returns all open events for a rule.
func (db *DB) OpenEventsForRule(ctx context.Context, ruleID int64) ([]models.RuleEvent, error) {
	return db.queryEvents(ctx,
		`SELECT `+ruleEventColumns+` FROM rule_events
		 WHERE rule_id = ? AND ended_at IS NULL ORDER BY triggered_at`, ruleID)
}

// OpenEventForUser returns the open event for (user, rule), or nil. At most
// one open event exists per pair for aggregate rule types.
func (db *DB) OpenEventForUser(ctx context.Context, userID, ruleID int64) (*models.RuleEvent, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+ruleEventColumns+` FROM rule_events
		 WHERE user_id = ? AND rule_id = ? AND ended_at IS NULL
		 ORDER BY triggered_at LIMIT 1`, userID, ruleID)
	ev, err := scanRuleEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

// CloseRuleEvent resolves an event, keeping it as history.
func (db *DB) CloseRuleEvent(ctx context.Context, id uuid.UUID, endedAt int64) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE rule_events SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		endedAt, id)
	if err != nil {
		return fmt.Errorf("close rule event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRuleEvent discards an event that never matured into a violation.
func (db *DB) DeleteRuleEvent(ctx context.Context, id uuid.UUID) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM rule_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRuleEventDetails replaces an open event's details blob.
func (db *DB) UpdateRuleEventDetails(ctx context.Context, id uuid.UUID, details json.RawMessage) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE rule_events SET details = ? WHERE id = ?`, string(details), id)
	if err != nil {
		return fmt.Errorf("update rule event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RuleEvents returns a rule's events newest first, open and closed.
func (db *DB) RuleEvents(ctx context.Context, ruleID int64, limit int) ([]models.RuleEvent, error) {
	q := `SELECT ` + ruleEventColumns + ` FROM rule_events
		WHERE rule_id = ? ORDER BY triggered_at DESC`
	args := []any{ruleID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return db.queryEvents(ctx, q, args...)
}

func (db *DB) queryEvents(ctx context.Context, q string, args ...any) ([]models.RuleEvent, error) {
	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rule events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.RuleEvent
	for rows.Next() {
		ev, err := scanRuleEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanRuleEvent(r rowScanner) (*models.RuleEvent, error) {
	var ev models.RuleEvent
	var endedAt sql.NullInt64
	var details string
	if err := r.Scan(&ev.ID, &ev.RuleID, &ev.UserID, &ev.TriggeredAt, &endedAt, &details); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan rule event: %w", err)
	}
	if endedAt.Valid {
		v := endedAt.Int64
		ev.EndedAt = &v
	}
	ev.Details = json.RawMessage(details)
	return &ev, nil
}
