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
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
)

// CreateRule persists a rule and its scope associations, returning the
// assigned id.
func (db *DB) CreateRule(ctx context.Context, rule *models.Rule) error {
	settings, err := json.Marshal(rule.Settings)
	if err != nil {
		return fmt.Errorf("marshal rule settings: %w", err)
	}

	now := models.EpochMs(time.Now())
	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO rules (rule_type, name, enabled, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		string(rule.Type), rule.Name, rule.Enabled, string(settings), now, now)
	if err := row.Scan(&rule.ID); err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return db.replaceRuleScopes(ctx, rule.ID, rule.UserIDs, rule.ServerIDs)
}

// UpdateRule replaces a rule's settings, name, enabled flag, and scopes.
func (db *DB) UpdateRule(ctx context.Context, rule *models.Rule) error {
	settings, err := json.Marshal(rule.Settings)
	if err != nil {
		return fmt.Errorf("marshal rule settings: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, `
		UPDATE rules SET rule_type = ?, name = ?, enabled = ?, settings = ?, updated_at = ?
		WHERE id = ?`,
		string(rule.Type), rule.Name, rule.Enabled, string(settings),
		models.EpochMs(time.Now()), rule.ID)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", rule.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return db.replaceRuleScopes(ctx, rule.ID, rule.UserIDs, rule.ServerIDs)
}

// DeleteRule removes a rule, its scopes, and its events.
func (db *DB) DeleteRule(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM rule_users WHERE rule_id = ?`,
		`DELETE FROM rule_servers WHERE rule_id = ?`,
		`DELETE FROM rule_events WHERE rule_id = ?`,
	} {
		if _, err := db.conn.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete rule %d associations: %w", id, err)
		}
	}
	return nil
}

// Rule returns one rule with its scopes, or ErrNotFound.
func (db *DB) Rule(ctx context.Context, id int64) (*models.Rule, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, rule_type, name, enabled, settings FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadRuleScopes(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Rules returns every rule, enabled or not, with scopes populated.
func (db *DB) Rules(ctx context.Context) ([]models.Rule, error) {
	return db.queryRules(ctx,
		`SELECT id, rule_type, name, enabled, settings FROM rules ORDER BY id`)
}

// EnabledRules returns every enabled rule with scopes populated. This is
// the evaluator's per-tick read path.
func (db *DB) EnabledRules(ctx context.Context) ([]models.Rule, error) {
	return db.queryRules(ctx,
		`SELECT id, rule_type, name, enabled, settings FROM rules WHERE enabled ORDER BY id`)
}

func (db *DB) queryRules(ctx context.Context, q string) ([]models.Rule, error) {
	rows, err := db.conn.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := db.loadRuleScopes(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanRule(r rowScanner) (*models.Rule, error) {
	var rule models.Rule
	var ruleType, settings string
	if err := r.Scan(&rule.ID, &ruleType, &rule.Name, &rule.Enabled, &settings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	rule.Type = models.RuleType(ruleType)
	if err := json.Unmarshal([]byte(settings), &rule.Settings); err != nil {
		return nil, fmt.Errorf("decode settings for rule %d: %w", rule.ID, err)
	}
	return &rule, nil
}

func (db *DB) loadRuleScopes(ctx context.Context, rule *models.Rule) error {
	userRows, err := db.conn.QueryContext(ctx,
		`SELECT user_id FROM rule_users WHERE rule_id = ? ORDER BY user_id`, rule.ID)
	if err != nil {
		return fmt.Errorf("query rule users: %w", err)
	}
	defer func() { _ = userRows.Close() }()
	for userRows.Next() {
		var id int64
		if err := userRows.Scan(&id); err != nil {
			return fmt.Errorf("scan rule user: %w", err)
		}
		rule.UserIDs = append(rule.UserIDs, id)
	}
	if err := userRows.Err(); err != nil {
		return err
	}

	serverRows, err := db.conn.QueryContext(ctx,
		`SELECT server_id FROM rule_servers WHERE rule_id = ? ORDER BY server_id`, rule.ID)
	if err != nil {
		return fmt.Errorf("query rule servers: %w", err)
	}
	defer func() { _ = serverRows.Close() }()
	for serverRows.Next() {
		var id string
		if err := serverRows.Scan(&id); err != nil {
			return fmt.Errorf("scan rule server: %w", err)
		}
		rule.ServerIDs = append(rule.ServerIDs, id)
	}
	return serverRows.Err()
}

func (db *DB) replaceRuleScopes(ctx context.Context, ruleID int64, userIDs []int64, serverIDs []string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM rule_users WHERE rule_id = ?`, ruleID); err != nil {
		return fmt.Errorf("clear rule users: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM rule_servers WHERE rule_id = ?`, ruleID); err != nil {
		return fmt.Errorf("clear rule servers: %w", err)
	}
	for _, uid := range userIDs {
		if _, err := db.conn.ExecContext(ctx,
			`INSERT INTO rule_users (rule_id, user_id) VALUES (?, ?)`, ruleID, uid); err != nil {
			return fmt.Errorf("insert rule user: %w", err)
		}
	}
	for _, sid := range serverIDs {
		if _, err := db.conn.ExecContext(ctx,
			`INSERT INTO rule_servers (rule_id, server_id) VALUES (?, ?)`, ruleID, sid); err != nil {
			return fmt.Errorf("insert rule server: %w", err)
		}
	}
	return nil
}
