// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package models

import (
	"fmt"
	"strconv"
	"strings"
)

// RuleType identifies the type of a policy rule.
type RuleType string

const (
	// RuleTypeMaxConcurrentStreams limits simultaneous streams per user.
	RuleTypeMaxConcurrentStreams RuleType = "max_concurrent_streams"

	// RuleTypeKillPausedStreams terminates streams paused past a timeout.
	RuleTypeKillPausedStreams RuleType = "kill_paused_streams"

	// RuleTypeScheduledAccess blocks streaming outside configured windows.
	RuleTypeScheduledAccess RuleType = "scheduled_access"
)

// ScheduleType selects how scheduled access windows are interpreted.
type ScheduleType string

const (
	// ScheduleTypeBlock blocks users while inside a matching window.
	ScheduleTypeBlock ScheduleType = "block"

	// ScheduleTypeAllow blocks users while outside every matching window.
	// A user with no matching window at all is blocked. This asymmetry with
	// block-type rules is deliberate.
	ScheduleTypeAllow ScheduleType = "allow"
)

// Rule is a configured policy instance. Lifecycle (create/edit/delete) is
// owned by the settings CRUD surface; the evaluator only reads rules.
//
// Scope is derived from the association lists: a rule with no user and no
// server associations is global and applies to every user.
type Rule struct {
	ID       int64        `json:"id"`
	Type     RuleType     `json:"rule_type"`
	Name     string       `json:"name"`
	Enabled  bool         `json:"enabled"`
	Settings RuleSettings `json:"settings"`

	// Scope associations, loaded alongside the rule.
	UserIDs   []int64  `json:"user_ids,omitempty"`
	ServerIDs []string `json:"server_ids,omitempty"`
}

// Global reports whether the rule applies to every user.
func (r *Rule) Global() bool {
	return len(r.UserIDs) == 0 && len(r.ServerIDs) == 0
}

// AppliesToUser reports whether the given user is directly associated.
func (r *Rule) AppliesToUser(userID int64) bool {
	for _, id := range r.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// AppliesToServer reports whether the given server is associated.
func (r *Rule) AppliesToServer(serverID string) bool {
	for _, id := range r.ServerIDs {
		if id == serverID {
			return true
		}
	}
	return false
}

// RuleSettings holds the per-type configuration for a rule. Enforce and
// Message are common to all types; the remaining fields apply to the types
// noted on each.
type RuleSettings struct {
	// Enforce terminates offending sessions. When false the rule only
	// records events.
	Enforce bool `json:"enforce"`

	// Message is the termination reason template. kill_paused_streams
	// substitutes $time with the limit in minutes.
	Message string `json:"message,omitempty"`

	// Limit is the stream count (max_concurrent_streams) or paused minutes
	// (kill_paused_streams) threshold.
	Limit int `json:"limit,omitempty"`

	// KillAll terminates every session of an offending user instead of only
	// the newest over-limit ones (max_concurrent_streams).
	KillAll bool `json:"kill_all,omitempty"`

	// ExcludeSameIP waives violations when all of a user's sessions come
	// from one normalized client IP (max_concurrent_streams).
	ExcludeSameIP bool `json:"exclude_same_ip,omitempty"`

	// Schedule configures scheduled_access rules.
	Schedule *ScheduleSettings `json:"schedule,omitempty"`

	// WebhookTargets names the notification webhooks to invoke for this
	// rule's events and terminations. Empty means all configured webhooks.
	WebhookTargets []string `json:"webhook_targets,omitempty"`
}

// ScheduleSettings configures a scheduled_access rule.
type ScheduleSettings struct {
	Type        ScheduleType `json:"type"`
	TimeWindows []TimeWindow `json:"time_windows"`

	// Timezone is an IANA zone name. Empty means the process-local zone.
	Timezone string `json:"timezone,omitempty"`
}

// TimeWindow is a daily time range on a set of weekdays. Times are "HH:MM"
// in 24-hour notation. Days use 0=Sunday through 6=Saturday. A window whose
// end precedes its start crosses midnight.
type TimeWindow struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Days      []int  `json:"days"`
}

// Validate checks the settings against the rule type. Called when rules are
// loaded so a misconfigured rule is skipped rather than misapplied.
func (s *RuleSettings) Validate(ruleType RuleType) error {
	switch ruleType {
	case RuleTypeMaxConcurrentStreams, RuleTypeKillPausedStreams:
		if s.Limit <= 0 {
			return fmt.Errorf("%s: limit must be positive, got %d", ruleType, s.Limit)
		}
	case RuleTypeScheduledAccess:
		if s.Schedule == nil {
			return fmt.Errorf("%s: schedule is required", ruleType)
		}
		if s.Schedule.Type != ScheduleTypeBlock && s.Schedule.Type != ScheduleTypeAllow {
			return fmt.Errorf("%s: unknown schedule type %q", ruleType, s.Schedule.Type)
		}
		for i, w := range s.Schedule.TimeWindows {
			if _, err := ParseClock(w.StartTime); err != nil {
				return fmt.Errorf("%s: window %d start: %w", ruleType, i, err)
			}
			if _, err := ParseClock(w.EndTime); err != nil {
				return fmt.Errorf("%s: window %d end: %w", ruleType, i, err)
			}
			for _, d := range w.Days {
				if d < 0 || d > 6 {
					return fmt.Errorf("%s: window %d day %d out of range", ruleType, i, d)
				}
			}
		}
	default:
		return fmt.Errorf("unknown rule type %q", ruleType)
	}
	return nil
}

// ParseClock parses an "HH:MM" string into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
