// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package policy

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

// evaluateConcurrent applies one max_concurrent_streams rule to every
// in-scope user. At most one open event exists per (user, rule); it is
// closed, never deleted, once the violation resolves. Resolution is a
// sweep over the rule's open events rather than the per-user loop, so an
// event also closes when the user drops every session at once, which is
// exactly what enforcement with kill_all produces.
func (e *Evaluator) evaluateConcurrent(ctx context.Context, rule *models.Rule, st *tickState, now time.Time) {
	violating := make(map[int64]bool)

	for userID, sessions := range st.byUser {
		src := scopeSource(rule, userID, sessions)
		if src == "" {
			continue
		}

		count := len(sessions)
		over := count > rule.Settings.Limit
		if over && rule.Settings.ExcludeSameIP &&
			distinctNormalizedIPs(sessions) <= rule.Settings.Limit {
			// Several streams from one household IP is co-located
			// viewing, not concurrency abuse.
			over = false
		}
		if !over {
			continue
		}
		violating[userID] = true

		open, err := e.store.OpenEventForUser(ctx, userID, rule.ID)
		if err != nil {
			logging.Err(err).Int64("user_id", userID).Str("rule", rule.Name).
				Msg("failed to look up open event")
			continue
		}
		if open == nil {
			e.openConcurrentEvent(ctx, rule, userID, sessions, count, src, now)
		}

		if rule.Settings.Enforce {
			reason := renderReason(rule)
			for _, victim := range selectVictims(sessions, rule.Settings) {
				e.terminate(ctx, rule, victim, reason)
			}
		}
	}

	e.closeResolvedEvents(ctx, rule, st, violating, now)
}

// closeResolvedEvents closes every open event of the rule whose user is
// no longer violating this tick, including users with no sessions left.
func (e *Evaluator) closeResolvedEvents(ctx context.Context, rule *models.Rule, st *tickState, violating map[int64]bool, now time.Time) {
	open, err := e.store.OpenEventsForRule(ctx, rule.ID)
	if err != nil {
		logging.Err(err).Str("rule", rule.Name).
			Msg("failed to list open events")
		return
	}
	for i := range open {
		ev := &open[i]
		if violating[ev.UserID] {
			continue
		}
		e.closeEvent(ctx, rule, ev, ev.UserID, st.byUser[ev.UserID], now)
	}
}

func (e *Evaluator) openConcurrentEvent(ctx context.Context, rule *models.Rule, userID int64, sessions []models.Session, count int, src string, now time.Time) {
	details, err := models.EncodeDetails(&models.ConcurrentStreamsDetails{
		Type:        models.RuleTypeMaxConcurrentStreams,
		RuleName:    rule.Name,
		Count:       count,
		Limit:       rule.Settings.Limit,
		ScopeSource: src,
	})
	if err != nil {
		logging.Err(err).Str("rule", rule.Name).Msg("failed to encode event details")
		return
	}

	event := &models.RuleEvent{
		ID:          uuid.New(),
		RuleID:      rule.ID,
		UserID:      userID,
		TriggeredAt: models.EpochMs(now),
		Details:     details,
	}
	if err := e.store.InsertRuleEvent(ctx, event); err != nil {
		logging.Err(err).Str("rule", rule.Name).Int64("user_id", userID).
			Msg("failed to insert rule event")
		return
	}

	metrics.EventsOpened.WithLabelValues(string(rule.Type)).Inc()
	logging.Info().
		Str("rule", rule.Name).
		Int64("user_id", userID).
		Int("count", count).
		Int("limit", rule.Settings.Limit).
		Str("scope", src).
		Msg("stream limit exceeded")

	e.notify(ctx, rule, KindRuleTriggered, EventPayload{
		RuleName: rule.Name,
		RuleType: rule.Type,
		UserID:   userID,
		Username: firstUsername(sessions),
	})
}

func (e *Evaluator) closeEvent(ctx context.Context, rule *models.Rule, open *models.RuleEvent, userID int64, sessions []models.Session, now time.Time) {
	if err := e.store.CloseRuleEvent(ctx, open.ID, models.EpochMs(now)); err != nil {
		logging.Err(err).Str("rule", rule.Name).Int64("user_id", userID).
			Msg("failed to close rule event")
		return
	}
	metrics.EventsClosed.WithLabelValues(string(rule.Type)).Inc()
	e.notify(ctx, rule, KindRuleResolved, EventPayload{
		RuleName: rule.Name,
		RuleType: rule.Type,
		UserID:   userID,
		Username: firstUsername(sessions),
	})
}

// selectVictims picks the sessions to terminate for an over-limit user.
// kill_all takes everything; otherwise only the newest count-limit
// sessions die, preserving the earliest-opened streams. Ordering uses the
// numeric session ordinal with the raw id as a deterministic tie-break.
func selectVictims(sessions []models.Session, settings models.RuleSettings) []models.Session {
	if settings.KillAll {
		return sessions
	}
	over := len(sessions) - settings.Limit
	if over <= 0 {
		return nil
	}

	sorted := make([]models.Session, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool {
		oi, oj := sorted[i].Ordinal(), sorted[j].Ordinal()
		if oi != oj {
			return oi < oj
		}
		return sorted[i].SessionID < sorted[j].SessionID
	})
	return sorted[len(sorted)-over:]
}

// NormalizeIP canonicalizes client addresses so IPv4 and its IPv6-mapped
// form count as one: ::1 becomes 127.0.0.1 and an ::ffff: prefix is
// stripped.
func NormalizeIP(ip string) string {
	if ip == "::1" {
		return "127.0.0.1"
	}
	return strings.TrimPrefix(ip, "::ffff:")
}

func distinctNormalizedIPs(sessions []models.Session) int {
	ips := make(map[string]struct{}, len(sessions))
	for i := range sessions {
		ips[NormalizeIP(sessions[i].IPAddress)] = struct{}{}
	}
	return len(ips)
}

func firstUsername(sessions []models.Session) string {
	if len(sessions) == 0 {
		return ""
	}
	return sessions[0].Username
}
