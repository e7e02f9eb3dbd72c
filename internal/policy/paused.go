// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

// cleanupPaused resolves open kill_paused_streams events against the live
// snapshot. Runs before evaluation on every tick, independent of whether
// the offending sessions are still present: enforcement and its effect
// (the session disappearing) are not atomic, and a paused session can
// vanish between polls faster than evaluation reacts.
func (e *Evaluator) cleanupPaused(ctx context.Context, rule *models.Rule, st *tickState, now time.Time) {
	events, err := e.store.OpenEventsForRule(ctx, rule.ID)
	if err != nil {
		logging.Err(err).Str("rule", rule.Name).Msg("failed to list open events for cleanup")
		return
	}

	for i := range events {
		ev := &events[i]
		details, err := models.DecodePausedDetails(ev.Details)
		if err != nil {
			logging.Err(err).Str("event_id", ev.ID.String()).
				Msg("skipping event with undecodable details")
			continue
		}

		live := st.present[sessionKey(details.ServerID, details.SessionID)]

		if details.Enforced {
			// The termination call went out on an earlier tick. Close the
			// event once the session is really gone: a resolved, real
			// violation.
			if live == nil {
				if err := e.store.CloseRuleEvent(ctx, ev.ID, models.EpochMs(now)); err != nil {
					logging.Err(err).Str("event_id", ev.ID.String()).Msg("failed to close enforced event")
					continue
				}
				metrics.EventsClosed.WithLabelValues(string(rule.Type)).Inc()
			}
			continue
		}

		if live == nil {
			// Never enforced and the session left on its own: a false
			// positive, discarded rather than kept.
			e.deletePausedEvent(ctx, rule, ev)
			continue
		}

		row, err := e.store.ActiveSession(ctx, details.ServerID, details.SessionID)
		if err != nil {
			logging.Err(err).Str("session", details.SessionID).
				Msg("failed to load active session during cleanup")
			continue
		}

		storedResumed := row == nil || row.PausedSince == nil
		if storedResumed && live.State != models.StatePaused {
			e.deletePausedEvent(ctx, rule, ev)
		}
		// If the live snapshot still says paused, keep the event open even
		// when the stored row has cleared pausedSince: the snapshot is
		// authoritative over possibly lagging stored state.
	}
}

func (e *Evaluator) deletePausedEvent(ctx context.Context, rule *models.Rule, ev *models.RuleEvent) {
	if err := e.store.DeleteRuleEvent(ctx, ev.ID); err != nil {
		logging.Err(err).Str("event_id", ev.ID.String()).Msg("failed to delete stale event")
		return
	}
	metrics.EventsDeleted.WithLabelValues(string(rule.Type)).Inc()
}

// evaluatePaused applies one kill_paused_streams rule per session, not per
// aggregate: one user can hold several paused sessions, each with its own
// event keyed by (user, rule, session id) via the details blob.
func (e *Evaluator) evaluatePaused(ctx context.Context, rule *models.Rule, st *tickState, now time.Time) {
	open, err := e.store.OpenEventsForRule(ctx, rule.ID)
	if err != nil {
		logging.Err(err).Str("rule", rule.Name).Msg("failed to list open events")
		return
	}
	openBySession := make(map[string]*models.RuleEvent, len(open))
	detailsByID := make(map[uuid.UUID]*models.PausedStreamDetails, len(open))
	for i := range open {
		ev := &open[i]
		d, err := models.DecodePausedDetails(ev.Details)
		if err != nil {
			continue
		}
		openBySession[sessionKey(d.ServerID, d.SessionID)] = ev
		detailsByID[ev.ID] = d
	}

	for i := range st.sessions {
		s := &st.sessions[i]
		if !s.Valid() {
			continue
		}
		if scopeSource(rule, s.UserID, st.byUser[s.UserID]) == "" {
			continue
		}

		row, err := e.store.ActiveSession(ctx, s.ServerID, s.SessionID)
		if err != nil {
			logging.Err(err).Str("session", s.SessionID).Msg("failed to load active session")
			continue
		}
		if row == nil || row.PausedSince == nil {
			continue
		}

		ev := openBySession[sessionKey(s.ServerID, s.SessionID)]
		var details *models.PausedStreamDetails
		if ev == nil {
			ev, details = e.openPausedEvent(ctx, rule, s, *row.PausedSince, now)
			if ev == nil {
				continue
			}
		} else {
			details = detailsByID[ev.ID]
			if details == nil || details.Enforced {
				// Already acted on; the cleanup pass owns it from here.
				continue
			}
		}

		pausedMinutes := float64(models.EpochMs(now)-*row.PausedSince) / 60_000.0
		if !rule.Settings.Enforce || pausedMinutes < float64(rule.Settings.Limit) {
			continue
		}

		if !e.terminate(ctx, rule, *s, renderReason(rule)) {
			// Termination failed: leave the event unenforced so the next
			// tick retries.
			continue
		}

		details.Enforced = true
		raw, err := models.EncodeDetails(details)
		if err != nil {
			logging.Err(err).Str("event_id", ev.ID.String()).Msg("failed to re-encode details")
			continue
		}
		if err := e.store.UpdateRuleEventDetails(ctx, ev.ID, raw); err != nil {
			logging.Err(err).Str("event_id", ev.ID.String()).
				Msg("failed to mark event enforced; termination may repeat next tick")
		}
	}
}

func (e *Evaluator) openPausedEvent(ctx context.Context, rule *models.Rule, s *models.Session, pausedSince int64, now time.Time) (*models.RuleEvent, *models.PausedStreamDetails) {
	details := &models.PausedStreamDetails{
		Type:        models.RuleTypeKillPausedStreams,
		RuleName:    rule.Name,
		ServerID:    s.ServerID,
		SessionID:   s.SessionID,
		PausedSince: pausedSince,
	}
	raw, err := models.EncodeDetails(details)
	if err != nil {
		logging.Err(err).Str("rule", rule.Name).Msg("failed to encode paused details")
		return nil, nil
	}

	event := &models.RuleEvent{
		ID:          uuid.New(),
		RuleID:      rule.ID,
		UserID:      s.UserID,
		TriggeredAt: models.EpochMs(now),
		Details:     raw,
	}
	if err := e.store.InsertRuleEvent(ctx, event); err != nil {
		logging.Err(err).Str("rule", rule.Name).Str("session", s.SessionID).
			Msg("failed to insert paused event")
		return nil, nil
	}

	metrics.EventsOpened.WithLabelValues(string(rule.Type)).Inc()
	e.notify(ctx, rule, KindRuleTriggered, EventPayload{
		RuleName:  rule.Name,
		RuleType:  rule.Type,
		UserID:    s.UserID,
		Username:  s.Username,
		ServerID:  s.ServerID,
		SessionID: s.SessionID,
		Title:     s.Title,
	})
	return event, details
}
