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

// evaluateSchedule applies one scheduled_access rule to every in-scope
// user holding at least one current session. A violation is streaming
// while blocked, so an open event resolves when the window ends or when
// the user's streams are gone, whichever comes first; the shared sweep
// handles both.
func (e *Evaluator) evaluateSchedule(ctx context.Context, rule *models.Rule, st *tickState, now time.Time) {
	sched := rule.Settings.Schedule
	local := now.In(scheduleLocation(sched))
	blocked := Blocked(sched, local)

	violating := make(map[int64]bool)

	for userID, sessions := range st.byUser {
		if !blocked || len(sessions) == 0 {
			continue
		}
		if scopeSource(rule, userID, sessions) == "" {
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
			e.openScheduleEvent(ctx, rule, userID, sessions, now)
		}

		if rule.Settings.Enforce {
			reason := renderReason(rule)
			for _, s := range sessions {
				e.terminate(ctx, rule, s, reason)
			}
		}
	}

	e.closeResolvedEvents(ctx, rule, st, violating, now)
}

func (e *Evaluator) openScheduleEvent(ctx context.Context, rule *models.Rule, userID int64, sessions []models.Session, now time.Time) {
	details, err := models.EncodeDetails(&models.ScheduledAccessDetails{
		Type:         models.RuleTypeScheduledAccess,
		RuleName:     rule.Name,
		ScheduleType: rule.Settings.Schedule.Type,
		SessionCount: len(sessions),
	})
	if err != nil {
		logging.Err(err).Str("rule", rule.Name).Msg("failed to encode schedule details")
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
			Msg("failed to insert schedule event")
		return
	}

	metrics.EventsOpened.WithLabelValues(string(rule.Type)).Inc()
	logging.Info().
		Str("rule", rule.Name).
		Int64("user_id", userID).
		Str("schedule_type", string(rule.Settings.Schedule.Type)).
		Int("sessions", len(sessions)).
		Msg("scheduled access violation")

	e.notify(ctx, rule, KindRuleTriggered, EventPayload{
		RuleName: rule.Name,
		RuleType: rule.Type,
		UserID:   userID,
		Username: firstUsername(sessions),
	})
}

// scheduleLocation resolves the rule's timezone, falling back to the
// process-local zone on a bad or missing name.
func scheduleLocation(sched *models.ScheduleSettings) *time.Location {
	if sched.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		logging.Warn().Str("timezone", sched.Timezone).
			Msg("unknown timezone, falling back to local")
		return time.Local
	}
	return loc
}

// Blocked reports whether streaming is blocked at the given local time.
//
// block-type schedules block while inside any matching window and default
// to NOT blocked when nothing matches. allow-type schedules block while
// outside every matching window and default to BLOCKED when nothing
// matches. The asymmetry is deliberate: an allow schedule that names no
// window for the current day grants no access at all.
func Blocked(sched *models.ScheduleSettings, local time.Time) bool {
	cur := local.Hour()*60 + local.Minute()
	day := int(local.Weekday())

	matched := false
	for _, w := range sched.TimeWindows {
		if !containsDay(w.Days, day) {
			continue
		}
		start, err := models.ParseClock(w.StartTime)
		if err != nil {
			continue
		}
		end, err := models.ParseClock(w.EndTime)
		if err != nil {
			continue
		}
		if inWindow(cur, start, end) {
			matched = true
			break
		}
	}

	if sched.Type == models.ScheduleTypeBlock {
		return matched
	}
	return !matched
}

// inWindow reports whether cur (minutes since midnight) falls inside
// [start, end). A window whose end precedes its start crosses midnight.
func inWindow(cur, start, end int) bool {
	if end < start {
		return cur >= start || cur < end
	}
	return cur >= start && cur < end
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
