// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package policy evaluates administrator-defined streaming rules against
// the current multi-server snapshot and enforces violations by terminating
// sessions.
//
// Evaluation is re-entrant: running it repeatedly against unchanged state
// opens no duplicate events, issues no duplicate terminations, and leaks
// no open events. Termination is fire-and-forget against an unreliable
// actuator; the kill_paused_streams rule therefore uses a two-phase
// lifecycle where enforcement marks the event and a cleanup pass on the
// next tick resolves it once the session has actually disappeared.
package policy

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

// Store is the persistence surface the evaluator needs. Rule lifecycle is
// owned elsewhere; rules and scopes are read-only here.
type Store interface {
	// EnabledRules returns every enabled rule with its scope associations
	// populated.
	EnabledRules(ctx context.Context) ([]models.Rule, error)

	// OpenEventsForRule returns all open events for a rule.
	OpenEventsForRule(ctx context.Context, ruleID int64) ([]models.RuleEvent, error)

	// OpenEventForUser returns the open event for (user, rule), or nil.
	OpenEventForUser(ctx context.Context, userID, ruleID int64) (*models.RuleEvent, error)

	// InsertRuleEvent persists a new event.
	InsertRuleEvent(ctx context.Context, event *models.RuleEvent) error

	// CloseRuleEvent resolves an event, keeping it as history.
	CloseRuleEvent(ctx context.Context, id uuid.UUID, endedAt int64) error

	// DeleteRuleEvent discards an event that never matured into a real
	// violation.
	DeleteRuleEvent(ctx context.Context, id uuid.UUID) error

	// UpdateRuleEventDetails replaces an open event's details blob.
	UpdateRuleEventDetails(ctx context.Context, id uuid.UUID, details json.RawMessage) error

	// ActiveSession returns the stored row for a session, or nil.
	ActiveSession(ctx context.Context, serverID, sessionID string) (*models.ActiveSession, error)
}

// Terminator terminates sessions on the owning media server. A "not
// found" response counts as success: the session is already gone.
type Terminator interface {
	Terminate(ctx context.Context, session models.Session, reason string) error
}

// Sink receives notifications about rule events and enforcement actions.
// Implementations must swallow delivery failures; notification is never
// allowed to abort evaluation.
type Sink interface {
	Notify(ctx context.Context, kind string, payload any, targets []string)
}

// Notification kinds emitted by the evaluator.
const (
	KindRuleTriggered    = "rule_triggered"
	KindRuleResolved     = "rule_resolved"
	KindStreamTerminated = "stream_terminated"
)

// EventPayload is the notification body for rule events and terminations.
type EventPayload struct {
	RuleName  string          `json:"rule_name"`
	RuleType  models.RuleType `json:"rule_type"`
	UserID    int64           `json:"user_id"`
	Username  string          `json:"username,omitempty"`
	ServerID  string          `json:"server_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Title     string          `json:"title,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Evaluator checks rules against snapshots and enforces violations.
type Evaluator struct {
	store Store
	term  Terminator
	sink  Sink

	// Evaluation is sequential across the whole deployment even though
	// per-server ticks may fan out: open-event bookkeeping is keyed by
	// user and rule, not by server.
	mu sync.Mutex
}

// NewEvaluator creates an Evaluator. A nil sink disables notifications.
func NewEvaluator(store Store, term Terminator, sink Sink) *Evaluator {
	return &Evaluator{store: store, term: term, sink: sink}
}

// Evaluate runs every enabled rule against the full current snapshot.
// The caller supplies one clock value for the whole pass. Failures on a
// single rule, event, or termination are logged and never abort the rest.
func (e *Evaluator) Evaluate(ctx context.Context, snapshot []models.Session, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules, err := e.store.EnabledRules(ctx)
	if err != nil {
		return err
	}

	st := newTickState(snapshot)

	for i := range rules {
		rule := &rules[i]
		if err := rule.Settings.Validate(rule.Type); err != nil {
			logging.Err(err).Int64("rule_id", rule.ID).Str("rule", rule.Name).
				Msg("skipping misconfigured rule")
			continue
		}

		metrics.RuleEvaluations.WithLabelValues(string(rule.Type)).Inc()

		switch rule.Type {
		case models.RuleTypeKillPausedStreams:
			// The cleanup pass must fully complete before re-evaluating
			// violations: closure and deletion decisions feed the
			// post-cleanup open-event set.
			e.cleanupPaused(ctx, rule, st, now)
			e.evaluatePaused(ctx, rule, st, now)
		case models.RuleTypeMaxConcurrentStreams:
			e.evaluateConcurrent(ctx, rule, st, now)
		case models.RuleTypeScheduledAccess:
			e.evaluateSchedule(ctx, rule, st, now)
		}
	}

	return nil
}

// tickState indexes the snapshot for the duration of one evaluation pass.
type tickState struct {
	sessions []models.Session
	byUser   map[int64][]models.Session
	present  map[string]*models.Session
}

func sessionKey(serverID, sessionID string) string {
	return serverID + "/" + sessionID
}

func newTickState(snapshot []models.Session) *tickState {
	st := &tickState{
		sessions: snapshot,
		byUser:   make(map[int64][]models.Session),
		present:  make(map[string]*models.Session),
	}
	for i := range snapshot {
		s := &snapshot[i]
		if !s.Valid() {
			continue
		}
		st.byUser[s.UserID] = append(st.byUser[s.UserID], *s)
		st.present[sessionKey(s.ServerID, s.SessionID)] = s
	}
	return st
}

// scopeSource reports why a user is in scope for a rule this tick, or ""
// when out of scope. A rule with no associations at all is global; a
// scoped rule reaches a user directly or through any server currently
// carrying one of their sessions.
func scopeSource(rule *models.Rule, userID int64, sessions []models.Session) string {
	if rule.Global() {
		return "global"
	}
	if rule.AppliesToUser(userID) {
		return "user"
	}
	for i := range sessions {
		if rule.AppliesToServer(sessions[i].ServerID) {
			return "server"
		}
	}
	return ""
}

// terminate issues one fire-and-forget termination and its notification.
// Returns whether the call was accepted by the actuator.
func (e *Evaluator) terminate(ctx context.Context, rule *models.Rule, s models.Session, reason string) bool {
	if err := e.term.Terminate(ctx, s, reason); err != nil {
		metrics.TerminationErrors.WithLabelValues(string(rule.Type)).Inc()
		logging.Err(err).
			Str("rule", rule.Name).
			Str("server", s.ServerID).
			Str("session", s.SessionID).
			Msg("failed to terminate session")
		return false
	}

	metrics.Terminations.WithLabelValues(string(rule.Type)).Inc()
	logging.Info().
		Str("rule", rule.Name).
		Str("server", s.ServerID).
		Str("session", s.SessionID).
		Int64("user_id", s.UserID).
		Str("reason", reason).
		Msg("terminated session")

	e.notify(ctx, rule, KindStreamTerminated, EventPayload{
		RuleName:  rule.Name,
		RuleType:  rule.Type,
		UserID:    s.UserID,
		Username:  s.Username,
		ServerID:  s.ServerID,
		SessionID: s.SessionID,
		Title:     s.Title,
		Reason:    reason,
	})
	return true
}

func (e *Evaluator) notify(ctx context.Context, rule *models.Rule, kind string, payload EventPayload) {
	if e.sink == nil {
		return
	}
	e.sink.Notify(ctx, kind, payload, rule.Settings.WebhookTargets)
}

// renderReason produces the termination reason from the rule's message
// template, substituting $time with the limit for pause timeouts.
func renderReason(rule *models.Rule) string {
	msg := rule.Settings.Message
	if msg == "" {
		msg = defaultReason(rule)
	}
	if rule.Type == models.RuleTypeKillPausedStreams {
		msg = strings.ReplaceAll(msg, "$time", strconv.Itoa(rule.Settings.Limit))
	}
	return msg
}

func defaultReason(rule *models.Rule) string {
	switch rule.Type {
	case models.RuleTypeMaxConcurrentStreams:
		return "Too many simultaneous streams on this account"
	case models.RuleTypeKillPausedStreams:
		return "Stream was paused for more than $time minutes"
	case models.RuleTypeScheduledAccess:
		if rule.Settings.Schedule != nil && rule.Settings.Schedule.Type == models.ScheduleTypeAllow {
			return "Streaming is not allowed at this time"
		}
		return "Streaming is blocked during this time period"
	}
	return "Stream terminated by policy"
}
