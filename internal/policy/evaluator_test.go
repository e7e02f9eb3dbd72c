// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamwarden/streamwarden/internal/models"
)

// memStore is an in-memory Store for evaluator tests.
type memStore struct {
	mu     sync.Mutex
	rules  []models.Rule
	events map[uuid.UUID]*models.RuleEvent
	active map[string]*models.ActiveSession

	rulesErr error
}

func newMemStore(rules ...models.Rule) *memStore {
	return &memStore{
		rules:  rules,
		events: make(map[uuid.UUID]*models.RuleEvent),
		active: make(map[string]*models.ActiveSession),
	}
}

func (m *memStore) putActive(row *models.ActiveSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[sessionKey(row.ServerID, row.SessionID)] = row
}

func (m *memStore) EnabledRules(ctx context.Context) ([]models.Rule, error) {
	if m.rulesErr != nil {
		return nil, m.rulesErr
	}
	out := make([]models.Rule, len(m.rules))
	copy(out, m.rules)
	return out, nil
}

func (m *memStore) OpenEventsForRule(ctx context.Context, ruleID int64) ([]models.RuleEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RuleEvent
	for _, ev := range m.events {
		if ev.RuleID == ruleID && ev.EndedAt == nil {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *memStore) OpenEventForUser(ctx context.Context, userID, ruleID int64) (*models.RuleEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.UserID == userID && ev.RuleID == ruleID && ev.EndedAt == nil {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertRuleEvent(ctx context.Context, event *models.RuleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	m.events[event.ID] = &cp
	return nil
}

func (m *memStore) CloseRuleEvent(ctx context.Context, id uuid.UUID, endedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return errors.New("event not found")
	}
	ev.EndedAt = &endedAt
	return nil
}

func (m *memStore) DeleteRuleEvent(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return errors.New("event not found")
	}
	delete(m.events, id)
	return nil
}

func (m *memStore) UpdateRuleEventDetails(ctx context.Context, id uuid.UUID, details json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return errors.New("event not found")
	}
	ev.Details = details
	return nil
}

func (m *memStore) ActiveSession(ctx context.Context, serverID, sessionID string) (*models.ActiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.active[sessionKey(serverID, sessionID)]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *memStore) openEvents() []models.RuleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RuleEvent
	for _, ev := range m.events {
		if ev.EndedAt == nil {
			out = append(out, *ev)
		}
	}
	return out
}

func (m *memStore) closedEvents() []models.RuleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RuleEvent
	for _, ev := range m.events {
		if ev.EndedAt != nil {
			out = append(out, *ev)
		}
	}
	return out
}

// fakeTerminator records termination calls and can be made to fail.
type fakeTerminator struct {
	mu     sync.Mutex
	killed []models.Session
	err    error
}

func (f *fakeTerminator) Terminate(ctx context.Context, session models.Session, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.killed = append(f.killed, session)
	return nil
}

func (f *fakeTerminator) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

// fakeSink records notification kinds in order.
type fakeSink struct {
	mu    sync.Mutex
	kinds []string
}

func (f *fakeSink) Notify(ctx context.Context, kind string, payload any, targets []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
}

func (f *fakeSink) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func playingSession(serverID, sessionID string, userID int64, ip string) models.Session {
	return models.Session{
		SessionID: sessionID,
		ServerID:  serverID,
		RatingKey: "rk-1",
		UserID:    userID,
		Username:  "alice",
		Title:     "Some Movie",
		State:     models.StatePlaying,
		IPAddress: ip,
	}
}

func TestEvaluateSkipsMisconfiguredRule(t *testing.T) {
	store := newMemStore(models.Rule{
		ID:      1,
		Type:    models.RuleTypeMaxConcurrentStreams,
		Name:    "broken",
		Enabled: true,
		// Limit zero fails validation.
	})
	term := &fakeTerminator{}
	ev := NewEvaluator(store, term, nil)

	snapshot := []models.Session{
		playingSession("srv", "1", 100, "10.0.0.1"),
		playingSession("srv", "2", 100, "10.0.0.2"),
	}
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, time.Now()))
	assert.Empty(t, store.openEvents())
	assert.Zero(t, term.killCount())
}

func TestEvaluatePropagatesRuleLoadError(t *testing.T) {
	store := newMemStore()
	store.rulesErr = errors.New("db down")
	ev := NewEvaluator(store, &fakeTerminator{}, nil)

	err := ev.Evaluate(context.Background(), nil, time.Now())
	require.Error(t, err)
}

func TestScopeSource(t *testing.T) {
	sessions := []models.Session{playingSession("srv-a", "1", 100, "10.0.0.1")}

	global := &models.Rule{ID: 1}
	assert.Equal(t, "global", scopeSource(global, 100, sessions))

	byUser := &models.Rule{ID: 2, UserIDs: []int64{100}}
	assert.Equal(t, "user", scopeSource(byUser, 100, sessions))
	assert.Equal(t, "", scopeSource(byUser, 200, sessions))

	byServer := &models.Rule{ID: 3, ServerIDs: []string{"srv-a"}}
	assert.Equal(t, "server", scopeSource(byServer, 100, sessions))

	otherServer := &models.Rule{ID: 4, ServerIDs: []string{"srv-b"}}
	assert.Equal(t, "", scopeSource(otherServer, 100, sessions))
}

func TestRenderReason(t *testing.T) {
	paused := &models.Rule{
		Type:     models.RuleTypeKillPausedStreams,
		Settings: models.RuleSettings{Limit: 15},
	}
	assert.Equal(t, "Stream was paused for more than 15 minutes", renderReason(paused))

	custom := &models.Rule{
		Type:     models.RuleTypeKillPausedStreams,
		Settings: models.RuleSettings{Limit: 5, Message: "paused $time min, bye"},
	}
	assert.Equal(t, "paused 5 min, bye", renderReason(custom))

	concurrent := &models.Rule{Type: models.RuleTypeMaxConcurrentStreams}
	assert.Equal(t, "Too many simultaneous streams on this account", renderReason(concurrent))
}
