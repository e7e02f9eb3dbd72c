// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamwarden/streamwarden/internal/models"
)

func concurrentRule(limit int, enforce, killAll, excludeSameIP bool) models.Rule {
	return models.Rule{
		ID:      1,
		Type:    models.RuleTypeMaxConcurrentStreams,
		Name:    "stream limit",
		Enabled: true,
		Settings: models.RuleSettings{
			Enforce:       enforce,
			Limit:         limit,
			KillAll:       killAll,
			ExcludeSameIP: excludeSameIP,
		},
	}
}

func threeStreams(userID int64) []models.Session {
	return []models.Session{
		playingSession("srv", "10", userID, "10.0.0.1"),
		playingSession("srv", "11", userID, "10.0.0.2"),
		playingSession("srv", "12", userID, "10.0.0.3"),
	}
}

func TestConcurrentRecordOnlyOpensOneEvent(t *testing.T) {
	store := newMemStore(concurrentRule(2, false, false, false))
	term := &fakeTerminator{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, term, sink)

	snapshot := threeStreams(100)
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, time.Now()))

	open := store.openEvents()
	require.Len(t, open, 1)
	details, err := models.DecodeDetails(open[0].Details)
	require.NoError(t, err)
	cd, ok := details.(*models.ConcurrentStreamsDetails)
	require.True(t, ok)
	assert.Equal(t, 3, cd.Count)
	assert.Equal(t, 2, cd.Limit)
	assert.Equal(t, "global", cd.ScopeSource)

	assert.Zero(t, term.killCount(), "record-only rule must not terminate")
	assert.Equal(t, 1, sink.count(KindRuleTriggered))

	// Re-evaluating unchanged state opens nothing further.
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, time.Now()))
	assert.Len(t, store.openEvents(), 1)
	assert.Equal(t, 1, sink.count(KindRuleTriggered))
}

func TestConcurrentEnforceKillsNewestOnly(t *testing.T) {
	store := newMemStore(concurrentRule(2, true, false, false))
	term := &fakeTerminator{}
	ev := NewEvaluator(store, term, &fakeSink{})

	require.NoError(t, ev.Evaluate(context.Background(), threeStreams(100), time.Now()))

	require.Equal(t, 1, term.killCount())
	assert.Equal(t, "12", term.killed[0].SessionID, "highest ordinal dies first")
}

func TestConcurrentKillAllTerminatesEverySession(t *testing.T) {
	store := newMemStore(concurrentRule(2, true, true, false))
	term := &fakeTerminator{}
	ev := NewEvaluator(store, term, &fakeSink{})

	require.NoError(t, ev.Evaluate(context.Background(), threeStreams(100), time.Now()))
	assert.Equal(t, 3, term.killCount())
}

func TestConcurrentSameIPExclusion(t *testing.T) {
	store := newMemStore(concurrentRule(2, true, false, true))
	term := &fakeTerminator{}
	ev := NewEvaluator(store, term, &fakeSink{})

	// Three streams, but two share a normalized address: the IPv6-mapped
	// form counts as its IPv4 twin, leaving two distinct IPs, within limit.
	snapshot := []models.Session{
		playingSession("srv", "10", 100, "192.168.1.5"),
		playingSession("srv", "11", 100, "::ffff:192.168.1.5"),
		playingSession("srv", "12", 100, "10.0.0.3"),
	}
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, time.Now()))

	assert.Empty(t, store.openEvents())
	assert.Zero(t, term.killCount())
}

func TestConcurrentEventClosesOnResolution(t *testing.T) {
	store := newMemStore(concurrentRule(2, false, false, false))
	sink := &fakeSink{}
	ev := NewEvaluator(store, &fakeTerminator{}, sink)

	now := time.Now()
	require.NoError(t, ev.Evaluate(context.Background(), threeStreams(100), now))
	require.Len(t, store.openEvents(), 1)

	// One stream stops; the violation resolves and the event closes with
	// an end time, kept as history rather than deleted.
	reduced := threeStreams(100)[:2]
	later := now.Add(30 * time.Second)
	require.NoError(t, ev.Evaluate(context.Background(), reduced, later))

	assert.Empty(t, store.openEvents())
	closed := store.closedEvents()
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].EndedAt)
	assert.Equal(t, models.EpochMs(later), *closed[0].EndedAt)
	assert.Equal(t, 1, sink.count(KindRuleResolved))
}

func TestConcurrentEventClosesWhenUserGone(t *testing.T) {
	store := newMemStore(concurrentRule(2, true, true, false))
	term := &fakeTerminator{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, term, sink)

	now := time.Now()
	require.NoError(t, ev.Evaluate(context.Background(), threeStreams(100), now))
	require.Len(t, store.openEvents(), 1)
	require.Equal(t, 3, term.killCount())

	// kill_all wiped every session, so the user has nothing left in the
	// next snapshot. The violation has resolved all the same: the event
	// must close rather than stay open forever.
	later := now.Add(30 * time.Second)
	require.NoError(t, ev.Evaluate(context.Background(), nil, later))

	assert.Empty(t, store.openEvents())
	closed := store.closedEvents()
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].EndedAt)
	assert.Equal(t, models.EpochMs(later), *closed[0].EndedAt)
	assert.Equal(t, 1, sink.count(KindRuleResolved))

	// Nothing further happens on another empty tick.
	require.NoError(t, ev.Evaluate(context.Background(), nil, later.Add(30*time.Second)))
	assert.Equal(t, 1, sink.count(KindRuleResolved))
}

func TestConcurrentScopedRuleIgnoresOtherUsers(t *testing.T) {
	rule := concurrentRule(1, true, false, false)
	rule.UserIDs = []int64{100}
	store := newMemStore(rule)
	term := &fakeTerminator{}
	ev := NewEvaluator(store, term, &fakeSink{})

	snapshot := []models.Session{
		playingSession("srv", "20", 200, "10.0.0.1"),
		playingSession("srv", "21", 200, "10.0.0.2"),
	}
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, time.Now()))

	assert.Empty(t, store.openEvents())
	assert.Zero(t, term.killCount())
}

func TestSelectVictims(t *testing.T) {
	sessions := []models.Session{
		{SessionID: "7"},
		{SessionID: "3"},
		{SessionID: "12"},
		{SessionID: "9"},
	}

	victims := selectVictims(sessions, models.RuleSettings{Limit: 2})
	require.Len(t, victims, 2)
	assert.Equal(t, "9", victims[0].SessionID)
	assert.Equal(t, "12", victims[1].SessionID)

	all := selectVictims(sessions, models.RuleSettings{Limit: 2, KillAll: true})
	assert.Len(t, all, 4)

	none := selectVictims(sessions[:2], models.RuleSettings{Limit: 2})
	assert.Empty(t, none)
}

func TestNormalizeIP(t *testing.T) {
	assert.Equal(t, "127.0.0.1", NormalizeIP("::1"))
	assert.Equal(t, "192.168.1.5", NormalizeIP("::ffff:192.168.1.5"))
	assert.Equal(t, "10.0.0.1", NormalizeIP("10.0.0.1"))
	assert.Equal(t, "2001:db8::2", NormalizeIP("2001:db8::2"))
}
