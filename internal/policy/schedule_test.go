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

func scheduleRule(enforce bool, sched *models.ScheduleSettings) models.Rule {
	return models.Rule{
		ID:      3,
		Type:    models.RuleTypeScheduledAccess,
		Name:    "bedtime",
		Enabled: true,
		Settings: models.RuleSettings{
			Enforce:  enforce,
			Schedule: sched,
		},
	}
}

// weeknightBlock blocks Mon-Fri 22:00 through 07:00 the next morning.
func weeknightBlock() *models.ScheduleSettings {
	return &models.ScheduleSettings{
		Type:     models.ScheduleTypeBlock,
		Timezone: "UTC",
		TimeWindows: []models.TimeWindow{
			{StartTime: "22:00", EndTime: "07:00", Days: []int{1, 2, 3, 4, 5}},
		},
	}
}

// tuesdayAt returns a Tuesday at the given hour and minute, UTC.
func tuesdayAt(hour, minute int) time.Time {
	return time.Date(2026, time.September, 1, hour, minute, 0, 0, time.UTC)
}

func TestBlocked(t *testing.T) {
	block := weeknightBlock()

	tests := []struct {
		name    string
		at      time.Time
		blocked bool
	}{
		{"tuesday late evening", tuesdayAt(23, 0), true},
		{"tuesday at window start", tuesdayAt(22, 0), true},
		{"tuesday early morning inside carryover", tuesdayAt(6, 59), true},
		{"tuesday noon", tuesdayAt(12, 0), false},
		{"tuesday at window end", tuesdayAt(7, 0), false},
		{"saturday late evening", tuesdayAt(23, 0).AddDate(0, 0, 4), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.blocked, Blocked(block, tt.at))
		})
	}
}

func TestBlockedAllowTypeDefaultsToBlocked(t *testing.T) {
	// An allow schedule only opens Saturday afternoons. Any time outside
	// that window, including days the schedule never mentions, is blocked.
	allow := &models.ScheduleSettings{
		Type:     models.ScheduleTypeAllow,
		Timezone: "UTC",
		TimeWindows: []models.TimeWindow{
			{StartTime: "14:00", EndTime: "18:00", Days: []int{6}},
		},
	}

	saturday := tuesdayAt(15, 0).AddDate(0, 0, 4)
	assert.False(t, Blocked(allow, saturday))
	assert.True(t, Blocked(allow, tuesdayAt(15, 0)))
	assert.True(t, Blocked(allow, saturday.Add(4*time.Hour)))
}

func TestBlockedSkipsMalformedWindows(t *testing.T) {
	sched := &models.ScheduleSettings{
		Type:     models.ScheduleTypeBlock,
		Timezone: "UTC",
		TimeWindows: []models.TimeWindow{
			{StartTime: "not-a-time", EndTime: "23:00", Days: []int{2}},
			{StartTime: "22:00", EndTime: "23:00", Days: []int{2}},
		},
	}
	assert.True(t, Blocked(sched, tuesdayAt(22, 30)))
	assert.False(t, Blocked(sched, tuesdayAt(21, 0)))
}

func TestInWindow(t *testing.T) {
	// Plain window.
	assert.True(t, inWindow(600, 540, 660))
	assert.False(t, inWindow(660, 540, 660))
	assert.False(t, inWindow(500, 540, 660))

	// Midnight-crossing window 22:00-07:00.
	assert.True(t, inWindow(23*60, 22*60, 7*60))
	assert.True(t, inWindow(3*60, 22*60, 7*60))
	assert.False(t, inWindow(12*60, 22*60, 7*60))
}

func TestScheduleOpensEventWhileBlocked(t *testing.T) {
	store := newMemStore(scheduleRule(false, weeknightBlock()))
	term := &fakeTerminator{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, term, sink)

	snapshot := []models.Session{playingSession("srv", "10", 100, "10.0.0.1")}
	at := tuesdayAt(23, 0)
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, at))

	open := store.openEvents()
	require.Len(t, open, 1)
	details, err := models.DecodeDetails(open[0].Details)
	require.NoError(t, err)
	sd, ok := details.(*models.ScheduledAccessDetails)
	require.True(t, ok)
	assert.Equal(t, models.ScheduleTypeBlock, sd.ScheduleType)
	assert.Equal(t, 1, sd.SessionCount)
	assert.Zero(t, term.killCount())

	// Unchanged state on the next tick adds nothing.
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, at.Add(30*time.Second)))
	assert.Len(t, store.openEvents(), 1)
	assert.Equal(t, 1, sink.count(KindRuleTriggered))
}

func TestScheduleEnforceTerminatesAllUserSessions(t *testing.T) {
	store := newMemStore(scheduleRule(true, weeknightBlock()))
	term := &fakeTerminator{}
	ev := NewEvaluator(store, term, &fakeSink{})

	snapshot := []models.Session{
		playingSession("srv", "10", 100, "10.0.0.1"),
		playingSession("srv", "11", 100, "10.0.0.2"),
	}
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, tuesdayAt(23, 0)))
	assert.Equal(t, 2, term.killCount())
}

func TestScheduleEventClosesWhenWindowEnds(t *testing.T) {
	store := newMemStore(scheduleRule(false, weeknightBlock()))
	sink := &fakeSink{}
	ev := NewEvaluator(store, &fakeTerminator{}, sink)

	snapshot := []models.Session{playingSession("srv", "10", 100, "10.0.0.1")}
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, tuesdayAt(23, 0)))
	require.Len(t, store.openEvents(), 1)

	// The user is still streaming at 07:05 the next morning, outside the
	// window: the event resolves.
	morning := tuesdayAt(7, 5).AddDate(0, 0, 1)
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, morning))
	assert.Empty(t, store.openEvents())
	require.Len(t, store.closedEvents(), 1)
	assert.Equal(t, 1, sink.count(KindRuleResolved))
}

func TestScheduleEventClosesWhenSessionsGone(t *testing.T) {
	store := newMemStore(scheduleRule(true, weeknightBlock()))
	term := &fakeTerminator{}
	sink := &fakeSink{}
	ev := NewEvaluator(store, term, sink)

	snapshot := []models.Session{playingSession("srv", "10", 100, "10.0.0.1")}
	at := tuesdayAt(23, 0)
	require.NoError(t, ev.Evaluate(context.Background(), snapshot, at))
	require.Len(t, store.openEvents(), 1)
	require.Equal(t, 1, term.killCount())

	// Enforcement killed the stream; the window is still active but the
	// user is no longer streaming through it, so the event resolves.
	require.NoError(t, ev.Evaluate(context.Background(), nil, at.Add(30*time.Second)))
	assert.Empty(t, store.openEvents())
	require.Len(t, store.closedEvents(), 1)
	assert.Equal(t, 1, sink.count(KindRuleResolved))
}

func TestScheduleIgnoresUsersWithoutSessions(t *testing.T) {
	store := newMemStore(scheduleRule(true, weeknightBlock()))
	term := &fakeTerminator{}
	ev := NewEvaluator(store, term, &fakeSink{})

	require.NoError(t, ev.Evaluate(context.Background(), nil, tuesdayAt(23, 0)))
	assert.Empty(t, store.openEvents())
	assert.Zero(t, term.killCount())
}
