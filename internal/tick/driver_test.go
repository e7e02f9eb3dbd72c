// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package tick

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/reconciler"
)

type stubProvider struct {
	mu       sync.Mutex
	sessions []models.Session
	err      error
	calls    int
}

func (s *stubProvider) Sessions(ctx context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.sessions, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubReconciler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubReconciler) Reconcile(ctx context.Context, serverID string, snapshot []models.Session, now time.Time) (reconciler.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return reconciler.Result{}, s.err
}

type stubEvaluator struct {
	mu        sync.Mutex
	calls     int
	lastCount int
}

func (s *stubEvaluator) Evaluate(ctx context.Context, snapshot []models.Session, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastCount = len(snapshot)
	return nil
}

func (s *stubEvaluator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func session(id string, userID int64) models.Session {
	return models.Session{
		SessionID: id,
		ServerID:  "srv-a",
		RatingKey: "rk-1",
		UserID:    userID,
		State:     models.StatePlaying,
	}
}

func TestTickUpdatesCacheAndEvaluatesUnion(t *testing.T) {
	cache := NewSnapshotCache()
	cache.Update("srv-b", []models.Session{session("99", 200)})

	provider := &stubProvider{sessions: []models.Session{session("1", 100)}}
	eval := &stubEvaluator{}
	d := NewDriver("srv-a", provider, &stubReconciler{}, eval, cache, time.Hour, 0)

	d.tick(context.Background())

	assert.Len(t, cache.Server("srv-a"), 1)
	// Evaluation sees both servers' sessions.
	assert.Equal(t, 2, eval.lastCount)

	st := d.Status()
	assert.Equal(t, "srv-a", st.ServerID)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, st.SessionCount)
}

func TestTickFetchFailureKeepsCachedSnapshot(t *testing.T) {
	cache := NewSnapshotCache()
	provider := &stubProvider{sessions: []models.Session{session("1", 100)}}
	eval := &stubEvaluator{}
	rec := &stubReconciler{}
	d := NewDriver("srv-a", provider, rec, eval, cache, time.Hour, 0)

	d.tick(context.Background())
	require.Len(t, cache.Server("srv-a"), 1)

	provider.mu.Lock()
	provider.err = errors.New("connection refused")
	provider.mu.Unlock()

	d.tick(context.Background())

	// The previous snapshot survives a failed poll and no reconcile or
	// evaluation runs against stale data.
	assert.Len(t, cache.Server("srv-a"), 1)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 1, eval.callCount())
	assert.Contains(t, d.Status().LastError, "connection refused")
}

func TestTickReconcileFailureSkipsEvaluation(t *testing.T) {
	cache := NewSnapshotCache()
	provider := &stubProvider{sessions: []models.Session{session("1", 100)}}
	eval := &stubEvaluator{}
	rec := &stubReconciler{err: errors.New("db locked")}
	d := NewDriver("srv-a", provider, rec, eval, cache, time.Hour, 0)

	d.tick(context.Background())

	assert.Zero(t, eval.callCount())
	assert.Empty(t, cache.Server("srv-a"))
}

func TestServeTicksOnNudge(t *testing.T) {
	cache := NewSnapshotCache()
	provider := &stubProvider{}
	eval := &stubEvaluator{}
	d := NewDriver("srv-a", provider, &stubReconciler{}, eval, cache, time.Hour, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Serve(ctx)
		close(done)
	}()

	// Startup tick.
	require.Eventually(t, func() bool { return provider.callCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	d.Nudge()
	require.Eventually(t, func() bool { return provider.callCount() >= 2 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on context cancel")
	}
}

func TestServeCooldownSuppressesNudgeStorm(t *testing.T) {
	cache := NewSnapshotCache()
	provider := &stubProvider{}
	d := NewDriver("srv-a", provider, &stubReconciler{}, &stubEvaluator{}, cache, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Serve(ctx) }()

	require.Eventually(t, func() bool { return provider.callCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Nudges inside the cooldown window are absorbed.
	for i := 0; i < 5; i++ {
		d.Nudge()
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, provider.callCount())
}

func TestSnapshotCache(t *testing.T) {
	cache := NewSnapshotCache()
	assert.Empty(t, cache.All())

	cache.Update("srv-a", []models.Session{session("1", 100)})
	cache.Update("srv-b", []models.Session{session("2", 200), session("3", 200)})
	assert.Len(t, cache.All(), 3)

	cache.Update("srv-b", nil)
	assert.Len(t, cache.All(), 1)
	assert.Empty(t, cache.Server("srv-b"))
}
