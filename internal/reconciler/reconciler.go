// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package reconciler converges the persisted active session table with the
// latest "now playing" snapshot and finalizes finished playback into
// history entries.
//
// Reconciliation is idempotent: running it twice against an unchanged
// snapshot produces no history churn beyond last-seen refreshes. It
// tolerates a single missed poll without fabricating spurious end/start
// pairs, and a malformed or unpersistable row never aborts the tick.
package reconciler

import (
	"context"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/models"
)

const (
	// staleLastSeen caps how much dead air between the last heartbeat and
	// detected disappearance gets credited to a session.
	staleLastSeen = 60 * time.Second

	// minHistoryDuration filters scrubbing and instant-exit noise out of
	// history. Strictly greater-than.
	minHistoryDuration = 10 // seconds

	// resumeOffsetThreshold marks a view offset as a meaningful
	// mid-content position rather than poll-join skew.
	resumeOffsetThreshold = 60 * time.Second

	// engineWarmup is the window after process start during which a
	// mid-content session is assumed to predate the engine, so its start
	// time is backdated by the view offset.
	engineWarmup = 120 * time.Second
)

// Store is the persistence surface the reconciler needs. All writes are
// independently keyed by (server id, session id); a failure on one row
// must not prevent writes to others.
type Store interface {
	// ActiveSessions returns every active session row for a server.
	ActiveSessions(ctx context.Context, serverID string) ([]models.ActiveSession, error)

	// UpsertActiveSession inserts or replaces a row by its key.
	UpsertActiveSession(ctx context.Context, session *models.ActiveSession) error

	// DeleteActiveSession removes a row. Deleting an absent row is not an
	// error.
	DeleteActiveSession(ctx context.Context, serverID, sessionID string) error

	// InsertHistoryEntry writes a finalized playback segment. Inserting a
	// duplicate (same user, content, and start) is a no-op.
	InsertHistoryEntry(ctx context.Context, entry *models.HistoryEntry) error
}

// Result summarizes one reconciliation pass.
type Result struct {
	// New holds snapshot sessions observed for the first time this tick.
	New []models.Session

	// Ended holds the rows finalized this tick, including sequential
	// playback rollovers and segments below the history floor.
	Ended []models.ActiveSession

	// HistoryWritten counts history entries persisted this tick.
	HistoryWritten int
}

// Reconciler diffs snapshots against the active session table.
type Reconciler struct {
	store  Store
	uptime func() time.Duration
}

var processStart = time.Now()

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithUptimeFunc overrides the process uptime source, used by the resume
// heuristic. Tests inject fixed uptimes here.
func WithUptimeFunc(f func() time.Duration) Option {
	return func(r *Reconciler) { r.uptime = f }
}

// New creates a Reconciler backed by the given store.
func New(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		uptime: func() time.Duration { return time.Since(processStart) },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile converges the active session table for one server against the
// current snapshot. The caller supplies a single clock value for the tick
// so every comparison within it is mutually consistent.
func (r *Reconciler) Reconcile(ctx context.Context, serverID string, snapshot []models.Session, now time.Time) (Result, error) {
	var res Result

	stored, err := r.store.ActiveSessions(ctx, serverID)
	if err != nil {
		return res, err
	}

	byID := make(map[string]*models.ActiveSession, len(stored))
	for i := range stored {
		byID[stored[i].SessionID] = &stored[i]
	}

	seen := make(map[string]struct{}, len(snapshot))
	for i := range snapshot {
		s := &snapshot[i]
		if !s.Valid() {
			logging.Warn().
				Str("server", serverID).
				Str("session", s.SessionID).
				Msg("dropping malformed session snapshot")
			continue
		}
		seen[s.SessionID] = struct{}{}

		row, ok := byID[s.SessionID]
		switch {
		case ok && row.RatingKey == s.RatingKey:
			r.heartbeat(ctx, row, s, now)
		case ok:
			// Same session id, different content: sequential playback.
			// Finalize the old item, then treat the new one as a fresh
			// session.
			r.finalize(ctx, row, now, &res)
			r.startSession(ctx, s, now, &res)
		default:
			r.startSession(ctx, s, now, &res)
		}
	}

	for i := range stored {
		row := &stored[i]
		if _, present := seen[row.SessionID]; !present {
			r.finalize(ctx, row, now, &res)
		}
	}

	return res, nil
}

// heartbeat refreshes a row that is still playing the same content.
func (r *Reconciler) heartbeat(ctx context.Context, row *models.ActiveSession, s *models.Session, now time.Time) {
	nowMs := models.EpochMs(now)

	switch s.State {
	case models.StatePaused:
		if row.PausedSince == nil {
			since := nowMs
			row.PausedSince = &since
		}
		row.PausedCounter += roundSeconds(nowMs - row.LastSeen)
	case models.StatePlaying:
		row.PausedSince = nil
	default:
		// Buffering and unknown states leave the pause bookkeeping as is.
	}

	row.LastSeen = nowMs
	row.State = s.State
	if raw := marshalSnapshot(s); raw != nil {
		row.Raw = raw
	}

	if err := r.store.UpsertActiveSession(ctx, row); err != nil {
		logging.Err(err).
			Str("server", row.ServerID).
			Str("session", row.SessionID).
			Msg("failed to persist session heartbeat")
	}
}

// startSession inserts a row for a newly observed session, applying the
// resume/backfill heuristic to its start time.
func (r *Reconciler) startSession(ctx context.Context, s *models.Session, now time.Time, res *Result) {
	nowMs := models.EpochMs(now)

	startTime := nowMs - s.ViewOffsetMs
	if s.ViewOffsetMs > resumeOffsetThreshold.Milliseconds() && r.uptime() >= engineWarmup {
		// A meaningful mid-content position while the engine has been up
		// for a while is a genuine user resume. Do not backdate: the gap
		// was not watched.
		startTime = nowMs
	}

	row := &models.ActiveSession{
		ServerID:  s.ServerID,
		SessionID: s.SessionID,
		RatingKey: s.RatingKey,
		UserID:    s.UserID,
		Username:  s.Username,
		StartTime: startTime,
		LastSeen:  nowMs,
		State:     s.State,
		Raw:       marshalSnapshot(s),
	}
	if s.State == models.StatePaused {
		since := nowMs
		row.PausedSince = &since
	}

	if err := r.store.UpsertActiveSession(ctx, row); err != nil {
		logging.Err(err).
			Str("server", s.ServerID).
			Str("session", s.SessionID).
			Msg("failed to persist new session")
		return
	}

	res.New = append(res.New, *s)
}

// finalize converts a row into a history entry (when long enough) and
// deletes it. Deletion is unconditional: a finalized row must never linger
// and resurrect the segment on a later tick.
func (r *Reconciler) finalize(ctx context.Context, row *models.ActiveSession, now time.Time, res *Result) {
	nowMs := models.EpochMs(now)

	effectiveStop := nowMs
	if nowMs-row.LastSeen > staleLastSeen.Milliseconds() {
		effectiveStop = row.LastSeen
	}

	durationSec := roundSeconds(effectiveStop - row.StartTime)
	if durationSec > minHistoryDuration {
		entry := historyFromRow(row, effectiveStop, durationSec)
		if err := r.store.InsertHistoryEntry(ctx, entry); err != nil {
			logging.Err(err).
				Str("server", row.ServerID).
				Str("session", row.SessionID).
				Str("rating_key", row.RatingKey).
				Msg("failed to write history entry")
		} else {
			res.HistoryWritten++
		}
	}

	if err := r.store.DeleteActiveSession(ctx, row.ServerID, row.SessionID); err != nil {
		logging.Err(err).
			Str("server", row.ServerID).
			Str("session", row.SessionID).
			Msg("failed to delete ended session")
	}

	res.Ended = append(res.Ended, *row)
}

// historyFromRow builds the immutable history entry for a finalized row,
// enriching it from the stored raw snapshot.
func historyFromRow(row *models.ActiveSession, stopTime, durationSec int64) *models.HistoryEntry {
	snap := row.Snapshot()
	return &models.HistoryEntry{
		ID:            uuid.New(),
		ServerID:      row.ServerID,
		UserID:        row.UserID,
		Username:      row.Username,
		Title:         snap.Title,
		Subtitle:      snap.Subtitle,
		RatingKey:     row.RatingKey,
		StartTime:     row.StartTime,
		StopTime:      stopTime,
		Duration:      durationSec,
		Platform:      snap.Platform,
		Device:        snap.Device,
		IPAddress:     snap.IPAddress,
		PausedCounter: row.PausedCounter,
		Raw:           row.Raw,
	}
}

// roundSeconds converts milliseconds to whole seconds, rounded.
func roundSeconds(ms int64) int64 {
	return int64(math.Round(float64(ms) / 1000.0))
}

func marshalSnapshot(s *models.Session) json.RawMessage {
	raw, err := json.Marshal(s)
	if err != nil {
		// A snapshot that survived Valid() always marshals; keep the old
		// blob rather than fail the row.
		return nil
	}
	return raw
}
