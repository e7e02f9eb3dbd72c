// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package tick drives the poll-reconcile-evaluate loop. One Driver runs
// per monitored server; all drivers feed a shared SnapshotCache so the
// evaluator always sees the deployment-wide session set.
package tick

import (
	"context"
	"sync"
	"time"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/reconciler"
)

// SessionProvider fetches a server's live sessions.
type SessionProvider interface {
	Sessions(ctx context.Context) ([]models.Session, error)
}

// Reconciler turns a snapshot into persisted session state.
type Reconciler interface {
	Reconcile(ctx context.Context, serverID string, snapshot []models.Session, now time.Time) (reconciler.Result, error)
}

// Evaluator checks policy rules against the full snapshot.
type Evaluator interface {
	Evaluate(ctx context.Context, snapshot []models.Session, now time.Time) error
}

// Status describes a driver's most recent tick, for readiness reporting.
type Status struct {
	ServerID     string    `json:"server_id"`
	LastTick     time.Time `json:"last_tick"`
	LastError    string    `json:"last_error,omitempty"`
	SessionCount int       `json:"session_count"`
}

// Driver polls one server on a fixed interval and reacts to push nudges
// between polls. Implements suture.Service.
type Driver struct {
	serverID string
	provider SessionProvider
	rec      Reconciler
	eval     Evaluator
	cache    *SnapshotCache

	interval time.Duration
	cooldown time.Duration

	// nudge wakes the loop for an early tick. Buffered so a burst of
	// notifications collapses into one pending wakeup.
	nudge chan struct{}

	mu     sync.Mutex
	status Status
}

// NewDriver creates a driver for one server.
func NewDriver(serverID string, provider SessionProvider, rec Reconciler, eval Evaluator,
	cache *SnapshotCache, interval, cooldown time.Duration) *Driver {
	return &Driver{
		serverID: serverID,
		provider: provider,
		rec:      rec,
		eval:     eval,
		cache:    cache,
		interval: interval,
		cooldown: cooldown,
		nudge:    make(chan struct{}, 1),
		status:   Status{ServerID: serverID},
	}
}

// Nudge requests an early tick. Safe to call from any goroutine; never
// blocks.
func (d *Driver) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Status returns the most recent tick outcome.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Serve runs the tick loop until the context ends. Implements
// suture.Service.
func (d *Driver) Serve(ctx context.Context) error {
	logging.Info().
		Str("server", d.serverID).
		Dur("interval", d.interval).
		Msg("tick driver started")

	// First tick immediately so state converges on startup.
	d.tick(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx)
			lastTick = time.Now()
		case <-d.nudge:
			// Cooldown guard: a notification storm right after a tick
			// should not hammer the server.
			if time.Since(lastTick) < d.cooldown {
				continue
			}
			d.tick(ctx)
			lastTick = time.Now()
		}
	}
}

// tick runs one poll-reconcile-evaluate pass with a single clock reading.
func (d *Driver) tick(ctx context.Context) {
	now := time.Now()

	snapshot, err := d.provider.Sessions(ctx)
	if err != nil {
		metrics.TickErrors.WithLabelValues(d.serverID, "fetch").Inc()
		logging.Err(err).Str("server", d.serverID).Msg("session fetch failed, skipping tick")
		d.setStatus(now, err, 0)
		return
	}

	res, err := d.rec.Reconcile(ctx, d.serverID, snapshot, now)
	if err != nil {
		metrics.TickErrors.WithLabelValues(d.serverID, "reconcile").Inc()
		logging.Err(err).Str("server", d.serverID).Msg("reconcile failed, skipping evaluation")
		d.setStatus(now, err, len(snapshot))
		return
	}
	if res.HistoryWritten > 0 {
		metrics.HistoryEntries.WithLabelValues(d.serverID).Add(float64(res.HistoryWritten))
	}

	d.cache.Update(d.serverID, snapshot)

	if err := d.eval.Evaluate(ctx, d.cache.All(), now); err != nil {
		metrics.TickErrors.WithLabelValues(d.serverID, "evaluate").Inc()
		logging.Err(err).Str("server", d.serverID).Msg("policy evaluation failed")
		d.setStatus(now, err, len(snapshot))
		return
	}

	metrics.TicksTotal.WithLabelValues(d.serverID).Inc()
	metrics.ActiveSessions.WithLabelValues(d.serverID).Set(float64(len(snapshot)))
	d.setStatus(now, nil, len(snapshot))

	logging.Debug().
		Str("server", d.serverID).
		Int("sessions", len(snapshot)).
		Int("new", len(res.New)).
		Int("ended", len(res.Ended)).
		Int("history_written", res.HistoryWritten).
		Msg("tick complete")
}

func (d *Driver) setStatus(now time.Time, err error, sessions int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.LastTick = now
	d.status.SessionCount = sessions
	if err != nil {
		d.status.LastError = err.Error()
	} else {
		d.status.LastError = ""
	}
}
