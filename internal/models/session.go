// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package models defines the data structures shared across StreamWarden:
// session snapshots, active session records, playback history entries,
// policy rules, and rule events.
package models

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SessionState is the reported playback state of a session.
type SessionState string

const (
	StatePlaying   SessionState = "playing"
	StatePaused    SessionState = "paused"
	StateBuffering SessionState = "buffering"
	StateUnknown   SessionState = "unknown"
)

// Session is a single "now playing" snapshot entry as reported by a media
// server poll. Snapshots are ephemeral; they feed the active session table
// and the policy evaluator but are never persisted as such.
//
// SessionID is the server-assigned session key. It is numeric on Plex-style
// servers and persists across sequential playback (autoplay of the next
// episode reuses the key with a new RatingKey).
type Session struct {
	SessionID string       `json:"session_id"`
	ServerID  string       `json:"server_id"`
	RatingKey string       `json:"rating_key"`
	UserID    int64        `json:"user_id"`
	Username  string       `json:"username"`
	Title     string       `json:"title"`
	Subtitle  string       `json:"subtitle,omitempty"`
	State     SessionState `json:"state"`

	ViewOffsetMs int64 `json:"view_offset_ms"`
	DurationMs   int64 `json:"duration_ms"`

	IPAddress string `json:"ip_address,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Device    string `json:"device,omitempty"`
}

// Valid reports whether the snapshot carries the fields the reconciler and
// evaluator depend on. Entries failing this check are dropped, not fatal.
func (s *Session) Valid() bool {
	return s.SessionID != "" && s.ServerID != "" && s.RatingKey != "" && s.UserID != 0
}

// Ordinal returns the numeric value of the session key for victim selection
// ordering. Non-numeric keys sort first (ordinal 0); ties are broken by the
// raw key string so selection stays deterministic.
func (s *Session) Ordinal() int64 {
	n, err := strconv.ParseInt(s.SessionID, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ActiveSession is the persisted mirror of a currently observed session,
// keyed by (ServerID, SessionID). At most one row exists per live session.
// A RatingKey change under an unchanged SessionID signals sequential
// playback, not a content edit.
type ActiveSession struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	RatingKey string `json:"rating_key"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`

	// StartTime and LastSeen are epoch milliseconds.
	StartTime int64        `json:"start_time"`
	LastSeen  int64        `json:"last_seen"`
	State     SessionState `json:"state"`

	// PausedCounter accumulates paused seconds across the session's life.
	// PausedSince is set (epoch ms) while the session sits paused.
	PausedCounter int64  `json:"paused_counter"`
	PausedSince   *int64 `json:"paused_since,omitempty"`

	// Raw holds the most recent snapshot for this session, verbatim.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// Snapshot decodes the stored raw snapshot blob. Returns a zero Session if
// the blob is missing or undecodable; history finalization degrades to the
// fields held on the row itself.
func (a *ActiveSession) Snapshot() Session {
	var s Session
	if len(a.Raw) > 0 {
		_ = json.Unmarshal(a.Raw, &s)
	}
	return s
}

// HistoryEntry is an immutable record of a finished playback segment.
// Entries are only written for segments longer than ten seconds and are
// never mutated afterwards.
type HistoryEntry struct {
	ID        uuid.UUID `json:"id"`
	ServerID  string    `json:"server_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Title     string    `json:"title,omitempty"`
	Subtitle  string    `json:"subtitle,omitempty"`
	RatingKey string    `json:"rating_key"`

	// StartTime and StopTime are epoch milliseconds; Duration is whole
	// seconds, rounded.
	StartTime int64 `json:"start_time"`
	StopTime  int64 `json:"stop_time"`
	Duration  int64 `json:"duration"`

	Platform      string          `json:"platform,omitempty"`
	Device        string          `json:"device,omitempty"`
	IPAddress     string          `json:"ip_address,omitempty"`
	PausedCounter int64           `json:"paused_counter"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// EpochMs converts a time to epoch milliseconds, the unit used for every
// persisted timestamp.
func EpochMs(t time.Time) int64 {
	return t.UnixMilli()
}
