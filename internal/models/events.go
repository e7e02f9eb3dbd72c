// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package models

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// RuleEvent records a detected (and possibly enforced) policy violation.
// An event is open while EndedAt is nil. Open events are either closed
// (EndedAt set, kept as history of a real violation) or deleted (a false
// positive that never matured into enforcement).
//
// Uniqueness of open events:
//   - max_concurrent_streams, scheduled_access: one per (UserID, RuleID)
//   - kill_paused_streams: one per (UserID, RuleID, session id), where the
//     session id lives in Details because sessions are ephemeral
type RuleEvent struct {
	ID          uuid.UUID       `json:"id"`
	RuleID      int64           `json:"rule_id"`
	UserID      int64           `json:"user_id"`
	TriggeredAt int64           `json:"triggered_at"`
	EndedAt     *int64          `json:"ended_at,omitempty"`
	Details     json.RawMessage `json:"details"`
}

// Open reports whether the event is still unresolved.
func (e *RuleEvent) Open() bool {
	return e.EndedAt == nil
}

// Event details form a tagged union keyed by rule type. The tag is written
// and checked on every encode/decode so a paused-stream event can never be
// read back as a concurrency event.

// ConcurrentStreamsDetails describes a max_concurrent_streams violation.
type ConcurrentStreamsDetails struct {
	Type     RuleType `json:"type"`
	RuleName string   `json:"rule_name"`
	Count    int      `json:"count"`
	Limit    int      `json:"limit"`

	// ScopeSource records why the user was in scope: "global", "user", or
	// "server".
	ScopeSource string `json:"scope_source"`
}

// PausedStreamDetails describes a kill_paused_streams violation. The
// session identity is carried here, not as a column, because one user can
// hold several paused sessions under the same rule.
type PausedStreamDetails struct {
	Type      RuleType `json:"type"`
	RuleName  string   `json:"rule_name"`
	ServerID  string   `json:"server_id"`
	SessionID string   `json:"session_id"`

	// PausedSince is when the pause began, epoch ms.
	PausedSince int64 `json:"paused_since"`

	// Enforced flips to true once the termination call has been issued.
	// The event stays open until the session disappears from the snapshot.
	Enforced bool `json:"enforced"`
}

// ScheduledAccessDetails describes a scheduled_access violation.
type ScheduledAccessDetails struct {
	Type         RuleType     `json:"type"`
	RuleName     string       `json:"rule_name"`
	ScheduleType ScheduleType `json:"schedule_type"`
	SessionCount int          `json:"session_count"`
}

// detailsTag is the minimal shape needed to dispatch on the union tag.
type detailsTag struct {
	Type RuleType `json:"type"`
}

// EncodeDetails validates and serializes event details. The Type field of
// the payload must already be set to the matching rule type.
func EncodeDetails(v any) (json.RawMessage, error) {
	var tag RuleType
	switch d := v.(type) {
	case *ConcurrentStreamsDetails:
		tag = d.Type
		if tag != RuleTypeMaxConcurrentStreams {
			return nil, fmt.Errorf("concurrent details tagged %q", tag)
		}
	case *PausedStreamDetails:
		tag = d.Type
		if tag != RuleTypeKillPausedStreams {
			return nil, fmt.Errorf("paused details tagged %q", tag)
		}
		if d.SessionID == "" {
			return nil, fmt.Errorf("paused details missing session id")
		}
	case *ScheduledAccessDetails:
		tag = d.Type
		if tag != RuleTypeScheduledAccess {
			return nil, fmt.Errorf("schedule details tagged %q", tag)
		}
	default:
		return nil, fmt.Errorf("unsupported details type %T", v)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s details: %w", tag, err)
	}
	return raw, nil
}

// DecodeDetails deserializes event details into the concrete type named by
// the embedded tag.
func DecodeDetails(raw json.RawMessage) (any, error) {
	var tag detailsTag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("decode details tag: %w", err)
	}

	switch tag.Type {
	case RuleTypeMaxConcurrentStreams:
		var d ConcurrentStreamsDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode concurrent details: %w", err)
		}
		return &d, nil
	case RuleTypeKillPausedStreams:
		var d PausedStreamDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode paused details: %w", err)
		}
		return &d, nil
	case RuleTypeScheduledAccess:
		var d ScheduledAccessDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode schedule details: %w", err)
		}
		return &d, nil
	default:
		return nil, fmt.Errorf("unknown details tag %q", tag.Type)
	}
}

// DecodePausedDetails decodes details known to belong to a
// kill_paused_streams event.
func DecodePausedDetails(raw json.RawMessage) (*PausedStreamDetails, error) {
	v, err := DecodeDetails(raw)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*PausedStreamDetails)
	if !ok {
		return nil, fmt.Errorf("details are %T, not paused stream details", v)
	}
	return d, nil
}
