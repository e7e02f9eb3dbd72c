// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package metrics registers StreamWarden's Prometheus collectors. All
// collectors live on the default registry and are served by the ops
// listener at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts completed reconcile+evaluate ticks per server.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_ticks_total",
		Help: "Completed ticks per server.",
	}, []string{"server"})

	// TickErrors counts ticks skipped or aborted per server, by stage.
	TickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_tick_errors_total",
		Help: "Tick failures per server, labeled by pipeline stage.",
	}, []string{"server", "stage"})

	// ActiveSessions tracks the sessions seen in the latest snapshot.
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamwarden_active_sessions",
		Help: "Sessions in the most recent snapshot per server.",
	}, []string{"server"})

	// HistoryEntries counts finalized playback segments written.
	HistoryEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_history_entries_total",
		Help: "History entries written per server.",
	}, []string{"server"})

	// RuleEvaluations counts rule passes by rule type.
	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_rule_evaluations_total",
		Help: "Rule evaluation passes by rule type.",
	}, []string{"rule_type"})

	// EventsOpened counts rule events opened by rule type.
	EventsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_rule_events_opened_total",
		Help: "Rule events opened by rule type.",
	}, []string{"rule_type"})

	// EventsClosed counts rule events resolved and kept as history.
	EventsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_rule_events_closed_total",
		Help: "Rule events closed by rule type.",
	}, []string{"rule_type"})

	// EventsDeleted counts rule events discarded as false positives.
	EventsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_rule_events_deleted_total",
		Help: "Rule events deleted by rule type.",
	}, []string{"rule_type"})

	// Terminations counts accepted termination calls by rule type.
	Terminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_terminations_total",
		Help: "Session terminations issued by rule type.",
	}, []string{"rule_type"})

	// TerminationErrors counts failed termination calls by rule type.
	TerminationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_termination_errors_total",
		Help: "Failed session terminations by rule type.",
	}, []string{"rule_type"})

	// NotificationFailures counts webhook deliveries that failed.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamwarden_notification_failures_total",
		Help: "Failed notification deliveries by webhook name.",
	}, []string{"webhook"})
)
