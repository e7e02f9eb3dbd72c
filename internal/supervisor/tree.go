// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package supervisor arranges the long-running services into a suture
// tree. Pollers, push listeners, and the ops listener sit in separate
// child supervisors so a crashing websocket cannot take polling down
// with it.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor failure and shutdown parameters.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig matches suture's built-in defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervisor hierarchy: polling on one branch, push
// listeners on another, the ops listener on a third.
type Tree struct {
	root    *suture.Supervisor
	polling *suture.Supervisor
	push    *suture.Supervisor
	ops     *suture.Supervisor
}

// NewTree builds the tree. The slog logger feeds suture's event hook.
func NewTree(logger *slog.Logger, cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}

	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	root := suture.New("streamwarden", rootSpec)
	polling := suture.New("polling", childSpec)
	push := suture.New("push", childSpec)
	ops := suture.New("ops", childSpec)

	root.Add(polling)
	root.Add(push)
	root.Add(ops)

	return &Tree{root: root, polling: polling, push: push, ops: ops}
}

// AddPoller adds a tick driver to the polling branch.
func (t *Tree) AddPoller(svc suture.Service) suture.ServiceToken {
	return t.polling.Add(svc)
}

// AddPushListener adds a notification websocket listener to the push
// branch.
func (t *Tree) AddPushListener(svc suture.Service) suture.ServiceToken {
	return t.push.Add(svc)
}

// AddOpsService adds the ops HTTP listener.
func (t *Tree) AddOpsService(svc suture.Service) suture.ServiceToken {
	return t.ops.Add(svc)
}

// Serve runs the tree until the context ends.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}
