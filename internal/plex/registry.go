// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package plex

import (
	"context"
	"fmt"

	"github.com/streamwarden/streamwarden/internal/models"
)

// Registry routes termination calls to the client owning the session's
// server. It satisfies the evaluator's Terminator dependency for
// multi-server deployments.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry builds a registry from the given clients, keyed by server id.
func NewRegistry(clients ...*Client) *Registry {
	r := &Registry{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ServerID()] = c
	}
	return r
}

// Client returns the client for a server id, or nil.
func (r *Registry) Client(serverID string) *Client {
	return r.clients[serverID]
}

// Terminate dispatches to the client owning the session's server.
func (r *Registry) Terminate(ctx context.Context, session models.Session, reason string) error {
	c := r.clients[session.ServerID]
	if c == nil {
		return fmt.Errorf("no client for server %q", session.ServerID)
	}
	return c.Terminate(ctx, session, reason)
}
