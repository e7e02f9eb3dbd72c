// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package tick

import (
	"sync"

	"github.com/streamwarden/streamwarden/internal/models"
)

// SnapshotCache holds the most recent snapshot per server so policy
// evaluation always sees the whole deployment, even though servers tick
// independently. A server whose poll failed keeps its previous snapshot;
// aggregate rules degrade gracefully instead of seeing users vanish.
type SnapshotCache struct {
	mu        sync.RWMutex
	snapshots map[string][]models.Session
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snapshots: make(map[string][]models.Session)}
}

// Update replaces one server's snapshot.
func (c *SnapshotCache) Update(serverID string, sessions []models.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]models.Session, len(sessions))
	copy(cp, sessions)
	c.snapshots[serverID] = cp
}

// All returns the union of every server's latest snapshot.
func (c *SnapshotCache) All() []models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Session
	for _, sessions := range c.snapshots {
		out = append(out, sessions...)
	}
	return out
}

// Server returns one server's latest snapshot.
func (c *SnapshotCache) Server(serverID string) []models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessions := c.snapshots[serverID]
	cp := make([]models.Session, len(sessions))
	copy(cp, sessions)
	return cp
}
