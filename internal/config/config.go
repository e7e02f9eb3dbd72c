// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package config loads StreamWarden configuration from layered sources:
// built-in defaults, an optional YAML file, and environment variables, in
// ascending precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig   `koanf:"logging"`
	Database DatabaseConfig  `koanf:"database"`
	Poll     PollConfig      `koanf:"poll"`
	Ops      OpsConfig       `koanf:"ops"`
	Servers  []MediaServer   `koanf:"servers" validate:"dive"`
	Webhooks []WebhookConfig `koanf:"webhooks" validate:"dive"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
}

// DatabaseConfig configures the embedded DuckDB store.
type DatabaseConfig struct {
	// Path is the database file location. ":memory:" or empty opens an
	// in-memory database (useful for tests, useless for history).
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB memory usage (e.g. "512MB").
	MaxMemory string `koanf:"max_memory"`
}

// PollConfig configures the tick drivers.
type PollConfig struct {
	// Interval is the fixed polling cadence per server.
	Interval time.Duration `koanf:"interval" validate:"min=1s"`

	// Cooldown is the minimum gap between a completed tick and a
	// push-triggered one, preventing webhook storms from hammering the
	// media server.
	Cooldown time.Duration `koanf:"cooldown" validate:"min=0"`
}

// OpsConfig configures the operational HTTP listener (health, readiness,
// Prometheus metrics). This is not the product dashboard.
type OpsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr" validate:"required_if=Enabled true"`
}

// MediaServer describes one monitored media server.
type MediaServer struct {
	// ID uniquely identifies the server across the active session and
	// history tables. Changing it orphans existing rows.
	ID      string `koanf:"id" validate:"required"`
	URL     string `koanf:"url" validate:"required,url"`
	Token   string `koanf:"token" validate:"required"`
	Enabled bool   `koanf:"enabled"`

	// PushEnabled opens the server's notification websocket so playback
	// changes trigger an immediate (debounced) tick between polls.
	PushEnabled bool `koanf:"push_enabled"`
}

// WebhookConfig describes one notification webhook target.
type WebhookConfig struct {
	Name        string            `koanf:"name" validate:"required"`
	URL         string            `koanf:"url" validate:"required,url"`
	Headers     map[string]string `koanf:"headers"`
	Enabled     bool              `koanf:"enabled"`
	RateLimitMs int               `koanf:"rate_limit_ms" validate:"min=0"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:      "/data/streamwarden.duckdb",
			MaxMemory: "512MB",
		},
		Poll: PollConfig{
			Interval: 30 * time.Second,
			Cooldown: 5 * time.Second,
		},
		Ops: OpsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Validate checks the configuration for structural and semantic errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Servers))
	enabled := 0
	for _, s := range c.Servers {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled servers configured")
	}

	names := make(map[string]struct{}, len(c.Webhooks))
	for _, w := range c.Webhooks {
		if _, dup := names[w.Name]; dup {
			return fmt.Errorf("duplicate webhook name %q", w.Name)
		}
		names[w.Name] = struct{}{}
	}

	return nil
}

// EnabledServers returns the servers that should be polled.
func (c *Config) EnabledServers() []MediaServer {
	out := make([]MediaServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
