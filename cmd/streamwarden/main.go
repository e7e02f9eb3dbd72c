// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// StreamWarden watches Plex media servers: it records playback history
// from polled session snapshots and enforces administrator-defined
// streaming rules.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/database"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/notify"
	"github.com/streamwarden/streamwarden/internal/ops"
	"github.com/streamwarden/streamwarden/internal/plex"
	"github.com/streamwarden/streamwarden/internal/policy"
	"github.com/streamwarden/streamwarden/internal/reconciler"
	"github.com/streamwarden/streamwarden/internal/supervisor"
	"github.com/streamwarden/streamwarden/internal/tick"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("streamwarden", version)
		return
	}

	if err := run(*configPath); err != nil {
		logging.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Str("version", version).Msg("starting streamwarden")

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	servers := cfg.EnabledServers()
	clients := make([]*plex.Client, 0, len(servers))
	for _, sc := range servers {
		clients = append(clients, plex.NewClient(sc))
	}
	registry := plex.NewRegistry(clients...)

	rec := reconciler.New(db)
	sink := notify.NewDispatcher(cfg.Webhooks)
	eval := policy.NewEvaluator(db, registry, sink)

	cache := tick.NewSnapshotCache()
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	drivers := make(map[string]*tick.Driver, len(servers))
	reporters := make([]ops.StatusReporter, 0, len(servers))
	for i, sc := range servers {
		d := tick.NewDriver(sc.ID, clients[i], rec, eval, cache,
			cfg.Poll.Interval, cfg.Poll.Cooldown)
		drivers[sc.ID] = d
		reporters = append(reporters, d)
		tree.AddPoller(d)
	}

	for _, sc := range servers {
		if !sc.PushEnabled {
			continue
		}
		listener := plex.NewListener(sc, func(serverID string) {
			if d := drivers[serverID]; d != nil {
				d.Nudge()
			}
		})
		tree.AddPushListener(listener)
	}

	if cfg.Ops.Enabled {
		tree.AddOpsService(ops.NewServer(cfg.Ops.Addr, db, reporters))
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("shutdown complete")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
