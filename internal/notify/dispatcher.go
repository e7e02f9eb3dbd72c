// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package notify

import (
	"context"

	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
)

// Dispatcher fans notifications out to enabled webhooks. It is the
// evaluator's Sink: Notify never returns an error and never blocks the
// tick on slow endpoints.
type Dispatcher struct {
	webhooks map[string]*Webhook
}

// NewDispatcher builds a dispatcher from configured webhooks. Disabled
// entries are skipped.
func NewDispatcher(cfgs []config.WebhookConfig) *Dispatcher {
	d := &Dispatcher{webhooks: make(map[string]*Webhook, len(cfgs))}
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		d.webhooks[cfg.Name] = NewWebhook(cfg)
	}
	return d
}

// Notify delivers one payload to the named targets, or to every webhook
// when targets is empty. Deliveries run in the background; evaluation
// never waits for them.
func (d *Dispatcher) Notify(ctx context.Context, kind string, payload any, targets []string) {
	for _, w := range d.selectTargets(targets) {
		go d.send(ctx, w, kind, payload)
	}
}

func (d *Dispatcher) selectTargets(targets []string) []*Webhook {
	if len(targets) == 0 {
		out := make([]*Webhook, 0, len(d.webhooks))
		for _, w := range d.webhooks {
			out = append(out, w)
		}
		return out
	}

	var out []*Webhook
	for _, name := range targets {
		w, ok := d.webhooks[name]
		if !ok {
			logging.Warn().Str("webhook", name).Msg("rule references unknown webhook target")
			continue
		}
		out = append(out, w)
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, w *Webhook, kind string, payload any) {
	if err := w.Send(ctx, kind, payload); err != nil {
		metrics.NotificationFailures.WithLabelValues(w.Name()).Inc()
		logging.Err(err).Str("webhook", w.Name()).Str("kind", kind).
			Msg("notification delivery failed")
	}
}
