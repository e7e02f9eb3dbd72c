// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package notify delivers rule event and enforcement notifications to
// configured webhooks. Delivery is best effort: failures are logged and
// counted, never surfaced to the evaluator.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/config"
)

const defaultRateLimit = 500 * time.Millisecond

// Webhook posts JSON payloads to one endpoint with a minimum interval
// between deliveries.
type Webhook struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client

	mu        sync.Mutex
	lastSent  time.Time
	rateLimit time.Duration
}

// WebhookPayload is the JSON body posted to webhook endpoints.
type WebhookPayload struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// NewWebhook creates a webhook sender from config.
func NewWebhook(cfg config.WebhookConfig) *Webhook {
	rateLimit := time.Duration(cfg.RateLimitMs) * time.Millisecond
	if rateLimit == 0 {
		rateLimit = defaultRateLimit
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Webhook{
		name:      cfg.Name,
		url:       cfg.URL,
		headers:   headers,
		rateLimit: rateLimit,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the configured webhook name.
func (w *Webhook) Name() string {
	return w.name
}

// Send posts one payload, waiting out the rate limit first.
func (w *Webhook) Send(ctx context.Context, kind string, data any) error {
	w.mu.Lock()
	wait := w.rateLimit - time.Since(w.lastSent)
	w.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	body, err := json.Marshal(WebhookPayload{
		EventType: kind,
		Timestamp: time.Now(),
		Source:    "streamwarden",
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook %s: %w", w.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	w.mu.Lock()
	w.lastSent = time.Now()
	w.mu.Unlock()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned status %d", w.name, resp.StatusCode)
	}
	return nil
}
