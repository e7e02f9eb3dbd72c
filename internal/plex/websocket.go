// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package plex

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/logging"
)

const (
	wsPath          = "/:/websockets/notifications"
	wsReadLimit     = 1 << 20
	wsPingInterval  = 30 * time.Second
	wsWriteDeadline = 10 * time.Second

	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// Listener consumes a Plex server's notification websocket and signals
// playback changes so the poll loop can react between intervals. Push is an
// optimization only: polling remains the source of truth, and a broken
// websocket degrades to plain interval polling.
type Listener struct {
	serverID string
	wsURL    string
	onChange func(serverID string)
}

// NewListener creates a listener for one server. onChange fires for every
// playback notification; the callback must be cheap and non-blocking.
func NewListener(cfg config.MediaServer, onChange func(serverID string)) *Listener {
	wsURL := strings.Replace(cfg.URL, "http", "ws", 1) + wsPath +
		"?X-Plex-Token=" + url.QueryEscape(cfg.Token)
	return &Listener{
		serverID: cfg.ID,
		wsURL:    wsURL,
		onChange: onChange,
	}
}

// Serve connects and reads until the context ends, reconnecting with
// exponential backoff. Implements suture.Service.
func (l *Listener) Serve(ctx context.Context) error {
	backoff := reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logging.Warn().Err(err).
			Str("server", l.serverID).
			Dur("backoff", backoff).
			Msg("notification websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (l *Listener) readLoop(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, l.wsURL, nil)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(wsReadLimit)
	logging.Info().Str("server", l.serverID).Msg("notification websocket connected")

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteDeadline))
			_ = conn.Close()
		case <-done:
		}
	}()

	go l.pingLoop(ctx, conn, done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handleMessage(msg)
	}
}

func (l *Listener) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(wsWriteDeadline)); err != nil {
				return
			}
		}
	}
}

// notificationWrapper is the envelope Plex sends on the websocket:
//
//	{"NotificationContainer": {"type": "playing", ...}}
type notificationWrapper struct {
	NotificationContainer struct {
		Type string `json:"type"`
	} `json:"NotificationContainer"`
}

func (l *Listener) handleMessage(msg []byte) {
	var wrapper notificationWrapper
	if err := json.Unmarshal(msg, &wrapper); err != nil {
		logging.Debug().Err(err).Str("server", l.serverID).Msg("undecodable notification")
		return
	}
	// "playing" covers every playback state transition: start, pause,
	// resume, and stop.
	if wrapper.NotificationContainer.Type != "playing" {
		return
	}
	if l.onChange != nil {
		l.onChange(l.serverID)
	}
}
