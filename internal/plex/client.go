// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package plex talks to Plex Media Server: it polls live sessions from
// /status/sessions, terminates streams, and listens on the notification
// websocket for playback changes.
package plex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/models"
)

const requestTimeout = 15 * time.Second

// Client talks to one Plex Media Server.
type Client struct {
	serverID   string
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]models.Session]
}

// NewClient creates a client for one configured server. The circuit breaker
// guards the poll path so a dead server stops burning a request per tick;
// termination calls bypass it because they must go out even while polls
// fail.
func NewClient(cfg config.MediaServer) *Client {
	c := &Client{
		serverID:   cfg.ID,
		baseURL:    cfg.URL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]models.Session](gobreaker.Settings{
		Name:     "plex-" + cfg.ID,
		Interval: time.Minute,
		Timeout:  2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return c
}

// ServerID returns the configured server identifier.
func (c *Client) ServerID() string {
	return c.serverID
}

// Sessions returns the server's current playback sessions.
func (c *Client) Sessions(ctx context.Context) ([]models.Session, error) {
	return c.breaker.Execute(func() ([]models.Session, error) {
		return c.fetchSessions(ctx)
	})
}

func (c *Client) fetchSessions(ctx context.Context) ([]models.Session, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp sessionsResponse
	if err := c.getJSON(ctx, "/status/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch sessions from %s: %w", c.serverID, err)
	}

	sessions := make([]models.Session, 0, len(resp.MediaContainer.Metadata))
	for i := range resp.MediaContainer.Metadata {
		s := resp.MediaContainer.Metadata[i].toSession(c.serverID)
		if !s.Valid() {
			logging.Warn().
				Str("server", c.serverID).
				Str("session", s.SessionID).
				Str("rating_key", s.RatingKey).
				Msg("dropping session with missing identity fields")
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// Terminate stops a session with a message shown to the viewer. A 404
// response counts as success: the session is already gone, which is the
// state enforcement wanted.
func (c *Client) Terminate(ctx context.Context, session models.Session, reason string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("sessionId", session.SessionID)
	q.Set("reason", reason)

	req, err := c.newRequest(ctx, http.MethodGet, "/status/sessions/terminate", q)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("terminate session %s on %s: %w", session.SessionID, c.serverID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("terminate session %s on %s: unexpected status %d",
			session.SessionID, c.serverID, resp.StatusCode)
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, result any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Plex wire structures for GET /status/sessions.

type sessionsResponse struct {
	MediaContainer struct {
		Size     int               `json:"size"`
		Metadata []sessionMetadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

type sessionMetadata struct {
	SessionKey       string `json:"sessionKey"`
	RatingKey        string `json:"ratingKey"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"`
	ViewOffset       int64  `json:"viewOffset"`
	Duration         int64  `json:"duration"`

	User struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"User"`

	Player struct {
		State    string `json:"state"`
		Address  string `json:"address"`
		Platform string `json:"platform"`
		Device   string `json:"device"`
	} `json:"Player"`
}

func (m *sessionMetadata) toSession(serverID string) models.Session {
	userID, _ := strconv.ParseInt(m.User.ID, 10, 64)

	// Episodes carry the show name in grandparentTitle; the episode title
	// becomes the subtitle.
	title, subtitle := m.Title, ""
	if m.GrandparentTitle != "" {
		title, subtitle = m.GrandparentTitle, m.Title
	}

	return models.Session{
		SessionID:    m.SessionKey,
		ServerID:     serverID,
		RatingKey:    m.RatingKey,
		UserID:       userID,
		Username:     m.User.Title,
		Title:        title,
		Subtitle:     subtitle,
		State:        parseState(m.Player.State),
		ViewOffsetMs: m.ViewOffset,
		DurationMs:   m.Duration,
		IPAddress:    m.Player.Address,
		Platform:     m.Player.Platform,
		Device:       m.Player.Device,
	}
}

func parseState(s string) models.SessionState {
	switch s {
	case "playing":
		return models.StatePlaying
	case "paused":
		return models.StatePaused
	case "buffering":
		return models.StateBuffering
	default:
		return models.StateUnknown
	}
}
