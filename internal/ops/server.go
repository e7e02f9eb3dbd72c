// StreamWarden - Media Server Session History and Policy Enforcement
// Copyright 2026 StreamWarden contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package ops serves the operational HTTP endpoints: liveness, readiness,
// and Prometheus metrics. This listener is for operators and scrapers, not
// end users.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/tick"
)

const shutdownTimeout = 5 * time.Second

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusReporter exposes per-server tick status.
type StatusReporter interface {
	Status() tick.Status
}

// Server is the ops HTTP listener. Implements suture.Service.
type Server struct {
	addr    string
	pinger  Pinger
	drivers []StatusReporter
}

// NewServer creates the ops listener.
func NewServer(addr string, pinger Pinger, drivers []StatusReporter) *Server {
	return &Server{addr: addr, pinger: pinger, drivers: drivers}
}

// Serve runs the listener until the context ends. Implements
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logging.Info().Str("addr", s.addr).Msg("ops listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyzResponse reports overall readiness plus per-server tick status.
type readyzResponse struct {
	Ready    bool          `json:"ready"`
	Database string        `json:"database"`
	Servers  []tick.Status `json:"servers"`
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := readyzResponse{Ready: true, Database: "ok"}

	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			resp.Ready = false
			resp.Database = err.Error()
		}
	}

	for _, d := range s.drivers {
		st := d.Status()
		resp.Servers = append(resp.Servers, st)
		// A server that has never completed a tick is not ready yet.
		if st.LastTick.IsZero() {
			resp.Ready = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
