// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	addr    string
	manager *Manager
	sync    SyncSource
	conn    ConnectionSource
}

func NewServer(host string, port int, manager *Manager, sync SyncSource, conn ConnectionSource) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: 15 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger:  log.Logger.With().Str("module", "metrics").Logger(),
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		manager: manager,
		sync:    sync,
		conn:    conn,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", s.addr).Str("proto", proto).Msg("Failed to start metrics server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, s.addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Msgf("Starting metrics server - Open: http://%s/metrics", host)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz/liveness", s.handleHealth)
	r.Get("/healthz/readiness", s.handleReady)
	r.Get("/status", s.handleStatus)

	r.Handle("/metrics", promhttp.HandlerFor(s.manager.GetRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready only while the active server is connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.conn.Status()
	if status.State != qbittorrent.StateConnected {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": status.State.String()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": status.State.String()})
}

type statusResponse struct {
	State    string                `json:"state"`
	ServerID int                   `json:"serverId,omitempty"`
	Since    time.Time             `json:"since"`
	Error    *statusError          `json:"error,omitempty"`
	Sync     qbittorrent.SyncStats `json:"sync"`
}

// statusError carries the error kind and message only, never the
// underlying transport error.
type statusError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.conn.Status()

	resp := statusResponse{
		State:    status.State.String(),
		ServerID: status.ServerID,
		Since:    status.Since,
		Sync:     s.sync.Stats(),
	}
	if status.Err != nil {
		resp.Error = &statusError{Kind: status.Err.Kind.String(), Message: status.Err.Message}
	}

	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
