// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the HTTP surface of conductor: health, metrics,
// webhook ingress, instance status and audit event queries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/conductor/pkg/audit"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/orchestrator"
	"github.com/kadirpekel/conductor/pkg/registry"
)

// Layers are the functional layers reported by /health.
var Layers = []string{"webhooks", "agents", "tools"}

// StatusReader returns instance status.
type StatusReader interface {
	Status(ctx context.Context, key string) (*orchestrator.Status, error)
}

// EventReader queries the audit log.
type EventReader interface {
	Query(ctx context.Context, container string, filter audit.Filter) ([]map[string]any, error)
}

// Server is the HTTP server.
type Server struct {
	appName string
	cfg     config.ServerConfig
	status  StatusReader

	events        EventReader
	webhooks      http.Handler
	observability *observability.Manager

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithWebhooks mounts the webhook ingress at /webhooks/{source}.
func WithWebhooks(h http.Handler) Option {
	return func(s *Server) { s.webhooks = h }
}

// WithEvents exposes the audit log at /tools/events/{container}.
func WithEvents(r EventReader) Option {
	return func(s *Server) { s.events = r }
}

// WithObservability enables request tracing and the metrics endpoint.
func WithObservability(m *observability.Manager) Option {
	return func(s *Server) { s.observability = m }
}

// New creates a server.
func New(appName string, cfg config.ServerConfig, status StatusReader, opts ...Option) *Server {
	cfg.SetDefaults()
	s := &Server{appName: appName, cfg: cfg, status: status}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	if s.observability != nil {
		r.Use(observability.HTTPMiddleware(s.observability.Metrics()))
	}
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)

	r.Get("/health", s.handleHealth)

	if s.observability != nil {
		if path := s.observability.MetricsPath(); path != "" {
			r.Handle(path, s.observability.MetricsHandler())
			slog.Debug("Metrics endpoint enabled", "path", path)
		}
	}

	if s.webhooks != nil {
		r.Post("/webhooks/{source}", s.webhooks.ServeHTTP)
	}

	r.Get("/agents/status/{instanceId}", s.handleAgentStatus)

	r.Route("/tools", func(r chi.Router) {
		r.Get("/status/{instanceId}", s.handleToolStatus)
		r.Get("/events/{container}", s.handleEvents)
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}

	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	slog.Info("HTTP server starting", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	}
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"app":    s.appName,
		"layers": Layers,
	})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	st, ok := s.lookup(w, r, id, "Instance not found")
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"instance_id":    st.InstanceID,
		"runtime_status": st.RuntimeStatus,
		"output":         st.Output,
	})
}

func (s *Server) handleToolStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceId")
	st, ok := s.lookup(w, r, id, "Instance not found: "+id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"instance_id":       st.InstanceID,
		"runtime_status":    st.RuntimeStatus,
		"output":            st.Output,
		"created_time":      formatTime(st.CreatedTime),
		"last_updated_time": formatTime(st.LastUpdatedTime),
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, id, notFound string) (*orchestrator.Status, bool) {
	if s.status == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "orchestration engine not configured"})
		return nil, false
	}
	st, err := s.status.Status(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		respondJSON(w, http.StatusNotFound, map[string]any{"error": notFound})
		return nil, false
	}
	if err != nil {
		slog.Error("Failed to read instance status", "instance_id", id, "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return nil, false
	}
	return st, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "audit store not configured"})
		return
	}

	filter := audit.Filter{
		EventType:    r.URL.Query().Get("event_type"),
		PartitionKey: r.URL.Query().Get("partition_key"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}

	container := chi.URLParam(r, "container")
	docs, err := s.events.Query(r.Context(), container, filter)
	if err != nil {
		slog.Error("Failed to query events", "container", container, "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if docs == nil {
		docs = []map[string]any{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"container": container,
		"count":     len(docs),
		"events":    docs,
	})
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("HTTP handler panicked", "path", r.URL.Path, "panic", rec)
				respondJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
