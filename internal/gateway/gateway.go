// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gateway serves the Anthropic-compatible HTTP surface and runs the
// request pipeline against the cluster of OpenAI-compatible backends.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infergate/infergate/internal/apischema/anthropic"
	"github.com/infergate/infergate/internal/breaker"
	"github.com/infergate/infergate/internal/cluster"
	"github.com/infergate/infergate/internal/config"
	"github.com/infergate/infergate/internal/metrics"
	"github.com/infergate/infergate/internal/websearch"
)

// Server is the gateway HTTP layer. It owns no lifecycle; the cluster
// manager, breaker and search executor are constructed and torn down by the
// caller.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	cluster    *cluster.Manager
	brk        *breaker.Breaker
	search     *websearch.Executor
	newMetrics metrics.MessagesFactory
}

// New builds the gateway server.
func New(cfg *config.Config, m *cluster.Manager, brk *breaker.Breaker,
	search *websearch.Executor, newMetrics metrics.MessagesFactory, logger *slog.Logger,
) *Server {
	if newMetrics == nil {
		newMetrics = func() metrics.Messages { return noopMetrics{} }
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		cluster:    m,
		brk:        brk,
		search:     search,
		newMetrics: newMetrics,
	}
}

// Handler returns the API surface: POST /v1/messages, GET /v1/models and
// GET /v1/circuit-breaker/metrics. Everything else is 404.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	// Registered without a method pattern: any non-GET request is 404, not
	// 405, and no CORS headers are emitted.
	mux.HandleFunc("/v1/circuit-breaker/metrics", s.handleBreakerMetrics)
	return s.withRequestLog(mux)
}

// AdminHandler returns the operational surface: GET /health plus the
// Prometheus scrape endpoint when a registry is given.
func (s *Server) AdminHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleBreakerMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.brk.GetMetrics())
}

// healthStatus is the admin /health payload.
type healthStatus struct {
	Status string         `json:"status"`
	Nodes  []cluster.Node `json:"nodes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	nodes := s.cluster.Nodes()
	status := "degraded"
	for _, n := range nodes {
		if n.Status == cluster.StatusHealthy || n.Status == cluster.StatusDegraded {
			status = "ok"
			break
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthStatus{Status: status, Nodes: nodes})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	d := s.cluster.SelectNode(cluster.RoutingContext{})
	if d == nil {
		s.writeNoNodesError(w)
		return
	}
	pc := s.cluster.GetNodeProvider(d.NodeID)
	if pc == nil {
		writeError(w, http.StatusInternalServerError, anthropic.ErrorTypeAPI,
			"no provider available for node "+d.NodeID)
		return
	}

	models, err := pc.ListModels(r.Context())
	if err != nil {
		s.cluster.RecordNodeFailure(d.NodeID, err)
		s.writeUpstreamError(w, err, d.NodeID, pc.BaseURL())
		return
	}

	out := anthropic.ModelsResponse{Data: make([]anthropic.Model, 0, len(models))}
	for _, m := range models {
		entry := anthropic.Model{ID: m.ID, Type: "model", DisplayName: m.ID}
		if m.Created > 0 {
			entry.CreatedAt = time.Unix(m.Created, 0).UTC().Format(time.RFC3339)
		}
		out.Data = append(out.Data, entry)
	}
	if n := len(out.Data); n > 0 {
		out.FirstID = &out.Data[0].ID
		out.LastID = &out.Data[n-1].ID
	}
	writeJSON(w, http.StatusOK, out)
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := "req_" + uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			slog.String("requestId", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
