// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/internal/cluster"
	"github.com/infergate/infergate/internal/config"
)

func TestNewRuntimeWiresHandlers(t *testing.T) {
	cluster.Reset()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"id": "llama-3.1-8b", "object": "model"}},
		})
	}))
	t.Cleanup(backend.Close)

	cfg := &config.Config{
		Discovery: cluster.DiscoveryConfig{
			Mode:  "static",
			Nodes: []cluster.StaticNode{{ID: "a", URL: backend.URL}},
		},
		Health:  cluster.HealthConfig{CheckIntervalMs: 60_000, TimeoutMs: 1_000},
		Routing: cluster.RoutingConfig{Strategy: cluster.StrategyRoundRobin},
		Limits:  config.LimitsConfig{MaxBodyBytes: 1 << 20, MaxToolsPerRequest: 128, MaxDocumentBytes: 8 << 20},
	}
	logger := slog.New(slog.DiscardHandler)

	rt, err := newRuntime(t.Context(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(rt.cleanup)

	admin := httptest.NewServer(rt.admin)
	t.Cleanup(admin.Close)
	resp, err := http.Get(admin.URL + "/health")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get(admin.URL + "/metrics")
	require.NoError(t, err)
	t.Cleanup(func() { _ = metricsResp.Body.Close() })
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)

	api := httptest.NewServer(rt.api)
	t.Cleanup(api.Close)
	models, err := http.Get(api.URL + "/v1/models")
	require.NoError(t, err)
	t.Cleanup(func() { _ = models.Body.Close() })
	require.Equal(t, http.StatusOK, models.StatusCode)
}

func TestNewRuntimeRejectsInvalidCluster(t *testing.T) {
	cluster.Reset()
	cfg := &config.Config{
		Discovery: cluster.DiscoveryConfig{Mode: "static"},
		Routing:   cluster.RoutingConfig{Strategy: cluster.StrategyRoundRobin},
	}
	_, err := newRuntime(t.Context(), cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	require.Contains(t, err.Error(), "initialize cluster")
}
