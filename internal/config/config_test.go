// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/infergate/infergate/internal/cluster"
	"github.com/infergate/infergate/internal/prompt"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "infergate.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

const minimalConfig = `{
  "discovery": {"mode": "static", "nodes": [{"id": "a", "url": "http://10.0.0.1:8000"}]}
}`

func TestLoadMinimalFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig), testLogger())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "static", cfg.Discovery.Mode)
	require.Len(t, cfg.Discovery.Nodes, 1)
	require.Equal(t, "a", cfg.Discovery.Nodes[0].ID)

	// Cluster defaults applied.
	require.Equal(t, cluster.StrategyCacheAware, cfg.Routing.Strategy)
	require.Equal(t, 10_000, cfg.Health.CheckIntervalMs)

	// Ambient feature defaults.
	require.True(t, cfg.Filter.Enabled)
	require.Equal(t, string(prompt.TierModerate), cfg.Filter.Tier)
	require.Equal(t, 5_000, cfg.Filter.ProcessingBudgetMs)
	require.True(t, cfg.ToolHints.Enabled)
	require.InDelta(t, 0.35, cfg.ToolHints.ConfidenceThreshold, 1e-9)
	require.Equal(t, 1<<20, cfg.Limits.MaxBodyBytes)
}

func TestLoadFullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
  "server": {"addr": ":9999", "adminAddr": ""},
  "discovery": {"mode": "static", "nodes": [
    {"id": "a", "url": "http://10.0.0.1:8000"},
    {"id": "b", "url": "http://10.0.0.2:8000"}
  ]},
  "health": {"checkIntervalMs": 5000, "timeoutMs": 2000},
  "routing": {"strategy": "least-loaded", "stickyTtlSec": 120},
  "circuitBreaker": {"failureThreshold": 7, "latencyThresholdMs": 1500, "latencyConsecutiveChecks": 4},
  "filter": {"tier": "AGGRESSIVE", "preserveExamples": true, "processingBudgetMs": 250},
  "toolHints": {"enabled": false},
  "search": {"localUrl": "http://searx.internal:8888"},
  "limits": {"maxBodyBytes": 2097152}
}`), testLogger())
	require.NoError(t, err)

	require.Equal(t, ":9999", cfg.Server.Addr)
	require.Equal(t, "least-loaded", cfg.Routing.Strategy)
	require.Equal(t, 120, cfg.Routing.StickyTTLSec)
	require.Equal(t, 5000, cfg.Health.CheckIntervalMs)
	require.Equal(t, 7, cfg.Breaker.FailureThreshold)
	require.Equal(t, "AGGRESSIVE", cfg.Filter.Tier)
	require.False(t, cfg.ToolHints.Enabled)
	require.Equal(t, "http://searx.internal:8888", cfg.Search.LocalURL)
	require.Equal(t, 2<<20, cfg.Limits.MaxBodyBytes)

	bc := cfg.Breaker.ToBreaker()
	require.Equal(t, 7, bc.FailureThreshold)
	require.Equal(t, 1500.0, bc.LatencyThresholdMs)

	fo := cfg.Filter.ToOptions()
	require.Equal(t, prompt.TierAggressive, fo.Tier)
	require.Equal(t, 250*time.Millisecond, fo.Budget)
}

func TestLoadUnknownFieldsIgnored(t *testing.T) {
	_, err := Load(writeConfig(t, `{
  "discovery": {"mode": "static", "nodes": [{"id": "a", "url": "http://10.0.0.1:8000"}]},
  "experimental": {"whatever": true}
}`), testLogger())
	require.NoError(t, err)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), testLogger())
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CodeFileNotFound, ce.Code)
	require.Contains(t, ce.Context, "path")
}

func TestLoadParseError(t *testing.T) {
	_, err := Load(writeConfig(t, `{"discovery": `), testLogger())
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CodeParseError, ce.Code)
}

func TestLoadValidationCodes(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{
			name: "missing nodes",
			body: `{"discovery": {"mode": "static"}}`,
			code: CodeMissingNodes,
		},
		{
			name: "invalid url",
			body: `{"discovery": {"mode": "static", "nodes": [{"id": "a", "url": "not-a-url"}]}}`,
			code: CodeInvalidURL,
		},
		{
			name: "invalid strategy",
			body: `{"discovery": {"mode": "static", "nodes": [{"id": "a", "url": "http://10.0.0.1:8000"}]},
			        "routing": {"strategy": "fastest"}}`,
			code: CodeInvalidStrategy,
		},
		{
			name: "bad tier",
			body: `{"discovery": {"mode": "static", "nodes": [{"id": "a", "url": "http://10.0.0.1:8000"}]},
			        "filter": {"tier": "ULTRA"}}`,
			code: CodeInvalidConfig,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body), testLogger())
			var ce *Error
			require.ErrorAs(t, err, &ce)
			require.Equal(t, tc.code, ce.Code)
			require.Contains(t, ce.Context, "field")
		})
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("INFERGATE_NODES", `[{"id": "env-a", "url": "http://10.1.0.1:8000"}]`)
	t.Setenv("INFERGATE_ROUTING_STRATEGY", "round-robin")
	t.Setenv("SEARXNG_URL", "http://localhost:8888")

	cfg, err := Load(writeConfig(t, `{
  "discovery": {"mode": "static", "nodes": [{"id": "file-a", "url": "http://10.0.0.1:8000"}]},
  "routing": {"strategy": "least-loaded"}
}`), testLogger())
	require.NoError(t, err)

	require.Len(t, cfg.Discovery.Nodes, 1)
	require.Equal(t, "env-a", cfg.Discovery.Nodes[0].ID)
	require.Equal(t, "round-robin", cfg.Routing.Strategy)
	require.Equal(t, "http://localhost:8888", cfg.Search.LocalURL)
}

func TestLoadEnvNodesMalformed(t *testing.T) {
	t.Setenv("INFERGATE_NODES", `not json`)
	_, err := Load("", testLogger())
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CodeParseError, ce.Code)
	require.Equal(t, "INFERGATE_NODES", ce.Context["env"])
}

func TestLoadEnvBooleans(t *testing.T) {
	t.Setenv("INFERGATE_NODES", `[{"id": "a", "url": "http://10.0.0.1:8000"}]`)
	t.Setenv("INFERGATE_FILTER_ENABLED", "false")
	t.Setenv("INFERGATE_SEARCH_ENABLED", "true")

	cfg, err := Load("", testLogger())
	require.NoError(t, err)
	require.False(t, cfg.Filter.Enabled)
	require.True(t, cfg.Search.Enabled)
}

func TestLoadWithoutFileRequiresNodes(t *testing.T) {
	_, err := Load("", testLogger())
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CodeMissingNodes, ce.Code)
}

func TestDeprecatedKeyMigration(t *testing.T) {
	resetDeprecationWarnings()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg, err := Load(writeConfig(t, `{
  "discovery": {"mode": "static", "nodes": [{"id": "a", "url": "http://10.0.0.1:8000"}]},
  "routing": {"sessionTtlSec": 42}
}`), logger)
	require.NoError(t, err)
	require.Equal(t, 42, cfg.Routing.StickyTTLSec)
	require.Contains(t, buf.String(), "deprecated")
	require.Contains(t, buf.String(), "routing.sessionTtlSec")

	// Second load with the same deprecated key warns only once per process.
	buf.Reset()
	_, err = Load(writeConfig(t, `{
  "discovery": {"mode": "static", "nodes": [{"id": "a", "url": "http://10.0.0.1:8000"}]},
  "routing": {"sessionTtlSec": 42}
}`), logger)
	require.NoError(t, err)
	require.NotContains(t, buf.String(), "deprecated")
}

func TestConfigErrorString(t *testing.T) {
	e := &Error{Code: CodeInvalidURL, Message: "discovery.nodes[0].url: invalid URL \"x\""}
	require.Equal(t, `INVALID_URL: discovery.nodes[0].url: invalid URL "x"`, e.Error())
}
