// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config loads the gateway configuration from a JSON file and the
// environment. Env overrides file; file overrides defaults.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/infergate/infergate/internal/breaker"
	"github.com/infergate/infergate/internal/cluster"
	"github.com/infergate/infergate/internal/prompt"
	"github.com/infergate/infergate/internal/toolhint"
	"github.com/infergate/infergate/internal/websearch"
)

// Configuration error codes.
const (
	CodeFileNotFound    = "FILE_NOT_FOUND"
	CodeParseError      = "PARSE_ERROR"
	CodeInvalidConfig   = "INVALID_CONFIG"
	CodeMissingNodes    = "MISSING_NODES"
	CodeInvalidURL      = "INVALID_URL"
	CodeInvalidStrategy = "INVALID_STRATEGY"
)

// Error is a structured configuration-time error.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	// Addr is the API listen address.
	Addr string `json:"addr" mapstructure:"addr"`
	// AdminAddr serves /health and /metrics. Empty disables the admin server.
	AdminAddr string `json:"adminAddr" mapstructure:"adminAddr"`
	// UpstreamAPIKey is the bearer token sent to backend nodes.
	UpstreamAPIKey string `json:"upstreamApiKey" mapstructure:"upstreamApiKey"`
	// NormalizeSystemWhitespace collapses whitespace runs in outbound system
	// messages, for backends whose JSON parsers reject embedded newlines.
	NormalizeSystemWhitespace bool `json:"normalizeSystemWhitespace" mapstructure:"normalizeSystemWhitespace"`
}

// BreakerConfig is the circuit breaker policy in wire-friendly units.
type BreakerConfig struct {
	FailureThreshold         int     `json:"failureThreshold" mapstructure:"failureThreshold"`
	SuccessThreshold         int     `json:"successThreshold" mapstructure:"successThreshold"`
	RetryTimeoutMs           int     `json:"retryTimeoutMs" mapstructure:"retryTimeoutMs"`
	LatencyThresholdMs       float64 `json:"latencyThresholdMs" mapstructure:"latencyThresholdMs"`
	LatencyConsecutiveChecks int     `json:"latencyConsecutiveChecks" mapstructure:"latencyConsecutiveChecks"`
	LatencyWindowMs          int     `json:"latencyWindowMs" mapstructure:"latencyWindowMs"`
	MaxLatencySamples        int     `json:"maxLatencySamples" mapstructure:"maxLatencySamples"`
}

// ToBreaker converts to the breaker package's configuration.
func (b BreakerConfig) ToBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold:         b.FailureThreshold,
		SuccessThreshold:         b.SuccessThreshold,
		RetryTimeout:             time.Duration(b.RetryTimeoutMs) * time.Millisecond,
		LatencyThresholdMs:       b.LatencyThresholdMs,
		LatencyConsecutiveChecks: b.LatencyConsecutiveChecks,
		LatencyWindow:            time.Duration(b.LatencyWindowMs) * time.Millisecond,
		MaxLatencySamples:        b.MaxLatencySamples,
	}
}

// FilterConfig controls the system prompt filter.
type FilterConfig struct {
	Enabled          bool   `json:"enabled" mapstructure:"enabled"`
	Tier             string `json:"tier" mapstructure:"tier"`
	PreserveExamples bool   `json:"preserveExamples" mapstructure:"preserveExamples"`
	MaxTokens        int    `json:"maxTokens" mapstructure:"maxTokens"`
	// AllowRequestOverride lets a request header select the tier.
	AllowRequestOverride bool `json:"allowRequestOverride" mapstructure:"allowRequestOverride"`
	// ProcessingBudgetMs bounds one filter run; past the deadline the filter
	// stops falling back and returns its best attempt. Zero disables the
	// deadline.
	ProcessingBudgetMs int `json:"processingBudgetMs" mapstructure:"processingBudgetMs"`
}

// ToOptions converts to the prompt package's filter options.
func (f FilterConfig) ToOptions() prompt.Options {
	return prompt.Options{
		Tier:             prompt.FilterTier(f.Tier),
		PreserveExamples: f.PreserveExamples,
		MaxTokens:        f.MaxTokens,
		Budget:           time.Duration(f.ProcessingBudgetMs) * time.Millisecond,
	}
}

// ToolHintsConfig controls tool-instruction injection.
type ToolHintsConfig struct {
	Enabled                      bool    `json:"enabled" mapstructure:"enabled"`
	ConfidenceThreshold          float64 `json:"confidenceThreshold" mapstructure:"confidenceThreshold"`
	MaxInjectionsPerConversation int     `json:"maxInjectionsPerConversation" mapstructure:"maxInjectionsPerConversation"`
	Style                        string  `json:"style" mapstructure:"style"`
}

// ToInjector converts to the toolhint package's configuration.
func (t ToolHintsConfig) ToInjector() toolhint.Config {
	return toolhint.Config{
		Enabled:                      t.Enabled,
		ConfidenceThreshold:          t.ConfidenceThreshold,
		MaxInjectionsPerConversation: t.MaxInjectionsPerConversation,
		Style:                        toolhint.Style(t.Style),
	}
}

// SearchConfig controls the server-side web search tool.
type SearchConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	LocalURL    string `json:"localUrl" mapstructure:"localUrl"`
	PublicURL   string `json:"publicUrl" mapstructure:"publicUrl"`
	BraveAPIKey string `json:"braveApiKey" mapstructure:"braveApiKey"`
}

// ToSearch converts to the websearch package's configuration.
func (s SearchConfig) ToSearch() websearch.Config {
	return websearch.Config{LocalURL: s.LocalURL, PublicURL: s.PublicURL, BraveAPIKey: s.BraveAPIKey}
}

// LimitsConfig bounds request resources.
type LimitsConfig struct {
	// MaxBodyBytes caps the request body. Defaults to 1 MiB.
	MaxBodyBytes int `json:"maxBodyBytes" mapstructure:"maxBodyBytes"`
	// MaxToolsPerRequest caps the tool list length.
	MaxToolsPerRequest int `json:"maxToolsPerRequest" mapstructure:"maxToolsPerRequest"`
	// MaxDocumentBytes caps one decoded document attachment.
	MaxDocumentBytes int `json:"maxDocumentBytes" mapstructure:"maxDocumentBytes"`
}

// Config is the full gateway configuration.
type Config struct {
	Server    ServerConfig            `json:"server" mapstructure:"server"`
	Discovery cluster.DiscoveryConfig `json:"discovery" mapstructure:"discovery"`
	Health    cluster.HealthConfig    `json:"health" mapstructure:"health"`
	Cache     cluster.CacheConfig     `json:"cache" mapstructure:"cache"`
	Routing   cluster.RoutingConfig   `json:"routing" mapstructure:"routing"`
	Breaker   BreakerConfig           `json:"circuitBreaker" mapstructure:"circuitBreaker"`
	Filter    FilterConfig            `json:"filter" mapstructure:"filter"`
	ToolHints ToolHintsConfig         `json:"toolHints" mapstructure:"toolHints"`
	Search    SearchConfig            `json:"search" mapstructure:"search"`
	Limits    LimitsConfig            `json:"limits" mapstructure:"limits"`
}

// ClusterConfig assembles the cluster subtrees.
func (c *Config) ClusterConfig() cluster.Config {
	return cluster.Config{
		Discovery: c.Discovery,
		Health:    c.Health,
		Cache:     c.Cache,
		Routing:   c.Routing,
		Upstream: cluster.UpstreamConfig{
			APIKey:                    c.Server.UpstreamAPIKey,
			NormalizeSystemWhitespace: c.Server.NormalizeSystemWhitespace,
		},
	}
}

var validTiers = []string{"", "MINIMAL", "MODERATE", "AGGRESSIVE", "EXTREME"}

// Load reads the configuration file at path (empty means defaults only),
// applies deprecated-key migration, environment overrides, defaults, and
// validation. All returned errors are *Error.
func Load(path string, logger *slog.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, &Error{
				Code:    CodeFileNotFound,
				Message: "configuration file not found",
				Context: map[string]any{"path": path},
			}
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{
				Code:    CodeParseError,
				Message: fmt.Sprintf("parse configuration file: %v", err),
				Context: map[string]any{"path": path},
			}
		}
	}

	migrateDeprecatedKeys(v, logger)
	if err := applyEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &Error{
			Code:    CodeParseError,
			Message: fmt.Sprintf("decode configuration: %v", err),
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.adminAddr", ":9090")
	v.SetDefault("filter.enabled", true)
	v.SetDefault("filter.tier", string(prompt.TierModerate))
	v.SetDefault("filter.allowRequestOverride", true)
	v.SetDefault("filter.processingBudgetMs", 5_000)
	v.SetDefault("toolHints.enabled", true)
	v.SetDefault("toolHints.confidenceThreshold", 0.35)
	v.SetDefault("toolHints.maxInjectionsPerConversation", 3)
	v.SetDefault("toolHints.style", string(toolhint.StyleExplicit))
	v.SetDefault("search.enabled", true)
}

func (c *Config) applyDefaults() {
	if c.Limits.MaxBodyBytes <= 0 {
		c.Limits.MaxBodyBytes = 1 << 20
	}
	if c.Limits.MaxToolsPerRequest <= 0 {
		c.Limits.MaxToolsPerRequest = 128
	}
	if c.Limits.MaxDocumentBytes <= 0 {
		c.Limits.MaxDocumentBytes = 8 << 20
	}
	cc := c.ClusterConfig().WithDefaults()
	c.Discovery, c.Health, c.Cache, c.Routing = cc.Discovery, cc.Health, cc.Cache, cc.Routing
}

// applyEnv layers environment overrides on top of file values.
func applyEnv(v *viper.Viper) error {
	if nodes := os.Getenv("INFERGATE_NODES"); nodes != "" {
		var parsed []cluster.StaticNode
		if err := json.Unmarshal([]byte(nodes), &parsed); err != nil {
			return &Error{
				Code:    CodeParseError,
				Message: fmt.Sprintf("INFERGATE_NODES is not a JSON node array: %v", err),
				Context: map[string]any{"env": "INFERGATE_NODES"},
			}
		}
		v.Set("discovery.mode", "static")
		v.Set("discovery.nodes", staticNodesToMaps(parsed))
	}

	for env, key := range map[string]string{
		"INFERGATE_ADDR":             "server.addr",
		"INFERGATE_ADMIN_ADDR":       "server.adminAddr",
		"INFERGATE_UPSTREAM_API_KEY": "server.upstreamApiKey",
		"INFERGATE_ROUTING_STRATEGY": "routing.strategy",
		"INFERGATE_FILTER_TIER":      "filter.tier",
		"SEARXNG_URL":                "search.localUrl",
		"BRAVE_API_KEY":              "search.braveApiKey",
	} {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	for env, key := range map[string]string{
		"INFERGATE_HEALTH_CHECK_INTERVAL_MS": "health.checkIntervalMs",
	} {
		val := os.Getenv(env)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return &Error{
				Code:    CodeParseError,
				Message: fmt.Sprintf("%s is not an integer: %v", env, err),
				Context: map[string]any{"env": env},
			}
		}
		v.Set(key, n)
	}

	for env, key := range map[string]string{
		"INFERGATE_FILTER_ENABLED":     "filter.enabled",
		"INFERGATE_TOOL_HINTS_ENABLED": "toolHints.enabled",
		"INFERGATE_SEARCH_ENABLED":     "search.enabled",
	} {
		val := os.Getenv(env)
		if val == "" {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return &Error{
				Code:    CodeParseError,
				Message: fmt.Sprintf("%s is not a boolean: %v", env, err),
				Context: map[string]any{"env": env},
			}
		}
		v.Set(key, b)
	}
	return nil
}

// staticNodesToMaps converts typed nodes into the generic form viper merges.
func staticNodesToMaps(nodes []cluster.StaticNode) []map[string]any {
	out := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		out[i] = map[string]any{"id": n.ID, "url": n.URL}
	}
	return out
}

func (c *Config) validate() error {
	if err := c.ClusterConfig().Validate(); err != nil {
		return clusterError(err)
	}
	if !slices.Contains(validTiers, c.Filter.Tier) {
		return &Error{
			Code:    CodeInvalidConfig,
			Message: fmt.Sprintf("filter.tier: unknown tier %q", c.Filter.Tier),
			Context: map[string]any{"field": "filter.tier", "valid": validTiers[1:]},
		}
	}
	switch toolhint.Style(c.ToolHints.Style) {
	case "", toolhint.StyleExplicit, toolhint.StyleSubtle:
	default:
		return &Error{
			Code:    CodeInvalidConfig,
			Message: fmt.Sprintf("toolHints.style: unknown style %q", c.ToolHints.Style),
			Context: map[string]any{"field": "toolHints.style"},
		}
	}
	if t := c.ToolHints.ConfidenceThreshold; t < 0 || t > 1 {
		return &Error{
			Code:    CodeInvalidConfig,
			Message: fmt.Sprintf("toolHints.confidenceThreshold: must be in [0,1], got %v", t),
			Context: map[string]any{"field": "toolHints.confidenceThreshold"},
		}
	}
	return nil
}

// clusterError maps a cluster validation failure to a coded error. The
// cluster package prefixes its messages with the failing field path.
func clusterError(err error) *Error {
	msg := err.Error()
	code := CodeInvalidConfig
	switch {
	case strings.Contains(msg, "requires at least one node"):
		code = CodeMissingNodes
	case strings.Contains(msg, "invalid URL"):
		code = CodeInvalidURL
	case strings.Contains(msg, "unknown strategy"):
		code = CodeInvalidStrategy
	}
	field, _, _ := strings.Cut(msg, ":")
	return &Error{Code: code, Message: msg, Context: map[string]any{"field": field}}
}
