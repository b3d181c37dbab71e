// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package cluster manages the inference fleet: node discovery, health
// tracking, prompt-cache affinity, and request routing.
package cluster

import (
	"fmt"
	"net/url"
	"time"
)

// NodeStatus is the lifecycle state of a node.
type NodeStatus string

const (
	StatusInitializing NodeStatus = "initializing"
	StatusHealthy      NodeStatus = "healthy"
	StatusDegraded     NodeStatus = "degraded"
	StatusUnhealthy    NodeStatus = "unhealthy"
	StatusOffline      NodeStatus = "offline"
)

// HealthSample is the health tracker's view of one node.
type HealthSample struct {
	LastCheck           time.Time `json:"lastCheck"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	AvgLatencyMs        float64   `json:"avgLatencyMs"`
	// ErrorRate is the failure fraction over the recent outcome window,
	// in [0,1].
	ErrorRate float64 `json:"errorRate"`
}

// CacheState is the last known prompt-cache state of one node.
type CacheState struct {
	SystemPromptHash string    `json:"systemPromptHash"`
	CachedTokens     int       `json:"cachedTokens"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// NodeMetrics is per-node request accounting.
type NodeMetrics struct {
	RequestsInFlight int64   `json:"requestsInFlight"`
	TotalRequests    int64   `json:"totalRequests"`
	CacheHitRate     float64 `json:"cacheHitRate"`
	AvgLatencyMs     float64 `json:"avgLatencyMs"`
}

// Node is one worker of the inference fleet. Instances handed out by the
// manager are snapshots; mutation happens only inside the trackers.
type Node struct {
	ID      string       `json:"id"`
	BaseURL string       `json:"baseUrl"`
	Status  NodeStatus   `json:"status"`
	Health  HealthSample `json:"health"`
	Cache   CacheState   `json:"cache"`
	Metrics NodeMetrics  `json:"metrics"`
}

// Routing strategies.
const (
	StrategyRoundRobin   = "round-robin"
	StrategyLeastLoaded  = "least-loaded"
	StrategyCacheAware   = "cache-aware"
	StrategyLatencyBased = "latency-based"
)

// ValidStrategies lists the accepted routing strategies.
var ValidStrategies = []string{StrategyRoundRobin, StrategyLeastLoaded, StrategyCacheAware, StrategyLatencyBased}

// StaticNode is one configured node of a static-discovery cluster.
type StaticNode struct {
	ID  string `json:"id" mapstructure:"id"`
	URL string `json:"url" mapstructure:"url"`
}

// DiscoveryConfig selects static or polled discovery.
type DiscoveryConfig struct {
	// Mode is "static" or "http".
	Mode string `json:"mode" mapstructure:"mode"`
	// Nodes is the static node list.
	Nodes []StaticNode `json:"nodes" mapstructure:"nodes"`
	// Endpoint is the polled discovery URL for http mode.
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	// PollIntervalMs is the http-mode poll period.
	PollIntervalMs int `json:"pollIntervalMs" mapstructure:"pollIntervalMs"`
}

// HealthConfig is the health probing policy.
type HealthConfig struct {
	CheckIntervalMs        int     `json:"checkIntervalMs" mapstructure:"checkIntervalMs"`
	TimeoutMs              int     `json:"timeoutMs" mapstructure:"timeoutMs"`
	UnhealthyThreshold     float64 `json:"unhealthyThreshold" mapstructure:"unhealthyThreshold"`
	MaxConsecutiveFailures int     `json:"maxConsecutiveFailures" mapstructure:"maxConsecutiveFailures"`
	// RecoverySuccesses is the consecutive-success count returning a node to
	// healthy.
	RecoverySuccesses int `json:"recoverySuccesses" mapstructure:"recoverySuccesses"`
}

// CacheConfig is the prompt-cache affinity policy.
type CacheConfig struct {
	MaxCacheAgeSec int     `json:"maxCacheAgeSec" mapstructure:"maxCacheAgeSec"`
	MinHitRate     float64 `json:"minHitRate" mapstructure:"minHitRate"`
	MaxCacheTokens int     `json:"maxCacheTokens" mapstructure:"maxCacheTokens"`
}

// RoutingConfig is the routing policy.
type RoutingConfig struct {
	Strategy     string `json:"strategy" mapstructure:"strategy"`
	MaxRetries   int    `json:"maxRetries" mapstructure:"maxRetries"`
	RetryDelayMs int    `json:"retryDelayMs" mapstructure:"retryDelayMs"`
	StickyTTLSec int    `json:"stickyTtlSec" mapstructure:"stickyTtlSec"`
}

// Config is the immutable cluster configuration, merged with defaults and
// validated before the manager starts.
type Config struct {
	Discovery DiscoveryConfig `json:"discovery" mapstructure:"discovery"`
	Health    HealthConfig    `json:"health" mapstructure:"health"`
	Cache     CacheConfig     `json:"cache" mapstructure:"cache"`
	Routing   RoutingConfig   `json:"routing" mapstructure:"routing"`
	Upstream  UpstreamConfig  `json:"upstream" mapstructure:"upstream"`
}

// UpstreamConfig applies to every provider client the manager builds.
type UpstreamConfig struct {
	// APIKey is the bearer token sent to backend nodes, if any.
	APIKey string `json:"apiKey" mapstructure:"apiKey"`
	// NormalizeSystemWhitespace collapses whitespace runs in outbound system
	// messages, for backends whose JSON parsers reject embedded newlines.
	NormalizeSystemWhitespace bool `json:"normalizeSystemWhitespace" mapstructure:"normalizeSystemWhitespace"`
}

// WithDefaults fills unset fields with production defaults.
func (c Config) WithDefaults() Config {
	if c.Discovery.Mode == "" {
		c.Discovery.Mode = "static"
	}
	if c.Discovery.PollIntervalMs <= 0 {
		c.Discovery.PollIntervalMs = 30_000
	}
	if c.Health.CheckIntervalMs <= 0 {
		c.Health.CheckIntervalMs = 10_000
	}
	if c.Health.TimeoutMs <= 0 {
		c.Health.TimeoutMs = 5_000
	}
	if c.Health.UnhealthyThreshold <= 0 {
		c.Health.UnhealthyThreshold = 0.5
	}
	if c.Health.MaxConsecutiveFailures <= 0 {
		c.Health.MaxConsecutiveFailures = 3
	}
	if c.Health.RecoverySuccesses <= 0 {
		c.Health.RecoverySuccesses = 2
	}
	if c.Cache.MaxCacheAgeSec <= 0 {
		c.Cache.MaxCacheAgeSec = 300
	}
	if c.Cache.MaxCacheTokens <= 0 {
		c.Cache.MaxCacheTokens = 32_768
	}
	if c.Routing.Strategy == "" {
		c.Routing.Strategy = StrategyCacheAware
	}
	if c.Routing.MaxRetries < 0 {
		c.Routing.MaxRetries = 0
	}
	if c.Routing.RetryDelayMs <= 0 {
		c.Routing.RetryDelayMs = 200
	}
	if c.Routing.StickyTTLSec <= 0 {
		c.Routing.StickyTTLSec = 600
	}
	return c
}

// Validate checks the configuration after defaulting.
func (c Config) Validate() error {
	switch c.Discovery.Mode {
	case "static":
		if len(c.Discovery.Nodes) == 0 {
			return fmt.Errorf("discovery.nodes: static discovery requires at least one node")
		}
		seen := make(map[string]bool, len(c.Discovery.Nodes))
		for i, n := range c.Discovery.Nodes {
			if n.ID == "" {
				return fmt.Errorf("discovery.nodes[%d].id: must not be empty", i)
			}
			if seen[n.ID] {
				return fmt.Errorf("discovery.nodes[%d].id: duplicate node id %q", i, n.ID)
			}
			seen[n.ID] = true
			if err := validateURL(n.URL); err != nil {
				return fmt.Errorf("discovery.nodes[%d].url: %w", i, err)
			}
		}
	case "http":
		if err := validateURL(c.Discovery.Endpoint); err != nil {
			return fmt.Errorf("discovery.endpoint: %w", err)
		}
	default:
		return fmt.Errorf("discovery.mode: unknown mode %q", c.Discovery.Mode)
	}
	if c.Health.UnhealthyThreshold > 1 {
		return fmt.Errorf("health.unhealthyThreshold: must be in (0,1], got %v", c.Health.UnhealthyThreshold)
	}
	valid := false
	for _, s := range ValidStrategies {
		if c.Routing.Strategy == s {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("routing.strategy: unknown strategy %q", c.Routing.Strategy)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid URL %q", raw)
	}
	return nil
}

// RoutingContext is the per-request routing input.
type RoutingContext struct {
	// SystemPromptHash is the stable hash of the post-filter system prompt.
	SystemPromptHash string
	// ToolsHash is the stable hash of the tool schema list.
	ToolsHash string
	// SessionID pins the conversation to a node when set.
	SessionID string
}

// Routing decision reasons.
const (
	ReasonStickySession = "sticky-session"
	ReasonCacheAffinity = "cache-affinity"
	ReasonRoundRobin    = "round-robin"
	ReasonLeastLoaded   = "least-loaded"
	ReasonLatencyBased  = "latency-based"
)

// RoutingDecision is the router's answer for one request.
type RoutingDecision struct {
	NodeID     string  `json:"nodeId"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}
