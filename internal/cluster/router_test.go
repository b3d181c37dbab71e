// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// routerFixture builds a router over real trackers with every listed node
// marked healthy.
func routerFixture(t *testing.T, strategy string, ids ...string) (*Router, *HealthTracker, *CacheTracker, []Node) {
	t.Helper()
	cfg := healthCfg()
	cfg.RecoverySuccesses = 1
	health := NewHealthTracker(cfg, nil, testLogger())
	cache := NewCacheTracker(cacheCfg())
	nodes := trackedNodes(ids...)
	health.SetNodes(nodes)
	for _, id := range ids {
		health.RecordSuccess(id, 10)
	}
	r := NewRouter(RoutingConfig{Strategy: strategy, StickyTTLSec: 600}, health, cache)
	return r, health, cache, nodes
}

func TestRouterStickySession(t *testing.T) {
	r, _, _, nodes := routerFixture(t, StrategyRoundRobin, "a", "b")

	first := r.SelectNodeWithSticky(nodes, RoutingContext{SystemPromptHash: "h1", SessionID: "s1"})
	require.NotNil(t, first)

	second := r.SelectNodeWithSticky(nodes, RoutingContext{SystemPromptHash: "h1", SessionID: "s1"})
	require.NotNil(t, second)
	require.Equal(t, first.NodeID, second.NodeID)
	require.Equal(t, ReasonStickySession, second.Reason)
	require.Equal(t, 1.0, second.Confidence)
}

func TestRouterStickyIgnoresUnhealthyNode(t *testing.T) {
	r, health, _, nodes := routerFixture(t, StrategyRoundRobin, "a", "b")

	first := r.SelectNodeWithSticky(nodes, RoutingContext{SessionID: "s1"})
	require.NotNil(t, first)

	for i := 0; i < 3; i++ {
		health.RecordFailure(first.NodeID, nil)
	}
	second := r.SelectNodeWithSticky(nodes, RoutingContext{SessionID: "s1"})
	require.NotNil(t, second)
	require.NotEqual(t, first.NodeID, second.NodeID)
	require.NotEqual(t, ReasonStickySession, second.Reason)
}

func TestRouterStickyTTLExpiry(t *testing.T) {
	r, _, _, nodes := routerFixture(t, StrategyRoundRobin, "a", "b")
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	first := r.SelectNodeWithSticky(nodes, RoutingContext{SessionID: "s1"})
	require.NotNil(t, first)

	now = base.Add(601 * time.Second)
	second := r.SelectNodeWithSticky(nodes, RoutingContext{SessionID: "s1"})
	require.NotNil(t, second)
	require.NotEqual(t, ReasonStickySession, second.Reason)
}

func TestRouterAllUnhealthyReturnsNil(t *testing.T) {
	r, health, _, nodes := routerFixture(t, StrategyRoundRobin, "a", "b")
	for _, id := range []string{"a", "b"} {
		for i := 0; i < 3; i++ {
			health.RecordFailure(id, nil)
		}
	}
	require.Nil(t, r.SelectNodeWithSticky(nodes, RoutingContext{}))
}

func TestRouterRoundRobinRotates(t *testing.T) {
	r, _, _, nodes := routerFixture(t, StrategyRoundRobin, "a", "b")
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		d := r.SelectNodeWithSticky(nodes, RoutingContext{})
		require.NotNil(t, d)
		require.Equal(t, ReasonRoundRobin, d.Reason)
		seen[d.NodeID]++
	}
	require.Equal(t, 2, seen["a"])
	require.Equal(t, 2, seen["b"])
}

func TestRouterLeastLoaded(t *testing.T) {
	r, _, _, nodes := routerFixture(t, StrategyLeastLoaded, "a", "b")
	nodes[0].Metrics.RequestsInFlight = 5
	nodes[1].Metrics.RequestsInFlight = 1

	d := r.SelectNodeWithSticky(nodes, RoutingContext{})
	require.NotNil(t, d)
	require.Equal(t, "b", d.NodeID)
	require.Equal(t, ReasonLeastLoaded, d.Reason)

	// Ties break on average latency.
	nodes[0].Metrics.RequestsInFlight = 1
	nodes[0].Health.AvgLatencyMs = 10
	nodes[1].Health.AvgLatencyMs = 90
	d = r.SelectNodeWithSticky(nodes, RoutingContext{})
	require.Equal(t, "a", d.NodeID)
}

func TestRouterLatencyBased(t *testing.T) {
	r, _, _, nodes := routerFixture(t, StrategyLatencyBased, "a", "b", "c")
	nodes[0].Health.AvgLatencyMs = 50
	nodes[1].Health.AvgLatencyMs = 20
	nodes[2].Health.AvgLatencyMs = 0 // no samples: sorts last

	d := r.SelectNodeWithSticky(nodes, RoutingContext{})
	require.NotNil(t, d)
	require.Equal(t, "b", d.NodeID)
	require.Equal(t, ReasonLatencyBased, d.Reason)
}

func TestRouterCacheAffinity(t *testing.T) {
	r, _, cache, nodes := routerFixture(t, StrategyCacheAware, "a", "b")
	cache.RecordCacheState("b", "h1", 500)

	d := r.SelectNodeWithSticky(nodes, RoutingContext{SystemPromptHash: "h1"})
	require.NotNil(t, d)
	require.Equal(t, "b", d.NodeID)
	require.Equal(t, ReasonCacheAffinity, d.Reason)

	// Unknown hash falls back to load-based selection.
	d = r.SelectNodeWithSticky(nodes, RoutingContext{SystemPromptHash: "other"})
	require.NotNil(t, d)
	require.Equal(t, ReasonLeastLoaded, d.Reason)
}

func TestRouterForgetSession(t *testing.T) {
	r, _, _, nodes := routerFixture(t, StrategyRoundRobin, "a", "b")
	first := r.SelectNodeWithSticky(nodes, RoutingContext{SessionID: "s1"})
	require.NotNil(t, first)

	r.ForgetSession("s1")
	second := r.SelectNodeWithSticky(nodes, RoutingContext{SessionID: "s1"})
	require.NotNil(t, second)
	require.NotEqual(t, ReasonStickySession, second.Reason)
}
