// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package cluster

import (
	"sync"
	"time"
)

// Router picks a node for each request: sticky sessions first, then cache
// affinity, then the configured load-balancing strategy.
type Router struct {
	cfg    RoutingConfig
	health *HealthTracker
	cache  *CacheTracker
	now    func() time.Time

	mu      sync.Mutex
	rrIndex int
	sticky  map[string]stickyEntry
}

type stickyEntry struct {
	nodeID  string
	expires time.Time
}

// NewRouter builds a router over the given trackers.
func NewRouter(cfg RoutingConfig, health *HealthTracker, cache *CacheTracker) *Router {
	return &Router{
		cfg:    cfg,
		health: health,
		cache:  cache,
		now:    time.Now,
		sticky: make(map[string]stickyEntry),
	}
}

// SelectNodeWithSticky picks a node for the request, or nil when no healthy
// node exists. The chosen session mapping is recorded for sticky routing.
func (r *Router) SelectNodeWithSticky(nodes []Node, rc RoutingContext) *RoutingDecision {
	if rc.SessionID != "" {
		if d := r.stickyLookup(rc.SessionID); d != nil {
			return d
		}
	}

	healthy := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if r.health.IsHealthy(n.ID) {
			healthy = append(healthy, n)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	var decision *RoutingDecision
	if r.cfg.Strategy == StrategyCacheAware && rc.SystemPromptHash != "" {
		decision = r.selectCacheAffinity(healthy, rc)
	}
	if decision == nil {
		decision = r.selectByStrategy(healthy)
	}
	if rc.SessionID != "" && decision != nil {
		r.recordSticky(rc.SessionID, decision.NodeID)
	}
	return decision
}

// stickyLookup returns the previously routed node for the session when it is
// still mapped and currently healthy.
func (r *Router) stickyLookup(sessionID string) *RoutingDecision {
	r.mu.Lock()
	entry, ok := r.sticky[sessionID]
	if ok && r.now().After(entry.expires) {
		delete(r.sticky, sessionID)
		ok = false
	}
	r.mu.Unlock()
	if !ok || !r.health.IsHealthy(entry.nodeID) {
		return nil
	}
	// Refresh the TTL on use.
	r.recordSticky(sessionID, entry.nodeID)
	return &RoutingDecision{NodeID: entry.nodeID, Reason: ReasonStickySession, Confidence: 1.0}
}

func (r *Router) recordSticky(sessionID, nodeID string) {
	ttl := time.Duration(r.cfg.StickyTTLSec) * time.Second
	r.mu.Lock()
	r.sticky[sessionID] = stickyEntry{nodeID: nodeID, expires: r.now().Add(ttl)}
	r.mu.Unlock()
}

// ForgetSession drops the session mapping, if any.
func (r *Router) ForgetSession(sessionID string) {
	r.mu.Lock()
	delete(r.sticky, sessionID)
	r.mu.Unlock()
}

// selectCacheAffinity picks the least-loaded cache-affinity candidate, or nil
// when no candidate exists.
func (r *Router) selectCacheAffinity(healthy []Node, rc RoutingContext) *RoutingDecision {
	var candidates []Node
	for _, n := range healthy {
		if r.cache.IsCandidate(n.ID, rc.SystemPromptHash, 0) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	best := leastLoaded(candidates)
	return &RoutingDecision{NodeID: best.ID, Reason: ReasonCacheAffinity, Confidence: 0.9}
}

func (r *Router) selectByStrategy(healthy []Node) *RoutingDecision {
	switch r.cfg.Strategy {
	case StrategyLeastLoaded:
		return &RoutingDecision{NodeID: leastLoaded(healthy).ID, Reason: ReasonLeastLoaded, Confidence: 0.7}
	case StrategyLatencyBased:
		return &RoutingDecision{NodeID: r.lowestLatency(healthy).ID, Reason: ReasonLatencyBased, Confidence: 0.7}
	case StrategyCacheAware:
		// No affinity candidate: fall back to load.
		return &RoutingDecision{NodeID: leastLoaded(healthy).ID, Reason: ReasonLeastLoaded, Confidence: 0.5}
	default: // round-robin
		r.mu.Lock()
		n := healthy[r.rrIndex%len(healthy)]
		r.rrIndex++
		r.mu.Unlock()
		return &RoutingDecision{NodeID: n.ID, Reason: ReasonRoundRobin, Confidence: 0.6}
	}
}

// leastLoaded returns the node with the fewest in-flight requests, ties
// broken by average latency.
func leastLoaded(nodes []Node) Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		switch {
		case n.Metrics.RequestsInFlight < best.Metrics.RequestsInFlight:
			best = n
		case n.Metrics.RequestsInFlight == best.Metrics.RequestsInFlight &&
			n.Health.AvgLatencyMs < best.Health.AvgLatencyMs:
			best = n
		}
	}
	return best
}

// lowestLatency returns the node with the lowest average latency. Nodes
// without samples sort last.
func (r *Router) lowestLatency(nodes []Node) Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if latencyRank(n) < latencyRank(best) {
			best = n
		}
	}
	return best
}

func latencyRank(n Node) float64 {
	if n.Health.AvgLatencyMs <= 0 {
		// No samples yet.
		return 1e12
	}
	return n.Health.AvgLatencyMs
}
