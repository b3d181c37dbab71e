// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package cluster

import (
	"sync"
	"time"
)

// CacheTracker remembers, per node, the last prompt prefix the node is
// believed to hold in its KV cache. Routing prefers nodes that already cached
// the request's system prompt.
type CacheTracker struct {
	cfg CacheConfig
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]CacheState
	hits    map[string]int64
	total   map[string]int64
}

// NewCacheTracker builds an empty tracker.
func NewCacheTracker(cfg CacheConfig) *CacheTracker {
	return &CacheTracker{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]CacheState),
		hits:    make(map[string]int64),
		total:   make(map[string]int64),
	}
}

// RecordCacheState updates the node's cached prefix after a completed
// request. tokens is the approximate cached token count, capped by policy.
func (t *CacheTracker) RecordCacheState(nodeID, systemPromptHash string, tokens int) {
	if tokens > t.cfg.MaxCacheTokens {
		tokens = t.cfg.MaxCacheTokens
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[nodeID] = CacheState{
		SystemPromptHash: systemPromptHash,
		CachedTokens:     tokens,
		UpdatedAt:        t.now(),
	}
}

// RecordLookup tracks the cache hit rate for one routing decision.
func (t *CacheTracker) RecordLookup(nodeID string, hit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total[nodeID]++
	if hit {
		t.hits[nodeID]++
	}
}

// Remove drops a node's cache state when discovery removes it.
func (t *CacheTracker) Remove(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, nodeID)
	delete(t.hits, nodeID)
	delete(t.total, nodeID)
}

// State returns the node's last known cache state, if fresh.
func (t *CacheTracker) State(nodeID string) (CacheState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.entries[nodeID]
	if !ok || t.staleLocked(s) {
		return CacheState{}, false
	}
	return s, true
}

// IsCandidate reports whether the node is a cache-affinity candidate for the
// request: same prompt hash, fresh entry, cached tokens covering the prefix,
// and a hit rate above the configured minimum once enough lookups exist.
func (t *CacheTracker) IsCandidate(nodeID, systemPromptHash string, prefixTokens int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.entries[nodeID]
	if !ok || t.staleLocked(s) {
		return false
	}
	if s.SystemPromptHash != systemPromptHash || s.CachedTokens < prefixTokens {
		return false
	}
	if total := t.total[nodeID]; total >= 10 && t.cfg.MinHitRate > 0 {
		if float64(t.hits[nodeID])/float64(total) < t.cfg.MinHitRate {
			return false
		}
	}
	return true
}

// HitRate returns the node's observed cache hit rate.
func (t *CacheTracker) HitRate(nodeID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := t.total[nodeID]
	if total == 0 {
		return 0
	}
	return float64(t.hits[nodeID]) / float64(total)
}

func (t *CacheTracker) staleLocked(s CacheState) bool {
	maxAge := time.Duration(t.cfg.MaxCacheAgeSec) * time.Second
	return t.now().Sub(s.UpdatedAt) > maxAge
}
