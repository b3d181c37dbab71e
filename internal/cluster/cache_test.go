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

func cacheCfg() CacheConfig {
	return CacheConfig{MaxCacheAgeSec: 300, MinHitRate: 0.3, MaxCacheTokens: 1000}
}

func TestCacheCandidateMatching(t *testing.T) {
	tr := NewCacheTracker(cacheCfg())
	tr.RecordCacheState("a", "hash1", 500)

	require.True(t, tr.IsCandidate("a", "hash1", 400))
	require.False(t, tr.IsCandidate("a", "hash2", 400), "different prompt hash")
	require.False(t, tr.IsCandidate("a", "hash1", 600), "cached tokens do not cover prefix")
	require.False(t, tr.IsCandidate("ghost", "hash1", 0), "unknown node")
}

func TestCacheStaleEntriesIgnored(t *testing.T) {
	tr := NewCacheTracker(cacheCfg())
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.RecordCacheState("a", "hash1", 500)
	require.True(t, tr.IsCandidate("a", "hash1", 0))

	now = base.Add(301 * time.Second)
	require.False(t, tr.IsCandidate("a", "hash1", 0))
	_, ok := tr.State("a")
	require.False(t, ok)
}

func TestCacheTokenCap(t *testing.T) {
	tr := NewCacheTracker(cacheCfg())
	tr.RecordCacheState("a", "hash1", 50_000)
	s, ok := tr.State("a")
	require.True(t, ok)
	require.Equal(t, 1000, s.CachedTokens)
}

func TestCacheHitRateGate(t *testing.T) {
	tr := NewCacheTracker(cacheCfg())
	tr.RecordCacheState("a", "hash1", 500)

	// Ten lookups, one hit: 10% is below the 30% minimum.
	for i := 0; i < 9; i++ {
		tr.RecordLookup("a", false)
	}
	tr.RecordLookup("a", true)
	require.InDelta(t, 0.1, tr.HitRate("a"), 0.001)
	require.False(t, tr.IsCandidate("a", "hash1", 0))
}

func TestCacheRemove(t *testing.T) {
	tr := NewCacheTracker(cacheCfg())
	tr.RecordCacheState("a", "hash1", 500)
	tr.RecordLookup("a", true)
	tr.Remove("a")

	_, ok := tr.State("a")
	require.False(t, ok)
	require.Equal(t, 0.0, tr.HitRate("a"))
}
