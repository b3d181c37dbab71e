// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// outcomeWindowSize bounds the per-node rolling outcome window used for the
// error rate.
const outcomeWindowSize = 50

// minRateSamples is the window population required before the error-rate
// trigger applies.
const minRateSamples = 10

// ProbeFunc actively checks one node. A nil error means the node answered.
type ProbeFunc func(ctx context.Context, nodeID string) error

// nodeHealth is the tracker's mutable state for one node.
type nodeHealth struct {
	status               NodeStatus
	lastCheck            time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	avgLatencyMs         float64
	// outcomes is a ring of recent results, true = success.
	outcomes []bool
	next     int
	filled   bool
}

func (h *nodeHealth) record(success bool) {
	if len(h.outcomes) < outcomeWindowSize {
		h.outcomes = append(h.outcomes, success)
	} else {
		h.outcomes[h.next] = success
		h.next = (h.next + 1) % outcomeWindowSize
		h.filled = true
	}
}

func (h *nodeHealth) errorRate() float64 {
	if len(h.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range h.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(h.outcomes))
}

// HealthTracker maintains per-node health from probes and request outcomes.
// Safe for concurrent use.
type HealthTracker struct {
	cfg    HealthConfig
	probe  ProbeFunc
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	nodes map[string]*nodeHealth

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewHealthTracker builds a tracker for the given nodes.
func NewHealthTracker(cfg HealthConfig, probe ProbeFunc, logger *slog.Logger) *HealthTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthTracker{
		cfg:    cfg,
		probe:  probe,
		logger: logger,
		now:    time.Now,
		nodes:  make(map[string]*nodeHealth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetNodes reconciles the tracked set with a discovery snapshot. New nodes
// start as initializing; removed nodes are dropped.
func (t *HealthTracker) SetNodes(nodes []Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keep := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		keep[n.ID] = true
		if _, ok := t.nodes[n.ID]; !ok {
			t.nodes[n.ID] = &nodeHealth{status: StatusInitializing}
		}
	}
	for id := range t.nodes {
		if !keep[id] {
			delete(t.nodes, id)
		}
	}
}

// Start launches the periodic probe loop.
func (t *HealthTracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go func() {
		defer close(t.done)
		interval := time.Duration(t.cfg.CheckIntervalMs) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.probeAll(ctx)
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop. Idempotent.
func (t *HealthTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()
	if started {
		<-t.done
	}
}

func (t *HealthTracker) probeAll(ctx context.Context) {
	if t.probe == nil {
		return
	}
	t.mu.RLock()
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	timeout := time.Duration(t.cfg.TimeoutMs) * time.Millisecond
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := t.now()
			if err := t.probe(probeCtx, nodeID); err != nil {
				t.RecordFailure(nodeID, err)
				return
			}
			t.RecordSuccess(nodeID, float64(t.now().Sub(start).Milliseconds()))
		}(id)
	}
	wg.Wait()
}

// RecordSuccess registers a successful probe or request for the node.
func (t *HealthTracker) RecordSuccess(nodeID string, latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.nodes[nodeID]
	if !ok {
		return
	}
	h.lastCheck = t.now()
	h.consecutiveFailures = 0
	h.consecutiveSuccesses++
	h.record(true)
	if latencyMs > 0 {
		if h.avgLatencyMs == 0 {
			h.avgLatencyMs = latencyMs
		} else {
			// Exponential moving average, light smoothing.
			h.avgLatencyMs = 0.8*h.avgLatencyMs + 0.2*latencyMs
		}
	}
	t.evaluateLocked(nodeID, h)
}

// RecordFailure registers a failed probe or request for the node.
func (t *HealthTracker) RecordFailure(nodeID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.nodes[nodeID]
	if !ok {
		return
	}
	h.lastCheck = t.now()
	h.consecutiveFailures++
	h.consecutiveSuccesses = 0
	h.record(false)
	t.evaluateLocked(nodeID, h)
	if h.status == StatusUnhealthy && err != nil {
		t.logger.Warn("node unhealthy",
			slog.String("node", nodeID),
			slog.Int("consecutiveFailures", h.consecutiveFailures),
			slog.String("error", err.Error()))
	}
}

// evaluateLocked applies the status transition rules.
func (t *HealthTracker) evaluateLocked(nodeID string, h *nodeHealth) {
	prev := h.status
	switch {
	// The error-rate trip is gated on zero consecutive successes so a stale
	// window cannot retrip a node that is actively recovering.
	case h.consecutiveFailures >= t.cfg.MaxConsecutiveFailures,
		h.errorRate() >= t.cfg.UnhealthyThreshold &&
			len(h.outcomes) >= minRateSamples &&
			h.consecutiveSuccesses == 0:
		h.status = StatusUnhealthy
	case h.status == StatusUnhealthy || h.status == StatusInitializing:
		if h.consecutiveSuccesses >= t.cfg.RecoverySuccesses {
			h.status = StatusHealthy
		} else if h.status == StatusInitializing && h.consecutiveSuccesses > 0 {
			h.status = StatusHealthy
		}
	default:
		h.status = StatusHealthy
	}
	if prev != h.status {
		t.logger.Info("node status change",
			slog.String("node", nodeID),
			slog.String("from", string(prev)),
			slog.String("to", string(h.status)))
	}
}

// IsHealthy reports whether the node currently accepts traffic.
func (t *HealthTracker) IsHealthy(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.nodes[nodeID]
	return ok && (h.status == StatusHealthy || h.status == StatusDegraded)
}

// GetNodeHealth returns the node's health sample and status.
func (t *HealthTracker) GetNodeHealth(nodeID string) (HealthSample, NodeStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.nodes[nodeID]
	if !ok {
		return HealthSample{}, StatusOffline, false
	}
	return HealthSample{
		LastCheck:           h.lastCheck,
		ConsecutiveFailures: h.consecutiveFailures,
		AvgLatencyMs:        h.avgLatencyMs,
		ErrorRate:           h.errorRate(),
	}, h.status, true
}
