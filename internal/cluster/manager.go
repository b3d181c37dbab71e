// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infergate/infergate/internal/provider"
)

// ErrAlreadyInitialized is returned by Initialize when a manager exists.
var ErrAlreadyInitialized = errors.New("cluster manager already initialized")

// ErrNotInitialized is returned by Get before Initialize.
var ErrNotInitialized = errors.New("cluster manager not initialized")

var (
	globalMu sync.Mutex
	global   *Manager
)

// Manager owns the node table, per-node providers, and the routing stack.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	discovery Discovery
	health    *HealthTracker
	cache     *CacheTracker
	router    *Router

	mu          sync.RWMutex
	nodes       map[string]Node
	providers   map[string]*provider.Client
	inFlight    map[string]*atomic.Int64
	total       map[string]*atomic.Int64
	lastFailure string
	shutdown    bool

	cancel context.CancelFunc
}

// Initialize builds and starts the process-wide manager. A second call
// without an intervening Shutdown or Reset fails.
func Initialize(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil, ErrAlreadyInitialized
	}
	m, err := newManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	global = m
	return m, nil
}

// Get returns the process-wide manager.
func Get() (*Manager, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return nil, ErrNotInitialized
	}
	return global, nil
}

// Reset clears the singleton without stopping components. Intended for tests.
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}

func newManager(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate cluster config: %w", err)
	}

	disc, err := NewDiscovery(cfg.Discovery, logger)
	if err != nil {
		return nil, fmt.Errorf("build discovery: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		discovery: disc,
		cache:     NewCacheTracker(cfg.Cache),
		nodes:     make(map[string]Node),
		providers: make(map[string]*provider.Client),
		inFlight:  make(map[string]*atomic.Int64),
		total:     make(map[string]*atomic.Int64),
		cancel:    cancel,
	}
	m.health = NewHealthTracker(cfg.Health, m.probeNode, logger)
	m.router = NewRouter(cfg.Routing, m.health, m.cache)

	disc.Start(runCtx, m.applySnapshot)
	if len(m.Nodes()) == 0 {
		cancel()
		disc.Stop()
		return nil, errors.New("discovery produced no usable nodes")
	}

	// Probe every node once so routing has health data immediately. Individual
	// probe failures are recorded, not fatal.
	g, probeCtx := errgroup.WithContext(runCtx)
	for _, n := range m.Nodes() {
		g.Go(func() error {
			timeout := time.Duration(cfg.Health.TimeoutMs) * time.Millisecond
			pc, pcCancel := context.WithTimeout(probeCtx, timeout)
			defer pcCancel()
			start := time.Now()
			if err := m.probeNode(pc, n.ID); err != nil {
				m.health.RecordFailure(n.ID, err)
				return nil
			}
			m.health.RecordSuccess(n.ID, float64(time.Since(start).Milliseconds()))
			return nil
		})
	}
	_ = g.Wait()

	m.health.Start(runCtx)
	return m, nil
}

// applySnapshot reconciles the manager's tables with a discovery snapshot.
// Removed nodes release their provider, cache state, and counters.
func (m *Manager) applySnapshot(nodes []Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return
	}

	keep := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		keep[n.ID] = true
		if _, ok := m.nodes[n.ID]; ok {
			continue
		}
		client, err := provider.New(n.BaseURL, m.cfg.Upstream.APIKey, m.logger)
		if err != nil {
			// The node is excluded, the rest of the snapshot still applies.
			m.logger.Error("provider construction failed, excluding node",
				slog.String("node", n.ID),
				slog.String("url", n.BaseURL),
				slog.String("error", err.Error()))
			continue
		}
		client.SetNormalizeSystem(m.cfg.Upstream.NormalizeSystemWhitespace)
		m.nodes[n.ID] = n
		m.providers[n.ID] = client
		m.inFlight[n.ID] = &atomic.Int64{}
		m.total[n.ID] = &atomic.Int64{}
	}
	for id := range m.nodes {
		if !keep[id] {
			delete(m.nodes, id)
			delete(m.providers, id)
			delete(m.inFlight, id)
			delete(m.total, id)
			m.cache.Remove(id)
			m.logger.Info("node removed by discovery", slog.String("node", id))
		}
	}

	snapshot := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		snapshot = append(snapshot, n)
	}
	m.health.SetNodes(snapshot)
}

// probeNode is the active health probe bound to the node's provider.
func (m *Manager) probeNode(ctx context.Context, nodeID string) error {
	m.mu.RLock()
	client := m.providers[nodeID]
	m.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("no provider for node %s", nodeID)
	}
	timeout := time.Duration(m.cfg.Health.TimeoutMs) * time.Millisecond
	return client.Healthcheck(ctx, timeout)
}

// Nodes returns a snapshot of all known nodes with live health and metrics.
func (m *Manager) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for id, n := range m.nodes {
		sample, status, ok := m.health.GetNodeHealth(id)
		if ok {
			n.Health = sample
			n.Status = status
		}
		if state, ok := m.cache.State(id); ok {
			n.Cache = state
		}
		n.Metrics.RequestsInFlight = m.inFlight[id].Load()
		n.Metrics.TotalRequests = m.total[id].Load()
		n.Metrics.CacheHitRate = m.cache.HitRate(id)
		n.Metrics.AvgLatencyMs = sample.AvgLatencyMs
		out = append(out, n)
	}
	return out
}

// NodeCount returns the number of known nodes.
func (m *Manager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// LastFailure returns the most recent recorded node failure message.
func (m *Manager) LastFailure() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastFailure
}

// SelectNode routes one request. Returns nil when no healthy node exists or
// after shutdown.
func (m *Manager) SelectNode(rc RoutingContext) *RoutingDecision {
	m.mu.RLock()
	down := m.shutdown
	m.mu.RUnlock()
	if down {
		return nil
	}
	decision := m.router.SelectNodeWithSticky(m.Nodes(), rc)
	if decision != nil && m.cfg.Routing.Strategy == StrategyCacheAware {
		m.cache.RecordLookup(decision.NodeID, decision.Reason == ReasonCacheAffinity)
	}
	return decision
}

// GetNodeProvider returns the provider bound to the node, or nil after
// shutdown or for unknown nodes.
func (m *Manager) GetNodeProvider(nodeID string) *provider.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shutdown {
		return nil
	}
	return m.providers[nodeID]
}

// RequestStarted increments the node's in-flight counter. The returned
// function decrements it and must run even on error paths.
func (m *Manager) RequestStarted(nodeID string) func() {
	m.mu.RLock()
	counter := m.inFlight[nodeID]
	total := m.total[nodeID]
	m.mu.RUnlock()
	if counter == nil {
		return func() {}
	}
	counter.Add(1)
	total.Add(1)
	var once sync.Once
	return func() { once.Do(func() { counter.Add(-1) }) }
}

// RecordNodeSuccess registers a successful upstream request.
func (m *Manager) RecordNodeSuccess(nodeID string, latencyMs float64) {
	m.health.RecordSuccess(nodeID, latencyMs)
}

// RecordNodeFailure registers a failed upstream request.
func (m *Manager) RecordNodeFailure(nodeID string, err error) {
	m.mu.Lock()
	if err != nil {
		m.lastFailure = fmt.Sprintf("node %s: %s", nodeID, err.Error())
	}
	m.mu.Unlock()
	m.health.RecordFailure(nodeID, err)
}

// RecordCacheState updates the node's prompt-cache state after a completed
// request.
func (m *Manager) RecordCacheState(nodeID, systemPromptHash string, tokens int) {
	m.cache.RecordCacheState(nodeID, systemPromptHash, tokens)
}

// Shutdown stops every component. Idempotent; a failing component does not
// prevent the rest from stopping.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()

	m.cancel()
	for name, stop := range map[string]func(){
		"discovery": m.discovery.Stop,
		"health":    m.health.Stop,
	} {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("component shutdown panicked",
						slog.String("component", name), slog.Any("panic", r))
				}
			}()
			stop()
		}()
	}

	globalMu.Lock()
	if global == m {
		global = nil
	}
	globalMu.Unlock()
}
