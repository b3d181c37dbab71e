// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Discovery produces the authoritative node snapshot. Start begins background
// refresh for dynamic modes; Snapshot returns the current node set.
type Discovery interface {
	// Snapshot returns the current node set.
	Snapshot() []Node
	// Start begins background refresh. onUpdate fires with the new snapshot
	// whenever the node set changes. Static discovery fires it once.
	Start(ctx context.Context, onUpdate func([]Node))
	// Stop halts background refresh. Idempotent.
	Stop()
}

// NewDiscovery builds the discovery implementation for the configured mode.
func NewDiscovery(cfg DiscoveryConfig, logger *slog.Logger) (Discovery, error) {
	switch cfg.Mode {
	case "static":
		return newStaticDiscovery(cfg.Nodes), nil
	case "http":
		return newPollingDiscovery(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown discovery mode %q", cfg.Mode)
	}
}

// staticDiscovery serves a fixed node list from configuration.
type staticDiscovery struct {
	nodes []Node
}

func newStaticDiscovery(static []StaticNode) *staticDiscovery {
	nodes := make([]Node, 0, len(static))
	for _, s := range static {
		nodes = append(nodes, Node{ID: s.ID, BaseURL: s.URL, Status: StatusInitializing})
	}
	return &staticDiscovery{nodes: nodes}
}

func (d *staticDiscovery) Snapshot() []Node {
	out := make([]Node, len(d.nodes))
	copy(out, d.nodes)
	return out
}

func (d *staticDiscovery) Start(_ context.Context, onUpdate func([]Node)) {
	if onUpdate != nil {
		onUpdate(d.Snapshot())
	}
}

func (d *staticDiscovery) Stop() {}

// pollingDiscovery refreshes the node set from an HTTP endpoint returning a
// JSON array of {id, url} objects.
type pollingDiscovery struct {
	endpoint string
	interval time.Duration
	hc       *http.Client
	logger   *slog.Logger

	mu    sync.RWMutex
	nodes []Node

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newPollingDiscovery(cfg DiscoveryConfig, logger *slog.Logger) *pollingDiscovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &pollingDiscovery{
		endpoint: cfg.Endpoint,
		interval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		hc:       &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *pollingDiscovery) Snapshot() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Node, len(d.nodes))
	copy(out, d.nodes)
	return out
}

func (d *pollingDiscovery) Start(ctx context.Context, onUpdate func([]Node)) {
	d.started.Store(true)
	// Synchronous first poll so the manager starts with a populated set.
	d.poll(ctx, onUpdate)
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.poll(ctx, onUpdate)
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *pollingDiscovery) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.started.Load() {
		<-d.done
	}
}

func (d *pollingDiscovery) poll(ctx context.Context, onUpdate func([]Node)) {
	fresh, err := d.fetch(ctx)
	if err != nil {
		d.logger.Warn("discovery poll failed, keeping previous node set",
			slog.String("endpoint", d.endpoint), slog.String("error", err.Error()))
		return
	}

	d.mu.Lock()
	changed := !sameNodeSet(d.nodes, fresh)
	if changed {
		d.nodes = fresh
	}
	d.mu.Unlock()

	if changed && onUpdate != nil {
		onUpdate(fresh)
	}
}

func (d *pollingDiscovery) fetch(ctx context.Context) ([]Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var entries []StaticNode
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode node list: %w", err)
	}
	nodes := make([]Node, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" || validateURL(e.URL) != nil {
			d.logger.Warn("discovery returned invalid node, skipping",
				slog.String("id", e.ID), slog.String("url", e.URL))
			continue
		}
		nodes = append(nodes, Node{ID: e.ID, BaseURL: e.URL, Status: StatusInitializing})
	}
	return nodes, nil
}

func sameNodeSet(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[string]string, len(a))
	for _, n := range a {
		ids[n.ID] = n.BaseURL
	}
	for _, n := range b {
		if u, ok := ids[n.ID]; !ok || u != n.BaseURL {
			return false
		}
	}
	return true
}
