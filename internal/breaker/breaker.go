// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package breaker implements a circuit breaker for upstream inference
// backends. Beyond the usual failure-count trip wire it opens on sustained
// high latency, and it exposes a latency histogram snapshot for the metrics
// endpoint.
package breaker

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// State is the circuit state.
type State int

const (
	// StateClosed passes requests through and counts failures.
	StateClosed State = iota
	// StateOpen rejects requests until the retry timeout elapses.
	StateOpen
	// StateHalfOpen admits probe requests; successes close the circuit,
	// any failure reopens it.
	StateHalfOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Config parameterizes a breaker. Zero fields take defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit from CLOSED.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count that closes the
	// circuit from HALF_OPEN.
	SuccessThreshold int
	// RetryTimeout is how long the circuit stays OPEN before admitting a
	// probe request.
	RetryTimeout time.Duration
	// LatencyThresholdMs opens the circuit when exceeded for
	// LatencyConsecutiveChecks samples in a row. Zero disables the trigger.
	LatencyThresholdMs float64
	// LatencyConsecutiveChecks is the trip count for the latency trigger.
	LatencyConsecutiveChecks int
	// LatencyWindow bounds the rolling latency window in time.
	LatencyWindow time.Duration
	// MaxLatencySamples bounds the rolling latency window in entry count.
	MaxLatencySamples int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = 30 * time.Second
	}
	if c.LatencyConsecutiveChecks <= 0 {
		c.LatencyConsecutiveChecks = 3
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = time.Minute
	}
	if c.MaxLatencySamples <= 0 {
		c.MaxLatencySamples = 1024
	}
	return c
}

// Listener receives state transitions. It is invoked outside the breaker's
// lock; a panic in a listener is recovered and logged.
type Listener func(newState State, reason string)

type latencySample struct {
	at time.Time
	ms float64
}

// ErrNonPositiveLatency is returned by RecordLatency for samples ≤ 0.
var ErrNonPositiveLatency = errors.New("latency sample must be positive")

// Breaker is a single backend's circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state                  State
	failureCount           int
	successCount           int
	consecutiveHighLatency int
	openedAt               time.Time
	nextAttemptAt          time.Time
	samples                []latencySample

	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a breaker in the CLOSED state.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// OnStateChange registers a transition listener.
func (b *Breaker) OnStateChange(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ShouldAllowRequest reports whether a request may proceed. From OPEN, the
// first call at or after nextAttemptAt transitions to HALF_OPEN and returns
// true.
func (b *Breaker) ShouldAllowRequest() bool {
	b.mu.Lock()
	var notify func()
	allowed := true
	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttemptAt) {
			allowed = false
		} else {
			notify = b.transition(StateHalfOpen, "retry timeout elapsed")
		}
	case StateHalfOpen, StateClosed:
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return allowed
}

// RecordSuccess registers a successful request outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var notify func()
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			notify = b.transition(StateClosed, "success threshold reached")
		}
	case StateOpen:
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// RecordFailure registers a failed request outcome.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	var notify func()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			notify = b.transition(StateOpen, failureReason("failure threshold reached", err))
		}
	case StateHalfOpen:
		notify = b.transition(StateOpen, failureReason("probe request failed", err))
	case StateOpen:
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func failureReason(base string, err error) string {
	if err == nil {
		return base
	}
	return base + ": " + err.Error()
}

// RecordLatency adds a sample to the rolling window and evaluates the latency
// trigger. Samples ≤ 0 are rejected.
func (b *Breaker) RecordLatency(ms float64) error {
	if ms <= 0 {
		return ErrNonPositiveLatency
	}
	b.mu.Lock()
	now := b.now()
	b.samples = append(b.samples, latencySample{at: now, ms: ms})
	b.pruneLocked(now)
	notify := b.checkLatencyLocked(ms)
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// CheckLatencyThreshold re-evaluates the latency trigger against the most
// recent sample. RecordLatency already does this; the method exists for
// callers that separate sampling from evaluation.
func (b *Breaker) CheckLatencyThreshold() {
	b.mu.Lock()
	var notify func()
	if n := len(b.samples); n > 0 {
		notify = b.checkLatencyLocked(b.samples[n-1].ms)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// checkLatencyLocked updates the consecutive-high-latency counter for one
// sample and trips the circuit when the trigger fires.
func (b *Breaker) checkLatencyLocked(ms float64) func() {
	if b.cfg.LatencyThresholdMs <= 0 {
		return nil
	}
	if ms > b.cfg.LatencyThresholdMs {
		b.consecutiveHighLatency++
	} else {
		b.consecutiveHighLatency = 0
		return nil
	}
	if b.consecutiveHighLatency < b.cfg.LatencyConsecutiveChecks {
		return nil
	}
	if b.state == StateClosed || b.state == StateHalfOpen {
		return b.transition(StateOpen, "latency threshold exceeded")
	}
	return nil
}

// Reset returns the breaker to a pristine CLOSED state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var notify func()
	if b.state != StateClosed {
		notify = b.transition(StateClosed, "manual reset")
	}
	b.failureCount = 0
	b.successCount = 0
	b.consecutiveHighLatency = 0
	b.samples = nil
	b.openedAt = time.Time{}
	b.nextAttemptAt = time.Time{}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transition flips the state and returns a closure that invokes listeners.
// The closure must be called after the lock is released.
func (b *Breaker) transition(to State, reason string) func() {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		now := b.now()
		b.openedAt = now
		b.nextAttemptAt = now.Add(b.cfg.RetryTimeout)
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.consecutiveHighLatency = 0
	}
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	logger := b.logger
	return func() {
		logger.Info("circuit state change",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("reason", reason))
		for _, fn := range listeners {
			safeNotify(logger, fn, to, reason)
		}
	}
}

func safeNotify(logger *slog.Logger, fn Listener, s State, reason string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("circuit state listener panicked", slog.Any("panic", r))
		}
	}()
	fn(s, reason)
}

// pruneLocked drops samples outside the time window and beyond the entry cap.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.LatencyWindow)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
	if over := len(b.samples) - b.cfg.MaxLatencySamples; over > 0 {
		b.samples = append(b.samples[:0], b.samples[over:]...)
	}
}

// Metrics is the wire snapshot served by the metrics endpoint. All
// floating-point fields are rounded to two decimals.
type Metrics struct {
	State                  string  `json:"state"`
	FailureCount           int     `json:"failureCount"`
	SuccessCount           int     `json:"successCount"`
	AvgLatencyMs           float64 `json:"avgLatencyMs"`
	LatencySamples         int     `json:"latencySamples"`
	MinLatencyMs           float64 `json:"minLatencyMs"`
	MaxLatencyMs           float64 `json:"maxLatencyMs"`
	P50LatencyMs           float64 `json:"p50LatencyMs"`
	P95LatencyMs           float64 `json:"p95LatencyMs"`
	P99LatencyMs           float64 `json:"p99LatencyMs"`
	ConsecutiveHighLatency int     `json:"consecutiveHighLatency"`
	NextAttempt            *string `json:"nextAttempt"`
	Timestamp              string  `json:"timestamp"`
}

// GetMetrics returns a consistent snapshot of the breaker.
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pruneLocked(now)

	m := Metrics{
		State:                  b.state.String(),
		FailureCount:           b.failureCount,
		SuccessCount:           b.successCount,
		LatencySamples:         len(b.samples),
		ConsecutiveHighLatency: b.consecutiveHighLatency,
		Timestamp:              now.UTC().Format(time.RFC3339),
	}
	if b.state == StateOpen {
		next := b.nextAttemptAt.UTC().Format(time.RFC3339)
		m.NextAttempt = &next
	}
	if len(b.samples) == 0 {
		return m
	}

	values := make([]float64, len(b.samples))
	sum := 0.0
	for i, s := range b.samples {
		values[i] = s.ms
		sum += s.ms
	}
	sort.Float64s(values)
	m.AvgLatencyMs = round2(sum / float64(len(values)))
	m.MinLatencyMs = round2(values[0])
	m.MaxLatencyMs = round2(values[len(values)-1])
	m.P50LatencyMs = round2(percentile(values, 50))
	m.P95LatencyMs = round2(percentile(values, 95))
	m.P99LatencyMs = round2(percentile(values, 99))
	return m
}

// percentile computes the p-th percentile of sorted values with linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
