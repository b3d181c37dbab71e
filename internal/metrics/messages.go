// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MessagesFactory is a closure that creates a new Messages instance. One
// instance serves one request; instances are not safe for concurrent use.
type MessagesFactory func() Messages

// Messages is the interface for the /v1/messages endpoint metrics.
type Messages interface {
	// StartRequest initializes timing for a new request.
	StartRequest()
	// SetModel sets the model of the request. This is usually called after parsing the request body.
	SetModel(model string)
	// SetBackend sets the selected cluster node once the routing decision has been made.
	SetBackend(nodeID string)

	// RecordTokenUsage records token usage metrics.
	RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens uint32)
	// RecordRequestCompletion records latency metrics for the entire request.
	RecordRequestCompletion(ctx context.Context, success bool)
	// RecordTokenLatency records latency metrics for token generation while streaming.
	RecordTokenLatency(ctx context.Context, tokens uint32)
}

// messages is the implementation of the /v1/messages endpoint metrics.
type messages struct {
	metrics        *genAI
	firstTokenSent bool
	requestStart   time.Time
	lastTokenTime  time.Time
	model          string
	backend        string
}

// NewMessagesFactory returns a closure that creates a new Messages instance.
func NewMessagesFactory(meter metric.Meter) MessagesFactory {
	g := newGenAI(meter)
	return func() Messages {
		return &messages{metrics: g, model: "unknown", backend: "unknown"}
	}
}

// StartRequest implements [Messages.StartRequest].
func (m *messages) StartRequest() {
	m.requestStart = time.Now()
	m.firstTokenSent = false
}

// SetModel implements [Messages.SetModel].
func (m *messages) SetModel(model string) {
	m.model = model
}

// SetBackend implements [Messages.SetBackend].
func (m *messages) SetBackend(nodeID string) {
	m.backend = nodeID
}

func (m *messages) baseAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(genaiOperationMessages),
		attribute.Key(genaiAttributeSystemName).String(genaiSystemOpenAI),
		attribute.Key(genaiAttributeBackendName).String(m.backend),
		attribute.Key(genaiAttributeRequestModel).String(m.model),
	}
}

// RecordTokenUsage implements [Messages.RecordTokenUsage].
func (m *messages) RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens uint32) {
	attrs := m.baseAttributes()
	m.metrics.tokenUsage.Record(ctx, float64(inputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(outputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(totalTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal)),
	)
}

// RecordRequestCompletion implements [Messages.RecordRequestCompletion].
func (m *messages) RecordRequestCompletion(ctx context.Context, success bool) {
	attrs := m.baseAttributes()
	if success {
		// Per the semantic conventions, the error attribute is omitted for successful operations.
		m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(), metric.WithAttributes(attrs...))
		return
	}
	// No low-cardinality error taxonomy yet, so report the placeholder value.
	// See: https://opentelemetry.io/docs/specs/semconv/attributes-registry/error/#error-type
	m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback)),
	)
}

// RecordTokenLatency implements [Messages.RecordTokenLatency].
func (m *messages) RecordTokenLatency(ctx context.Context, tokens uint32) {
	attrs := m.baseAttributes()
	if !m.firstTokenSent {
		m.firstTokenSent = true
		m.metrics.firstTokenLatency.Record(ctx, time.Since(m.requestStart).Seconds(), metric.WithAttributes(attrs...))
	} else if tokens > 0 {
		itl := time.Since(m.lastTokenTime).Seconds() / float64(tokens)
		m.metrics.outputTokenLatency.Record(ctx, itl, metric.WithAttributes(attrs...))
	}
	m.lastTokenTime = time.Now()
}
