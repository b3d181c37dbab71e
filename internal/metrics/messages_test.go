// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testMeter(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	mr := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr))
	t.Cleanup(func() { require.NoError(t, mp.Shutdown(t.Context())) })
	return mr, mp
}

func collect(t *testing.T, mr *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, mr.Collect(t.Context(), &rm))
	return rm
}

// histogram finds a Float64 histogram by name in the collected metrics.
func histogram(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Histogram[float64] {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				h, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok, "metric %s is not a float64 histogram", name)
				return h
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return metricdata.Histogram[float64]{}
}

func TestMessagesTokenUsage(t *testing.T) {
	mr, mp := testMeter(t)
	m := NewMessagesFactory(mp.Meter("test"))()
	m.StartRequest()
	m.SetModel("llama-3.1-8b")
	m.SetBackend("node-1")
	m.RecordTokenUsage(t.Context(), 100, 25, 125)

	h := histogram(t, collect(t, mr), genaiMetricClientTokenUsage)
	require.Len(t, h.DataPoints, 3)

	sums := map[string]float64{}
	for _, dp := range h.DataPoints {
		tokenType, ok := dp.Attributes.Value(attribute.Key(genaiAttributeTokenType))
		require.True(t, ok)
		sums[tokenType.AsString()] = dp.Sum

		model, ok := dp.Attributes.Value(attribute.Key(genaiAttributeRequestModel))
		require.True(t, ok)
		require.Equal(t, "llama-3.1-8b", model.AsString())
		backend, ok := dp.Attributes.Value(attribute.Key(genaiAttributeBackendName))
		require.True(t, ok)
		require.Equal(t, "node-1", backend.AsString())
	}
	require.Equal(t, map[string]float64{"input": 100, "output": 25, "total": 125}, sums)
}

func TestMessagesRequestCompletion(t *testing.T) {
	mr, mp := testMeter(t)
	factory := NewMessagesFactory(mp.Meter("test"))

	ok := factory()
	ok.StartRequest()
	ok.RecordRequestCompletion(t.Context(), true)

	failed := factory()
	failed.StartRequest()
	failed.RecordRequestCompletion(t.Context(), false)

	h := histogram(t, collect(t, mr), genaiMetricServerRequestDuration)
	require.Len(t, h.DataPoints, 2)

	var sawError, sawSuccess bool
	for _, dp := range h.DataPoints {
		if errType, found := dp.Attributes.Value(attribute.Key(genaiAttributeErrorType)); found {
			sawError = true
			require.Equal(t, genaiErrorTypeFallback, errType.AsString())
		} else {
			sawSuccess = true
		}
	}
	require.True(t, sawError)
	require.True(t, sawSuccess)
}

func TestMessagesTokenLatency(t *testing.T) {
	mr, mp := testMeter(t)
	m := NewMessagesFactory(mp.Meter("test"))()
	m.StartRequest()

	// First call records time-to-first-token, subsequent calls record
	// time-per-output-token.
	m.RecordTokenLatency(t.Context(), 1)
	m.RecordTokenLatency(t.Context(), 4)
	m.RecordTokenLatency(t.Context(), 0) // zero tokens only advances the clock

	rm := collect(t, mr)
	require.Equal(t, uint64(1), histogram(t, rm, genaiMetricServerTimeToFirstToken).DataPoints[0].Count)
	require.Equal(t, uint64(1), histogram(t, rm, genaiMetricServerTimePerOutputToken).DataPoints[0].Count)
}

func TestProviderServesPrometheusRegistry(t *testing.T) {
	p, err := NewProvider()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Shutdown(t.Context())) })

	m := NewMessagesFactory(p.Meter)()
	m.StartRequest()
	m.RecordTokenUsage(t.Context(), 10, 2, 12)

	families, err := p.Registry.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "gen_ai_client_token_usage") {
			found = true
		}
	}
	require.True(t, found, "token usage histogram not exported")
}
