// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Provider bundles the OpenTelemetry meter with the Prometheus registry that
// backs the admin /metrics endpoint.
type Provider struct {
	// Meter records all gateway instrumentation.
	Meter metric.Meter
	// Registry is the Prometheus registry the exporter writes into. Serve it
	// with promhttp.HandlerFor.
	Registry *prometheus.Registry

	mp *sdkmetric.MeterProvider
}

// NewProvider builds a MeterProvider whose sole reader exports into a fresh
// Prometheus registry.
func NewProvider() (*Provider, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &Provider{
		Meter:    mp.Meter("infergate"),
		Registry: registry,
		mp:       mp,
	}, nil
}

// Shutdown flushes and stops the underlying MeterProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
