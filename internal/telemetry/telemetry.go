// Package telemetry wires OpenTelemetry metrics with a Prometheus exporter.
// Everything is behind the CustomMetrics interface with a no-op default, so
// callers record metrics unconditionally and pay nothing when telemetry is
// disabled.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config holds the telemetry initialization parameters.
type Config struct {
	ServiceName string
	Enabled     bool
}

// Providers bundles the configured OpenTelemetry providers.
type Providers struct {
	Meter metric.Meter

	serviceName   string
	enabled       bool
	meterProvider *sdkmetric.MeterProvider
}

// Init sets up the metric providers. When disabled, it returns a Providers
// whose IsEnabled reports false and nothing else is initialized.
func Init(_ context.Context, cfg *Config) (*Providers, error) {
	p := &Providers{serviceName: cfg.ServiceName, enabled: cfg.Enabled}
	if !cfg.Enabled {
		return p, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(p.meterProvider)
	p.Meter = p.meterProvider.Meter(cfg.ServiceName)

	return p, nil
}

// IsEnabled reports whether telemetry was initialized.
func (p *Providers) IsEnabled() bool { return p != nil && p.enabled }

// ServiceName returns the configured service name.
func (p *Providers) ServiceName() string { return p.serviceName }

// Shutdown flushes and stops the providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
