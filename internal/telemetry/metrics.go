package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ToolCallOutcome labels the result of a proxied tool call.
type ToolCallOutcome string

const (
	ToolCallOutcomeSuccess ToolCallOutcome = "success"
	ToolCallOutcomeError   ToolCallOutcome = "error"
)

// CustomMetrics records the gateway's domain metrics.
type CustomMetrics interface {
	// RecordToolCall records one proxied tool call with its outcome and duration.
	RecordToolCall(ctx context.Context, server, tool string, outcome ToolCallOutcome, duration time.Duration)
	// RecordDiscovery records one discovery query and its result count.
	RecordDiscovery(ctx context.Context, resultCount int)
	// RecordReconnect records one reconnection attempt against a backend.
	RecordReconnect(ctx context.Context, server string)
}

type noopCustomMetrics struct{}

// NewNoopCustomMetrics returns a CustomMetrics that does nothing. It is the
// default so callers never need to check whether metrics are enabled.
func NewNoopCustomMetrics() CustomMetrics { return noopCustomMetrics{} }

func (noopCustomMetrics) RecordToolCall(context.Context, string, string, ToolCallOutcome, time.Duration) {
}
func (noopCustomMetrics) RecordDiscovery(context.Context, int)    {}
func (noopCustomMetrics) RecordReconnect(context.Context, string) {}

type otelCustomMetrics struct {
	toolCalls        metric.Int64Counter
	toolCallDuration metric.Float64Histogram
	discoveries      metric.Int64Counter
	reconnects       metric.Int64Counter
}

// NewOtelCustomMetrics creates the real metrics implementation on the given meter.
func NewOtelCustomMetrics(meter metric.Meter) (CustomMetrics, error) {
	toolCalls, err := meter.Int64Counter(
		"toolgate.tool.calls",
		metric.WithDescription("Number of proxied tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool call counter: %w", err)
	}

	toolCallDuration, err := meter.Float64Histogram(
		"toolgate.tool.call.duration",
		metric.WithDescription("Duration of proxied tool calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool call duration histogram: %w", err)
	}

	discoveries, err := meter.Int64Counter(
		"toolgate.discovery.queries",
		metric.WithDescription("Number of tool discovery queries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery counter: %w", err)
	}

	reconnects, err := meter.Int64Counter(
		"toolgate.backend.reconnects",
		metric.WithDescription("Number of backend reconnection attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnect counter: %w", err)
	}

	return &otelCustomMetrics{
		toolCalls:        toolCalls,
		toolCallDuration: toolCallDuration,
		discoveries:      discoveries,
		reconnects:       reconnects,
	}, nil
}

func (m *otelCustomMetrics) RecordToolCall(ctx context.Context, server, tool string, outcome ToolCallOutcome, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
		attribute.String("outcome", string(outcome)),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolCallDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *otelCustomMetrics) RecordDiscovery(ctx context.Context, resultCount int) {
	m.discoveries.Add(ctx, 1, metric.WithAttributes(attribute.Int("results", resultCount)))
}

func (m *otelCustomMetrics) RecordReconnect(ctx context.Context, server string) {
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}
