package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/spicemcp/spice/engine/audit"
	"github.com/spicemcp/spice/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueryMetrics records execution gateway outcomes.
type QueryMetrics struct {
	executions metric.Int64Counter
	cacheHits  metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewQueryMetrics registers the gateway instruments on meter.
func NewQueryMetrics(meter metric.Meter) (*QueryMetrics, error) {
	executions, err := meter.Int64Counter(
		"spice_query_executions_total",
		metric.WithDescription("Query tool calls by action and final state"),
	)
	if err != nil {
		return nil, fmt.Errorf("create executions counter: %w", err)
	}
	cacheHits, err := meter.Int64Counter(
		"spice_query_cache_hits_total",
		metric.WithDescription("Query tool calls served from the result cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache hits counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		"spice_query_duration_seconds",
		metric.WithDescription("Query tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(metrics.QueryDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &QueryMetrics{executions: executions, cacheHits: cacheHits, duration: duration}, nil
}

// ObserveExecution implements the gateway metrics hook.
func (m *QueryMetrics) ObserveExecution(ctx context.Context, action, state string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("state", state),
	)
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("action", action)))
	if action == string(audit.ActionCacheHit) {
		m.cacheHits.Add(ctx, 1)
	}
}
