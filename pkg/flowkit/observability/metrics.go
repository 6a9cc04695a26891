package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attempt outcomes reported by RecordAttempt.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeBlocked   = "blocked"
)

// MetricsRecorder records flowkit metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStepExecution records a step that ran, with its duration and error status.
	RecordStepExecution(ctx context.Context, flowName, step string, duration time.Duration, err error)

	// RecordStepCached records a step served from the flow state cache.
	RecordStepCached(ctx context.Context, flowName, step string)

	// RecordAttempt records the outcome of a dispatch or resume attempt.
	RecordAttempt(ctx context.Context, flowName, outcome string, duration time.Duration)

	// RecordStateSize records the serialized size of a saved flow state.
	RecordStateSize(ctx context.Context, flowName string, sizeBytes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stepExecutions metric.Int64Counter
	stepLatency    metric.Float64Histogram
	stepErrors     metric.Int64Counter
	stepCacheHits  metric.Int64Counter
	attempts       metric.Int64Counter
	attemptLatency metric.Float64Histogram
	stateSize      metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("flowkit")

	stepExecutions, err := meter.Int64Counter("flowkit.step.executions",
		metric.WithDescription("Number of step executions"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("flowkit.step.latency_ms",
		metric.WithDescription("Step execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stepErrors, err := meter.Int64Counter("flowkit.step.errors",
		metric.WithDescription("Number of step execution errors"),
	)
	if err != nil {
		return nil, err
	}

	stepCacheHits, err := meter.Int64Counter("flowkit.step.cache_hits",
		metric.WithDescription("Number of steps served from the flow state cache"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter("flowkit.flow.attempts",
		metric.WithDescription("Number of flow dispatch and resume attempts"),
	)
	if err != nil {
		return nil, err
	}

	attemptLatency, err := meter.Float64Histogram("flowkit.flow.latency_ms",
		metric.WithDescription("Flow attempt latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stateSize, err := meter.Int64Histogram("flowkit.flowstate.size_bytes",
		metric.WithDescription("Serialized flow state size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stepExecutions: stepExecutions,
		stepLatency:    stepLatency,
		stepErrors:     stepErrors,
		stepCacheHits:  stepCacheHits,
		attempts:       attempts,
		attemptLatency: attemptLatency,
		stateSize:      stateSize,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordStepExecution records a step execution.
func (m *otelMetrics) RecordStepExecution(ctx context.Context, flowName, step string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("flow_name", flowName),
		attribute.String("step", step),
	)

	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, float64(duration.Milliseconds()), attrs)

	if err != nil {
		m.stepErrors.Add(ctx, 1, attrs)
	}
}

// RecordStepCached records a cache hit.
func (m *otelMetrics) RecordStepCached(ctx context.Context, flowName, step string) {
	m.stepCacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow_name", flowName),
		attribute.String("step", step),
	))
}

// RecordAttempt records a flow attempt.
func (m *otelMetrics) RecordAttempt(ctx context.Context, flowName, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("flow_name", flowName),
		attribute.String("outcome", outcome),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.attemptLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordStateSize records a flow state save.
func (m *otelMetrics) RecordStateSize(ctx context.Context, flowName string, sizeBytes int64) {
	m.stateSize.Record(ctx, sizeBytes, metric.WithAttributes(
		attribute.String("flow_name", flowName),
	))
}
