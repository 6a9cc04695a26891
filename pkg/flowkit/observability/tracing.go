package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the flowkit tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("flowkit")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartAttemptSpan starts a span for one dispatch or resume attempt.
	StartAttemptSpan(ctx context.Context, flowName, flowID string, attempt int) (context.Context, trace.Span)

	// StartStepSpan starts a span for a step. It should be a child of the
	// attempt span.
	StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartAttemptSpan starts a span for a flow attempt.
func (m *otelSpanManager) StartAttemptSpan(ctx context.Context, flowName, flowID string, attempt int) (context.Context, trace.Span) {
	return StartAttemptSpan(ctx, flowName, flowID, attempt)
}

// StartStepSpan starts a span for a step.
func (m *otelSpanManager) StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return StartStepSpan(ctx, step)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// StartAttemptSpan starts a span for a flow attempt.
// Uses the global OTel tracer.
func StartAttemptSpan(ctx context.Context, flowName, flowID string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "flowkit.flow."+flowName,
		trace.WithAttributes(
			attribute.String("flow.name", flowName),
			attribute.String("flow.id", flowID),
			attribute.Int("flow.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStepSpan starts a span for a step.
// Uses the global OTel tracer.
func StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "flowkit.step."+step,
		trace.WithAttributes(
			attribute.String("step.name", step),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// TraceID returns the hex trace id of the span in ctx, or "" when there is
// no valid span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// TraceParent returns the W3C traceparent header for the span in ctx, or ""
// when there is no valid span.
func TraceParent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier.Get("traceparent")
}

// ContextWithTraceParent returns ctx carrying the remote span described by a
// traceparent header. An empty or malformed header returns ctx unchanged.
func ContextWithTraceParent(ctx context.Context, traceParent string) context.Context {
	if traceParent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceParent}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}
