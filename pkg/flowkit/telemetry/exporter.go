package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewExporter creates an OTLP/HTTP exporter posting to server's
// PathOTLPTraces endpoint. opts are applied after the endpoint.
func NewExporter(ctx context.Context, server string, opts ...otlptracehttp.Option) (sdktrace.SpanExporter, error) {
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		return nil, fmt.Errorf("telemetry server %q is not an http URL", server)
	}
	endpoint := strings.TrimRight(server, "/") + PathOTLPTraces
	opts = append([]otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}, opts...)
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	return exp, nil
}

// Setup installs a global tracer provider that exports to server and the
// W3C trace context propagator. The returned function flushes and stops
// the provider.
//
// Example:
//
//	shutdown, err := telemetry.Setup(ctx, devenv.FromEnv().TelemetryServer)
//	if err != nil {
//	    return err
//	}
//	defer shutdown(context.Background())
func Setup(ctx context.Context, server string) (func(context.Context) error, error) {
	if server == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := NewExporter(ctx, server)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))
	return tp.Shutdown, nil
}
