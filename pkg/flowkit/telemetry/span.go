// Package telemetry is the development trace pipeline: a small HTTP server
// that ingests spans over OTLP/HTTP and serves them, and the OTLP exporter
// setup a runtime uses to send its spans there.
//
// The supervisor starts a Server unless FLOWKIT_TELEMETRY_SERVER already
// names one, and passes its URL to the application. The application calls
// Setup with that URL so every flow attempt and step span is visible under
// /api/traces/<traceId>.
package telemetry

import "time"

// Span is the wire form of one finished span.
type Span struct {
	TraceID      string         `json:"traceId" validate:"required,len=32,hexadecimal"`
	SpanID       string         `json:"spanId" validate:"required,len=16,hexadecimal"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Name         string         `json:"name" validate:"required"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      time.Time      `json:"endTime"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Status       SpanStatus     `json:"status"`
	Events       []SpanEvent    `json:"events,omitempty"`
}

// SpanStatus mirrors the otel status code names: Unset, Error, Ok.
type SpanStatus struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Trace is every span received for one trace id, in arrival order.
type Trace struct {
	TraceID string `json:"traceId"`
	Spans   []Span `json:"spans"`
}
