package telemetry

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	traceA = "0af7651916cd43dd8448eb211c80319c"
	traceB = "4bf92f3577b34da6a3ce929d0e0e4736"
)

func span(traceID, spanID, parent, name string, start time.Time) Span {
	return Span{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parent,
		Name:         name,
		StartTime:    start,
		EndTime:      start.Add(time.Millisecond),
		Status:       SpanStatus{Code: "Ok"},
	}
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, PathTraces, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServer_IngestAndGet(t *testing.T) {
	s := NewServer(nil, 0)
	h := s.Handler()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	body, err := json.Marshal(IngestRequest{Spans: []Span{
		span(traceA, "00f067aa0ba902b7", "", "flow.attempt", now),
		span(traceA, "00f067aa0ba902b8", "00f067aa0ba902b7", "flow.step", now.Add(time.Millisecond)),
	}})
	require.NoError(t, err)

	w := post(t, h, string(body))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = get(t, h, TraceURL("", traceA))
	require.Equal(t, http.StatusOK, w.Code)
	var tr Trace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tr))
	assert.Equal(t, traceA, tr.TraceID)
	require.Len(t, tr.Spans, 2)
	assert.Equal(t, "flow.step", tr.Spans[1].Name)

	w = get(t, h, TraceURL("", traceB))
	assert.Equal(t, http.StatusNotFound, w.Code)

	sums := s.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, "flow.attempt", sums[0].RootName)
	assert.Equal(t, 2, sums[0].SpanCount)
}

func TestServer_RejectsInvalidSpans(t *testing.T) {
	s := NewServer(nil, 0)
	h := s.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing spans", `{}`},
		{"short trace id", `{"spans":[{"traceId":"abc","spanId":"00f067aa0ba902b7","name":"x"}]}`},
		{"no name", `{"spans":[{"traceId":"` + traceA + `","spanId":"00f067aa0ba902b7"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, s.Summaries())
}

func TestServer_EvictsOldestTraces(t *testing.T) {
	s := NewServer(nil, 1)
	now := time.Now()
	s.Add(span(traceA, "00f067aa0ba902b7", "", "a", now))
	s.Add(span(traceB, "00f067aa0ba902b8", "", "b", now))

	_, ok := s.Trace(traceA)
	assert.False(t, ok)
	_, ok = s.Trace(traceB)
	assert.True(t, ok)
}

func otlpRequest(t *testing.T, spans ...*tracepb.Span) []byte {
	t.Helper()
	data, err := proto.Marshal(&coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
		}},
	})
	require.NoError(t, err)
	return data
}

func postOTLP(t *testing.T, h http.Handler, body []byte, contentType, encoding string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, PathOTLPTraces, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestServer_IngestOTLP(t *testing.T) {
	s := NewServer(nil, 0)
	h := s.Handler()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	body := otlpRequest(t,
		&tracepb.Span{
			TraceId:           mustHex(t, traceA),
			SpanId:            mustHex(t, "00f067aa0ba902b7"),
			Name:              "flow.attempt",
			StartTimeUnixNano: uint64(start.UnixNano()),
			EndTimeUnixNano:   uint64(start.Add(time.Second).UnixNano()),
			Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
		},
		&tracepb.Span{
			TraceId:           mustHex(t, traceA),
			SpanId:            mustHex(t, "00f067aa0ba902b8"),
			ParentSpanId:      mustHex(t, "00f067aa0ba902b7"),
			Name:              "flow.step",
			StartTimeUnixNano: uint64(start.Add(time.Millisecond).UnixNano()),
			EndTimeUnixNano:   uint64(start.Add(2 * time.Millisecond).UnixNano()),
			Attributes: []*commonpb.KeyValue{
				{Key: "flowkit.step", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "step1"}}},
				{Key: "flowkit.attempt", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 2}}},
			},
			Events: []*tracepb.Span_Event{{Name: "step.cached", TimeUnixNano: uint64(start.UnixNano())}},
			Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: "boom"},
		},
	)

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	w := postOTLP(t, h, gz.Bytes(), "application/x-protobuf", "gzip")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/x-protobuf", w.Header().Get("Content-Type"))
	var resp coltracepb.ExportTraceServiceResponse
	require.NoError(t, proto.Unmarshal(w.Body.Bytes(), &resp))

	tr, ok := s.Trace(traceA)
	require.True(t, ok)
	require.Len(t, tr.Spans, 2)

	root := tr.Spans[0]
	assert.Equal(t, "flow.attempt", root.Name)
	assert.Empty(t, root.ParentSpanID)
	assert.Equal(t, "Ok", root.Status.Code)
	assert.True(t, root.StartTime.Equal(start))
	assert.True(t, root.EndTime.Equal(start.Add(time.Second)))

	step := tr.Spans[1]
	assert.Equal(t, "00f067aa0ba902b7", step.ParentSpanID)
	assert.Equal(t, "step1", step.Attributes["flowkit.step"])
	assert.Equal(t, int64(2), step.Attributes["flowkit.attempt"])
	assert.Equal(t, SpanStatus{Code: "Error", Description: "boom"}, step.Status)
	require.Len(t, step.Events, 1)
	assert.Equal(t, "step.cached", step.Events[0].Name)

	sums := s.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, "flow.attempt", sums[0].RootName)
}

func TestServer_RejectsInvalidOTLP(t *testing.T) {
	s := NewServer(nil, 0)
	h := s.Handler()

	valid := otlpRequest(t, &tracepb.Span{
		TraceId: mustHex(t, traceA),
		SpanId:  mustHex(t, "00f067aa0ba902b7"),
		Name:    "x",
	})

	w := postOTLP(t, h, valid, "application/json", "")
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	w = postOTLP(t, h, []byte{0xff, 0xff, 0xff}, "application/x-protobuf", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postOTLP(t, h, valid, "application/x-protobuf", "gzip")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	noTrace := otlpRequest(t, &tracepb.Span{SpanId: mustHex(t, "00f067aa0ba902b7"), Name: "x"})
	w = postOTLP(t, h, noTrace, "application/x-protobuf", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, s.Summaries())
}

func TestExporter_SendsSpans(t *testing.T) {
	s := NewServer(nil, 0)
	url, err := s.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	exp, err := NewExporter(context.Background(), url)
	require.NoError(t, err)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, parent := tp.Tracer("test").Start(context.Background(), "flow.attempt")
	_, child := tp.Tracer("test").Start(ctx, "flow.step")
	child.SetAttributes(attribute.String("flowkit.step", "step1"))
	child.AddEvent("cached")
	child.SetStatus(codes.Error, "boom")
	child.End()
	parent.End()

	traceID := parent.SpanContext().TraceID().String()
	tr, ok := s.Trace(traceID)
	require.True(t, ok)
	require.Len(t, tr.Spans, 2)

	step := tr.Spans[0]
	assert.Equal(t, "flow.step", step.Name)
	assert.Equal(t, parent.SpanContext().SpanID().String(), step.ParentSpanID)
	assert.Equal(t, "step1", step.Attributes["flowkit.step"])
	assert.Equal(t, "Error", step.Status.Code)
	assert.Equal(t, "boom", step.Status.Description)
	require.Len(t, step.Events, 1)
	assert.Equal(t, "cached", step.Events[0].Name)

	assert.Equal(t, "flow.attempt", tr.Spans[1].Name)
	assert.Equal(t, "Unset", tr.Spans[1].Status.Code)
}

func TestExporter_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad spans", http.StatusBadRequest)
	}))
	defer srv.Close()

	tp := sdktrace.NewTracerProvider()
	_, sp := tp.Tracer("test").Start(context.Background(), "x")
	sp.End()

	exp, err := NewExporter(context.Background(), srv.URL,
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = exp.Shutdown(context.Background()) })

	err = exp.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{sp.(sdktrace.ReadOnlySpan)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	_, err = NewExporter(context.Background(), "localhost:4033")
	assert.Error(t, err)
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Setup(ctx, "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(ctx))

	_, err = Setup(ctx, "localhost:4033")
	assert.Error(t, err)

	s := NewServer(nil, 0)
	url, err := s.Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(ctx) })

	shutdown, err = Setup(ctx, url)
	require.NoError(t, err)

	_, sp := otel.Tracer("setup-test").Start(ctx, "root")
	sp.End()
	require.NoError(t, shutdown(ctx))

	_, ok := s.Trace(sp.SpanContext().TraceID().String())
	assert.True(t, ok)
}
