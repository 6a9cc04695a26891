package telemetry

import (
	"compress/gzip"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/randalmurphal/flowkit/pkg/flowkit/config"
)

// PathOTLPTraces is the OTLP/HTTP trace endpoint.
const PathOTLPTraces = "/v1/traces"

const protobufContentType = "application/x-protobuf"

// maxOTLPBody bounds a decoded export request.
const maxOTLPBody = 16 << 20

// handleOTLP accepts an OTLP/HTTP ExportTraceServiceRequest in binary
// protobuf, optionally gzip encoded.
func (s *Server) handleOTLP(c *gin.Context) {
	if ct := c.ContentType(); ct != protobufContentType {
		c.String(http.StatusUnsupportedMediaType, "unsupported content type %q", ct)
		return
	}

	var body io.Reader = c.Request.Body
	if strings.EqualFold(c.GetHeader("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(c.Request.Body)
		if err != nil {
			c.String(http.StatusBadRequest, "invalid gzip body: %v", err)
			return
		}
		defer func() { _ = zr.Close() }()
		body = zr
	}
	data, err := io.ReadAll(io.LimitReader(body, maxOTLPBody+1))
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return
	}
	if len(data) > maxOTLPBody {
		c.String(http.StatusRequestEntityTooLarge, "export request exceeds %d bytes", maxOTLPBody)
		return
	}

	var req coltracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(data, &req); err != nil {
		c.String(http.StatusBadRequest, "decode export request: %v", err)
		return
	}

	spans := fromOTLP(&req)
	for i := range spans {
		if err := config.Validator().Struct(spans[i]); err != nil {
			c.String(http.StatusBadRequest, "span %d: %v", i, err)
			return
		}
	}
	s.Add(spans...)

	out, err := proto.Marshal(&coltracepb.ExportTraceServiceResponse{})
	if err != nil {
		c.String(http.StatusInternalServerError, "encode export response: %v", err)
		return
	}
	c.Data(http.StatusOK, protobufContentType, out)
}

// fromOTLP flattens an export request into spans.
func fromOTLP(req *coltracepb.ExportTraceServiceRequest) []Span {
	var out []Span
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			for _, sp := range ss.GetSpans() {
				out = append(out, spanFromOTLP(sp))
			}
		}
	}
	return out
}

func spanFromOTLP(sp *tracepb.Span) Span {
	out := Span{
		TraceID:    hex.EncodeToString(sp.GetTraceId()),
		SpanID:     hex.EncodeToString(sp.GetSpanId()),
		Name:       sp.GetName(),
		StartTime:  unixNano(sp.GetStartTimeUnixNano()),
		EndTime:    unixNano(sp.GetEndTimeUnixNano()),
		Attributes: kvMap(sp.GetAttributes()),
		Status: SpanStatus{
			Code:        statusName(sp.GetStatus().GetCode()),
			Description: sp.GetStatus().GetMessage(),
		},
	}
	if parent := sp.GetParentSpanId(); len(parent) > 0 {
		out.ParentSpanID = hex.EncodeToString(parent)
	}
	for _, ev := range sp.GetEvents() {
		out.Events = append(out.Events, SpanEvent{
			Name:       ev.GetName(),
			Time:       unixNano(ev.GetTimeUnixNano()),
			Attributes: kvMap(ev.GetAttributes()),
		})
	}
	return out
}

// statusName maps OTLP status codes to the otel code names.
func statusName(code tracepb.Status_StatusCode) string {
	switch code {
	case tracepb.Status_STATUS_CODE_OK:
		return "Ok"
	case tracepb.Status_STATUS_CODE_ERROR:
		return "Error"
	default:
		return "Unset"
	}
}

func unixNano(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC() // #nosec G115 -- OTLP timestamps fit in int64 until 2262
}

func kvMap(kvs []*commonpb.KeyValue) map[string]any {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		m[kv.GetKey()] = anyValue(kv.GetValue())
	}
	return m
}

func anyValue(v *commonpb.AnyValue) any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		items := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			items = append(items, anyValue(item))
		}
		return items
	case *commonpb.AnyValue_KvlistValue:
		return kvMap(val.KvlistValue.GetValues())
	case nil:
		return nil
	default:
		return fmt.Sprint(val)
	}
}
