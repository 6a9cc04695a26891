package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/flowkit/pkg/flowkit/flowstate"
	"github.com/randalmurphal/flowkit/pkg/flowkit/observability"
	"github.com/randalmurphal/flowkit/pkg/flowkit/status"
)

// Reflection API paths served by every runtime.
const (
	PathHealth  = "/api/__health"
	PathActions = "/api/actions"
	PathRunFlow = "/api/runFlow"
)

// DefaultClientTimeout bounds a single reflection request. Flow runs are
// bounded by the caller's context instead.
const DefaultClientTimeout = 5 * time.Second

// Client talks to a runtime's reflection server.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a client. timeout applies to health and listing calls.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Client{http: &http.Client{}, timeout: timeout}
}

// Health reports whether the runtime answers its health endpoint.
func (c *Client) Health(ctx context.Context, rt Runtime) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.do(ctx, rt, http.MethodGet, PathHealth, nil)
	if err != nil {
		return err
	}
	if s := gjson.GetBytes(body, "status"); s.Exists() && !strings.EqualFold(s.String(), "OK") {
		return status.Errorf(status.Unavailable, "runtime %s reports status %s", rt.ID, s.String())
	}
	return nil
}

// ListActions returns the names of the flows the runtime serves.
func (c *Client) ListActions(ctx context.Context, rt Runtime) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.do(ctx, rt, http.MethodGet, PathActions, nil)
	if err != nil {
		return nil, err
	}
	var names []string
	gjson.GetBytes(body, "flows").ForEach(func(_, v gjson.Result) bool {
		names = append(names, v.String())
		return true
	})
	return names, nil
}

// RunFlow sends state to the runtime for one attempt and returns the
// resulting state.
func (c *Client) RunFlow(ctx context.Context, rt Runtime, state *flowstate.FlowState) (*flowstate.FlowState, error) {
	payload, err := state.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode flow state: %w", err)
	}
	body, err := c.do(ctx, rt, http.MethodPost, PathRunFlow, payload)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) || !gjson.GetBytes(body, "flowId").Exists() {
		return nil, status.Errorf(status.Internal, "runtime %s returned a malformed flow state", rt.ID)
	}
	out, err := flowstate.Unmarshal(body)
	if err != nil {
		return nil, status.Wrap(err, status.Internal, fmt.Sprintf("decode flow state from runtime %s", rt.ID))
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, rt Runtime, method, path string, payload []byte) ([]byte, error) {
	url := strings.TrimRight(rt.ReflectionURL, "/") + path

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tp := observability.TraceParent(ctx); tp != "" {
		req.Header.Set("traceparent", tp)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, status.Wrap(ctxErr, status.CodeOf(ctxErr), fmt.Sprintf("runtime %s", rt.ID))
		}
		return nil, status.Wrap(err, status.Unavailable, fmt.Sprintf("runtime %s unreachable", rt.ID))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, status.Wrap(err, status.Unavailable, fmt.Sprintf("read response from runtime %s", rt.ID))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, body)
	}
	return body, nil
}

// decodeError turns a reflection error envelope
//
//	{"error":{"code":5,"status":"NOT_FOUND","message":"...","details":{"stack":"...","traceId":"..."}}}
//
// into a *status.Error. Bodies without an envelope fall back to the HTTP
// status.
func decodeError(httpStatus int, body []byte) *status.Error {
	env := gjson.GetBytes(body, "error")
	if !env.IsObject() {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(httpStatus)
		}
		return status.New(status.FromHTTPStatus(httpStatus), msg)
	}

	code := status.Code(env.Get("code").Int())
	if name := env.Get("status"); !env.Get("code").Exists() && name.Exists() {
		if parsed, ok := status.ParseCode(name.String()); ok {
			code = parsed
		}
	}
	if code == status.OK {
		code = status.FromHTTPStatus(httpStatus)
	}
	return &status.Error{
		Code:    code,
		Message: env.Get("message").String(),
		Stack:   env.Get("details.stack").String(),
		TraceID: env.Get("details.traceId").String(),
	}
}
