// Package status provides the canonical status codes used at flowkit's
// boundaries (store, engine, reflection API, CLI) and an error type that
// carries one.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code is a canonical status code with the gRPC numbering. The numeric
// values are part of the wire format.
type Code codes.Code

// Canonical status codes.
const (
	OK                 = Code(codes.OK)
	Cancelled          = Code(codes.Canceled)
	Unknown            = Code(codes.Unknown)
	InvalidArgument    = Code(codes.InvalidArgument)
	DeadlineExceeded   = Code(codes.DeadlineExceeded)
	NotFound           = Code(codes.NotFound)
	AlreadyExists      = Code(codes.AlreadyExists)
	PermissionDenied   = Code(codes.PermissionDenied)
	ResourceExhausted  = Code(codes.ResourceExhausted)
	FailedPrecondition = Code(codes.FailedPrecondition)
	Aborted            = Code(codes.Aborted)
	OutOfRange         = Code(codes.OutOfRange)
	Unimplemented      = Code(codes.Unimplemented)
	Internal           = Code(codes.Internal)
	Unavailable        = Code(codes.Unavailable)
	DataLoss           = Code(codes.DataLoss)
	Unauthenticated    = Code(codes.Unauthenticated)
)

// codeNames are the upper-snake names printed by the CLI and sent in the
// reflection error envelope. codes.Code.String uses CamelCase instead.
var codeNames = [...]string{
	OK:                 "OK",
	Cancelled:          "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

// String returns the upper-snake name of the code.
func (c Code) String() string {
	if int(c) >= len(codeNames) {
		return fmt.Sprintf("CODE(%d)", uint32(c))
	}
	return codeNames[c]
}

// GRPC returns the code as a gRPC code.
func (c Code) GRPC() codes.Code {
	return codes.Code(c)
}

// ParseCode maps a code name back to its Code. Matching is case-insensitive.
func ParseCode(name string) (Code, bool) {
	var c codes.Code
	upper := strings.ToUpper(strings.TrimSpace(name))
	if err := c.UnmarshalJSON([]byte(strconv.Quote(upper))); err != nil {
		return Unknown, false
	}
	return Code(c), true
}

// HTTPStatus returns the HTTP status the reflection API uses for the code.
func (c Code) HTTPStatus() int {
	switch c {
	case OK:
		return http.StatusOK
	case Cancelled:
		return 499
	case InvalidArgument, OutOfRange:
		return http.StatusBadRequest
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists, Aborted:
		return http.StatusConflict
	case PermissionDenied:
		return http.StatusForbidden
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case FailedPrecondition:
		return http.StatusPreconditionFailed
	case Unimplemented:
		return http.StatusNotImplemented
	case Unavailable:
		return http.StatusServiceUnavailable
	case Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus maps an HTTP status to the closest code. It is used when
// a peer answers without a status envelope.
func FromHTTPStatus(code int) Code {
	switch code {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return OK
	case 499:
		return Cancelled
	case http.StatusBadRequest:
		return InvalidArgument
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return DeadlineExceeded
	case http.StatusNotFound:
		return NotFound
	case http.StatusConflict:
		return AlreadyExists
	case http.StatusForbidden:
		return PermissionDenied
	case http.StatusTooManyRequests:
		return ResourceExhausted
	case http.StatusPreconditionFailed:
		return FailedPrecondition
	case http.StatusNotImplemented:
		return Unimplemented
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return Unavailable
	case http.StatusUnauthorized:
		return Unauthenticated
	case http.StatusInternalServerError:
		return Internal
	default:
		return Unknown
	}
}

// Error is an error with a status code. Stack and TraceID are optional and
// are shown to CLI users after the message.
type Error struct {
	Code    Code
	Message string
	Stack   string
	TraceID string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a fixed message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. Returns nil if err is nil.
func Wrap(err error, code Code, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// GRPCStatus lets grpc/status.FromError and Code recognise the error.
func (e *Error) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(e.Code.GRPC(), Message(e))
}

// WithTrace returns a copy of e carrying the given trace id.
func (e *Error) WithTrace(traceID string) *Error {
	c := *e
	c.TraceID = traceID
	return &c
}

// WithStack returns a copy of e carrying the given stack trace.
func (e *Error) WithStack(stack string) *Error {
	c := *e
	c.Stack = stack
	return &c
}

// CodeOf extracts the status code from err.
//
// nil maps to OK, errors carrying a gRPC status to that status's code,
// context cancellation to Cancelled, deadline expiry to DeadlineExceeded,
// and anything without a code to Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	var coder interface{ StatusCode() Code }
	if errors.As(err, &coder) {
		return coder.StatusCode()
	}
	if st, ok := grpcstatus.FromError(err); ok {
		return Code(st.Code())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Code(grpcstatus.FromContextError(err).Code())
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Convert returns err as an *Error, wrapping it with its derived code when
// it is not one already.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Code: CodeOf(err), Message: err.Error()}
}
