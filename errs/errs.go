// Package errs provides structured error types and helpers for agenthub services.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies a hub error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_argument"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeExists indicates the operation collided with an identical one in flight.
	CodeExists Code = "already_exists"
	// CodeUnavailable indicates a live connection is absent or closed.
	CodeUnavailable Code = "connection_unavailable"
	// CodeDelivery indicates a delivery attempt exhausted its transport.
	CodeDelivery Code = "delivery_failure"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeInternal captures uncategorized hub-side failures.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the agenthub stack.
type E struct {
	Op      string
	Code    Code
	HTTP    int
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		HTTP:    0,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the hub error code from err, unwrapping as needed.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given hub error code.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// HTTPStatus maps the error to an HTTP status, honouring an explicit WithHTTP value.
func HTTPStatus(err error) int {
	var envelope *E
	if !errors.As(err, &envelope) || envelope == nil {
		return http.StatusInternalServerError
	}
	if envelope.HTTP > 0 {
		return envelope.HTTP
	}
	switch envelope.Code {
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeExists:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
