package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies every rejection and failure the gateway can produce.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindUnauthorized       Kind = "Unauthorized"
	KindForbidden          Kind = "Forbidden"
	KindNotFound           Kind = "NotFound"
	KindRateLimited        Kind = "RateLimited"
	KindServiceUnavailable Kind = "ServiceUnavailable"
	KindTimeout            Kind = "Timeout"
	KindExecutorError      Kind = "ExecutorError"
	KindInternal           Kind = "InternalError"
)

// HTTPStatus maps an error kind to its transport status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindExecutorError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ChargesBreaker reports whether a failure of this kind counts against the
// capability's circuit breaker. Only executor-attributable failures do.
func (k Kind) ChargesBreaker() bool {
	return k == KindExecutorError || k == KindTimeout
}

// Error is the user-visible rejection shape: {kind, message, details}.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a gateway error with no details.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsError extracts a gateway *Error from any error, wrapping unknown
// errors as InternalError so callers always see a classified kind.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
