package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// GatewayError represents an error that can be returned to clients.
// The wire shape is {"error": ..., "message": ...}, plus "retryAfter"
// (seconds) on rate-limit denials.
type GatewayError struct {
	Code       int    `json:"-"`
	Kind       string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no customization), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors, one per error kind the core can surface.
var (
	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Kind:    "Unauthorized",
		Message: "Missing or invalid API key",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Kind:    "Forbidden",
		Message: "Tenant is inactive",
	}

	ErrRateLimited = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Kind:    "Too Many Requests",
		Message: "Rate limit exceeded",
	}

	ErrNoRoute = &GatewayError{
		Code:    http.StatusNotFound,
		Kind:    "Not Found",
		Message: "No matching route",
	}

	ErrUpstreamUnhealthy = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Kind:    "Service Unavailable",
		Message: "Upstream service is unhealthy",
	}

	ErrCircuitOpen = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Kind:    "Service Unavailable",
		Message: "Circuit breaker is open",
	}

	ErrUpstreamTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Kind:    "Gateway Timeout",
		Message: "Upstream request timed out",
	}

	ErrUpstreamUnreachable = &GatewayError{
		Code:    http.StatusBadGateway,
		Kind:    "Bad Gateway",
		Message: "Upstream request failed",
	}

	ErrInternal = &GatewayError{
		Code:    http.StatusInternalServerError,
		Kind:    "Internal Server Error",
		Message: "Internal server error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrUnauthorized, ErrForbidden, ErrRateLimited, ErrNoRoute,
		ErrUpstreamUnhealthy, ErrCircuitOpen, ErrUpstreamTimeout,
		ErrUpstreamUnreachable, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(code int, kind, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with a client-visible code and message.
func Wrap(err error, code int, kind, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithMessage returns a copy with a different client-visible message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    message,
		RetryAfter: e.RetryAfter,
		underlying: e.underlying,
	}
}

// WithRetryAfter returns a copy carrying a Retry-After hint in seconds.
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	if seconds < 1 {
		seconds = 1
	}
	return &GatewayError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		RetryAfter: seconds,
		underlying: e.underlying,
	}
}

// IsGatewayError checks if an error is a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
