package tangguh

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error type constants carried in Error.Type. Transport failures are always
// retryable, HTTP failures only for 5xx and 429, auth failures inherit the
// classification of their cause, and circuit-open rejections are synthetic
// (no attempt was made).
const (
	ErrorTypeTransport   = "Transport"
	ErrorTypeHTTP        = "HTTP"
	ErrorTypeAuth        = "Auth"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeRateLimit   = "RateLimit"
	ErrorTypeValidation  = "Validation"
)

// Sentinel errors for common failure scenarios. Typed errors produced by the
// client match these through errors.Is, so callers can branch without
// unwrapping:
//
//	if errors.Is(err, tangguh.ErrCircuitOpen) { ... }
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	// without attempting the network.
	ErrCircuitOpen = errors.New("tangguh: circuit open")

	// ErrRateLimited is returned when the local token bucket denies a request.
	ErrRateLimited = errors.New("tangguh: rate limited")

	// ErrTokenEndpoint is returned when the OAuth2 token endpoint responds
	// with a non-2xx status.
	ErrTokenEndpoint = errors.New("tangguh: token endpoint rejected refresh")

	// ErrNotConfigured is returned by every call on a client whose
	// construction-time validation failed.
	ErrNotConfigured = errors.New("tangguh: client configuration invalid")
)

// Error is the uniform error surfaced to callers. Exactly one Error is
// returned per logical call; intermediate retry attempts are never visible.
type Error struct {
	Type        string
	Message     string
	StatusCode  int
	Retryable   bool
	RetryAfter  time.Duration // remaining cooldown, set on circuit-open rejections
	RequestID   string
	Method      string
	URL         string
	Endpoint    string
	Attempt     int
	MaxAttempts int
	Timestamp   time.Time
	Duration    time.Duration
	Body        []byte // response body for HTTP errors, capped
	Cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches either another *Error of the same Type or the sentinel mapped
// to this error's Type.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrRateLimited:
		return e.Type == ErrorTypeRateLimit
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *Error) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	info += fmt.Sprintf("Retryable: %t\n", e.Retryable)
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsRetryable reports whether err represents a failure that might succeed on
// a later attempt: transport errors and timeouts, 5xx responses, 429, local
// rate limiting, and circuit-open rejections (the backend may have recovered
// by the time the caller tries again). Other 4xx responses and context
// cancellation are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case ErrorTypeTransport, ErrorTypeCircuitOpen, ErrorTypeRateLimit:
			return true
		case ErrorTypeHTTP:
			return retryableStatus(apiErr.StatusCode)
		case ErrorTypeAuth:
			// A refresh that died on the wire may succeed next time; a
			// rejected credential will not. The constructor already
			// classified which one this is.
			return apiErr.Retryable
		default:
			return false
		}
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return true
	}

	// Bare errors reaching this point came from the transport.
	return true
}

// retryableStatus reports whether an HTTP status is worth retrying: 5xx and
// 429. Every other non-2xx indicates a request the backend will keep
// rejecting.
func retryableStatus(status int) bool {
	return status >= 500 || status == 429
}
