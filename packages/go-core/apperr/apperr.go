// Package apperr defines the shared error taxonomy for the event plane.
// Codes are kinds, not types: every rejection a service emits maps onto
// one of these codes so callers and the DLQ can reason about retryability
// without knowing which internal layer produced the failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a failure kind.
type Code string

const (
	CodeAuth                  Code = "AUTH"
	CodeTenantIsolation       Code = "TENANT_ISOLATION_VIOLATION"
	CodeProducerNotRegistered Code = "PRODUCER_NOT_REGISTERED"
	CodeSignalTypeNotAllowed  Code = "SIGNAL_TYPE_NOT_ALLOWED"
	CodeSignalKindNotAllowed  Code = "SIGNAL_KIND_NOT_ALLOWED"
	CodeSchemaViolation       Code = "SCHEMA_VIOLATION"
	CodeGovernanceViolation   Code = "GOVERNANCE_VIOLATION"
	CodeDuplicate             Code = "DUPLICATE"
	CodeDownstreamFailure     Code = "DOWNSTREAM_FAILURE"
	CodeRateLimit             Code = "RATE_LIMIT"
	CodeCircuitOpen           Code = "CIRCUIT_OPEN"
	CodeInvalidSignature      Code = "INVALID_SIGNATURE"
	CodeReplayDetected        Code = "REPLAY_DETECTED"
	CodeTimestampOutOfRange   Code = "TIMESTAMP_OUT_OF_RANGE"
	CodeUpstreamError         Code = "UPSTREAM_ERROR"
	CodeMalformedPayload      Code = "MALFORMED_PAYLOAD"
	CodeInternal              Code = "INTERNAL"
)

// Error is a classified failure. It marshals directly into the wire shape
// used by every handler's error envelope.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	// RetryAfter, when non-zero, is the caller's backoff hint. Set for
	// RATE_LIMIT (upstream Retry-After) and CIRCUIT_OPEN (breaker timeout).
	RetryAfter time.Duration `json:"-"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a classified error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause stays reachable via
// errors.Is/errors.As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail attaches a key to the error's detail map and returns the
// error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets the backoff hint and returns the error for chaining.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// CodeOf extracts the taxonomy code from err, or CodeInternal when err is
// unclassified.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// AsError extracts the classified error from err's chain, wrapping
// unclassified errors as CodeInternal so handlers always have a renderable
// envelope.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// Retryable reports whether a failure of this kind may succeed on retry
// without the caller changing the request.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeDownstreamFailure, CodeRateLimit, CodeCircuitOpen, CodeUpstreamError:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a failure kind to its transport status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeAuth, CodeInvalidSignature:
		return http.StatusUnauthorized
	case CodeTenantIsolation:
		return http.StatusForbidden
	case CodeProducerNotRegistered, CodeSignalTypeNotAllowed, CodeSignalKindNotAllowed,
		CodeSchemaViolation, CodeGovernanceViolation:
		return http.StatusUnprocessableEntity
	case CodeMalformedPayload, CodeTimestampOutOfRange:
		return http.StatusBadRequest
	case CodeDuplicate, CodeReplayDetected:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeDownstreamFailure, CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
