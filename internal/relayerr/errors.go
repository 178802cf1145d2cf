// Package relayerr defines the closed set of error kinds the failover
// controller switches on, plus the typed errors that carry them.
package relayerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an upstream or internal failure. The controller's retry
// decisions and the public HTTP mapping are both driven by this enumeration.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindQuotaExhausted
	KindCapacityExhausted
	KindAuth
	KindValidationRequired
	KindInvalidRequest
	KindPermissionDenied
	KindServerError
	KindNetworkError
	KindTimeout
	KindServiceUnavailable
	KindNotImplemented
	KindEmptyResponse
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindCapacityExhausted:
		return "capacity_exhausted"
	case KindAuth:
		return "authentication_failed"
	case KindValidationRequired:
		return "validation_required"
	case KindInvalidRequest:
		return "invalid_request"
	case KindPermissionDenied:
		return "permission_denied"
	case KindServerError:
		return "server_error"
	case KindNetworkError:
		return "network_error"
	case KindTimeout:
		return "timeout"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindNotImplemented:
		return "not_implemented"
	case KindEmptyResponse:
		return "empty_response"
	default:
		return "unknown"
	}
}

// Retryable reports whether another account (or another attempt) may succeed
// where this kind failed.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindQuotaExhausted, KindCapacityExhausted, KindAuth,
		KindValidationRequired, KindServerError, KindNetworkError, KindTimeout,
		KindEmptyResponse:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the public HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindRateLimited, KindQuotaExhausted:
		return 429
	case KindAuth:
		return 401
	case KindValidationRequired, KindPermissionDenied:
		return 403
	case KindInvalidRequest:
		return 400
	case KindServiceUnavailable, KindCapacityExhausted:
		return 503
	case KindNotImplemented:
		return 501
	case KindServerError, KindNetworkError, KindTimeout, KindEmptyResponse:
		return 502
	default:
		return 500
	}
}

// AnthropicType maps a kind to the error.type field of the Anthropic error
// envelope.
func (k Kind) AnthropicType() string {
	switch k {
	case KindRateLimited, KindQuotaExhausted:
		return "rate_limit_error"
	case KindAuth:
		return "authentication_error"
	case KindValidationRequired, KindPermissionDenied:
		return "permission_error"
	case KindInvalidRequest:
		return "invalid_request_error"
	case KindNotImplemented:
		return "not_implemented_error"
	case KindServiceUnavailable, KindCapacityExhausted:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// Error is the base error type carrying a kind and message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given kind and message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}

// KindOf extracts the kind from any error produced by this package; other
// errors report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Kind
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return KindAuth
	}
	var vr *ValidationRequiredError
	if errors.As(err, &vr) {
		return KindValidationRequired
	}
	var na *NoAccountsError
	if errors.As(err, &na) {
		if na.AllRateLimited {
			return KindRateLimited
		}
		return KindServiceUnavailable
	}
	var mr *MaxRetriesError
	if errors.As(err, &mr) {
		return KindServiceUnavailable
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	var ee *EmptyResponseError
	if errors.As(err, &ee) {
		return KindEmptyResponse
	}
	var ce *CapacityError
	if errors.As(err, &ce) {
		return KindCapacityExhausted
	}
	return KindUnknown
}

// RateLimitError reports a 429 / RESOURCE_EXHAUSTED from upstream. Kind
// distinguishes short rate limiting from long quota exhaustion.
type RateLimitError struct {
	Kind         Kind // KindRateLimited or KindQuotaExhausted
	Message      string
	ResetMs      int64 // cooldown duration, 0 when unknown
	AccountEmail string
	Reason       string
}

func (e *RateLimitError) Error() string { return e.Message }

// NewRateLimitError creates a RateLimitError with KindRateLimited.
func NewRateLimitError(message string, resetMs int64, email string) *RateLimitError {
	if message == "" {
		message = "Rate limited"
	}
	return &RateLimitError{Kind: KindRateLimited, Message: message, ResetMs: resetMs, AccountEmail: email}
}

// AuthError reports a credential failure for a specific account.
type AuthError struct {
	Message      string
	AccountEmail string
	Reason       string
}

func (e *AuthError) Error() string { return e.Message }

// NewAuthError creates an AuthError.
func NewAuthError(message, email, reason string) *AuthError {
	return &AuthError{Message: message, AccountEmail: email, Reason: reason}
}

// ValidationRequiredError reports that upstream demands interactive account
// verification before further use.
type ValidationRequiredError struct {
	Message      string
	AccountEmail string
	VerifyURL    string
}

func (e *ValidationRequiredError) Error() string { return e.Message }

// NoAccountsError reports that selection found no usable account.
type NoAccountsError struct {
	Message        string
	AllRateLimited bool
	SoonestResetMs int64
}

func (e *NoAccountsError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "No accounts available"
}

// MaxRetriesError reports that the controller exhausted its attempt budget.
type MaxRetriesError struct {
	Message  string
	Attempts int
}

func (e *MaxRetriesError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Max retries exceeded after %d attempts", e.Attempts)
}

// UpstreamError carries a classified non-2xx upstream response.
type UpstreamError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// EmptyResponseError reports a 200 with no usable content.
type EmptyResponseError struct {
	Message string
}

func (e *EmptyResponseError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "No content received from upstream"
}

// CapacityError reports MODEL_CAPACITY_EXHAUSTED responses, which recover much
// faster than quota exhaustion and get their own backoff ladder.
type CapacityError struct {
	Message      string
	RetryAfterMs int64
}

func (e *CapacityError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "Model capacity exhausted"
}

// IsAuthFailure reports whether the error text looks like a credential
// failure. Used as a fallback when no typed error is available.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "token refresh failed") ||
		strings.Contains(msg, "token has been expired or revoked")
}
