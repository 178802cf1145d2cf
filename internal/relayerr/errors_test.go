package relayerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindUnknown:            "unknown",
		KindRateLimited:        "rate_limited",
		KindQuotaExhausted:     "quota_exhausted",
		KindCapacityExhausted:  "capacity_exhausted",
		KindAuth:               "authentication_failed",
		KindValidationRequired: "validation_required",
		KindInvalidRequest:     "invalid_request",
		KindPermissionDenied:   "permission_denied",
		KindServerError:        "server_error",
		KindNetworkError:       "network_error",
		KindTimeout:            "timeout",
		KindServiceUnavailable: "service_unavailable",
		KindNotImplemented:     "not_implemented",
		KindEmptyResponse:      "empty_response",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{
		KindRateLimited, KindQuotaExhausted, KindCapacityExhausted, KindAuth,
		KindValidationRequired, KindServerError, KindNetworkError, KindTimeout,
		KindEmptyResponse,
	}
	for _, kind := range retryable {
		assert.True(t, kind.Retryable(), kind.String())
	}

	terminal := []Kind{KindUnknown, KindInvalidRequest, KindPermissionDenied, KindServiceUnavailable, KindNotImplemented}
	for _, kind := range terminal {
		assert.False(t, kind.Retryable(), kind.String())
	}
}

func TestKindHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindRateLimited:        429,
		KindQuotaExhausted:     429,
		KindAuth:               401,
		KindValidationRequired: 403,
		KindPermissionDenied:   403,
		KindInvalidRequest:     400,
		KindServiceUnavailable: 503,
		KindCapacityExhausted:  503,
		KindNotImplemented:     501,
		KindServerError:        502,
		KindNetworkError:       502,
		KindTimeout:            502,
		KindEmptyResponse:      502,
		KindUnknown:            500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), kind.String())
	}
}

func TestKindAnthropicType(t *testing.T) {
	cases := map[Kind]string{
		KindRateLimited:        "rate_limit_error",
		KindQuotaExhausted:     "rate_limit_error",
		KindAuth:               "authentication_error",
		KindValidationRequired: "permission_error",
		KindPermissionDenied:   "permission_error",
		KindInvalidRequest:     "invalid_request_error",
		KindNotImplemented:     "not_implemented_error",
		KindServiceUnavailable: "overloaded_error",
		KindCapacityExhausted:  "overloaded_error",
		KindServerError:        "api_error",
		KindNetworkError:       "api_error",
		KindTimeout:            "api_error",
		KindEmptyResponse:      "api_error",
		KindUnknown:            "api_error",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.AnthropicType(), kind.String())
	}
}

func TestNewAndWrap(t *testing.T) {
	err := New(KindTimeout, "gave up after %dms", 30000)
	assert.Equal(t, "gave up after 30000ms", err.Error())
	assert.Equal(t, KindTimeout, err.Kind)
	assert.Nil(t, err.Unwrap())

	cause := errors.New("connection reset")
	wrapped := Wrap(KindNetworkError, cause)
	require.NotNil(t, wrapped)
	assert.Equal(t, "connection reset", wrapped.Error())
	assert.Equal(t, KindNetworkError, wrapped.Kind)
	assert.ErrorIs(t, wrapped, cause)

	assert.Nil(t, Wrap(KindNetworkError, nil))
}

func TestKindOf(t *testing.T) {
	t.Run("typed_errors", func(t *testing.T) {
		cases := []struct {
			err  error
			want Kind
		}{
			{New(KindInvalidRequest, "bad body"), KindInvalidRequest},
			{&RateLimitError{Kind: KindRateLimited, Message: "slow down"}, KindRateLimited},
			{&RateLimitError{Kind: KindQuotaExhausted, Message: "daily cap"}, KindQuotaExhausted},
			{&AuthError{Message: "token revoked"}, KindAuth},
			{&ValidationRequiredError{Message: "verify account"}, KindValidationRequired},
			{&NoAccountsError{AllRateLimited: true}, KindRateLimited},
			{&NoAccountsError{AllRateLimited: false}, KindServiceUnavailable},
			{&MaxRetriesError{Attempts: 3}, KindServiceUnavailable},
			{&UpstreamError{Kind: KindServerError, StatusCode: 500}, KindServerError},
			{&EmptyResponseError{}, KindEmptyResponse},
			{&CapacityError{}, KindCapacityExhausted},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.want, KindOf(tc.err), tc.err.Error())
		}
	})

	t.Run("wrapped_errors_unwrap", func(t *testing.T) {
		inner := NewRateLimitError("", 5000, "a@x.com")
		outer := fmt.Errorf("attempt 2: %w", inner)
		assert.Equal(t, KindRateLimited, KindOf(outer))
	})

	t.Run("foreign_errors_are_unknown", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
		assert.Equal(t, KindUnknown, KindOf(nil))
	})
}

func TestDefaultMessages(t *testing.T) {
	assert.Equal(t, "Rate limited", NewRateLimitError("", 0, "").Error())
	assert.Equal(t, "explicit", NewRateLimitError("explicit", 0, "").Error())
	assert.Equal(t, "No accounts available", (&NoAccountsError{}).Error())
	assert.Equal(t, "all cooling down", (&NoAccountsError{Message: "all cooling down"}).Error())
	assert.Equal(t, "Max retries exceeded after 3 attempts", (&MaxRetriesError{Attempts: 3}).Error())
	assert.Equal(t, "upstream returned status 503", (&UpstreamError{StatusCode: 503}).Error())
	assert.Equal(t, "No content received from upstream", (&EmptyResponseError{}).Error())
	assert.Equal(t, "Model capacity exhausted", (&CapacityError{}).Error())
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("minute window hit", 42000, "a@x.com")
	assert.Equal(t, KindRateLimited, err.Kind)
	assert.Equal(t, int64(42000), err.ResetMs)
	assert.Equal(t, "a@x.com", err.AccountEmail)
}

func TestNewAuthError(t *testing.T) {
	err := NewAuthError("refresh failed", "a@x.com", "invalid_grant")
	assert.Equal(t, "refresh failed", err.Error())
	assert.Equal(t, "a@x.com", err.AccountEmail)
	assert.Equal(t, "invalid_grant", err.Reason)
}

func TestIsAuthFailure(t *testing.T) {
	assert.False(t, IsAuthFailure(nil))
	assert.True(t, IsAuthFailure(&AuthError{Message: "nope"}))
	assert.True(t, IsAuthFailure(fmt.Errorf("oauth: %w", &AuthError{Message: "nope"})))
	assert.True(t, IsAuthFailure(errors.New("server said invalid_grant")))
	assert.True(t, IsAuthFailure(errors.New("Token refresh failed: 400")))
	assert.True(t, IsAuthFailure(errors.New("Token has been expired or revoked.")))
	assert.False(t, IsAuthFailure(errors.New("connection refused")))
}
