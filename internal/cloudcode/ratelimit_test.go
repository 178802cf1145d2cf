package cloudcode

import (
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantorre/antigravity-relay/internal/config"
)

func TestParseResetTimeHeaders(t *testing.T) {
	t.Run("retry_after_seconds", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "30")
		assert.Equal(t, int64(30000), ParseResetTime(h, ""))
	})

	t.Run("retry_after_http_date", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
		ms := ParseResetTime(h, "")
		assert.Greater(t, ms, int64(8000))
		assert.LessOrEqual(t, ms, int64(10000))
	})

	t.Run("retry_after_wins_over_other_headers", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "30")
		h.Set("x-ratelimit-reset-after", "99")
		assert.Equal(t, int64(30000), ParseResetTime(h, ""))
	})

	t.Run("unparsable_retry_after_falls_through", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "soon")
		h.Set("x-ratelimit-reset-after", "45")
		assert.Equal(t, int64(45000), ParseResetTime(h, ""))
	})

	t.Run("ratelimit_reset_epoch", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-ratelimit-reset", strconv.FormatInt(time.Now().Add(20*time.Second).Unix(), 10))
		ms := ParseResetTime(h, "")
		assert.Greater(t, ms, int64(18000))
		assert.LessOrEqual(t, ms, int64(20000))
	})

	t.Run("ratelimit_reset_after_seconds", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-ratelimit-reset-after", "45")
		assert.Equal(t, int64(45000), ParseResetTime(h, ""))
	})

	t.Run("zero_becomes_minimum_cooldown", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "0")
		assert.Equal(t, int64(500), ParseResetTime(h, ""))
	})

	t.Run("no_headers_no_body", func(t *testing.T) {
		assert.Equal(t, int64(-1), ParseResetTime(http.Header{}, ""))
	})
}

func TestParseResetTimeBody(t *testing.T) {
	t.Run("structured_retry_delay", func(t *testing.T) {
		body := `{"error":{"details":[{"retryDelay":"30s"}]}}`
		assert.Equal(t, int64(30000), ParseResetTime(http.Header{}, body))
	})

	t.Run("structured_quota_reset_delay", func(t *testing.T) {
		body := `{"error":{"details":[{"metadata":{"quotaResetDelay":"2.5s"}}]}}`
		assert.Equal(t, int64(2500), ParseResetTime(http.Header{}, body))
	})

	t.Run("structured_quota_reset_timestamp", func(t *testing.T) {
		ts := time.Now().UTC().Add(30 * time.Second).Format(time.RFC3339)
		body := fmt.Sprintf(`{"error":{"details":[{"metadata":{"quotaResetTimeStamp":"%s"}}]}}`, ts)
		ms := ParseResetTime(http.Header{}, body)
		assert.Greater(t, ms, int64(28000))
		assert.LessOrEqual(t, ms, int64(30000))
	})

	t.Run("structured_beats_free_text", func(t *testing.T) {
		// The message text would parse to 5s via the regex fallbacks, but the
		// google.rpc detail carries the authoritative value.
		body := `{"error":{"details":[{"retryDelay":"10s"}],"message":"quotaResetDelay: 5000ms"}}`
		assert.Equal(t, int64(10000), ParseResetTime(http.Header{}, body))
	})

	t.Run("free_text_quota_delay_millis", func(t *testing.T) {
		assert.Equal(t, int64(1500), ParseResetTime(http.Header{}, "quotaResetDelay: 1500ms"))
	})

	t.Run("free_text_retry_after_ms", func(t *testing.T) {
		assert.Equal(t, int64(750), ParseResetTime(http.Header{}, "retry_after_ms: 750"))
	})

	t.Run("retry_after_seconds_phrase", func(t *testing.T) {
		assert.Equal(t, int64(30000), ParseResetTime(http.Header{}, "Please retry after 30 seconds."))
	})

	t.Run("bare_duration", func(t *testing.T) {
		body := "Resource limit hit. Next window opens in 5m30s."
		assert.Equal(t, int64(330000), ParseResetTime(http.Header{}, body))
	})

	t.Run("iso_reset_timestamp", func(t *testing.T) {
		ts := time.Now().UTC().Add(45 * time.Second).Format(time.RFC3339)
		ms := ParseResetTime(http.Header{}, "limit reset: "+ts)
		assert.Greater(t, ms, int64(43000))
		assert.LessOrEqual(t, ms, int64(45000))
	})

	t.Run("sub_500ms_gets_latency_buffer", func(t *testing.T) {
		assert.Equal(t, int64(500), ParseResetTime(http.Header{}, "retryDelay: 300ms"))
	})

	t.Run("no_usable_hint", func(t *testing.T) {
		assert.Equal(t, int64(-1), ParseResetTime(http.Header{}, "too many requests"))
	})
}

func TestParseRateLimitReason(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		want   LimitReason
	}{
		{"status_529_is_capacity", `{"error":"quota exceeded"}`, 529, ReasonCapacity},
		{"status_503_is_capacity", "", 503, ReasonCapacity},
		{"status_500_is_server_error", "", 500, ReasonServerError},
		{"resource_exhausted_is_quota", "RESOURCE_EXHAUSTED: daily limit reached", 429, ReasonQuotaExhausted},
		{"quota_reset_marker_is_quota", `{"quotaResetDelay":"1h"}`, 429, ReasonQuotaExhausted},
		{"overloaded_is_capacity", "the model is currently overloaded", 429, ReasonCapacity},
		{"too_many_requests_is_rate_limit", "Too Many Requests", 429, ReasonRateLimited},
		{"throttled_is_rate_limit", "request throttled by upstream", 429, ReasonRateLimited},
		{"bad_gateway_text_is_server_error", "upstream returned 502", 429, ReasonServerError},
		{"quota_beats_rate_limit_text", "rate limit: quota exceeded for today", 429, ReasonQuotaExhausted},
		{"unclassified_is_unknown", "something odd happened", 429, ReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseRateLimitReason(tc.body, tc.status))
		})
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	assert.True(t, IsPermanentAuthFailure(`{"error":"invalid_grant","error_description":"Bad Request"}`))
	assert.True(t, IsPermanentAuthFailure("Token has been expired or revoked."))
	assert.True(t, IsPermanentAuthFailure("INVALID_CLIENT: the oauth client was deleted"))
	assert.False(t, IsPermanentAuthFailure("rate limit exceeded"))
	assert.False(t, IsPermanentAuthFailure(""))
}

func TestIsCapacityExhausted(t *testing.T) {
	assert.True(t, IsCapacityExhausted("MODEL_CAPACITY_EXHAUSTED"))
	assert.True(t, IsCapacityExhausted("the model is currently overloaded, try again later"))
	assert.True(t, IsCapacityExhausted("Service temporarily unavailable"))
	assert.False(t, IsCapacityExhausted("quota exceeded"))
	assert.False(t, IsCapacityExhausted("too many requests"))
}

func TestSmartBackoff(t *testing.T) {
	t.Run("server_hint_wins", func(t *testing.T) {
		assert.Equal(t, int64(45000), SmartBackoff("quota exceeded", 45000, 3))
	})

	t.Run("server_hint_floored_at_minimum", func(t *testing.T) {
		assert.Equal(t, int64(config.MinBackoffMs), SmartBackoff("", 100, 0))
	})

	t.Run("quota_walks_escalation_tiers", func(t *testing.T) {
		body := "quota exceeded"
		assert.Equal(t, config.QuotaBackoffTiersMs[0], SmartBackoff(body, 0, 0))
		assert.Equal(t, config.QuotaBackoffTiersMs[1], SmartBackoff(body, 0, 1))
		assert.Equal(t, config.QuotaBackoffTiersMs[3], SmartBackoff(body, 0, 3))
		// Past the last tier the backoff stays pinned there.
		assert.Equal(t, config.QuotaBackoffTiersMs[3], SmartBackoff(body, 0, 10))
	})

	t.Run("capacity_gets_jitter", func(t *testing.T) {
		base := config.BackoffByErrorKindMs[string(ReasonCapacity)]
		for i := 0; i < 20; i++ {
			delay := SmartBackoff("model_capacity_exhausted", 0, 0)
			require.GreaterOrEqual(t, delay, base)
			require.Less(t, delay, base+config.CapacityJitterMaxMs)
		}
	})

	t.Run("rate_limit_fixed_backoff", func(t *testing.T) {
		assert.Equal(t, config.BackoffByErrorKindMs[string(ReasonRateLimited)],
			SmartBackoff("too many requests", 0, 0))
	})

	t.Run("server_error_fixed_backoff", func(t *testing.T) {
		assert.Equal(t, config.BackoffByErrorKindMs[string(ReasonServerError)],
			SmartBackoff("internal server error", 0, 0))
	})

	t.Run("unknown_fixed_backoff", func(t *testing.T) {
		assert.Equal(t, config.BackoffByErrorKindMs[string(ReasonUnknown)],
			SmartBackoff("weird failure", 0, 0))
	})
}

// testLimiter returns a limiter on a fake clock plus a func advancing it.
func testLimiter(start time.Time) (*LimiterState, func(time.Duration)) {
	s := NewLimiterState()
	now := start
	s.nowFn = func() time.Time { return now }
	return s, func(d time.Duration) { now = now.Add(d) }
}

func TestLimiterBackoffEscalates(t *testing.T) {
	s, advance := testLimiter(time.Unix(1700000000, 0))

	want := []int64{2000, 4000, 8000, 16000, 32000, 60000, 60000}
	for i, expected := range want {
		d := s.Backoff("a@x.com", "gemini-3-flash", 0)
		require.False(t, d.Duplicate)
		require.Equal(t, i+1, d.Attempt)
		assert.Equal(t, expected, d.DelayMs, "attempt %d", i+1)
		advance(5 * time.Second)
	}
}

func TestLimiterServerHintAsBase(t *testing.T) {
	s, advance := testLimiter(time.Unix(1700000000, 0))

	d := s.Backoff("a@x.com", "m", 30000)
	assert.Equal(t, int64(30000), d.DelayMs)

	advance(5 * time.Second)
	d = s.Backoff("a@x.com", "m", 30000)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, int64(60000), d.DelayMs)

	// A hint above the exponential cap is honored as-is.
	d = s.Backoff("b@x.com", "m", 90000)
	assert.Equal(t, int64(90000), d.DelayMs)
}

func TestLimiterDedupWindow(t *testing.T) {
	s, advance := testLimiter(time.Unix(1700000000, 0))

	first := s.Backoff("a@x.com", "m", 0)
	require.False(t, first.Duplicate)

	advance(500 * time.Millisecond)
	dup := s.Backoff("a@x.com", "m", 0)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.Attempt, dup.Attempt)
	assert.Equal(t, first.DelayMs, dup.DelayMs)

	// Duplicates do not refresh the window; it is anchored to the first hit.
	advance(1 * time.Second)
	dup = s.Backoff("a@x.com", "m", 0)
	assert.True(t, dup.Duplicate)

	advance(1 * time.Second)
	next := s.Backoff("a@x.com", "m", 0)
	assert.False(t, next.Duplicate)
	assert.Equal(t, 2, next.Attempt)
}

func TestLimiterAttemptResetsAfterQuiet(t *testing.T) {
	s, advance := testLimiter(time.Unix(1700000000, 0))

	require.Equal(t, 1, s.Backoff("a@x.com", "m", 0).Attempt)
	advance(5 * time.Second)
	require.Equal(t, 2, s.Backoff("a@x.com", "m", 0).Attempt)

	advance(time.Duration(config.RateLimitStateResetMs+1000) * time.Millisecond)
	assert.Equal(t, 1, s.Backoff("a@x.com", "m", 0).Attempt)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	s, advance := testLimiter(time.Unix(1700000000, 0))

	s.Backoff("a@x.com", "m1", 0)
	advance(5 * time.Second)
	require.Equal(t, 2, s.Backoff("a@x.com", "m1", 0).Attempt)

	assert.Equal(t, 1, s.Backoff("a@x.com", "m2", 0).Attempt)
	assert.Equal(t, 1, s.Backoff("b@x.com", "m1", 0).Attempt)
}

func TestLimiterClear(t *testing.T) {
	s, advance := testLimiter(time.Unix(1700000000, 0))

	s.Backoff("a@x.com", "m", 0)
	advance(5 * time.Second)
	require.Equal(t, 2, s.Backoff("a@x.com", "m", 0).Attempt)

	s.Clear("a@x.com", "m")
	advance(5 * time.Second)
	assert.Equal(t, 1, s.Backoff("a@x.com", "m", 0).Attempt)
}

func TestLimiterCleanup(t *testing.T) {
	s, advance := testLimiter(time.Unix(1700000000, 0))
	assert.Zero(t, s.Cleanup())

	s.Backoff("old@x.com", "m", 0)
	advance(60 * time.Second)
	s.Backoff("fresh@x.com", "m", 0)
	advance(90 * time.Second)

	// old is 150s idle (past the reset window), fresh only 90s.
	assert.Equal(t, 1, s.Cleanup())
	assert.Equal(t, 2, s.Backoff("fresh@x.com", "m", 0).Attempt)
	assert.Equal(t, 1, s.Backoff("old@x.com", "m", 0).Attempt)
}
