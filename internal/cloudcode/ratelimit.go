package cloudcode

import (
	"math"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vantorre/antigravity-relay/internal/config"
)

// LimitReason classifies a 429 or server failure. Values double as keys into
// config.BackoffByErrorKindMs and as the reason recorded on the account.
type LimitReason string

const (
	ReasonRateLimited    LimitReason = "rate_limit_exceeded"
	ReasonQuotaExhausted LimitReason = "quota_exhausted"
	ReasonCapacity       LimitReason = "model_capacity_exhausted"
	ReasonServerError    LimitReason = "server_error"
	ReasonUnknown        LimitReason = "unknown"
)

var (
	quotaDelayRe     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRe = regexp.MustCompile(`(?i)quotaResetTimeStamp[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRe   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	retryMillisRe    = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRe  = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRe       = regexp.MustCompile(`(?i)\b\d+h\d+m\d+(?:\.\d+)?s\b|\b\d+m\d+(?:\.\d+)?s\b|\b\d+(?:\.\d+)?s\b`)
	isoResetRe       = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// ParseResetTime extracts the cooldown from a rate-limited response, headers
// first, then the body. Returns milliseconds, or -1 when nothing usable was
// found. Sub-500ms results get a 200ms buffer for network latency.
func ParseResetTime(headers http.Header, body string) int64 {
	resetMs := int64(-1)

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
		} else if t, err := http.ParseTime(retryAfter); err == nil {
			if ms := time.Until(t).Milliseconds(); ms > 0 {
				resetMs = ms
			}
		}
	}
	if resetMs < 0 {
		if reset := headers.Get("x-ratelimit-reset"); reset != "" {
			if ts, err := strconv.ParseInt(reset, 10, 64); err == nil {
				if ms := ts*1000 - time.Now().UnixMilli(); ms > 0 {
					resetMs = ms
				}
			}
		}
	}
	if resetMs < 0 {
		if after := headers.Get("x-ratelimit-reset-after"); after != "" {
			if seconds, err := strconv.Atoi(after); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
			}
		}
	}
	if resetMs < 0 && body != "" {
		resetMs = parseResetFromBody(body)
	}

	if resetMs == 0 {
		resetMs = 500
	} else if resetMs > 0 && resetMs < 500 {
		resetMs += 200
	}
	return resetMs
}

// parseResetFromBody reads the reset hint from an error body. Structured
// google.rpc details are tried first, then the free-text patterns upstream
// embeds in messages.
func parseResetFromBody(body string) int64 {
	if gjson.Valid(body) {
		for _, path := range []string{
			"error.details.#.retryDelay",
			"error.details.#.metadata.quotaResetDelay",
		} {
			for _, v := range gjson.Get(body, path).Array() {
				if d, err := time.ParseDuration(v.String()); err == nil && d > 0 {
					return d.Milliseconds()
				}
			}
		}
		for _, v := range gjson.Get(body, "error.details.#.metadata.quotaResetTimeStamp").Array() {
			if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
				if ms := time.Until(t).Milliseconds(); ms > 0 {
					return ms
				}
			}
		}
	}

	if m := quotaDelayRe.FindStringSubmatch(body); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		if strings.EqualFold(m[2], "s") {
			return int64(value * 1000)
		}
		return int64(value)
	}
	if m := quotaTimestampRe.FindStringSubmatch(body); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return time.Until(t).Milliseconds()
		}
	}
	if m := retrySecondsRe.FindStringSubmatch(body); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		return int64(value * 1000)
	}
	if m := retryMillisRe.FindStringSubmatch(body); m != nil {
		ms, _ := strconv.ParseInt(m[1], 10, 64)
		return ms
	}
	if m := retryAfterSecRe.FindStringSubmatch(body); m != nil {
		seconds, _ := strconv.ParseInt(m[1], 10, 64)
		return seconds * 1000
	}
	if m := durationRe.FindString(body); m != "" {
		if d, err := time.ParseDuration(strings.ToLower(m)); err == nil && d > 0 {
			return d.Milliseconds()
		}
	}
	if m := isoResetRe.FindStringSubmatch(body); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			if ms := time.Until(t).Milliseconds(); ms > 0 {
				return ms
			}
		}
	}
	return -1
}

// ParseRateLimitReason classifies an upstream failure. Status codes win over
// body text: 529 and 503 are capacity, 500 is a server error.
func ParseRateLimitReason(body string, status int) LimitReason {
	if status == 529 || status == 503 {
		return ReasonCapacity
	}
	if status == 500 {
		return ReasonServerError
	}

	lower := strings.ToLower(body)
	if containsAny(lower,
		"quota_exhausted", "quotaresetdelay", "quotaresettimestamp",
		"resource_exhausted", "daily limit", "quota exceeded") {
		return ReasonQuotaExhausted
	}
	if containsAny(lower,
		"model_capacity_exhausted", "capacity_exhausted",
		"model is currently overloaded", "service temporarily unavailable") {
		return ReasonCapacity
	}
	if containsAny(lower,
		"rate_limit_exceeded", "rate limit", "too many requests", "throttl") {
		return ReasonRateLimited
	}
	if containsAny(lower,
		"internal server error", "server error", "503", "502", "504") {
		return ReasonServerError
	}
	return ReasonUnknown
}

// IsPermanentAuthFailure detects credential failures that no retry can fix.
func IsPermanentAuthFailure(body string) bool {
	return containsAny(strings.ToLower(body),
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}

// IsCapacityExhausted reports whether a 429 is model capacity rather than the
// account's own quota. Capacity retries on the same account; quota switches.
func IsCapacityExhausted(body string) bool {
	return containsAny(strings.ToLower(body),
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable")
}

// SmartBackoff picks a cooldown when the server reset hint may be absent.
// A server hint wins, floored at MinBackoffMs to avoid hot loops; otherwise
// the reason decides: quota walks the escalation tiers, capacity gets jitter.
func SmartBackoff(body string, serverResetMs int64, consecutiveFailures int) int64 {
	if serverResetMs > 0 {
		return max(serverResetMs, config.MinBackoffMs)
	}
	switch ParseRateLimitReason(body, 0) {
	case ReasonQuotaExhausted:
		tier := min(consecutiveFailures, len(config.QuotaBackoffTiersMs)-1)
		return config.QuotaBackoffTiersMs[tier]
	case ReasonCapacity:
		return config.BackoffByErrorKindMs[string(ReasonCapacity)] + rand.Int64N(config.CapacityJitterMaxMs)
	case ReasonRateLimited:
		return config.BackoffByErrorKindMs[string(ReasonRateLimited)]
	case ReasonServerError:
		return config.BackoffByErrorKindMs[string(ReasonServerError)]
	default:
		return config.BackoffByErrorKindMs[string(ReasonUnknown)]
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// BackoffDecision is the outcome of recording a 429 against an account+model.
type BackoffDecision struct {
	Attempt   int
	DelayMs   int64
	Duplicate bool
}

type limitRecord struct {
	consecutive int
	lastAt      time.Time
}

// LimiterState tracks consecutive 429s per account+model so repeated hits
// escalate exponentially. Hits within the dedup window are collapsed into the
// previous decision rather than escalating again, which keeps parallel
// requests that trip the same limit from stacking cooldowns.
type LimiterState struct {
	mu    sync.Mutex
	m     map[string]*limitRecord
	nowFn func() time.Time
}

// NewLimiterState creates an empty limiter state.
func NewLimiterState() *LimiterState {
	return &LimiterState{m: make(map[string]*limitRecord), nowFn: time.Now}
}

func limitKey(email, model string) string { return email + ":" + model }

// Backoff records a 429 and returns the escalated delay. The attempt counter
// resets after RateLimitStateResetMs of quiet; the exponential curve tops out
// at one minute.
func (s *LimiterState) Backoff(email, model string, serverResetMs int64) BackoffDecision {
	now := s.nowFn()
	key := limitKey(email, model)

	s.mu.Lock()
	defer s.mu.Unlock()

	base := serverResetMs
	if base <= 0 {
		base = config.MinBackoffMs
	}

	prev := s.m[key]
	if prev != nil && now.Sub(prev.lastAt).Milliseconds() < config.RateLimitDedupWindowMs {
		delay := escalate(base, prev.consecutive)
		return BackoffDecision{Attempt: prev.consecutive, DelayMs: delay, Duplicate: true}
	}

	attempt := 1
	if prev != nil && now.Sub(prev.lastAt).Milliseconds() < config.RateLimitStateResetMs {
		attempt = prev.consecutive + 1
	}
	s.m[key] = &limitRecord{consecutive: attempt, lastAt: now}

	return BackoffDecision{Attempt: attempt, DelayMs: escalate(base, attempt)}
}

func escalate(baseMs int64, attempt int) int64 {
	scaled := int64(math.Min(float64(baseMs)*math.Pow(2, float64(attempt-1)), 60000))
	return max(baseMs, scaled)
}

// Clear drops the 429 history for an account+model after a success.
func (s *LimiterState) Clear(email, model string) {
	s.mu.Lock()
	delete(s.m, limitKey(email, model))
	s.mu.Unlock()
}

// Cleanup removes entries idle past the state reset window and returns how
// many were dropped. The janitor calls this every minute.
func (s *LimiterState) Cleanup() int {
	cutoff := s.nowFn().Add(-time.Duration(config.RateLimitStateResetMs) * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.m {
		if rec.lastAt.Before(cutoff) {
			delete(s.m, key)
			removed++
		}
	}
	return removed
}
