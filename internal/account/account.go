// Package account manages the upstream account pool: persistence, rate-limit
// and health state, and the selection strategies that pick an account for
// each request.
package account

import (
	"time"

	"github.com/vantorre/antigravity-relay/internal/config"
)

// Credential sources.
const (
	SourceOAuth        = "oauth"
	SourceAPIKey       = "apiKey"
	SourceHostDatabase = "hostDatabase"
)

// Account is one upstream identity plus its per-model state. All timestamps
// are Unix milliseconds.
type Account struct {
	Email  string `json:"email"`
	Source string `json:"source"`

	// CredentialRef is interpreted by the token provider: a refresh token
	// for oauth, the key itself for apiKey, an optional database path for
	// hostDatabase.
	CredentialRef string `json:"credentialRef,omitempty"`

	ProjectID string `json:"projectId,omitempty"`

	// Enabled defaults to true when absent from the file.
	Enabled *bool `json:"enabled,omitempty"`

	IsInvalid     bool   `json:"isInvalid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	VerifyURL     string `json:"verifyUrl,omitempty"`

	AddedAt  int64 `json:"addedAt,omitempty"`
	LastUsed int64 `json:"lastUsed,omitempty"`

	ModelRateLimits map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`
	ModelHealth     map[string]*HealthInfo    `json:"modelHealth,omitempty"`

	Quota                *QuotaInfo         `json:"quota,omitempty"`
	QuotaThreshold       *float64           `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64 `json:"modelQuotaThresholds,omitempty"`

	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
}

// RateLimitInfo is the per-model rate-limit record.
type RateLimitInfo struct {
	IsRateLimited bool   `json:"isRateLimited"`
	ResetTime     int64  `json:"resetTime,omitempty"`
	HitAt         int64  `json:"hitAt,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// HealthInfo is the per-model health record. Score lives in [0,100].
type HealthInfo struct {
	SuccessCount        int   `json:"successCount"`
	FailCount           int   `json:"failCount"`
	ConsecutiveFailures int   `json:"consecutiveFailures"`
	HealthScore         int   `json:"healthScore"`
	LastFailureAt       int64 `json:"lastFailureAt,omitempty"`

	// DisabledUntil is set when consecutive failures cross the threshold;
	// the pair is unusable until it passes.
	DisabledUntil int64 `json:"disabledUntil,omitempty"`
}

// QuotaInfo carries the last known upstream quota view.
type QuotaInfo struct {
	Models      map[string]*ModelQuotaInfo `json:"models,omitempty"`
	LastChecked int64                      `json:"lastChecked,omitempty"`
}

// ModelQuotaInfo is the per-model quota fraction. RemainingFraction is nil
// when upstream has not reported one; eligibility fails open on nil.
type ModelQuotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction"`
	ResetTime         string   `json:"resetTime,omitempty"`
}

// SubscriptionInfo is the detected subscription tier.
type SubscriptionInfo struct {
	Tier       string `json:"tier"`
	DetectedAt int64  `json:"detectedAt,omitempty"`
}

// IsEnabled reports whether the account is user-enabled.
func (a *Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// SetEnabled flips the user-enabled flag.
func (a *Account) SetEnabled(v bool) {
	a.Enabled = &v
}

// RateLimitFor returns the rate-limit record for a model, nil when absent.
func (a *Account) RateLimitFor(modelID string) *RateLimitInfo {
	if a.ModelRateLimits == nil {
		return nil
	}
	return a.ModelRateLimits[modelID]
}

// HealthFor returns the health record for a model, creating it on first use.
func (a *Account) HealthFor(modelID string) *HealthInfo {
	if a.ModelHealth == nil {
		a.ModelHealth = make(map[string]*HealthInfo)
	}
	h, ok := a.ModelHealth[modelID]
	if !ok {
		h = &HealthInfo{HealthScore: 100}
		a.ModelHealth[modelID] = h
	}
	return h
}

// RemainingFraction returns the quota fraction for a model, nil when unknown.
func (a *Account) RemainingFraction(modelID string) *float64 {
	if a.Quota == nil || a.Quota.Models == nil {
		return nil
	}
	q, ok := a.Quota.Models[modelID]
	if !ok {
		return nil
	}
	return q.RemainingFraction
}

// EffectiveThreshold resolves the quota threshold for a model: per-model
// override first, then the account override, then the global value.
func (a *Account) EffectiveThreshold(modelID string, globalThr float64) float64 {
	if a.ModelQuotaThresholds != nil {
		if thr, ok := a.ModelQuotaThresholds[modelID]; ok {
			return thr
		}
	}
	if a.QuotaThreshold != nil {
		return *a.QuotaThreshold
	}
	return globalThr
}

// CooldownRemaining returns how long until the model's rate limit clears,
// zero when not limited.
func (a *Account) CooldownRemaining(modelID string, now int64) int64 {
	rl := a.RateLimitFor(modelID)
	if rl == nil || !rl.IsRateLimited || rl.ResetTime <= now {
		return 0
	}
	return rl.ResetTime - now
}

// Usable is the common eligibility predicate: not invalid, enabled, not
// rate-limited, not health-disabled, and above the quota threshold. A nil
// quota fraction passes the threshold check.
func (a *Account) Usable(modelID string, globalThr float64, now int64) bool {
	if a.IsInvalid || !a.IsEnabled() {
		return false
	}
	if rl := a.RateLimitFor(modelID); rl != nil && rl.IsRateLimited && rl.ResetTime > now {
		return false
	}
	if a.ModelHealth != nil {
		if h, ok := a.ModelHealth[modelID]; ok && h.DisabledUntil > now {
			return false
		}
	}
	effThr := a.EffectiveThreshold(modelID, globalThr)
	if effThr > 0 {
		if frac := a.RemainingFraction(modelID); frac != nil && *frac < effThr {
			return false
		}
	}
	return true
}

// UsableIgnoringThreshold is Usable without the quota threshold clause. Used
// by the round-robin threshold fallback.
func (a *Account) UsableIgnoringThreshold(modelID string, now int64) bool {
	if a.IsInvalid || !a.IsEnabled() {
		return false
	}
	if rl := a.RateLimitFor(modelID); rl != nil && rl.IsRateLimited && rl.ResetTime > now {
		return false
	}
	if a.ModelHealth != nil {
		if h, ok := a.ModelHealth[modelID]; ok && h.DisabledUntil > now {
			return false
		}
	}
	return true
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// familyOf is a shorthand used throughout the package.
func familyOf(modelID string) string {
	return string(config.ModelFamily(modelID))
}
