package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/config"
)

type limitsCellJSON struct {
	Remaining         string  `json:"remaining"`
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime"`
}

type limitsAccountJSON struct {
	Email     string `json:"email"`
	Source    string `json:"source"`
	Enabled   bool   `json:"enabled"`
	Status    string `json:"status"`
	ProjectID string `json:"projectId"`
	LastUsed  int64  `json:"lastUsed"`
	Error     string `json:"error"`

	Subscription *struct {
		Tier string `json:"tier"`
	} `json:"subscription"`
	QuotaThreshold       *float64                         `json:"quotaThreshold"`
	ModelQuotaThresholds map[string]float64               `json:"modelQuotaThresholds"`
	ModelRateLimits      map[string]account.RateLimitInfo `json:"modelRateLimits"`
	QuotaCheckedAt       string                           `json:"quotaCheckedAt"`
	Limits               map[string]*limitsCellJSON       `json:"limits"`
}

type limitsBody struct {
	Timestamp            string              `json:"timestamp"`
	TotalAccounts        int                 `json:"totalAccounts"`
	Models               []string            `json:"models"`
	FallbackMap          map[string]string   `json:"fallbackMap"`
	GlobalQuotaThreshold float64             `json:"globalQuotaThreshold"`
	Accounts             []limitsAccountJSON `json:"accounts"`
}

func (b *limitsBody) account(t *testing.T, email string) limitsAccountJSON {
	t.Helper()
	for _, acc := range b.Accounts {
		if acc.Email == email {
			return acc
		}
	}
	t.Fatalf("account %s not in limits response", email)
	return limitsAccountJSON{}
}

func limitsFixture(t *testing.T) *account.Manager {
	t.Helper()
	now := time.Now().UnixMilli()

	alpha := &account.Account{
		Email:                "alpha@x.com",
		Source:               account.SourceOAuth,
		ProjectID:            "proj-alpha",
		LastUsed:             now - 3_600_000,
		Subscription:         &account.SubscriptionInfo{Tier: "pro"},
		QuotaThreshold:       floatPtr(0.2),
		ModelQuotaThresholds: map[string]float64{"claude-sonnet-4-5": 0.3},
		Quota: &account.QuotaInfo{
			LastChecked: now,
			Models: map[string]*account.ModelQuotaInfo{
				"claude-sonnet-4-5": {RemainingFraction: floatPtr(0.75), ResetTime: "2026-08-26T00:00:00Z"},
				"gemini-3-flash":    {},
			},
		},
	}
	beta := &account.Account{
		Email:  "beta@x.com",
		Source: account.SourceOAuth,
		ModelRateLimits: map[string]*account.RateLimitInfo{
			"claude-sonnet-4-5": {IsRateLimited: true, ResetTime: now + 90_000, Reason: "quota_exhausted"},
		},
	}
	gamma := &account.Account{
		Email:         "gamma@x.com",
		Source:        account.SourceHostDatabase,
		IsInvalid:     true,
		InvalidReason: "Account verification required",
	}
	delta := &account.Account{Email: "delta@x.com", Source: account.SourceAPIKey}
	delta.SetEnabled(false)

	return newPool(t, alpha, beta, gamma, delta)
}

func TestAccountLimits(t *testing.T) {
	h := NewAccountsHandler(config.Default(), limitsFixture(t))

	w := serve(h.AccountLimits, httptest.NewRequest(http.MethodGet, "/account-limits", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body limitsBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, 4, body.TotalAccounts)
	assert.Equal(t, []string{"claude-sonnet-4-5", "gemini-3-flash"}, body.Models)
	assert.Equal(t, config.DefaultFallbackMap(), body.FallbackMap)
	assert.Zero(t, body.GlobalQuotaThreshold)

	alpha := body.account(t, "alpha@x.com")
	assert.Equal(t, "ok", alpha.Status)
	assert.True(t, alpha.Enabled)
	assert.Equal(t, "proj-alpha", alpha.ProjectID)
	assert.Positive(t, alpha.LastUsed)
	require.NotNil(t, alpha.Subscription)
	assert.Equal(t, "pro", alpha.Subscription.Tier)
	require.NotNil(t, alpha.QuotaThreshold)
	assert.Equal(t, 0.2, *alpha.QuotaThreshold)
	assert.Equal(t, map[string]float64{"claude-sonnet-4-5": 0.3}, alpha.ModelQuotaThresholds)
	assert.NotEmpty(t, alpha.QuotaCheckedAt)

	require.Contains(t, alpha.Limits, "claude-sonnet-4-5")
	claude := alpha.Limits["claude-sonnet-4-5"]
	require.NotNil(t, claude)
	assert.Equal(t, "75.0%", claude.Remaining)
	assert.Equal(t, 0.75, claude.RemainingFraction)
	assert.Equal(t, "2026-08-26T00:00:00Z", claude.ResetTime)

	// A quota row with no reported fraction renders N/A rather than a number.
	flash := alpha.Limits["gemini-3-flash"]
	require.NotNil(t, flash)
	assert.Equal(t, "N/A", flash.Remaining)
	assert.Zero(t, flash.RemainingFraction)

	beta := body.account(t, "beta@x.com")
	assert.Equal(t, "(1) limited", beta.Status)
	require.Contains(t, beta.ModelRateLimits, "claude-sonnet-4-5")
	assert.True(t, beta.ModelRateLimits["claude-sonnet-4-5"].IsRateLimited)
	assert.Equal(t, "quota_exhausted", beta.ModelRateLimits["claude-sonnet-4-5"].Reason)
	// Model columns the account has no data for are padded with nulls.
	require.Contains(t, beta.Limits, "gemini-3-flash")
	assert.Nil(t, beta.Limits["gemini-3-flash"])

	gamma := body.account(t, "gamma@x.com")
	assert.Equal(t, "invalid", gamma.Status)
	assert.Equal(t, "Account verification required", gamma.Error)

	delta := body.account(t, "delta@x.com")
	assert.Equal(t, "disabled", delta.Status)
	assert.False(t, delta.Enabled)
}

func TestAccountLimitsTable(t *testing.T) {
	h := NewAccountsHandler(config.Default(), limitsFixture(t))

	w := serve(h.AccountLimits, httptest.NewRequest(http.MethodGet, "/account-limits?format=table", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))

	out := w.Body.String()
	assert.Contains(t, out, "Account Limits")
	assert.Contains(t, out, "Accounts: 4")

	// Emails are shortened to their local part.
	assert.Contains(t, out, "alpha")
	assert.NotContains(t, out, "alpha@x.com")

	assert.Contains(t, out, "(1) limited")
	assert.Contains(t, out, "invalid")
	assert.Contains(t, out, "Account verification required")
	assert.Contains(t, out, "disabled")

	assert.Contains(t, out, "claude-sonnet-4-5")
	assert.Contains(t, out, "75%")
	assert.Contains(t, out, "limited (wait")
	assert.Contains(t, out, "[invalid]")
	assert.Contains(t, out, "[disabled]")
}

func TestAccountLimitsEmptyPool(t *testing.T) {
	h := NewAccountsHandler(config.Default(), newPool(t))

	w := serve(h.AccountLimits, httptest.NewRequest(http.MethodGet, "/account-limits", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body limitsBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Zero(t, body.TotalAccounts)
	assert.Empty(t, body.Models)
	assert.Empty(t, body.Accounts)
}

func TestLimitCell(t *testing.T) {
	now := time.Now()

	row := &limitsRow{
		Status:     "ok",
		RateLimits: map[string]account.RateLimitInfo{},
		Quota:      map[string]account.ModelQuotaInfo{},
	}
	assert.Equal(t, "-", limitCell(row, "m", now))

	row.Quota["m"] = account.ModelQuotaInfo{RemainingFraction: floatPtr(0.75)}
	assert.Equal(t, "75%", limitCell(row, "m", now))

	row.Quota["m"] = account.ModelQuotaInfo{RemainingFraction: floatPtr(0)}
	assert.Equal(t, "0% (exhausted)", limitCell(row, "m", now))

	row.Quota["m"] = account.ModelQuotaInfo{
		RemainingFraction: floatPtr(0),
		ResetTime:         now.Add(90 * time.Second).Format(time.RFC3339),
	}
	assert.Contains(t, limitCell(row, "m", now), "0% (wait ")

	row.Quota["m"] = account.ModelQuotaInfo{
		RemainingFraction: floatPtr(0),
		ResetTime:         now.Add(-time.Minute).Format(time.RFC3339),
	}
	assert.Equal(t, "0% (resetting...)", limitCell(row, "m", now))

	row.RateLimits["m"] = account.RateLimitInfo{IsRateLimited: true, ResetTime: now.UnixMilli() + 60_000}
	assert.Equal(t, "limited (wait 1m0s)", limitCell(row, "m", now))

	row.Status = "invalid"
	assert.Equal(t, "[invalid]", limitCell(row, "m", now))
	row.Status = "disabled"
	assert.Equal(t, "[disabled]", limitCell(row, "m", now))
}

func TestShortEmail(t *testing.T) {
	assert.Equal(t, "alice", shortEmail("alice@example.com", 10))
	assert.Equal(t, "verylongna", shortEmail("verylongname@example.com", 10))
	assert.Equal(t, "bare", shortEmail("bare", 10))
}

func TestModelColumns(t *testing.T) {
	rows := []limitsRow{
		{Quota: map[string]account.ModelQuotaInfo{"gemini-3-flash": {}}},
		{
			RateLimits: map[string]account.RateLimitInfo{"claude-sonnet-4-5": {}},
			Quota:      map[string]account.ModelQuotaInfo{"gemini-3-flash": {}},
		},
	}
	assert.Equal(t, []string{"claude-sonnet-4-5", "gemini-3-flash"}, modelColumns(rows))
}
