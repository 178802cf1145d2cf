package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
	"github.com/vantorre/antigravity-relay/internal/modules"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard)
}

func floatPtr(v float64) *float64 { return &v }

func newPool(t *testing.T, accs ...*account.Account) *account.Manager {
	t.Helper()
	cfg := config.Default()
	cfg.AccountsFile = filepath.Join(t.TempDir(), "accounts.json")
	store := account.NewStore(cfg.AccountsFile)
	require.NoError(t, store.Save(&account.File{Accounts: accs}))
	pool := account.NewManager(cfg, quietLogger(), store)
	require.NoError(t, pool.Initialize(""))
	return pool
}

func serve(h gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	engine := gin.New()
	engine.Handle(req.Method, req.URL.Path, h)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

type healthModel struct {
	RateLimited    bool   `json:"rateLimited"`
	ResetInMs      int64  `json:"resetInMs"`
	Reason         string `json:"reason"`
	HealthScore    *int   `json:"healthScore"`
	RemainingQuota string `json:"remainingQuota"`
	QuotaResetTime string `json:"quotaResetTime"`
}

type healthAccount struct {
	Email               string                 `json:"email"`
	Source              string                 `json:"source"`
	Status              string                 `json:"status"`
	Error               string                 `json:"error"`
	VerifyURL           string                 `json:"verifyUrl"`
	Tier                string                 `json:"tier"`
	LastUsed            string                 `json:"lastUsed"`
	CooldownRemainingMs int64                  `json:"cooldownRemainingMs"`
	Models              map[string]healthModel `json:"models"`
}

type healthBody struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Strategy string `json:"strategy"`
	Counts   struct {
		Total       int `json:"total"`
		Available   int `json:"available"`
		RateLimited int `json:"rateLimited"`
		Invalid     int `json:"invalid"`
	} `json:"counts"`
	Accounts []healthAccount `json:"accounts"`
	Usage    struct {
		TotalRequests int64 `json:"totalRequests"`
	} `json:"usage"`
}

func (b *healthBody) account(t *testing.T, email string) healthAccount {
	t.Helper()
	for _, acc := range b.Accounts {
		if acc.Email == email {
			return acc
		}
	}
	t.Fatalf("account %s not in health response", email)
	return healthAccount{}
}

func TestHealth(t *testing.T) {
	now := time.Now().UnixMilli()
	const model = "claude-sonnet-4-5"

	healthy := &account.Account{
		Email:        "healthy@x.com",
		Source:       account.SourceOAuth,
		LastUsed:     now - 60_000,
		Subscription: &account.SubscriptionInfo{Tier: "pro"},
		ModelHealth: map[string]*account.HealthInfo{
			model: {SuccessCount: 40, FailCount: 3, HealthScore: 93},
		},
		Quota: &account.QuotaInfo{
			LastChecked: now,
			Models: map[string]*account.ModelQuotaInfo{
				model: {RemainingFraction: floatPtr(0.37), ResetTime: "2026-08-26T00:00:00Z"},
			},
		},
	}
	limited := &account.Account{
		Email:  "limited@x.com",
		Source: account.SourceOAuth,
		ModelRateLimits: map[string]*account.RateLimitInfo{
			model: {IsRateLimited: true, ResetTime: now + 90_000, Reason: "rate_limit_exceeded"},
		},
	}
	invalid := &account.Account{
		Email:         "invalid@x.com",
		Source:        account.SourceOAuth,
		IsInvalid:     true,
		InvalidReason: "Token revoked - re-authentication required",
		VerifyURL:     "https://verify.example.com/check",
	}
	disabled := &account.Account{Email: "disabled@x.com", Source: account.SourceAPIKey}
	disabled.SetEnabled(false)

	pool := newPool(t, healthy, limited, invalid, disabled)
	usage := modules.NewUsageStats()
	usage.Record(model, "healthy@x.com", nil)
	h := NewHealthHandler(config.Default(), pool, usage)

	w := serve(h.Health, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, config.Version, body.Version)
	assert.Equal(t, config.StrategySticky, body.Strategy)
	assert.Equal(t, int64(1), body.Usage.TotalRequests)

	assert.Equal(t, 4, body.Counts.Total)
	assert.Equal(t, 2, body.Counts.Available)
	assert.Equal(t, 1, body.Counts.RateLimited)
	assert.Equal(t, 1, body.Counts.Invalid)

	ok := body.account(t, "healthy@x.com")
	assert.Equal(t, "ok", ok.Status)
	assert.Equal(t, account.SourceOAuth, ok.Source)
	assert.Equal(t, "pro", ok.Tier)
	assert.NotEmpty(t, ok.LastUsed)
	assert.Zero(t, ok.CooldownRemainingMs)
	require.Contains(t, ok.Models, model)
	require.NotNil(t, ok.Models[model].HealthScore)
	assert.Equal(t, 93, *ok.Models[model].HealthScore)
	assert.Equal(t, "37.0%", ok.Models[model].RemainingQuota)
	assert.Equal(t, "2026-08-26T00:00:00Z", ok.Models[model].QuotaResetTime)

	rl := body.account(t, "limited@x.com")
	assert.Equal(t, "rate-limited", rl.Status)
	require.Contains(t, rl.Models, model)
	assert.True(t, rl.Models[model].RateLimited)
	assert.Equal(t, "rate_limit_exceeded", rl.Models[model].Reason)
	assert.Positive(t, rl.Models[model].ResetInMs)
	assert.LessOrEqual(t, rl.Models[model].ResetInMs, int64(90_000))
	assert.Equal(t, rl.Models[model].ResetInMs, rl.CooldownRemainingMs)

	bad := body.account(t, "invalid@x.com")
	assert.Equal(t, "invalid", bad.Status)
	assert.Equal(t, "Token revoked - re-authentication required", bad.Error)
	assert.Equal(t, "https://verify.example.com/check", bad.VerifyURL)

	off := body.account(t, "disabled@x.com")
	assert.Equal(t, "disabled", off.Status)
}

func TestHealthExpiredLimitCountsAsAvailable(t *testing.T) {
	now := time.Now().UnixMilli()
	acc := &account.Account{
		Email:  "recovered@x.com",
		Source: account.SourceOAuth,
		ModelRateLimits: map[string]*account.RateLimitInfo{
			"gemini-3-flash": {IsRateLimited: true, ResetTime: now - 5_000},
		},
	}
	h := NewHealthHandler(config.Default(), newPool(t, acc), modules.NewUsageStats())

	w := serve(h.Health, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Counts.Available)
	assert.Zero(t, body.Counts.RateLimited)
	assert.Equal(t, "ok", body.account(t, "recovered@x.com").Status)
	assert.False(t, body.account(t, "recovered@x.com").Models["gemini-3-flash"].RateLimited)
}

func TestHealthEmptyPool(t *testing.T) {
	h := NewHealthHandler(config.Default(), newPool(t), modules.NewUsageStats())

	w := serve(h.Health, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Counts.Total)
	assert.Empty(t, body.Accounts)
}
