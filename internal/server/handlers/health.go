package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/modules"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	cfg   *config.Config
	pool  *account.Manager
	usage *modules.UsageStats
}

func NewHealthHandler(cfg *config.Config, pool *account.Manager, usage *modules.UsageStats) *HealthHandler {
	return &HealthHandler{cfg: cfg, pool: pool, usage: usage}
}

// modelState is one account's view of a single model.
type modelState struct {
	RateLimited    bool   `json:"rateLimited"`
	ResetInMs      int64  `json:"resetInMs,omitempty"`
	Reason         string `json:"reason,omitempty"`
	HealthScore    *int   `json:"healthScore,omitempty"`
	RemainingQuota string `json:"remainingQuota,omitempty"`
	QuotaResetTime string `json:"quotaResetTime,omitempty"`
}

type accountDetail struct {
	Email               string                 `json:"email"`
	Source              string                 `json:"source"`
	Status              string                 `json:"status"`
	Error               string                 `json:"error,omitempty"`
	VerifyURL           string                 `json:"verifyUrl,omitempty"`
	Tier                string                 `json:"tier,omitempty"`
	LastUsed            string                 `json:"lastUsed,omitempty"`
	CooldownRemainingMs int64                  `json:"cooldownRemainingMs,omitempty"`
	Models              map[string]*modelState `json:"models,omitempty"`
}

// Health reports pool, quota and usage state. Quota figures come from the
// cached background refresh rather than a live upstream call, so the
// endpoint stays fast and always answers 200.
func (h *HealthHandler) Health(c *gin.Context) {
	now := time.Now().UnixMilli()

	var accounts []accountDetail
	var total, available, rateLimited, invalid int

	h.pool.ForEach(func(acc *account.Account) {
		total++
		detail := accountDetail{
			Email:  acc.Email,
			Source: acc.Source,
			Models: make(map[string]*modelState),
		}
		if acc.Subscription != nil {
			detail.Tier = acc.Subscription.Tier
		}
		if acc.LastUsed > 0 {
			detail.LastUsed = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
		}

		for model, st := range modelStates(acc, now) {
			detail.Models[model] = st
		}

		var soonest int64
		limited := false
		for _, st := range detail.Models {
			if st.RateLimited {
				limited = true
				if soonest == 0 || st.ResetInMs < soonest {
					soonest = st.ResetInMs
				}
			}
		}
		detail.CooldownRemainingMs = soonest

		switch {
		case acc.IsInvalid:
			invalid++
			detail.Status = "invalid"
			detail.Error = acc.InvalidReason
			detail.VerifyURL = acc.VerifyURL
		case !acc.IsEnabled():
			detail.Status = "disabled"
		case limited:
			rateLimited++
			available++
			detail.Status = "rate-limited"
		default:
			available++
			detail.Status = "ok"
		}
		accounts = append(accounts, detail)
	})

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   config.Version,
		"timestamp": time.Now().Format(time.RFC3339),
		"strategy":  h.pool.StrategyName(),
		"counts": gin.H{
			"total":       total,
			"available":   available,
			"rateLimited": rateLimited,
			"invalid":     invalid,
		},
		"accounts": accounts,
		"usage":    h.usage.Snapshot(),
	})
}

// modelStates merges the rate-limit, health, and cached quota views into one
// per-model map.
func modelStates(acc *account.Account, now int64) map[string]*modelState {
	states := make(map[string]*modelState)
	get := func(model string) *modelState {
		st := states[model]
		if st == nil {
			st = &modelState{}
			states[model] = st
		}
		return st
	}

	for model, rl := range acc.ModelRateLimits {
		st := get(model)
		if rl.IsRateLimited && rl.ResetTime > now {
			st.RateLimited = true
			st.ResetInMs = rl.ResetTime - now
			st.Reason = rl.Reason
		}
	}
	for model, hi := range acc.ModelHealth {
		score := hi.HealthScore
		get(model).HealthScore = &score
	}
	if acc.Quota != nil {
		for model, q := range acc.Quota.Models {
			st := get(model)
			if q.RemainingFraction != nil {
				st.RemainingQuota = fmt.Sprintf("%.1f%%", *q.RemainingFraction*100)
			}
			st.QuotaResetTime = q.ResetTime
		}
	}
	return states
}
