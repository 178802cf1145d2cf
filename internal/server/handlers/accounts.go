package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/config"
)

// AccountsHandler serves GET /account-limits.
type AccountsHandler struct {
	cfg  *config.Config
	pool *account.Manager
}

func NewAccountsHandler(cfg *config.Config, pool *account.Manager) *AccountsHandler {
	return &AccountsHandler{cfg: cfg, pool: pool}
}

// limitsRow is one account's slice of the quota view, copied out of the pool
// so rendering happens without holding its lock.
type limitsRow struct {
	Email                string
	Source               string
	ProjectID            string
	Status               string
	Error                string
	Tier                 string
	Enabled              bool
	LastUsed             int64
	QuotaThreshold       *float64
	ModelQuotaThresholds map[string]float64
	RateLimits           map[string]account.RateLimitInfo
	Quota                map[string]account.ModelQuotaInfo
	QuotaCheckedAt       int64
}

// AccountLimits reports the cached per-account per-model quota view. The
// background quota refresh keeps it current, so this endpoint never calls
// upstream. ?format=table renders ASCII for terminals.
func (h *AccountsHandler) AccountLimits(c *gin.Context) {
	rows := h.collect()
	models := modelColumns(rows)

	if c.Query("format") == "table" {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.String(http.StatusOK, renderLimitsTable(rows, models))
		return
	}

	accounts := make([]gin.H, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		entry := gin.H{
			"email":     row.Email,
			"source":    row.Source,
			"enabled":   row.Enabled,
			"status":    row.Status,
			"projectId": row.ProjectID,
			"lastUsed":  row.LastUsed,
		}
		if row.Error != "" {
			entry["error"] = row.Error
		}
		if row.Tier != "" {
			entry["subscription"] = gin.H{"tier": row.Tier}
		}
		if row.QuotaThreshold != nil {
			entry["quotaThreshold"] = *row.QuotaThreshold
		}
		if len(row.ModelQuotaThresholds) > 0 {
			entry["modelQuotaThresholds"] = row.ModelQuotaThresholds
		}
		if len(row.RateLimits) > 0 {
			entry["modelRateLimits"] = row.RateLimits
		}
		if row.QuotaCheckedAt > 0 {
			entry["quotaCheckedAt"] = time.UnixMilli(row.QuotaCheckedAt).Format(time.RFC3339)
		}

		limits := make(gin.H, len(models))
		for _, model := range models {
			q, ok := row.Quota[model]
			if !ok {
				limits[model] = nil
				continue
			}
			remaining := "N/A"
			var fraction float64
			if q.RemainingFraction != nil {
				fraction = *q.RemainingFraction
				remaining = fmt.Sprintf("%.1f%%", fraction*100)
			}
			limits[model] = gin.H{
				"remaining":         remaining,
				"remainingFraction": fraction,
				"resetTime":         q.ResetTime,
			}
		}
		entry["limits"] = limits
		accounts = append(accounts, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp":            time.Now().Format(time.RFC3339),
		"totalAccounts":        len(rows),
		"models":               models,
		"fallbackMap":          h.cfg.EffectiveFallbackMap(),
		"globalQuotaThreshold": h.cfg.GlobalQuotaThreshold,
		"accounts":             accounts,
	})
}

func (h *AccountsHandler) collect() []limitsRow {
	now := time.Now().UnixMilli()
	var rows []limitsRow
	h.pool.ForEach(func(acc *account.Account) {
		row := limitsRow{
			Email:      acc.Email,
			Source:     acc.Source,
			ProjectID:  acc.ProjectID,
			Enabled:    acc.IsEnabled(),
			LastUsed:   acc.LastUsed,
			RateLimits: make(map[string]account.RateLimitInfo),
			Quota:      make(map[string]account.ModelQuotaInfo),
		}
		if acc.Subscription != nil {
			row.Tier = acc.Subscription.Tier
		}
		if acc.QuotaThreshold != nil {
			thr := *acc.QuotaThreshold
			row.QuotaThreshold = &thr
		}
		if len(acc.ModelQuotaThresholds) > 0 {
			row.ModelQuotaThresholds = make(map[string]float64, len(acc.ModelQuotaThresholds))
			for k, v := range acc.ModelQuotaThresholds {
				row.ModelQuotaThresholds[k] = v
			}
		}
		for model, rl := range acc.ModelRateLimits {
			if rl != nil {
				row.RateLimits[model] = *rl
			}
		}
		if acc.Quota != nil {
			row.QuotaCheckedAt = acc.Quota.LastChecked
			for model, q := range acc.Quota.Models {
				if q != nil {
					row.Quota[model] = *q
				}
			}
		}

		limited := 0
		for _, rl := range row.RateLimits {
			if rl.IsRateLimited && rl.ResetTime > now {
				limited++
			}
		}
		switch {
		case acc.IsInvalid:
			row.Status = "invalid"
			row.Error = acc.InvalidReason
		case !acc.IsEnabled():
			row.Status = "disabled"
		case limited > 0:
			row.Status = fmt.Sprintf("(%d) limited", limited)
		default:
			row.Status = "ok"
		}
		rows = append(rows, row)
	})
	return rows
}

func modelColumns(rows []limitsRow) []string {
	set := make(map[string]bool)
	for i := range rows {
		for model := range rows[i].Quota {
			set[model] = true
		}
		for model := range rows[i].RateLimits {
			set[model] = true
		}
	}
	models := make([]string, 0, len(set))
	for model := range set {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// renderLimitsTable draws the two-part terminal view: an account status
// table, then a model-by-account percent matrix.
func renderLimitsTable(rows []limitsRow, models []string) string {
	var sb strings.Builder
	now := time.Now()

	sb.WriteString(fmt.Sprintf("Account Limits (%s)\n", now.Format(time.RFC1123)))
	sb.WriteString(fmt.Sprintf("Accounts: %d\n\n", len(rows)))

	const accW, statusW, lastW = 25, 18, 25
	sb.WriteString(fmt.Sprintf("%-*s%-*s%-*s%s\n", accW, "Account", statusW, "Status", lastW, "Last Used", "Quota Checked"))
	sb.WriteString(strings.Repeat("─", accW+statusW+lastW+25) + "\n")

	for i := range rows {
		row := &rows[i]
		lastUsed := "never"
		if row.LastUsed > 0 {
			lastUsed = time.UnixMilli(row.LastUsed).Format(time.RFC1123)
		}
		checked := "-"
		if row.QuotaCheckedAt > 0 {
			checked = time.UnixMilli(row.QuotaCheckedAt).Format(time.RFC1123)
		}
		sb.WriteString(fmt.Sprintf("%-*s%-*s%-*s%s\n", accW, shortEmail(row.Email, accW-3), statusW, row.Status, lastW, lastUsed, checked))
		if row.Error != "" {
			sb.WriteString(fmt.Sprintf("  └─ %s\n", row.Error))
		}
	}
	sb.WriteString("\n")

	modelW := 28
	for _, m := range models {
		if len(m)+2 > modelW {
			modelW = len(m) + 2
		}
	}
	const colW = 30

	sb.WriteString(fmt.Sprintf("%-*s", modelW, "Model"))
	for i := range rows {
		sb.WriteString(fmt.Sprintf("%-*s", colW, shortEmail(rows[i].Email, colW-4)))
	}
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", modelW+len(rows)*colW) + "\n")

	for _, model := range models {
		sb.WriteString(fmt.Sprintf("%-*s", modelW, model))
		for i := range rows {
			sb.WriteString(fmt.Sprintf("%-*s", colW, limitCell(&rows[i], model, now)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func limitCell(row *limitsRow, model string, now time.Time) string {
	if row.Status == "invalid" || row.Status == "disabled" {
		return "[" + row.Status + "]"
	}
	if rl, ok := row.RateLimits[model]; ok && rl.IsRateLimited && rl.ResetTime > now.UnixMilli() {
		wait := time.Duration(rl.ResetTime-now.UnixMilli()) * time.Millisecond
		return fmt.Sprintf("limited (wait %s)", wait.Round(time.Second))
	}
	q, ok := row.Quota[model]
	if !ok {
		return "-"
	}
	if q.RemainingFraction == nil || *q.RemainingFraction <= 0 {
		if q.ResetTime != "" {
			if t, err := time.Parse(time.RFC3339, q.ResetTime); err == nil && t.After(now) {
				return fmt.Sprintf("0%% (wait %s)", t.Sub(now).Round(time.Second))
			}
			return "0% (resetting...)"
		}
		return "0% (exhausted)"
	}
	return fmt.Sprintf("%d%%", int(*q.RemainingFraction*100))
}

func shortEmail(email string, max int) string {
	if idx := strings.Index(email, "@"); idx > 0 {
		email = email[:idx]
	}
	if len(email) > max {
		email = email[:max]
	}
	return email
}
