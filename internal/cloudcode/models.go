package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/config"
)

// discoveryTimeout bounds the model and tier discovery calls, which are
// cheap compared to generation.
const discoveryTimeout = 30 * time.Second

// modelInfo is one entry of the upstream model inventory.
type modelInfo struct {
	DisplayName string           `json:"displayName,omitempty"`
	QuotaInfo   *quotaInfoEntry  `json:"quotaInfo,omitempty"`
}

type quotaInfoEntry struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
}

type fetchModelsResponse struct {
	Models map[string]*modelInfo `json:"models,omitempty"`
}

// ModelList is the public model inventory shape.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelItem `json:"data"`
}

// ModelItem is one public model entry.
type ModelItem struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	Description string `json:"description"`
}

// Subscription is the detected tier and companion project of an account.
type Subscription struct {
	Tier      string `json:"tier"`
	ProjectID string `json:"projectId,omitempty"`
}

type loadCodeAssistRequest struct {
	Metadata *loadCodeAssistMetadata `json:"metadata,omitempty"`
}

type loadCodeAssistMetadata struct {
	IDEType     string `json:"ideType,omitempty"`
	Platform    string `json:"platform,omitempty"`
	PluginType  string `json:"pluginType,omitempty"`
	DuetProject string `json:"duetProject,omitempty"`
}

type loadCodeAssistResponse struct {
	PaidTier                *tierInfo   `json:"paidTier,omitempty"`
	CurrentTier             *tierInfo   `json:"currentTier,omitempty"`
	AllowedTiers            []*tierInfo `json:"allowedTiers,omitempty"`
	CloudAICompanionProject interface{} `json:"cloudaicompanionProject,omitempty"`
}

type tierInfo struct {
	ID        string `json:"id,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

func isSupportedModel(modelID string) bool {
	family := config.ModelFamily(modelID)
	return family == config.FamilyClaude || family == config.FamilyGemini
}

// FetchAvailableModels queries the upstream model inventory, trying each
// model-list endpoint in order. The project ID sharpens quota numbers when
// known.
func (c *Controller) FetchAvailableModels(ctx context.Context, token, projectID string) (*fetchModelsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	body := make(map[string]string)
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	for _, endpoint := range config.ModelListEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:fetchAvailableModels", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range buildHeaders(token, "", "") {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Warn("[CloudCode] fetchAvailableModels failed at %s: %v", endpoint, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			c.log.Warn("[CloudCode] fetchAvailableModels error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data fetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			c.log.Warn("[CloudCode] fetchAvailableModels decode error at %s: %v", endpoint, err)
			continue
		}
		return &data, nil
	}
	return nil, fmt.Errorf("failed to fetch available models from all endpoints")
}

// ListModels returns the model inventory in list form. An account is borrowed
// from the pool for the upstream call; when no account or no endpoint can
// serve, the static catalog stands in so clients still see the known models.
func (c *Controller) ListModels(ctx context.Context) (*ModelList, error) {
	data := c.fetchModelsAnyAccount(ctx)
	if data == nil || data.Models == nil {
		return staticModelList(), nil
	}

	now := time.Now().Unix()
	items := make([]ModelItem, 0, len(data.Models))
	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) {
			continue
		}
		description := modelID
		if info != nil && info.DisplayName != "" {
			description = info.DisplayName
		}
		items = append(items, ModelItem{
			ID:          modelID,
			Object:      "model",
			Created:     now,
			OwnedBy:     "anthropic",
			Description: description,
		})
	}
	if len(items) == 0 {
		return staticModelList(), nil
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return &ModelList{Object: "list", Data: items}, nil
}

func (c *Controller) fetchModelsAnyAccount(ctx context.Context) *fetchModelsResponse {
	requestID := uuid.New().String()
	sel, err := c.pool.Select("", requestID)
	if err != nil {
		c.log.Warn("[CloudCode] No account available for model listing: %v", err)
		return nil
	}
	defer c.pool.ReleaseRequest(requestID)

	token, err := c.tokens.AccessToken(ctx, sel.Account)
	if err != nil {
		c.log.Warn("[CloudCode] Token for model listing failed (%s): %v", sel.Account.Email, err)
		return nil
	}
	data, err := c.FetchAvailableModels(ctx, token, c.projectFor(sel.Account))
	if err != nil {
		c.log.Warn("[CloudCode] Model listing failed: %v", err)
		return nil
	}
	return data
}

func staticModelList() *ModelList {
	now := time.Now().Unix()
	items := make([]ModelItem, 0, len(config.KnownModels))
	for _, d := range config.KnownModels {
		items = append(items, ModelItem{
			ID:          d.ID,
			Object:      "model",
			Created:     now,
			OwnedBy:     "anthropic",
			Description: d.DisplayName,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return &ModelList{Object: "list", Data: items}
}

// GetModelQuotas reads per-model quota state for one account. A missing
// remainingFraction alongside a resetTime means the quota is spent, so the
// fraction is pinned to zero.
func (c *Controller) GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*account.ModelQuotaInfo, error) {
	data, err := c.FetchAvailableModels(ctx, token, projectID)
	if err != nil {
		return nil, err
	}
	quotas := make(map[string]*account.ModelQuotaInfo)
	if data == nil || data.Models == nil {
		return quotas, nil
	}
	for modelID, info := range data.Models {
		if !isSupportedModel(modelID) || info == nil || info.QuotaInfo == nil {
			continue
		}
		q := &account.ModelQuotaInfo{ResetTime: info.QuotaInfo.ResetTime}
		if info.QuotaInfo.RemainingFraction != nil {
			q.RemainingFraction = info.QuotaInfo.RemainingFraction
		} else if info.QuotaInfo.ResetTime != "" {
			zero := 0.0
			q.RemainingFraction = &zero
		}
		quotas[modelID] = q
	}
	return quotas, nil
}

// RefreshQuotas updates quota state for every account in the pool. The
// janitor runs this periodically; failures are logged and skipped so one bad
// account cannot stall the sweep.
func (c *Controller) RefreshQuotas(ctx context.Context) {
	var accounts []*account.Account
	c.pool.ForEach(func(acc *account.Account) {
		accounts = append(accounts, acc)
	})

	for _, acc := range accounts {
		if acc.IsInvalid || !acc.IsEnabled() {
			continue
		}
		token, err := c.tokens.AccessToken(ctx, acc)
		if err != nil {
			c.log.Debug("[CloudCode] Quota refresh token failed for %s: %v", acc.Email, err)
			continue
		}
		quotas, err := c.GetModelQuotas(ctx, token, c.projectFor(acc))
		if err != nil {
			c.log.Debug("[CloudCode] Quota refresh failed for %s: %v", acc.Email, err)
			continue
		}
		c.pool.UpdateQuota(acc.Email, quotas)
	}
}

// ParseTierID maps an upstream tier identifier to the coarse subscription
// level. standard-tier is the paid project-based plan.
func ParseTierID(tierID string) string {
	if tierID == "" {
		return "unknown"
	}
	lower := strings.ToLower(tierID)
	switch {
	case strings.Contains(lower, "ultra"):
		return "ultra"
	case lower == "standard-tier":
		return "pro"
	case strings.Contains(lower, "pro"), strings.Contains(lower, "premium"):
		return "pro"
	case lower == "free-tier", strings.Contains(lower, "free"):
		return "free"
	}
	return "unknown"
}

// GetSubscriptionTier detects the subscription level and companion project
// for a token via loadCodeAssist. Tier priority: paidTier, then currentTier,
// then the default entry of allowedTiers. All endpoints failing degrades to
// free with no project rather than erroring.
func (c *Controller) GetSubscriptionTier(ctx context.Context, token string) (*Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	reqBody := &loadCodeAssistRequest{
		Metadata: &loadCodeAssistMetadata{
			IDEType:     "IDE_UNSPECIFIED",
			Platform:    "PLATFORM_UNSPECIFIED",
			PluginType:  "GEMINI",
			DuetProject: config.DefaultProjectID,
		},
	}
	bodyBytes, _ := json.Marshal(reqBody)

	for _, endpoint := range config.ModelListEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(bodyBytes))
		if err != nil {
			continue
		}
		for k, v := range buildHeaders(token, "", "") {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Warn("[CloudCode] loadCodeAssist failed at %s: %v", endpoint, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			c.log.Warn("[CloudCode] loadCodeAssist error at %s: %d", endpoint, resp.StatusCode)
			continue
		}

		var data loadCodeAssistResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			c.log.Warn("[CloudCode] loadCodeAssist decode error at %s: %v", endpoint, err)
			continue
		}

		var projectID string
		switch v := data.CloudAICompanionProject.(type) {
		case string:
			projectID = v
		case map[string]interface{}:
			if id, ok := v["id"].(string); ok {
				projectID = id
			}
		}

		tier := "unknown"
		var tierID, tierSource string
		if data.PaidTier != nil && data.PaidTier.ID != "" {
			tierID = data.PaidTier.ID
			tier = ParseTierID(tierID)
			tierSource = "paidTier"
		}
		if tier == "unknown" && data.CurrentTier != nil && data.CurrentTier.ID != "" {
			tierID = data.CurrentTier.ID
			tier = ParseTierID(tierID)
			tierSource = "currentTier"
		}
		if tier == "unknown" && len(data.AllowedTiers) > 0 {
			var def *tierInfo
			for _, t := range data.AllowedTiers {
				if t != nil && t.IsDefault {
					def = t
					break
				}
			}
			if def == nil && data.AllowedTiers[0] != nil {
				def = data.AllowedTiers[0]
			}
			if def != nil && def.ID != "" {
				tierID = def.ID
				tier = ParseTierID(tierID)
				tierSource = "allowedTiers"
			}
		}

		c.log.Debug("[CloudCode] Subscription detected: %s (tierId: %s, source: %s), project: %s",
			tier, tierID, tierSource, projectID)
		return &Subscription{Tier: tier, ProjectID: projectID}, nil
	}

	c.log.Warn("[CloudCode] Failed to detect subscription tier from all endpoints, defaulting to free")
	return &Subscription{Tier: "free"}, nil
}

// projectFor resolves the project ID sent with requests for an account:
// credential-embedded or discovered value first, then the shared default.
func (c *Controller) projectFor(acc *account.Account) string {
	if p := c.tokens.Project(acc); p != "" {
		return p
	}
	return config.DefaultProjectID
}
