// Package config holds the static constants and runtime configuration of the
// relay: upstream endpoints, OAuth client material, retry timing, and the
// model catalog.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Version is the relay version reported in the startup banner and /health.
const Version = "1.2.0"

// Cloud Code API endpoints, in fallback order.
const (
	EndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the endpoint order for generateContent (daily first).
var EndpointFallbacks = []string{EndpointDaily, EndpointProd}

// ModelListEndpoints is the endpoint order for fetchAvailableModels. Prod is
// tried first because fresh accounts are often not provisioned on daily yet.
var ModelListEndpoints = []string{EndpointProd, EndpointDaily}

// DefaultProjectID is used when no project can be discovered for an account.
const DefaultProjectID = "rising-fact-p41fc"

// Client identity enums as defined by the Cloud Code API.
const (
	ideTypeAntigravity = 6
	pluginTypeGemini   = 2

	platformUnspecified = 0
	platformWindows     = 1
	platformLinux       = 2
	platformMacOS       = 3
)

// UpstreamHeaders returns the fixed headers every Cloud Code request carries.
func UpstreamHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   clientMetadata(),
	}
}

func clientMetadata() string {
	platform := platformUnspecified
	switch runtime.GOOS {
	case "darwin":
		platform = platformMacOS
	case "windows":
		platform = platformWindows
	case "linux":
		platform = platformLinux
	}
	data, _ := json.Marshal(map[string]int{
		"ideType":    ideTypeAntigravity,
		"platform":   platform,
		"pluginType": pluginTypeGemini,
	})
	return string(data)
}

// InterleavedThinkingBeta is sent for Claude thinking models used with tools.
const InterleavedThinkingBeta = "interleaved-thinking-2025-05-14"

// SystemInstruction is the baseline system instruction injected into every
// upstream request. Upstream validates the client identity against it.
const SystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// OAuth client material. These identify the Antigravity desktop client; the
// server only uses the refresh grant and userinfo, the accounts CLI also runs
// the interactive authorization-code flow.
const (
	OAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	OAuthClientSecret = "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"
	OAuthAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	OAuthTokenURL     = "https://oauth2.googleapis.com/token"
	OAuthUserInfoURL  = "https://www.googleapis.com/oauth2/v1/userinfo"
)

// OAuthCallbackPort is where the interactive flow listens for the redirect;
// the fallbacks are tried in order when it is taken.
const OAuthCallbackPort = 51121

// OAuthCallbackFallbackPorts are alternates for the redirect listener.
var OAuthCallbackFallbackPorts = []int{51122, 51123, 51124, 51125, 51126}

// OAuthScopes are the scopes requested during interactive login.
var OAuthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// Timing and sizing constants.
const (
	// TokenCacheTTLMs is how long a refreshed access token is reused.
	TokenCacheTTLMs = 5 * 60 * 1000
	// RequestBodyLimit caps inbound request bodies (50MB).
	RequestBodyLimit int64 = 50 * 1024 * 1024
	// UpstreamTimeoutMs is the per-attempt upstream timeout.
	UpstreamTimeoutMs = 120 * 1000
	// DefaultPort is the default listen port.
	DefaultPort = 8080
	// MaxAccounts caps the pool size.
	MaxAccounts = 10
)

// Retry and rate-limit constants.
const (
	DefaultCooldownMs      = 10 * 1000
	MaxRetries             = 5
	MaxEmptyRetries        = 2
	MaxWaitBeforeErrorMs   = 120000
	RateLimitDedupWindowMs = 2000
	RateLimitStateResetMs  = 120000
	SwitchAccountDelayMs   = 5000
	MaxConsecutiveFailures = 3
	AutoRecoveryMs         = 60000
	MaxCapacityRetries     = 5
	MinBackoffMs           = 2000
	CapacityJitterMaxMs    = 10000
)

// CapacityBackoffTiersMs is the progressive backoff for capacity exhaustion.
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaBackoffTiersMs is the progressive backoff for quota exhaustion
// (1m, 5m, 30m, 2h).
var QuotaBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

// BackoffByErrorKindMs is the default cooldown applied when upstream gives no
// reset hint, keyed by the classified failure reason.
var BackoffByErrorKindMs = map[string]int64{
	"rate_limit_exceeded":      30000,
	"model_capacity_exhausted": 15000,
	"server_error":             20000,
	"unknown":                  60000,
}

// Health score penalties per failure kind. Score lives in [0,100] and starts
// at 100; successes add one point back.
const (
	HealthPenaltyRateLimit = 5
	HealthPenaltyAuth      = 20
	HealthPenaltyServer    = 10
	HealthPenaltyNetwork   = 3
)

// Signature cache tuning.
const (
	SignatureCacheTTLMs   = 2 * 60 * 60 * 1000
	SignatureCacheMaxSize = 10000
	SchemaCacheMaxEntries = 2048
)

// Gemini generation limits.
const (
	GeminiMaxOutputTokens       = 16384
	GeminiDefaultThinkingBudget = 16000
)

// GeminiSkipSignature is accepted by Gemini models in place of a real thought
// signature when continuity cannot be established.
const GeminiSkipSignature = "skip_thought_signature_validator"

// Selection strategy names. "hybrid" is accepted as a deprecated alias for
// sticky.
const (
	StrategyRoundRobin = "round-robin"
	StrategySticky     = "sticky"
	StrategyAggressive = "aggressive"
	StrategyOnDemand   = "on-demand"
	StrategyHybrid     = "hybrid"
)

// SelectionStrategies lists the accepted --strategy values.
var SelectionStrategies = []string{
	StrategyRoundRobin,
	StrategySticky,
	StrategyAggressive,
	StrategyOnDemand,
	StrategyHybrid,
}

// DefaultSelectionStrategy is used when no strategy is configured.
const DefaultSelectionStrategy = StrategySticky

// ConfigDirName is the per-user configuration directory under ~/.config.
const ConfigDirName = "antigravity-relay"

// DefaultAccountsPath returns the default accounts file location.
func DefaultAccountsPath() string {
	return filepath.Join(homeDir(), ".config", ConfigDirName, "accounts.json")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(homeDir(), ".config", ConfigDirName, "config.json")
}

// HostDatabasePath returns the Antigravity desktop app state database for the
// current platform. Used by the hostDatabase credential source.
func HostDatabasePath() string {
	home := homeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
