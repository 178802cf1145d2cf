package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Thinking-tag handling modes for inline <thinking> tags in model output.
const (
	ThinkingTagsPassthrough = "passthrough"
	ThinkingTagsStrip       = "strip"
	ThinkingTagsNative      = "native"
)

// Config is the immutable runtime configuration. Precedence, lowest to
// highest: built-in defaults, config file, environment, CLI flags.
type Config struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	Debug           bool   `json:"debug"`
	APIKey          string `json:"apiKey"`
	Strategy        string `json:"strategy"`
	FallbackEnabled bool   `json:"fallbackEnabled"`
	ThinkingTags    string `json:"thinkingTags"`
	AccountsFile    string `json:"accountsFile"`

	GlobalQuotaThreshold float64 `json:"globalQuotaThreshold"`

	MaxRetries             int   `json:"maxRetries"`
	MaxWaitBeforeErrorMs   int64 `json:"maxWaitBeforeErrorMs"`
	DefaultCooldownMs      int64 `json:"defaultCooldownMs"`
	SwitchAccountDelayMs   int64 `json:"switchAccountDelayMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	AutoRecoveryMs         int64 `json:"autoRecoveryMs"`
	UpstreamTimeoutMs      int64 `json:"upstreamTimeoutMs"`

	// QuotaRefresh enables the periodic background quota poll feeding
	// /health and /account-limits.
	QuotaRefresh bool `json:"quotaRefresh"`

	// FallbackMap overrides the catalog fallback edges when non-empty.
	FallbackMap map[string]string `json:"fallbackMap,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                   DefaultPort,
		Host:                   "127.0.0.1",
		Strategy:               DefaultSelectionStrategy,
		FallbackEnabled:        false,
		ThinkingTags:           ThinkingTagsPassthrough,
		AccountsFile:           DefaultAccountsPath(),
		MaxRetries:             MaxRetries,
		MaxWaitBeforeErrorMs:   MaxWaitBeforeErrorMs,
		DefaultCooldownMs:      DefaultCooldownMs,
		SwitchAccountDelayMs:   SwitchAccountDelayMs,
		MaxConsecutiveFailures: MaxConsecutiveFailures,
		AutoRecoveryMs:         AutoRecoveryMs,
		UpstreamTimeoutMs:      UpstreamTimeoutMs,
		QuotaRefresh:           true,
	}
}

// Load builds the configuration from defaults, an optional config file, and
// the environment. Flag overrides are applied by the caller afterwards.
//
// When path is empty, ~/.config/antigravity-relay/config.json is tried first,
// then ./config.json; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = []string{DefaultConfigPath(), "config.json"}
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
		break
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.Debug = isTruthy(v)
	}
	if v := os.Getenv("FALLBACK"); v != "" {
		c.FallbackEnabled = isTruthy(v)
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("STRATEGY"); v != "" {
		c.Strategy = v
	}
	if v := os.Getenv("THINKING_TAGS"); v != "" {
		c.ThinkingTags = v
	}
	if v := os.Getenv("ACCOUNTS_FILE"); v != "" {
		c.AccountsFile = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks enum fields and ranges. The fallback map is validated
// separately at startup so the cycle error can name the offending chain.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !validStrategy(c.Strategy) {
		return fmt.Errorf("unknown strategy %q (valid: %s)", c.Strategy, strings.Join(SelectionStrategies, ", "))
	}
	switch c.ThinkingTags {
	case ThinkingTagsPassthrough, ThinkingTagsStrip, ThinkingTagsNative:
	default:
		return fmt.Errorf("unknown thinking-tags mode %q", c.ThinkingTags)
	}
	if c.GlobalQuotaThreshold < 0 || c.GlobalQuotaThreshold > 1 {
		return fmt.Errorf("globalQuotaThreshold must be in [0,1], got %v", c.GlobalQuotaThreshold)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("maxRetries must be at least 1")
	}
	return nil
}

func validStrategy(name string) bool {
	for _, s := range SelectionStrategies {
		if s == name {
			return true
		}
	}
	return false
}

// EffectiveStrategy resolves deprecated aliases to the concrete strategy
// name. Returns the resolved name and whether an alias was mapped.
func (c *Config) EffectiveStrategy() (string, bool) {
	if c.Strategy == StrategyHybrid {
		return StrategySticky, true
	}
	return c.Strategy, false
}

// EffectiveFallbackMap returns the configured fallback edges, defaulting to
// the catalog map.
func (c *Config) EffectiveFallbackMap() map[string]string {
	if len(c.FallbackMap) > 0 {
		return c.FallbackMap
	}
	return DefaultFallbackMap()
}
