package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Family groups models by vendor. Sticky selection and signature caching key
// on the family rather than the exact model id.
type Family string

const (
	FamilyClaude  Family = "claude"
	FamilyGemini  Family = "gemini"
	FamilyUnknown Family = "unknown"
)

// QuotaGroup names a set of models whose upstream usage counters reset
// together.
type QuotaGroup string

const (
	QuotaGroupClaudeOpus   QuotaGroup = "claude-opus"
	QuotaGroupClaudeSonnet QuotaGroup = "claude-sonnet"
	QuotaGroupGeminiPro    QuotaGroup = "gemini-pro"
	QuotaGroupGeminiFlash  QuotaGroup = "gemini-flash"
	QuotaGroupOther        QuotaGroup = "other"
)

// ModelDescriptor is the static description of one known model.
type ModelDescriptor struct {
	ID              string
	DisplayName     string
	Family          Family
	Thinking        bool
	MaxOutputTokens int
	FallbackTo      string
	QuotaGroup      QuotaGroup
}

// KnownModels is the static catalog. FallbackTo edges must form a DAG; the
// server refuses to start otherwise. Every chain here drains into
// gemini-3-flash, which has no fallback.
var KnownModels = []ModelDescriptor{
	{
		ID:              "claude-opus-4-6-thinking",
		DisplayName:     "Claude Opus 4.6 (Thinking)",
		Family:          FamilyClaude,
		Thinking:        true,
		MaxOutputTokens: 64000,
		FallbackTo:      "claude-sonnet-4-5-thinking",
		QuotaGroup:      QuotaGroupClaudeOpus,
	},
	{
		ID:              "claude-sonnet-4-5-thinking",
		DisplayName:     "Claude Sonnet 4.5 (Thinking)",
		Family:          FamilyClaude,
		Thinking:        true,
		MaxOutputTokens: 64000,
		FallbackTo:      "gemini-3-flash",
		QuotaGroup:      QuotaGroupClaudeSonnet,
	},
	{
		ID:              "claude-sonnet-4-5",
		DisplayName:     "Claude Sonnet 4.5",
		Family:          FamilyClaude,
		Thinking:        false,
		MaxOutputTokens: 64000,
		FallbackTo:      "gemini-3-flash",
		QuotaGroup:      QuotaGroupClaudeSonnet,
	},
	{
		ID:              "gemini-3-pro-high",
		DisplayName:     "Gemini 3 Pro (High)",
		Family:          FamilyGemini,
		Thinking:        true,
		MaxOutputTokens: GeminiMaxOutputTokens,
		FallbackTo:      "gemini-3-pro-low",
		QuotaGroup:      QuotaGroupGeminiPro,
	},
	{
		ID:              "gemini-3-pro-low",
		DisplayName:     "Gemini 3 Pro (Low)",
		Family:          FamilyGemini,
		Thinking:        true,
		MaxOutputTokens: GeminiMaxOutputTokens,
		FallbackTo:      "gemini-3-flash",
		QuotaGroup:      QuotaGroupGeminiPro,
	},
	{
		ID:              "gemini-3-flash",
		DisplayName:     "Gemini 3 Flash",
		Family:          FamilyGemini,
		Thinking:        true,
		MaxOutputTokens: GeminiMaxOutputTokens,
		QuotaGroup:      QuotaGroupGeminiFlash,
	},
}

var modelsByID = func() map[string]ModelDescriptor {
	m := make(map[string]ModelDescriptor, len(KnownModels))
	for _, d := range KnownModels {
		m[d.ID] = d
	}
	return m
}()

// wideContextSuffix marks the 1M-context variant of a model id.
const wideContextSuffix = "[1m]"

// NormalizeModelID strips the wide-context suffix and reports whether it was
// present. Lookups and upstream requests use the bare id.
func NormalizeModelID(modelID string) (string, bool) {
	if strings.HasSuffix(modelID, wideContextSuffix) {
		return strings.TrimSuffix(modelID, wideContextSuffix), true
	}
	return modelID, false
}

// LookupModel returns the descriptor for a model id, tolerating the
// wide-context suffix.
func LookupModel(modelID string) (ModelDescriptor, bool) {
	id, _ := NormalizeModelID(modelID)
	d, ok := modelsByID[id]
	return d, ok
}

// ModelFamily classifies a model id. Unknown ids fall back to substring
// detection so newly added upstream models still route sensibly.
func ModelFamily(modelID string) Family {
	if d, ok := LookupModel(modelID); ok {
		return d.Family
	}
	lower := strings.ToLower(modelID)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyClaude
	case strings.Contains(lower, "gemini"):
		return FamilyGemini
	}
	return FamilyUnknown
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether a model emits thought parts. Catalog
// entries are authoritative; unknown ids use name heuristics (any "thinking"
// suffix, or Gemini generation 3 and later).
func IsThinkingModel(modelID string) bool {
	if d, ok := LookupModel(modelID); ok {
		return d.Thinking
	}
	lower := strings.ToLower(modelID)
	if strings.Contains(lower, "claude") {
		return strings.Contains(lower, "thinking")
	}
	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRe.FindStringSubmatch(lower); len(m) == 2 {
			if v, err := strconv.Atoi(m[1]); err == nil && v >= 3 {
				return true
			}
		}
	}
	return false
}

// MaxOutputTokensFor returns the output cap for a model, zero when unknown.
func MaxOutputTokensFor(modelID string) int {
	if d, ok := LookupModel(modelID); ok {
		return d.MaxOutputTokens
	}
	if ModelFamily(modelID) == FamilyGemini {
		return GeminiMaxOutputTokens
	}
	return 0
}

// DefaultFallbackMap builds the model fallback edges from the catalog.
func DefaultFallbackMap() map[string]string {
	m := make(map[string]string)
	for _, d := range KnownModels {
		if d.FallbackTo != "" {
			m[d.ID] = d.FallbackTo
		}
	}
	return m
}

// ValidateFallbackMap rejects maps whose edges contain a cycle. Each chain is
// walked to its end; revisiting a node already on the current path is a
// cycle.
func ValidateFallbackMap(m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	const (
		unvisited = 0
		inPath    = 1
		done      = 2
	)
	state := make(map[string]int, len(m))

	var walk func(node string, path []string) error
	walk = func(node string, path []string) error {
		switch state[node] {
		case done:
			return nil
		case inPath:
			return fmt.Errorf("fallback cycle: %s -> %s", strings.Join(path, " -> "), node)
		}
		state[node] = inPath
		if next, ok := m[node]; ok {
			if err := walk(next, append(path, node)); err != nil {
				return err
			}
		}
		state[node] = done
		return nil
	}

	for _, k := range keys {
		if err := walk(k, nil); err != nil {
			return err
		}
	}
	return nil
}
