// Package modules holds optional relay features that sit beside the request
// path. Usage stats is the only one at the moment.
package modules

import (
	"sync"
	"time"

	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// UsageCounters aggregates traffic for one model or one account.
type UsageCounters struct {
	Requests         int64     `json:"requests"`
	InputTokens      int64     `json:"inputTokens"`
	OutputTokens     int64     `json:"outputTokens"`
	CacheReadTokens  int64     `json:"cacheReadTokens"`
	CacheWriteTokens int64     `json:"cacheWriteTokens"`
	LastUsed         time.Time `json:"lastUsed"`
}

func (c *UsageCounters) add(u *anthropic.Usage, now time.Time) {
	c.Requests++
	if u != nil {
		c.InputTokens += int64(u.InputTokens)
		c.OutputTokens += int64(u.OutputTokens)
		c.CacheReadTokens += int64(u.CacheReadInputTokens)
		c.CacheWriteTokens += int64(u.CacheCreationInputTokens)
	}
	c.LastUsed = now
}

// UsageStats tracks relay traffic in memory. Counters are recorded against
// the model that actually served the request, so fallback traffic shows up
// under the fallback model. Everything resets on restart.
type UsageStats struct {
	mu        sync.RWMutex
	started   time.Time
	requests  int64
	byModel   map[string]*UsageCounters
	byAccount map[string]*UsageCounters
}

func NewUsageStats() *UsageStats {
	return &UsageStats{
		started:   time.Now(),
		byModel:   make(map[string]*UsageCounters),
		byAccount: make(map[string]*UsageCounters),
	}
}

// Record counts one successful request against a model and an account.
func (s *UsageStats) Record(model, email string, usage *anthropic.Usage) {
	if model == "" && email == "" {
		return
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if model != "" {
		s.bucket(s.byModel, model).add(usage, now)
	}
	if email != "" {
		s.bucket(s.byAccount, email).add(usage, now)
	}
}

func (s *UsageStats) bucket(m map[string]*UsageCounters, key string) *UsageCounters {
	c := m[key]
	if c == nil {
		c = &UsageCounters{}
		m[key] = c
	}
	return c
}

// UsageSnapshot is a point-in-time copy of the counters.
type UsageSnapshot struct {
	StartedAt     time.Time                `json:"startedAt"`
	UptimeSeconds int64                    `json:"uptimeSeconds"`
	TotalRequests int64                    `json:"totalRequests"`
	Models        map[string]UsageCounters `json:"models"`
	Accounts      map[string]UsageCounters `json:"accounts"`
}

// Snapshot copies the counters for serving. The maps in the result are
// owned by the caller.
func (s *UsageStats) Snapshot() UsageSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := UsageSnapshot{
		StartedAt:     s.started,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		TotalRequests: s.requests,
		Models:        make(map[string]UsageCounters, len(s.byModel)),
		Accounts:      make(map[string]UsageCounters, len(s.byAccount)),
	}
	for model, c := range s.byModel {
		snap.Models[model] = *c
	}
	for email, c := range s.byAccount {
		snap.Accounts[email] = *c
	}
	return snap
}

// TotalRequests reports the number of successful requests since start.
func (s *UsageStats) TotalRequests() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests
}
