package account

import (
	"sync"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
	"github.com/vantorre/antigravity-relay/internal/relayerr"
)

// Manager owns the account pool. Every mutation happens under one write
// lock; strategy state shares that lock, and each mutation is persisted
// through the store's atomic writer.
type Manager struct {
	mu    sync.RWMutex
	cfg   *config.Config
	log   *logging.Logger
	store *Store

	accounts            []*Account
	activeIndex         int
	activeIndexByFamily map[string]int
	settings            Settings
	strategy            Scheduler
	initialized         bool
}

// NewManager wires a manager; call Initialize before use.
func NewManager(cfg *config.Config, log *logging.Logger, store *Store) *Manager {
	return &Manager{cfg: cfg, log: log, store: store}
}

// Initialize loads the accounts file and builds the strategy. Resolution
// order for the strategy name: explicit override (flag or env), the name
// persisted in the file, then the configured default.
func (m *Manager) Initialize(strategyOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.store.Load()
	if err != nil {
		return err
	}
	m.accounts = f.Accounts
	m.activeIndex = f.ActiveIndex
	m.activeIndexByFamily = f.ActiveIndexByFamily
	m.settings = f.Settings

	name := strategyOverride
	if name == "" {
		name = m.settings.Strategy
	}
	if name == "" {
		name = m.cfg.Strategy
	}
	m.strategy = NewScheduler(name, m.log)
	m.settings.Strategy = m.strategy.Name()
	m.initialized = true

	m.log.Success("[AccountManager] Loaded %d account(s), strategy: %s", len(m.accounts), StrategyLabel(m.strategy.Name()))
	return nil
}

// Reload re-reads the accounts file, keeping the current strategy.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.store.Load()
	if err != nil {
		return err
	}
	m.accounts = f.Accounts
	m.activeIndex = f.ActiveIndex
	m.activeIndexByFamily = f.ActiveIndexByFamily
	m.log.Info("[AccountManager] Reloaded %d account(s)", len(m.accounts))
	return nil
}

// Count returns the pool size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// StrategyName returns the active strategy name.
func (m *Manager) StrategyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.strategy == nil {
		return ""
	}
	return m.strategy.Name()
}

// Select picks an account for a model. The result either carries an
// account, or a positive WaitMs when the preferred account frees up within
// the wait budget. With neither, a NoAccountsError describes the pool.
//
// The returned Account is a point-in-time copy for reading credentials and
// identity; all mutations go through the manager by email.
func (m *Manager) Select(modelID, requestID string) (*Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, relayerr.New(relayerr.KindServerError, "account manager not initialized")
	}
	if len(m.accounts) == 0 {
		return nil, &relayerr.NoAccountsError{Message: "no accounts configured"}
	}

	now := nowMs()
	m.clearExpiredLocked(now)

	sctx := &SelectContext{
		ModelID:             modelID,
		Family:              familyOf(modelID),
		RequestID:           requestID,
		Now:                 now,
		GlobalThr:           m.cfg.GlobalQuotaThreshold,
		MaxWaitMs:           m.cfg.MaxWaitBeforeErrorMs,
		Accounts:            m.accounts,
		ActiveIndex:         &m.activeIndex,
		ActiveIndexByFamily: m.activeIndexByFamily,
	}
	sel := m.strategy.SelectAccount(sctx)

	if sel.Switched {
		m.log.Warn("[AccountManager] Switching %s accounts: %s -> %s", sctx.Family, sel.SwitchedFrom, sel.Account.Email)
	}
	if sel.Account != nil {
		sel.Account.LastUsed = now
		if sel.Switched || m.strategy.Name() == config.StrategyOnDemand {
			m.saveLocked()
		}
		snapshot := *sel.Account
		sel.Account = &snapshot
		return sel, nil
	}
	if sel.WaitMs > 0 {
		return sel, nil
	}

	return nil, &relayerr.NoAccountsError{
		Message:        "no available accounts for " + modelID,
		AllRateLimited: m.allRateLimitedLocked(modelID, now),
		SoonestResetMs: m.minWaitLocked(modelID, now),
	}
}

// ReleaseRequest drops per-request strategy bookkeeping. Under on-demand
// this may disable the leased account again, which is persisted.
func (m *Manager) ReleaseRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.strategy == nil {
		return
	}
	m.strategy.Release(requestID, m.accounts)
	if m.strategy.Name() == config.StrategyOnDemand {
		m.saveLocked()
	}
}

// MarkRateLimited records a rate limit for (email, model). resetMs is a
// duration from now; an earlier reset never overwrites a later one. The
// health record takes the rate-limit penalty.
func (m *Manager) MarkRateLimited(email, modelID string, resetMs int64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	now := nowMs()
	resetTime := now + resetMs
	if acc.ModelRateLimits == nil {
		acc.ModelRateLimits = make(map[string]*RateLimitInfo)
	}
	rl := acc.ModelRateLimits[modelID]
	if rl == nil {
		rl = &RateLimitInfo{}
		acc.ModelRateLimits[modelID] = rl
	}
	rl.IsRateLimited = true
	rl.HitAt = now
	rl.Reason = reason
	if resetTime > rl.ResetTime {
		rl.ResetTime = resetTime
	}

	m.applyFailureLocked(acc, modelID, relayerr.KindRateLimited, now)
	m.strategy.OnRateLimit(email, modelID)
	m.log.Warn("[AccountManager] %s rate limited for %s, resets in %ds (%s)", email, modelID, resetMs/1000, reason)
	m.saveLocked()
}

// MarkInvalid flags an account as unusable until re-verified.
func (m *Manager) MarkInvalid(email, reason, verifyURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	acc.IsInvalid = true
	acc.InvalidReason = reason
	acc.VerifyURL = verifyURL
	m.log.Error("[AccountManager] %s marked invalid: %s", email, reason)
	m.saveLocked()
}

// SetProjectID caches a discovered project id on the account.
func (m *Manager) SetProjectID(email, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil || acc.ProjectID == projectID {
		return
	}
	acc.ProjectID = projectID
	m.saveLocked()
}

// RecordSuccess updates health after a successful attempt.
func (m *Manager) RecordSuccess(email, modelID string, latencyMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	h := acc.HealthFor(modelID)
	h.SuccessCount++
	h.ConsecutiveFailures = 0
	h.DisabledUntil = 0
	if h.HealthScore < 100 {
		h.HealthScore++
	}
	acc.LastUsed = nowMs()
	m.strategy.OnSuccess(email, modelID)
	m.log.Debug("[AccountManager] %s ok for %s in %dms (health %d)", email, modelID, latencyMs, h.HealthScore)
	m.saveLocked()
}

// RecordFailure updates health after a classified failure and notifies the
// strategy. Crossing the consecutive-failure threshold disables the
// (account, model) pair until the recovery window passes.
func (m *Manager) RecordFailure(email, modelID string, kind relayerr.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	m.applyFailureLocked(acc, modelID, kind, nowMs())
	m.strategy.OnFailure(email, modelID)
	m.saveLocked()
}

func (m *Manager) applyFailureLocked(acc *Account, modelID string, kind relayerr.Kind, now int64) {
	h := acc.HealthFor(modelID)
	h.FailCount++
	h.ConsecutiveFailures++
	h.LastFailureAt = now
	h.HealthScore -= healthPenalty(kind)
	if h.HealthScore < 0 {
		h.HealthScore = 0
	}
	if h.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures && h.DisabledUntil <= now {
		h.DisabledUntil = now + m.cfg.AutoRecoveryMs
		m.log.Warn("[AccountManager] %s disabled for %s after %d consecutive failures, recovery in %ds",
			acc.Email, modelID, h.ConsecutiveFailures, m.cfg.AutoRecoveryMs/1000)
	}
}

func healthPenalty(kind relayerr.Kind) int {
	switch kind {
	case relayerr.KindRateLimited, relayerr.KindQuotaExhausted, relayerr.KindCapacityExhausted:
		return config.HealthPenaltyRateLimit
	case relayerr.KindAuth, relayerr.KindValidationRequired, relayerr.KindPermissionDenied:
		return config.HealthPenaltyAuth
	case relayerr.KindNetworkError, relayerr.KindTimeout:
		return config.HealthPenaltyNetwork
	default:
		return config.HealthPenaltyServer
	}
}

// ClearExpired drops rate-limit records whose reset time has passed.
// Returns how many were cleared.
func (m *Manager) ClearExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := m.clearExpiredLocked(nowMs())
	if cleared > 0 {
		m.saveLocked()
	}
	return cleared
}

func (m *Manager) clearExpiredLocked(now int64) int {
	cleared := 0
	for _, acc := range m.accounts {
		for modelID, rl := range acc.ModelRateLimits {
			if rl.IsRateLimited && rl.ResetTime <= now {
				delete(acc.ModelRateLimits, modelID)
				cleared++
			}
		}
	}
	return cleared
}

// RecoverDisabled re-enables (account, model) pairs whose recovery window
// has passed. Returns how many recovered.
func (m *Manager) RecoverDisabled() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowMs()
	recovered := 0
	for _, acc := range m.accounts {
		for modelID, h := range acc.ModelHealth {
			if h.DisabledUntil > 0 && h.DisabledUntil <= now {
				h.DisabledUntil = 0
				h.ConsecutiveFailures = 0
				recovered++
				m.log.Info("[AccountManager] %s recovered for %s", acc.Email, modelID)
			}
		}
	}
	if recovered > 0 {
		m.saveLocked()
	}
	return recovered
}

// ResetAllRateLimits clears every rate-limit record. Used by the
// --trigger-reset flag.
func (m *Manager) ResetAllRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		acc.ModelRateLimits = nil
	}
	m.log.Success("[AccountManager] Cleared all rate limits")
	m.saveLocked()
}

// UpdateQuota records a refreshed quota view for one account.
func (m *Manager) UpdateQuota(email string, models map[string]*ModelQuotaInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findLocked(email)
	if acc == nil {
		return
	}
	if acc.Quota == nil {
		acc.Quota = &QuotaInfo{}
	}
	if acc.Quota.Models == nil {
		acc.Quota.Models = make(map[string]*ModelQuotaInfo)
	}
	for modelID, q := range models {
		acc.Quota.Models[modelID] = q
	}
	acc.Quota.LastChecked = nowMs()
	m.saveLocked()
}

// MinWaitMs returns the soonest rate-limit reset across the pool for a
// model, zero when no account is limited.
func (m *Manager) MinWaitMs(modelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minWaitLocked(modelID, nowMs())
}

func (m *Manager) minWaitLocked(modelID string, now int64) int64 {
	var min int64
	for _, acc := range m.accounts {
		if acc.IsInvalid || !acc.IsEnabled() {
			continue
		}
		remaining := acc.CooldownRemaining(modelID, now)
		if remaining > 0 && (min == 0 || remaining < min) {
			min = remaining
		}
	}
	return min
}

// AllRateLimited reports whether every enabled account is rate-limited for
// the model.
func (m *Manager) AllRateLimited(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allRateLimitedLocked(modelID, nowMs())
}

func (m *Manager) allRateLimitedLocked(modelID string, now int64) bool {
	any := false
	for _, acc := range m.accounts {
		if acc.IsInvalid || !acc.IsEnabled() {
			continue
		}
		any = true
		if acc.CooldownRemaining(modelID, now) == 0 {
			return false
		}
	}
	return any
}

// AvailableCount returns how many accounts are usable for a model.
func (m *Manager) AvailableCount(modelID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := nowMs()
	count := 0
	for _, acc := range m.accounts {
		if acc.Usable(modelID, m.cfg.GlobalQuotaThreshold, now) {
			count++
		}
	}
	return count
}

// ForEach runs fn over a read-locked view of the pool. fn must not mutate.
func (m *Manager) ForEach(fn func(acc *Account)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, acc := range m.accounts {
		fn(acc)
	}
}

func (m *Manager) findLocked(email string) *Account {
	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// saveLocked persists the pool. Failures are logged, not propagated; the
// in-memory state stays authoritative.
func (m *Manager) saveLocked() {
	f := &File{
		Accounts:            m.accounts,
		Settings:            m.settings,
		ActiveIndex:         m.activeIndex,
		ActiveIndexByFamily: m.activeIndexByFamily,
	}
	if err := m.store.Save(f); err != nil {
		m.log.Error("[AccountManager] Failed to save accounts: %v", err)
	}
}
