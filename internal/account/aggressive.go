package account

import (
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
)

// aggressiveSwitchThreshold is how many recorded issues move the cursor off
// an account.
const aggressiveSwitchThreshold = 1

// aggressive rotates away from an account as soon as it records issues,
// spreading load at the cost of prompt-cache locality. Issue counts are
// transient; they reset on success and when the whole pool is marked.
type aggressive struct {
	log    *logging.Logger
	issues map[string]int
}

func newAggressive(log *logging.Logger) *aggressive {
	return &aggressive{log: log, issues: make(map[string]int)}
}

func (s *aggressive) Name() string { return config.StrategyAggressive }

func (s *aggressive) SelectAccount(sctx *SelectContext) *Selection {
	n := len(sctx.Accounts)
	if n == 0 {
		return &Selection{}
	}

	current := *sctx.ActiveIndex
	if current < 0 || current >= n {
		current = 0
	}

	if acc := sctx.Accounts[current]; s.issues[acc.Email] < aggressiveSwitchThreshold &&
		acc.Usable(sctx.ModelID, sctx.GlobalThr, sctx.Now) {
		*sctx.ActiveIndex = current
		return &Selection{Account: acc}
	}

	if sel := s.scan(sctx, current, true); sel != nil {
		return sel
	}

	// Every usable account has hit the threshold. Start a fresh generation
	// and pick again.
	if s.anyUsable(sctx) {
		s.log.Debug("[Aggressive] All accounts have issues, resetting counters")
		s.issues = make(map[string]int)
		if sel := s.scan(sctx, current, true); sel != nil {
			return sel
		}
	}
	return &Selection{}
}

// scan walks the pool from the slot after start and returns the first usable
// account, optionally skipping accounts at or over the issue threshold.
func (s *aggressive) scan(sctx *SelectContext, start int, honorIssues bool) *Selection {
	n := len(sctx.Accounts)
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		acc := sctx.Accounts[idx]
		if honorIssues && s.issues[acc.Email] >= aggressiveSwitchThreshold {
			continue
		}
		if acc.Usable(sctx.ModelID, sctx.GlobalThr, sctx.Now) {
			*sctx.ActiveIndex = idx
			return &Selection{Account: acc}
		}
	}
	return nil
}

func (s *aggressive) anyUsable(sctx *SelectContext) bool {
	for _, acc := range sctx.Accounts {
		if acc.Usable(sctx.ModelID, sctx.GlobalThr, sctx.Now) {
			return true
		}
	}
	return false
}

func (s *aggressive) OnSuccess(email, modelID string) {
	delete(s.issues, email)
}

func (s *aggressive) OnRateLimit(email, modelID string) {
	s.issues[email]++
}

func (s *aggressive) OnFailure(email, modelID string) {
	s.issues[email]++
}

func (s *aggressive) Release(string, []*Account) {}
