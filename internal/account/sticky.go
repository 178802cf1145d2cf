package account

import (
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
)

// sticky pins each model family to one account to maximize upstream
// prompt-cache hits, switching only when the pinned account becomes
// unusable.
type sticky struct {
	noopHooks
	log *logging.Logger
}

func newSticky(log *logging.Logger) *sticky {
	return &sticky{log: log}
}

func (s *sticky) Name() string { return config.StrategySticky }

// SelectAccount returns the family's pinned account when usable. Otherwise
// it promotes the best alternative: highest remaining quota fraction, then
// shortest cooldown, then lowest index. When no alternative exists and the
// pinned account is only cooling down within the wait budget, the caller is
// told to wait it out.
func (s *sticky) SelectAccount(sctx *SelectContext) *Selection {
	n := len(sctx.Accounts)
	if n == 0 {
		return &Selection{}
	}

	current := sctx.ActiveIndexByFamily[sctx.Family]
	if current < 0 || current >= n {
		current = 0
	}
	pinned := sctx.Accounts[current]
	if pinned.Usable(sctx.ModelID, sctx.GlobalThr, sctx.Now) {
		return &Selection{Account: pinned}
	}

	if best, idx := s.bestAlternative(sctx, current); best != nil {
		sctx.ActiveIndexByFamily[sctx.Family] = idx
		return &Selection{
			Account:      best,
			Switched:     true,
			SwitchedFrom: pinned.Email,
		}
	}

	if cooldown := pinned.CooldownRemaining(sctx.ModelID, sctx.Now); cooldown > 0 && cooldown <= sctx.MaxWaitMs {
		return &Selection{WaitMs: cooldown}
	}
	return &Selection{}
}

func (s *sticky) bestAlternative(sctx *SelectContext, current int) (*Account, int) {
	var best *Account
	bestIdx := -1
	bestFrac := -1.0
	var bestCooldown int64
	for idx, acc := range sctx.Accounts {
		if idx == current || !acc.Usable(sctx.ModelID, sctx.GlobalThr, sctx.Now) {
			continue
		}
		frac := 1.0
		if f := acc.RemainingFraction(sctx.ModelID); f != nil {
			frac = *f
		}
		cooldown := acc.CooldownRemaining(sctx.ModelID, sctx.Now)
		if best == nil || frac > bestFrac || (frac == bestFrac && cooldown < bestCooldown) {
			best, bestIdx, bestFrac, bestCooldown = acc, idx, frac, cooldown
		}
	}
	return best, bestIdx
}
