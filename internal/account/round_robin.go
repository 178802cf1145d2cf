package account

import (
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
)

// roundRobin walks the pool in insertion order, one step per request.
type roundRobin struct {
	noopHooks
	log *logging.Logger
}

func newRoundRobin(log *logging.Logger) *roundRobin {
	return &roundRobin{log: log}
}

func (s *roundRobin) Name() string { return config.StrategyRoundRobin }

// SelectAccount scans from the slot after the current cursor and returns the
// first usable account, advancing the cursor to it. When nothing passes the
// quota threshold but a threshold is configured, the scan is repeated
// ignoring thresholds and the account with the most remaining quota wins.
func (s *roundRobin) SelectAccount(sctx *SelectContext) *Selection {
	n := len(sctx.Accounts)
	if n == 0 {
		return &Selection{}
	}

	start := (*sctx.ActiveIndex + 1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		acc := sctx.Accounts[idx]
		if acc.Usable(sctx.ModelID, sctx.GlobalThr, sctx.Now) {
			*sctx.ActiveIndex = idx
			return &Selection{Account: acc}
		}
	}

	if sctx.GlobalThr > 0 {
		if acc, idx := bestBelowThreshold(sctx); acc != nil {
			s.log.Warn("[RoundRobin] All accounts below quota threshold for %s, using %s anyway", sctx.ModelID, acc.Email)
			*sctx.ActiveIndex = idx
			return &Selection{Account: acc}
		}
	}

	return &Selection{}
}

// bestBelowThreshold picks the otherwise-usable account with the highest
// remaining quota fraction, ties broken by lowest index. Unknown fractions
// count as full.
func bestBelowThreshold(sctx *SelectContext) (*Account, int) {
	var best *Account
	bestIdx := -1
	bestFrac := -1.0
	for idx, acc := range sctx.Accounts {
		if !acc.UsableIgnoringThreshold(sctx.ModelID, sctx.Now) {
			continue
		}
		frac := 1.0
		if f := acc.RemainingFraction(sctx.ModelID); f != nil {
			frac = *f
		}
		if frac > bestFrac {
			best, bestIdx, bestFrac = acc, idx, frac
		}
	}
	return best, bestIdx
}
