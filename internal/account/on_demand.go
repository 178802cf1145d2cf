package account

import (
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
)

// onDemand keeps accounts disabled at rest and enables one just for the
// lifetime of a request. At most one request runs per account; the refcount
// map restores the enabled flag once the last reference drops.
type onDemand struct {
	log    *logging.Logger
	cursor int

	// activeRequests: requestID -> lease
	activeRequests map[string]*lease
}

type lease struct {
	email       string
	wasDisabled bool
}

func newOnDemand(log *logging.Logger) *onDemand {
	return &onDemand{log: log, activeRequests: make(map[string]*lease)}
}

func (s *onDemand) Name() string { return config.StrategyOnDemand }

// SelectAccount scans from its own cursor for an account that is not
// invalid, not rate-limited or health-disabled for the model, and has no
// request in flight. The enabled flag is ignored for selection and flipped
// on for the lease.
func (s *onDemand) SelectAccount(sctx *SelectContext) *Selection {
	n := len(sctx.Accounts)
	if n == 0 {
		return &Selection{}
	}

	busy := make(map[string]bool, len(s.activeRequests))
	for _, l := range s.activeRequests {
		busy[l.email] = true
	}

	for i := 1; i <= n; i++ {
		idx := (s.cursor + i) % n
		acc := sctx.Accounts[idx]
		if acc.IsInvalid || busy[acc.Email] {
			continue
		}
		if rl := acc.RateLimitFor(sctx.ModelID); rl != nil && rl.IsRateLimited && rl.ResetTime > sctx.Now {
			continue
		}
		if acc.ModelHealth != nil {
			if h, ok := acc.ModelHealth[sctx.ModelID]; ok && h.DisabledUntil > sctx.Now {
				continue
			}
		}
		s.cursor = idx
		wasDisabled := !acc.IsEnabled()
		if wasDisabled {
			acc.SetEnabled(true)
			s.log.Debug("[OnDemand] Enabled %s for request %s", acc.Email, sctx.RequestID)
		}
		if sctx.RequestID != "" {
			s.activeRequests[sctx.RequestID] = &lease{email: acc.Email, wasDisabled: wasDisabled}
		}
		return &Selection{Account: acc}
	}
	return &Selection{}
}

func (s *onDemand) OnSuccess(string, string)   {}
func (s *onDemand) OnRateLimit(string, string) {}
func (s *onDemand) OnFailure(string, string)   {}

// Release drops the request's lease and disables the account again unless
// another in-flight request still holds it.
func (s *onDemand) Release(requestID string, accounts []*Account) {
	l, ok := s.activeRequests[requestID]
	if !ok {
		return
	}
	delete(s.activeRequests, requestID)
	if !l.wasDisabled {
		return
	}
	for _, other := range s.activeRequests {
		if other.email == l.email {
			return
		}
	}
	for _, acc := range accounts {
		if acc.Email == l.email {
			acc.SetEnabled(false)
			s.log.Debug("[OnDemand] Disabled %s after request %s", acc.Email, requestID)
			return
		}
	}
}
