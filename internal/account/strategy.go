package account

import (
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
)

// StrategyLabels are the display labels shown in the banner and /health.
var StrategyLabels = map[string]string{
	config.StrategySticky:     "Sticky (Cache-Optimized)",
	config.StrategyRoundRobin: "Round-Robin (Load-Balanced)",
	config.StrategyAggressive: "Aggressive (Rotate on Issues)",
	config.StrategyOnDemand:   "On-Demand (Enable per Request)",
}

// SelectContext is the snapshot a strategy selects from. It is built and
// consumed under the manager lock; strategies mutate the cursor fields
// directly.
type SelectContext struct {
	ModelID   string
	Family    string
	RequestID string
	Now       int64
	GlobalThr float64
	MaxWaitMs int64

	Accounts            []*Account
	ActiveIndex         *int
	ActiveIndexByFamily map[string]int
}

// Selection is a strategy's answer. Either Account is set, or WaitMs > 0
// names how long until the preferred account frees up, or both are zero
// meaning nothing is available.
type Selection struct {
	Account *Account
	WaitMs  int64

	// Switched is set when a sticky strategy moved off its preferred
	// account; the manager logs the handoff.
	Switched     bool
	SwitchedFrom string
}

// Scheduler is the capability set every selection strategy implements. The
// manager invokes all methods under its own lock; scheduler state needs no
// extra guarding.
type Scheduler interface {
	Name() string
	SelectAccount(sctx *SelectContext) *Selection

	OnSuccess(email, modelID string)
	OnRateLimit(email, modelID string)
	OnFailure(email, modelID string)

	// Release drops per-request bookkeeping once a request finishes or is
	// cancelled. Only on-demand keeps any; it may flip an account's
	// enabled flag back, hence the pool argument.
	Release(requestID string, accounts []*Account)
}

// noopHooks provides the empty callback set for strategies that keep no
// per-account state.
type noopHooks struct{}

func (noopHooks) OnSuccess(string, string)   {}
func (noopHooks) OnRateLimit(string, string) {}
func (noopHooks) OnFailure(string, string)   {}
func (noopHooks) Release(string, []*Account) {}

// NewScheduler builds the scheduler for the named strategy. The hybrid alias
// resolves to sticky with a deprecation warning; unknown names fall back to
// the default with a warning.
func NewScheduler(name string, log *logging.Logger) Scheduler {
	if name == "" {
		name = config.DefaultSelectionStrategy
	}
	switch name {
	case config.StrategyHybrid:
		log.Warn("[Strategy] \"hybrid\" is a deprecated alias for %q", config.StrategySticky)
		return newSticky(log)
	case config.StrategySticky:
		return newSticky(log)
	case config.StrategyRoundRobin, "roundrobin":
		return newRoundRobin(log)
	case config.StrategyAggressive:
		return newAggressive(log)
	case config.StrategyOnDemand:
		return newOnDemand(log)
	default:
		log.Warn("[Strategy] Unknown strategy %q, falling back to %s", name, config.DefaultSelectionStrategy)
		return newSticky(log)
	}
}

// StrategyLabel returns the display label for a strategy name.
func StrategyLabel(name string) string {
	if name == config.StrategyHybrid || name == "" {
		name = config.StrategySticky
	}
	if name == "roundrobin" {
		name = config.StrategyRoundRobin
	}
	if label, ok := StrategyLabels[name]; ok {
		return label
	}
	return name
}
