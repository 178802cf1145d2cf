// Package janitor runs the relay's periodic maintenance: rate-limit record
// cleanup, health recovery, signature-cache sweeps, and quota refresh.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vantorre/antigravity-relay/internal/account"
	"github.com/vantorre/antigravity-relay/internal/cloudcode"
	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/format"
	"github.com/vantorre/antigravity-relay/internal/logging"
)

// quotaRefreshTimeout bounds one refresh pass across the whole pool.
const quotaRefreshTimeout = 2 * time.Minute

// Janitor owns the cron scheduler. Jobs run on its goroutines; everything
// they touch is internally synchronized.
type Janitor struct {
	log  *logging.Logger
	cron *cron.Cron
}

// New schedules the maintenance jobs. Nothing runs until Start.
func New(log *logging.Logger, cfg *config.Config, pool *account.Manager, ctrl *cloudcode.Controller, xlate *format.Translator) *Janitor {
	j := &Janitor{log: log, cron: cron.New()}

	j.add("@every 1m", func() {
		if n := ctrl.Limits().Cleanup(); n > 0 {
			log.Debug("[Janitor] Dropped %d stale rate-limit records", n)
		}
		if n := pool.ClearExpired(); n > 0 {
			log.Info("[Janitor] Cleared %d expired rate limits", n)
		}
		if n := pool.RecoverDisabled(); n > 0 {
			log.Info("[Janitor] Re-enabled %d recovered account/model pairs", n)
		}
	})

	j.add("@every 5m", func() {
		if n := xlate.Signatures().Sweep(); n > 0 {
			log.Debug("[Janitor] Swept %d expired signatures", n)
		}
	})

	if cfg.QuotaRefresh {
		j.add("@every 15m", func() {
			ctx, cancel := context.WithTimeout(context.Background(), quotaRefreshTimeout)
			defer cancel()
			ctrl.RefreshQuotas(ctx)
		})
	}

	return j
}

func (j *Janitor) add(spec string, fn func()) {
	if _, err := j.cron.AddFunc(spec, fn); err != nil {
		j.log.Error("[Janitor] Schedule %q rejected: %v", spec, err)
	}
}

// Start launches the scheduler.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts scheduling and waits briefly for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
		j.log.Warn("[Janitor] Stop timed out waiting for running jobs")
	}
}
