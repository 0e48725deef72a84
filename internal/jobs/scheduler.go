// Package jobs runs the recurring maintenance work: quota resets, account
// health sweeps, proxy probes, stale-task reaping and audit retention.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/registry"
	"github.com/tgsuite/backend/internal/store"
	"github.com/tgsuite/backend/internal/telegram"
	"github.com/tgsuite/backend/internal/vault"
)

// staleRunningCutoff is how long a task may sit in running before the
// reaper decides its worker died.
const staleRunningCutoff = 15 * time.Minute

// auditRetentionDays is how long activity records are kept
const auditRetentionDays = 90

// jobTimeout bounds one maintenance run
const jobTimeout = 10 * time.Minute

// ProxyTester probes one proxy and reports its latency
type ProxyTester interface {
	Test(ctx context.Context, proxy *models.Proxy) (time.Duration, error)
}

// Trimmer removes expired audit records
type Trimmer interface {
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Scheduler owns the cron plan. All schedules run in UTC; the daily quota
// reset in particular is pinned to the UTC day boundary.
type Scheduler struct {
	store    store.Store
	registry *registry.Registry
	vault    *vault.Vault
	dialer   telegram.Dialer
	prober   ProxyTester
	trimmer  Trimmer
	cron     *cron.Cron
	log      zerolog.Logger
}

func NewScheduler(
	st store.Store,
	reg *registry.Registry,
	v *vault.Vault,
	dialer telegram.Dialer,
	prober ProxyTester,
	trimmer Trimmer,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		store:    st,
		registry: reg,
		vault:    v,
		dialer:   dialer,
		prober:   prober,
		trimmer:  trimmer,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers and starts the cron plan
func (s *Scheduler) Start() error {
	plan := []struct {
		spec string
		name string
		run  func(ctx context.Context)
	}{
		{"0 0 * * *", "daily_quota_reset", s.runDailyQuotaReset},
		{"30 0 * * *", "audit_cleanup", s.runAuditCleanup},
		{"@every 30m", "account_health_sweep", s.runHealthSweep},
		{"@every 1h", "proxy_test_sweep", s.runProxySweep},
		{"@every 5m", "stale_task_reaper", s.runStaleTaskReaper},
	}

	for _, entry := range plan {
		entry := entry
		_, err := s.cron.AddFunc(entry.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			entry.run(ctx)
		})
		if err != nil {
			return err
		}
	}

	s.cron.Start()
	s.log.Info().Int("jobs", len(plan)).Msg("maintenance scheduler started")
	return nil
}

// Stop stops the cron plan and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("maintenance scheduler stopped")
}

// runDailyQuotaReset zeroes every account's actions_today. Running it twice
// on the same day is harmless.
func (s *Scheduler) runDailyQuotaReset(ctx context.Context) {
	reset, err := s.store.ResetDailyCounters(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("daily quota reset failed")
		return
	}
	s.log.Info().Int64("accounts", reset).Msg("daily quotas reset")
}

// runHealthSweep reconnects accounts that should be reachable and
// reconciles their status with what Telegram actually says. Failures stay
// inside the sweep; one bad account never stops the rest.
func (s *Scheduler) runHealthSweep(ctx context.Context) {
	checked, repaired := 0, 0
	for _, status := range []models.AccountStatus{
		models.AccountStatusActive,
		models.AccountStatusConnectionError,
	} {
		accounts, err := s.store.ListAccountsByStatus(ctx, status)
		if err != nil {
			s.log.Error().Err(err).Str("status", string(status)).Msg("health sweep listing failed")
			continue
		}
		for i := range accounts {
			if ctx.Err() != nil {
				return
			}
			checked++
			if s.checkAccountHealth(ctx, &accounts[i]) {
				repaired++
			}
		}
	}
	s.log.Info().Int("checked", checked).Int("repaired", repaired).Msg("account health sweep finished")
}

// checkAccountHealth probes one account and reports whether its status
// changed.
func (s *Scheduler) checkAccountHealth(ctx context.Context, account *models.TelegramAccount) bool {
	log := s.log.With().Str("account_id", account.ID.String()).Logger()

	session, err := s.vault.Decrypt(account.SessionEncrypted)
	if err != nil {
		log.Warn().Err(err).Msg("session undecryptable during health sweep")
		return false
	}

	var proxyCfg *telegram.ProxyConfig
	if account.ProxyID != nil {
		proxy, err := s.store.GetProxyByID(ctx, *account.ProxyID)
		if err == nil {
			proxyCfg = &telegram.ProxyConfig{
				Protocol: string(proxy.Protocol),
				Addr:     proxy.Addr(),
				Username: proxy.Username,
				Password: proxy.Password,
			}
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	client, err := s.dialer.Connect(probeCtx, session, telegram.Credentials{
		APIID:   account.APIID,
		APIHash: account.APIHash,
		Phone:   account.PhoneNumber,
	}, proxyCfg)
	if err != nil {
		if account.Status != models.AccountStatusConnectionError {
			s.registry.MarkConnectionError(ctx, account.ID)
			return true
		}
		return false
	}
	defer client.Close()

	authorized, err := client.IsAuthorized(probeCtx)
	if err != nil || !authorized {
		if account.Status != models.AccountStatusAuthRequired {
			s.registry.MarkAuthRequired(ctx, account.ID)
			return true
		}
		return false
	}

	if err := s.registry.MarkActive(ctx, account.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark account active")
		return false
	}
	return account.Status != models.AccountStatusActive
}

// runProxySweep probes every active or testing proxy and records status and
// latency.
func (s *Scheduler) runProxySweep(ctx context.Context) {
	probed := 0
	for _, status := range []models.ProxyStatus{
		models.ProxyActive,
		models.ProxyTesting,
		models.ProxyDead,
	} {
		proxies, err := s.store.ListProxiesByStatus(ctx, status)
		if err != nil {
			s.log.Error().Err(err).Msg("proxy sweep listing failed")
			return
		}
		for i := range proxies {
			if ctx.Err() != nil {
				return
			}
			s.probeProxy(ctx, &proxies[i])
			probed++
		}
	}
	s.log.Info().Int("probed", probed).Msg("proxy sweep finished")
}

func (s *Scheduler) probeProxy(ctx context.Context, proxy *models.Proxy) {
	latency, err := s.prober.Test(ctx, proxy)
	now := time.Now().UTC()
	proxy.LastTested = &now
	if err != nil {
		proxy.Status = models.ProxyDead
		proxy.LatencyMs = nil
	} else {
		ms := int(latency.Milliseconds())
		proxy.Status = models.ProxyActive
		proxy.LatencyMs = &ms
	}
	if updateErr := s.store.UpdateProxy(ctx, proxy); updateErr != nil {
		s.log.Error().Err(updateErr).Str("proxy_id", proxy.ID.String()).Msg("proxy update failed")
	}
}

// runStaleTaskReaper fails tasks stuck in running whose worker evidently
// died. The queue job lock has long expired by the cutoff, so nobody owns
// them anymore.
func (s *Scheduler) runStaleTaskReaper(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-staleRunningCutoff)
	reaped, err := s.store.FailStaleRunningTasks(ctx, cutoff, "execution abandoned: worker lost")
	if err != nil {
		s.log.Error().Err(err).Msg("stale task reaper failed")
		return
	}
	if reaped > 0 {
		s.log.Warn().Int64("reaped", reaped).Msg("stale running tasks failed")
	}
}

// runAuditCleanup trims activity records past the retention window
func (s *Scheduler) runAuditCleanup(ctx context.Context) {
	removed, err := s.trimmer.Cleanup(ctx, auditRetentionDays)
	if err != nil {
		s.log.Error().Err(err).Msg("audit cleanup failed")
		return
	}
	s.log.Info().Int64("removed", removed).Msg("audit records trimmed")
}
