// Package engine runs one automation task end to end: eligibility, session
// decryption, the protocol action, quota accounting and the resulting task
// state transition. Every code path ends with a persisted task status and a
// closed connection.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/locks"
	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/registry"
	"github.com/tgsuite/backend/internal/store"
	"github.com/tgsuite/backend/internal/telegram"
	"github.com/tgsuite/backend/internal/vault"
)

// Config tunes the execution engine
type Config struct {
	// Pacing delay bounds before any destructive protocol action
	MinDelay time.Duration
	MaxDelay time.Duration

	// MaxRetryAttempts is the retry ceiling; reaching it is terminal
	MaxRetryAttempts int

	// RetryDelay is the fixed backoff before a retried task runs again
	RetryDelay time.Duration

	// SoftTimeout bounds connect + action for one attempt. The job lock
	// held by the queue worker is the hard ceiling above it.
	SoftTimeout time.Duration

	// LockTTL is how long the per-account lock may be held
	LockTTL time.Duration

	// LockWait is how long to wait for another task on the same account
	LockWait time.Duration
}

// DefaultConfig matches the production pacing and retry policy
func DefaultConfig() Config {
	return Config{
		MinDelay:         5 * time.Second,
		MaxDelay:         30 * time.Second,
		MaxRetryAttempts: 3,
		RetryDelay:       60 * time.Second,
		SoftTimeout:      240 * time.Second,
		LockTTL:          300 * time.Second,
		LockWait:         5 * time.Second,
	}
}

// Outcome is the explicit result of one execution attempt. Retry policy is
// decided here; actually re-enqueueing is the caller's job.
type Outcome struct {
	Status  models.TaskStatus
	Retry   bool
	RetryIn time.Duration
	Err     error
}

// Executor drives the task state machine
type Executor struct {
	store    store.Store
	registry *registry.Registry
	vault    *vault.Vault
	dialer   telegram.Dialer
	locker   locks.Locker
	audit    audit.Sink
	cfg      Config
	log      zerolog.Logger

	// sleep is swapped out by tests to avoid real pacing waits
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewExecutor(
	st store.Store,
	reg *registry.Registry,
	v *vault.Vault,
	dialer telegram.Dialer,
	locker locks.Locker,
	sink audit.Sink,
	cfg Config,
	log zerolog.Logger,
) *Executor {
	return &Executor{
		store:    st,
		registry: reg,
		vault:    v,
		dialer:   dialer,
		locker:   locker,
		audit:    sink,
		cfg:      cfg,
		log:      log.With().Str("component", "engine").Logger(),
		sleep:    sleepCtx,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pacingDelay draws the mandatory pre-action delay uniformly from
// [MinDelay, MaxDelay].
func (e *Executor) pacingDelay() time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	spread := e.cfg.MaxDelay - e.cfg.MinDelay
	if spread <= 0 {
		return e.cfg.MinDelay
	}
	return e.cfg.MinDelay + time.Duration(e.rng.Int63n(int64(spread)))
}

// Execute runs one attempt of one task. It never panics its way out and
// never leaves the task record stale: every return path has first persisted
// a task status.
func (e *Executor) Execute(ctx context.Context, taskID, orgID uuid.UUID) Outcome {
	log := e.log.With().Str("task_id", taskID.String()).Str("org_id", orgID.String()).Logger()

	task, err := e.store.GetTask(ctx, taskID, orgID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			log.Error().Msg("task not found, dropping")
			return Outcome{Err: err}
		}
		return Outcome{Err: err, Retry: true, RetryIn: e.cfg.RetryDelay}
	}

	// Eligibility pre-check. All its refusals need an operator, not a
	// retry.
	account, err := e.registry.CheckEligibility(ctx, task.AccountID, orgID)
	if err != nil {
		if elig, ok := registry.AsEligibilityError(err); ok {
			return e.failTerminal(ctx, task, elig, log)
		}
		return Outcome{Err: err, Retry: true, RetryIn: e.cfg.RetryDelay}
	}

	if err := e.store.MarkTaskRunning(ctx, task.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled, already picked up elsewhere, or otherwise no
			// longer pending. Nothing to do.
			log.Info().Msg("task no longer pending, skipping")
			return Outcome{Status: task.Status, Err: err}
		}
		return Outcome{Err: err, Retry: true, RetryIn: e.cfg.RetryDelay}
	}

	e.audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &task.UserID,
		Action:         audit.ActionTaskStart,
		ResourceType:   audit.ResourceTask,
		ResourceID:     task.ID.String(),
		Result:         audit.ResultSuccess,
		Metadata:       map[string]interface{}{"type": task.Type, "account_id": task.AccountID},
	})

	// One live session per account: hold the lock from decrypt to
	// disconnect.
	lock, err := e.locker.AcquireWithRetry(ctx, locks.ResourceAccount, account.ID.String(), e.cfg.LockTTL, e.cfg.LockWait)
	if err != nil {
		if errors.Is(err, locks.ErrLockNotAcquired) {
			return e.failRetryable(ctx, task, fmt.Errorf("account busy: %w", err), log)
		}
		return e.failRetryable(ctx, task, err, log)
	}
	defer lock.Release(ctx)

	return e.runAction(ctx, task, account, log)
}

// runAction performs the protocol work while the account lock is held
func (e *Executor) runAction(ctx context.Context, task *models.AutomationTask, account *models.TelegramAccount, log zerolog.Logger) Outcome {
	session, err := e.vault.Decrypt(account.SessionEncrypted)
	if err != nil {
		return e.failTerminal(ctx, task, fmt.Errorf("session unusable: %w", err), log)
	}

	payload, err := task.PayloadMap()
	if err != nil {
		return e.failTerminal(ctx, task, fmt.Errorf("%w: %v", telegram.ErrInvalidPayload, err), log)
	}
	action, err := telegram.ActionFromPayload(task.Type, payload)
	if err != nil {
		return e.failTerminal(ctx, task, err, log)
	}

	proxyCfg, err := e.proxyConfig(ctx, account)
	if err != nil {
		return e.failRetryable(ctx, task, err, log)
	}

	// Soft timeout for connect plus action. The worker's job context is
	// the hard ceiling above this.
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.SoftTimeout)
	defer cancel()

	client, err := e.dialer.Connect(attemptCtx, session, telegram.Credentials{
		APIID:   account.APIID,
		APIHash: account.APIHash,
		Phone:   account.PhoneNumber,
	}, proxyCfg)
	if err != nil {
		return e.connectFailure(ctx, task, account, err, log)
	}
	// Connection cleanup is unconditional on every exit path below.
	defer client.Close()

	authorized, err := client.IsAuthorized(attemptCtx)
	if err != nil {
		return e.connectFailure(ctx, task, account, err, log)
	}
	if !authorized {
		if err := e.registry.MarkAuthRequired(ctx, account.ID); err != nil {
			log.Error().Err(err).Msg("failed to mark account auth_required")
		}
		return e.failTerminal(ctx, task, telegram.ErrNotAuthorized, log)
	}

	// Mandatory pacing delay before the destructive action
	if err := e.sleep(attemptCtx, e.pacingDelay()); err != nil {
		return e.failRetryable(ctx, task, fmt.Errorf("pacing interrupted: %w", err), log)
	}

	if err := client.Do(attemptCtx, action); err != nil {
		return e.actionFailure(ctx, task, account, err, log)
	}

	// Authoritative quota guard. A concurrent task may have taken the
	// last slot since the pre-check.
	if err := e.store.ConsumeQuota(ctx, account.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrDailyLimitReached) {
			return e.failTerminal(ctx, task, err, log)
		}
		return e.failRetryable(ctx, task, err, log)
	}

	if err := e.store.CompleteTask(ctx, task.ID, time.Now().UTC()); err != nil {
		log.Error().Err(err).Msg("action succeeded but completion write failed")
		return Outcome{Err: err, Retry: false}
	}

	e.audit.Record(ctx, audit.Entry{
		OrganizationID: task.OrganizationID,
		UserID:         &task.UserID,
		Action:         audit.ActionTaskComplete,
		ResourceType:   audit.ResourceTask,
		ResourceID:     task.ID.String(),
		Result:         audit.ResultSuccess,
		Metadata:       map[string]interface{}{"type": task.Type, "account_id": task.AccountID},
	})

	log.Info().Str("type", string(task.Type)).Msg("task completed")
	return Outcome{Status: models.TaskCompleted}
}

// connectFailure classifies a connect or authorization-probe error and
// reconciles the account status alongside the task status.
func (e *Executor) connectFailure(ctx context.Context, task *models.AutomationTask, account *models.TelegramAccount, err error, log zerolog.Logger) Outcome {
	switch {
	case errors.Is(err, telegram.ErrAccountDeactivated):
		if markErr := e.registry.MarkBanned(ctx, account.ID); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark account banned")
		}
		return e.failTerminal(ctx, task, err, log)
	case errors.Is(err, telegram.ErrNotAuthorized):
		if markErr := e.registry.MarkAuthRequired(ctx, account.ID); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark account auth_required")
		}
		return e.failTerminal(ctx, task, err, log)
	default:
		if markErr := e.registry.MarkConnectionError(ctx, account.ID); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark account connection_error")
		}
		return e.failRetryable(ctx, task, err, log)
	}
}

// actionFailure classifies an error from the dispatched action itself
func (e *Executor) actionFailure(ctx context.Context, task *models.AutomationTask, account *models.TelegramAccount, err error, log zerolog.Logger) Outcome {
	var flood *telegram.FloodWaitError
	switch {
	case errors.Is(err, telegram.ErrInvalidPayload):
		return e.failTerminal(ctx, task, err, log)
	case errors.Is(err, telegram.ErrAccountDeactivated):
		if markErr := e.registry.MarkBanned(ctx, account.ID); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark account banned")
		}
		return e.failTerminal(ctx, task, err, log)
	case errors.Is(err, telegram.ErrNotAuthorized):
		if markErr := e.registry.MarkAuthRequired(ctx, account.ID); markErr != nil {
			log.Error().Err(markErr).Msg("failed to mark account auth_required")
		}
		return e.failTerminal(ctx, task, err, log)
	case errors.As(err, &flood):
		outcome := e.failRetryable(ctx, task, err, log)
		if outcome.Retry && flood.RetryAfter > outcome.RetryIn {
			outcome.RetryIn = flood.RetryAfter
		}
		return outcome
	default:
		return e.failRetryable(ctx, task, err, log)
	}
}

// failTerminal fails the task with no retry
func (e *Executor) failTerminal(ctx context.Context, task *models.AutomationTask, cause error, log zerolog.Logger) Outcome {
	if err := e.store.FailTask(ctx, task.ID, cause.Error(), time.Now().UTC()); err != nil {
		log.Error().Err(err).Msg("failed to persist terminal failure")
	}

	e.audit.Record(ctx, audit.Entry{
		OrganizationID: task.OrganizationID,
		UserID:         &task.UserID,
		Action:         audit.ActionTaskFail,
		ResourceType:   audit.ResourceTask,
		ResourceID:     task.ID.String(),
		Result:         audit.ResultFailed,
		ErrorMessage:   cause.Error(),
	})

	log.Warn().Err(cause).Msg("task failed, not retryable")
	return Outcome{Status: models.TaskFailed, Err: cause}
}

// failRetryable increments the retry counter and either returns the task to
// pending for a delayed re-dispatch or, at the ceiling, fails it for good.
func (e *Executor) failRetryable(ctx context.Context, task *models.AutomationTask, cause error, log zerolog.Logger) Outcome {
	count, err := e.store.RequeueTaskForRetry(ctx, task.ID, cause.Error())
	if err != nil {
		log.Error().Err(err).Msg("failed to requeue task for retry")
		return Outcome{Err: cause}
	}

	if count >= e.cfg.MaxRetryAttempts {
		if err := e.store.FailTask(ctx, task.ID, cause.Error(), time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("failed to persist failure at retry ceiling")
		}
		e.audit.Record(ctx, audit.Entry{
			OrganizationID: task.OrganizationID,
			UserID:         &task.UserID,
			Action:         audit.ActionTaskFail,
			ResourceType:   audit.ResourceTask,
			ResourceID:     task.ID.String(),
			Result:         audit.ResultFailed,
			ErrorMessage:   cause.Error(),
			Metadata:       map[string]interface{}{"retry_count": count},
		})
		log.Warn().Err(cause).Int("retry_count", count).Msg("retry ceiling reached, task failed")
		return Outcome{Status: models.TaskFailed, Err: cause}
	}

	e.audit.Record(ctx, audit.Entry{
		OrganizationID: task.OrganizationID,
		UserID:         &task.UserID,
		Action:         audit.ActionTaskRetry,
		ResourceType:   audit.ResourceTask,
		ResourceID:     task.ID.String(),
		Result:         audit.ResultFailed,
		ErrorMessage:   cause.Error(),
		Metadata:       map[string]interface{}{"retry_count": count},
	})

	log.Info().Err(cause).Int("retry_count", count).Dur("retry_in", e.cfg.RetryDelay).Msg("task will retry")
	return Outcome{Status: models.TaskPending, Retry: true, RetryIn: e.cfg.RetryDelay, Err: cause}
}

func (e *Executor) proxyConfig(ctx context.Context, account *models.TelegramAccount) (*telegram.ProxyConfig, error) {
	if account.ProxyID == nil {
		return nil, nil
	}
	proxy, err := e.store.GetProxyByID(ctx, *account.ProxyID)
	if err != nil {
		return nil, fmt.Errorf("load proxy: %w", err)
	}
	return &telegram.ProxyConfig{
		Protocol: string(proxy.Protocol),
		Addr:     proxy.Addr(),
		Username: proxy.Username,
		Password: proxy.Password,
	}, nil
}
