package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/models"
)

// Common errors
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrProxyNotFound     = errors.New("proxy not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrDailyLimitReached = errors.New("daily action limit reached")
)

// TaskFilter narrows task listings
type TaskFilter struct {
	Status *models.TaskStatus
	Limit  int
	Offset int
}

// TaskStore persists automation tasks. All lookups are scoped by
// (id, organization id); an id alone never crosses a tenant boundary.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.AutomationTask) error
	// CreateTasks inserts a batch atomically: either every task exists
	// afterwards or none do.
	CreateTasks(ctx context.Context, tasks []*models.AutomationTask) error
	GetTask(ctx context.Context, id, orgID uuid.UUID) (*models.AutomationTask, error)
	ListTasks(ctx context.Context, orgID uuid.UUID, filter TaskFilter) ([]models.AutomationTask, error)
	CountTasksByStatus(ctx context.Context, orgID uuid.UUID) (map[models.TaskStatus]int64, error)

	// MarkTaskRunning transitions pending -> running and stamps started_at.
	// Any other current status fails with ErrInvalidTransition.
	MarkTaskRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	// CompleteTask transitions running -> completed, sets progress to 100
	// and clears the error message.
	CompleteTask(ctx context.Context, id uuid.UUID, completedAt time.Time) error
	// FailTask terminally fails the task with a human-readable reason.
	FailTask(ctx context.Context, id uuid.UUID, errMsg string, completedAt time.Time) error
	// RequeueTaskForRetry increments retry_count and returns the task to
	// pending. The new retry count is returned so the caller can decide
	// whether the ceiling has been reached.
	RequeueTaskForRetry(ctx context.Context, id uuid.UUID, errMsg string) (int, error)
	// CancelTask transitions pending -> cancelled; any other status fails
	// with ErrInvalidTransition and leaves the task unmodified.
	CancelTask(ctx context.Context, id, orgID uuid.UUID) error
	// FailStaleRunningTasks fails tasks stuck in running since before the
	// cutoff and reports how many were reaped.
	FailStaleRunningTasks(ctx context.Context, cutoff time.Time, errMsg string) (int64, error)
}

// AccountStore persists managed Telegram accounts and their quota counters
type AccountStore interface {
	CreateAccount(ctx context.Context, account *models.TelegramAccount) error
	GetAccount(ctx context.Context, id, orgID uuid.UUID) (*models.TelegramAccount, error)
	ListAccounts(ctx context.Context, orgID uuid.UUID) ([]models.TelegramAccount, error)
	ListAccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.TelegramAccount, error)
	UpdateAccount(ctx context.Context, account *models.TelegramAccount) error
	SetAccountStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus) error
	// DeleteAccount removes the account; tasks referencing it are kept for
	// the audit trail.
	DeleteAccount(ctx context.Context, id, orgID uuid.UUID) error

	// ConsumeQuota atomically increments actions_today, guarded by
	// actions_today < daily_limit, and stamps last_action_at. Zero rows
	// affected means the quota was exhausted between the eligibility
	// pre-check and now: ErrDailyLimitReached. This is the authoritative
	// quota guard; the pre-check is advisory.
	ConsumeQuota(ctx context.Context, id uuid.UUID, now time.Time) error
	// ResetDailyCounters zeroes actions_today for every account. Running it
	// twice in a day produces the same state.
	ResetDailyCounters(ctx context.Context) (int64, error)
	// TouchLastActive stamps last_active after a verified connection.
	TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ProxyStore persists tenant proxy inventory
type ProxyStore interface {
	CreateProxy(ctx context.Context, proxy *models.Proxy) error
	GetProxy(ctx context.Context, id, orgID uuid.UUID) (*models.Proxy, error)
	// GetProxyByID loads a proxy without tenant scoping. Only the engine
	// uses it, after the owning account has already been tenant-checked.
	GetProxyByID(ctx context.Context, id uuid.UUID) (*models.Proxy, error)
	ListProxies(ctx context.Context, orgID uuid.UUID) ([]models.Proxy, error)
	// ListProxiesByStatus is unscoped and only used by the maintenance
	// sweep.
	ListProxiesByStatus(ctx context.Context, status models.ProxyStatus) ([]models.Proxy, error)
	UpdateProxy(ctx context.Context, proxy *models.Proxy) error
	// DeleteProxy removes the proxy and nulls proxy_id on dependent
	// accounts; it never deletes accounts.
	DeleteProxy(ctx context.Context, id, orgID uuid.UUID) error
}

// Store is the combined persistence surface of the backend
type Store interface {
	TaskStore
	AccountStore
	ProxyStore
}
