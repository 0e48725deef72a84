// Package memory provides an in-memory Store implementation used by tests
// and local development. All mutating operations take the same conditional
// form as the Postgres implementation so state-transition and quota
// semantics can be exercised without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/store"
)

type Store struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*models.AutomationTask
	accounts map[uuid.UUID]*models.TelegramAccount
	proxies  map[uuid.UUID]*models.Proxy
}

func New() *Store {
	return &Store{
		tasks:    make(map[uuid.UUID]*models.AutomationTask),
		accounts: make(map[uuid.UUID]*models.TelegramAccount),
		proxies:  make(map[uuid.UUID]*models.Proxy),
	}
}

func copyTask(t *models.AutomationTask) *models.AutomationTask {
	clone := *t
	return &clone
}

func copyAccount(a *models.TelegramAccount) *models.TelegramAccount {
	clone := *a
	return &clone
}

func copyProxy(p *models.Proxy) *models.Proxy {
	clone := *p
	return &clone
}

// --- tasks ---

func (s *Store) CreateTask(ctx context.Context, task *models.AutomationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *Store) CreateTasks(ctx context.Context, tasks []*models.AutomationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		if task.ID == uuid.Nil {
			task.ID = uuid.New()
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = time.Now().UTC()
		}
	}
	// Single map under one lock: inserting all entries is atomic.
	for _, task := range tasks {
		s.tasks[task.ID] = copyTask(task)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id, orgID uuid.UUID) (*models.AutomationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.OrganizationID != orgID {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(task), nil
}

func (s *Store) ListTasks(ctx context.Context, orgID uuid.UUID, filter store.TaskFilter) ([]models.AutomationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []models.AutomationTask
	for _, task := range s.tasks {
		if task.OrganizationID != orgID {
			continue
		}
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		tasks = append(tasks, *copyTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func (s *Store) CountTasksByStatus(ctx context.Context, orgID uuid.UUID) (map[models.TaskStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.TaskStatus]int64)
	for _, task := range s.tasks {
		if task.OrganizationID == orgID {
			counts[task.Status]++
		}
	}
	return counts, nil
}

func (s *Store) MarkTaskRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Status != models.TaskPending {
		return store.ErrInvalidTransition
	}
	task.Status = models.TaskRunning
	started := startedAt
	task.StartedAt = &started
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Status != models.TaskRunning {
		return store.ErrInvalidTransition
	}
	task.Status = models.TaskCompleted
	completed := completedAt
	task.CompletedAt = &completed
	task.Progress = 100
	task.ErrorMessage = ""
	return nil
}

func (s *Store) FailTask(ctx context.Context, id uuid.UUID, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	task.Status = models.TaskFailed
	completed := completedAt
	task.CompletedAt = &completed
	task.ErrorMessage = errMsg
	return nil
}

func (s *Store) RequeueTaskForRetry(ctx context.Context, id uuid.UUID, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return 0, store.ErrTaskNotFound
	}
	task.RetryCount++
	task.Status = models.TaskPending
	task.ErrorMessage = errMsg
	task.StartedAt = nil
	return task.RetryCount, nil
}

func (s *Store) CancelTask(ctx context.Context, id, orgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.OrganizationID != orgID {
		return store.ErrTaskNotFound
	}
	if task.Status != models.TaskPending {
		return store.ErrInvalidTransition
	}
	task.Status = models.TaskCancelled
	return nil
}

func (s *Store) FailStaleRunningTasks(ctx context.Context, cutoff time.Time, errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped int64
	now := time.Now().UTC()
	for _, task := range s.tasks {
		if task.Status == models.TaskRunning && task.StartedAt != nil && task.StartedAt.Before(cutoff) {
			task.Status = models.TaskFailed
			task.ErrorMessage = errMsg
			completed := now
			task.CompletedAt = &completed
			reaped++
		}
	}
	return reaped, nil
}

// --- accounts ---

func (s *Store) CreateAccount(ctx context.Context, account *models.TelegramAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	s.accounts[account.ID] = copyAccount(account)
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id, orgID uuid.UUID) (*models.TelegramAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok || account.OrganizationID != orgID {
		return nil, store.ErrAccountNotFound
	}
	return copyAccount(account), nil
}

func (s *Store) ListAccounts(ctx context.Context, orgID uuid.UUID) ([]models.TelegramAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accounts []models.TelegramAccount
	for _, account := range s.accounts {
		if account.OrganizationID == orgID {
			accounts = append(accounts, *copyAccount(account))
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.After(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (s *Store) ListAccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.TelegramAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accounts []models.TelegramAccount
	for _, account := range s.accounts {
		if account.Status == status {
			accounts = append(accounts, *copyAccount(account))
		}
	}
	return accounts, nil
}

func (s *Store) UpdateAccount(ctx context.Context, account *models.TelegramAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; !ok {
		return store.ErrAccountNotFound
	}
	s.accounts[account.ID] = copyAccount(account)
	return nil
}

func (s *Store) SetAccountStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	account.Status = status
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, id, orgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok || account.OrganizationID != orgID {
		return store.ErrAccountNotFound
	}
	delete(s.accounts, id)
	return nil
}

func (s *Store) ConsumeQuota(ctx context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	if account.ActionsToday >= account.DailyLimit {
		return store.ErrDailyLimitReached
	}
	account.ActionsToday++
	at := now
	account.LastActionAt = &at
	return nil
}

func (s *Store) ResetDailyCounters(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int64
	for _, account := range s.accounts {
		if account.ActionsToday != 0 {
			account.ActionsToday = 0
			reset++
		}
	}
	return reset, nil
}

func (s *Store) TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return store.ErrAccountNotFound
	}
	stamp := at
	account.LastActive = &stamp
	return nil
}

// --- proxies ---

func (s *Store) CreateProxy(ctx context.Context, proxy *models.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if proxy.ID == uuid.Nil {
		proxy.ID = uuid.New()
	}
	if proxy.CreatedAt.IsZero() {
		proxy.CreatedAt = time.Now().UTC()
	}
	s.proxies[proxy.ID] = copyProxy(proxy)
	return nil
}

func (s *Store) GetProxy(ctx context.Context, id, orgID uuid.UUID) (*models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proxy, ok := s.proxies[id]
	if !ok || proxy.OrganizationID != orgID {
		return nil, store.ErrProxyNotFound
	}
	return copyProxy(proxy), nil
}

func (s *Store) GetProxyByID(ctx context.Context, id uuid.UUID) (*models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proxy, ok := s.proxies[id]
	if !ok {
		return nil, store.ErrProxyNotFound
	}
	return copyProxy(proxy), nil
}

func (s *Store) ListProxies(ctx context.Context, orgID uuid.UUID) ([]models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var proxies []models.Proxy
	for _, proxy := range s.proxies {
		if proxy.OrganizationID == orgID {
			proxies = append(proxies, *copyProxy(proxy))
		}
	}
	sort.Slice(proxies, func(i, j int) bool {
		return proxies[i].CreatedAt.After(proxies[j].CreatedAt)
	})
	return proxies, nil
}

func (s *Store) ListProxiesByStatus(ctx context.Context, status models.ProxyStatus) ([]models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var proxies []models.Proxy
	for _, proxy := range s.proxies {
		if proxy.Status == status {
			proxies = append(proxies, *copyProxy(proxy))
		}
	}
	return proxies, nil
}

func (s *Store) UpdateProxy(ctx context.Context, proxy *models.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[proxy.ID]; !ok {
		return store.ErrProxyNotFound
	}
	s.proxies[proxy.ID] = copyProxy(proxy)
	return nil
}

func (s *Store) DeleteProxy(ctx context.Context, id, orgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proxy, ok := s.proxies[id]
	if !ok || proxy.OrganizationID != orgID {
		return store.ErrProxyNotFound
	}
	for _, account := range s.accounts {
		if account.ProxyID != nil && *account.ProxyID == id {
			account.ProxyID = nil
		}
	}
	delete(s.proxies, id)
	return nil
}

var _ store.Store = (*Store)(nil)
