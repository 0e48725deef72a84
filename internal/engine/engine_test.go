package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/locks"
	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/registry"
	"github.com/tgsuite/backend/internal/store/memory"
	"github.com/tgsuite/backend/internal/telegram"
	"github.com/tgsuite/backend/internal/vault"
)

// fakeClient implements telegram.Client with call counting
type fakeClient struct {
	mu         sync.Mutex
	authorized bool
	authErr    error
	doErr      error
	doCalls    int
	closeCalls int
}

func (f *fakeClient) IsAuthorized(ctx context.Context) (bool, error) {
	return f.authorized, f.authErr
}

func (f *fakeClient) Do(ctx context.Context, action telegram.Action) error {
	f.mu.Lock()
	f.doCalls++
	f.mu.Unlock()
	return f.doErr
}

func (f *fakeClient) Self(ctx context.Context) (*telegram.Profile, error) {
	return &telegram.Profile{}, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return nil
}

// fakeDialer implements telegram.Dialer
type fakeDialer struct {
	mu           sync.Mutex
	client       *fakeClient
	connectErr   error
	connectCalls int
}

func (f *fakeDialer) Connect(ctx context.Context, session []byte, creds telegram.Credentials, proxy *telegram.ProxyConfig) (telegram.Client, error) {
	f.mu.Lock()
	f.connectCalls++
	f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.client, nil
}

func (f *fakeDialer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// captureSink records audit entries for assertions
type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *captureSink) Record(ctx context.Context, entry audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *captureSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, 0, len(s.entries))
	for _, entry := range s.entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

type harness struct {
	executor *Executor
	store    *memory.Store
	dialer   *fakeDialer
	client   *fakeClient
	sink     *captureSink
	vault    *vault.Vault
	orgID    uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	v, err := vault.New(bytes.Repeat([]byte("k"), vault.KeySize))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	mem := memory.New()
	client := &fakeClient{authorized: true}
	dialer := &fakeDialer{client: client}
	sink := &captureSink{}

	cfg := DefaultConfig()
	cfg.MinDelay = 0
	cfg.MaxDelay = 0
	cfg.RetryDelay = 60 * time.Second

	executor := NewExecutor(
		mem,
		registry.New(mem, zerolog.Nop()),
		v,
		dialer,
		locks.NewLocalLocker(),
		sink,
		cfg,
		zerolog.Nop(),
	)
	executor.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &harness{
		executor: executor,
		store:    mem,
		dialer:   dialer,
		client:   client,
		sink:     sink,
		vault:    v,
		orgID:    uuid.New(),
	}
}

func (h *harness) seedAccount(t *testing.T, actionsToday, dailyLimit int) *models.TelegramAccount {
	t.Helper()
	token, err := h.vault.Encrypt([]byte("session-bytes"))
	if err != nil {
		t.Fatalf("encrypt session: %v", err)
	}
	account := &models.TelegramAccount{
		ID:               uuid.New(),
		OrganizationID:   h.orgID,
		PhoneNumber:      "+15550001111",
		SessionEncrypted: token,
		APIID:            12345,
		APIHash:          "hash",
		Status:           models.AccountStatusActive,
		DailyLimit:       dailyLimit,
		ActionsToday:     actionsToday,
	}
	if err := h.store.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account
}

func (h *harness) seedTask(t *testing.T, accountID uuid.UUID) *models.AutomationTask {
	t.Helper()
	task := &models.AutomationTask{
		ID:             uuid.New(),
		OrganizationID: h.orgID,
		AccountID:      accountID,
		UserID:         uuid.New(),
		Type:           models.TaskMessageSend,
		Payload:        `{"message":"hi","peer_id":123}`,
		Status:         models.TaskPending,
	}
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func (h *harness) getTask(t *testing.T, id uuid.UUID) *models.AutomationTask {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id, h.orgID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func (h *harness) getAccount(t *testing.T, id uuid.UUID) *models.TelegramAccount {
	t.Helper()
	account, err := h.store.GetAccount(context.Background(), id, h.orgID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return account
}

func TestExecuteCompletesTaskAndConsumesQuota(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, 19, 20)
	task := h.seedTask(t, account.ID)

	outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
	if outcome.Status != models.TaskCompleted {
		t.Fatalf("status = %s (err %v), want completed", outcome.Status, outcome.Err)
	}
	if outcome.Retry {
		t.Error("completed task must not request a retry")
	}

	got := h.getTask(t, task.ID)
	if got.Status != models.TaskCompleted {
		t.Errorf("persisted status = %s, want completed", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty", got.ErrorMessage)
	}

	acc := h.getAccount(t, account.ID)
	if acc.ActionsToday != 20 {
		t.Errorf("actions_today = %d, want 20", acc.ActionsToday)
	}
	if acc.LastActionAt == nil {
		t.Error("last_action_at not stamped")
	}
	if h.client.doCalls != 1 {
		t.Errorf("Do called %d times, want 1", h.client.doCalls)
	}
	if h.client.closeCalls != 1 {
		t.Errorf("Close called %d times, want 1", h.client.closeCalls)
	}
}

func TestExecuteSecondTaskAfterQuotaExhausted(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, 19, 20)

	first := h.seedTask(t, account.ID)
	if outcome := h.executor.Execute(context.Background(), first.ID, h.orgID); outcome.Status != models.TaskCompleted {
		t.Fatalf("first task: status = %s (err %v), want completed", outcome.Status, outcome.Err)
	}

	second := h.seedTask(t, account.ID)
	outcome := h.executor.Execute(context.Background(), second.ID, h.orgID)
	if outcome.Status != models.TaskFailed {
		t.Fatalf("second task: status = %s, want failed", outcome.Status)
	}
	if outcome.Retry {
		t.Error("quota exhaustion must not retry")
	}

	got := h.getTask(t, second.ID)
	if got.Status != models.TaskFailed {
		t.Errorf("persisted status = %s, want failed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", got.RetryCount)
	}
	if acc := h.getAccount(t, account.ID); acc.ActionsToday != 20 {
		t.Errorf("actions_today = %d, want unchanged 20", acc.ActionsToday)
	}
}

func TestExecuteEligibilityFailureNoRetryNoConnect(t *testing.T) {
	statuses := []models.AccountStatus{
		models.AccountStatusInactive,
		models.AccountStatusBanned,
		models.AccountStatusAuthRequired,
	}
	for _, status := range statuses {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t)
			account := h.seedAccount(t, 0, 20)
			h.store.SetAccountStatus(context.Background(), account.ID, status)
			task := h.seedTask(t, account.ID)

			outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
			if outcome.Status != models.TaskFailed || outcome.Retry {
				t.Fatalf("outcome = %+v, want terminal failure", outcome)
			}
			if h.dialer.calls() != 0 {
				t.Error("connect attempted for ineligible account")
			}
			got := h.getTask(t, task.ID)
			if got.Status != models.TaskFailed {
				t.Errorf("persisted status = %s, want failed", got.Status)
			}
			if got.ErrorMessage == "" {
				t.Error("error_message not set")
			}
		})
	}
}

func TestExecuteCorruptSessionNoRetry(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, 0, 20)
	account.SessionEncrypted = "not-a-valid-token"
	if err := h.store.UpdateAccount(context.Background(), account); err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	task := h.seedTask(t, account.ID)

	outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
	if outcome.Status != models.TaskFailed || outcome.Retry {
		t.Fatalf("outcome = %+v, want terminal failure", outcome)
	}
	if !errors.Is(outcome.Err, vault.ErrCorruptSession) {
		t.Errorf("err = %v, want ErrCorruptSession", outcome.Err)
	}
	if h.dialer.calls() != 0 {
		t.Error("connect attempted with corrupt session")
	}
}

func TestExecuteInvalidPayloadNoRetryNoConnect(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, 0, 20)
	task := h.seedTask(t, account.ID)
	task.Payload = `{"peer_id":123}` // message field missing
	h.store.CreateTask(context.Background(), task)

	outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
	if outcome.Status != models.TaskFailed || outcome.Retry {
		t.Fatalf("outcome = %+v, want terminal failure", outcome)
	}
	if !errors.Is(outcome.Err, telegram.ErrInvalidPayload) {
		t.Errorf("err = %v, want ErrInvalidPayload", outcome.Err)
	}
	if h.dialer.calls() != 0 {
		t.Error("connect attempted for invalid payload")
	}
}

func TestExecuteUnauthorizedFlipsAccountStatus(t *testing.T) {
	h := newHarness(t)
	h.client.authorized = false
	account := h.seedAccount(t, 0, 20)
	task := h.seedTask(t, account.ID)

	outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
	if outcome.Status != models.TaskFailed || outcome.Retry {
		t.Fatalf("outcome = %+v, want terminal failure", outcome)
	}

	if acc := h.getAccount(t, account.ID); acc.Status != models.AccountStatusAuthRequired {
		t.Errorf("account status = %s, want auth_required", acc.Status)
	}
	if h.client.closeCalls != 1 {
		t.Errorf("Close called %d times, want 1", h.client.closeCalls)
	}
	if h.client.doCalls != 0 {
		t.Error("action dispatched on unauthorized session")
	}
}

func TestExecuteTransientFailureRetriesUntilCeiling(t *testing.T) {
	h := newHarness(t)
	h.client.doErr = errors.New("rpc timeout")
	account := h.seedAccount(t, 0, 20)
	task := h.seedTask(t, account.ID)

	// Attempts 1 and 2 return the task to pending with a fixed backoff.
	for attempt := 1; attempt <= 2; attempt++ {
		outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
		if !outcome.Retry {
			t.Fatalf("attempt %d: expected retry, got %+v", attempt, outcome)
		}
		if outcome.Status != models.TaskPending {
			t.Errorf("attempt %d: status = %s, want pending", attempt, outcome.Status)
		}
		if outcome.RetryIn != 60*time.Second {
			t.Errorf("attempt %d: retry_in = %s, want 60s", attempt, outcome.RetryIn)
		}
		got := h.getTask(t, task.ID)
		if got.RetryCount != attempt {
			t.Errorf("attempt %d: retry_count = %d", attempt, got.RetryCount)
		}
		if got.Status != models.TaskPending {
			t.Errorf("attempt %d: persisted status = %s, want pending", attempt, got.Status)
		}
	}

	// Attempt 3 hits the ceiling and is terminal.
	outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
	if outcome.Retry {
		t.Fatal("retry requested past the ceiling")
	}
	if outcome.Status != models.TaskFailed {
		t.Errorf("status = %s, want failed", outcome.Status)
	}
	got := h.getTask(t, task.ID)
	if got.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", got.RetryCount)
	}
	if got.Status != models.TaskFailed {
		t.Errorf("persisted status = %s, want failed", got.Status)
	}

	// One disconnect per attempt, never more.
	if h.client.closeCalls != 3 {
		t.Errorf("Close called %d times over 3 attempts, want 3", h.client.closeCalls)
	}
	if acc := h.getAccount(t, account.ID); acc.ActionsToday != 0 {
		t.Errorf("actions_today = %d, want 0 (no successful action)", acc.ActionsToday)
	}
}

func TestExecuteConnectErrorMarksAccountAndRetries(t *testing.T) {
	h := newHarness(t)
	h.dialer.connectErr = errors.New("dial tcp: connection refused")
	account := h.seedAccount(t, 0, 20)
	task := h.seedTask(t, account.ID)

	outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
	if !outcome.Retry {
		t.Fatalf("expected retry, got %+v", outcome)
	}
	if acc := h.getAccount(t, account.ID); acc.Status != models.AccountStatusConnectionError {
		t.Errorf("account status = %s, want connection_error", acc.Status)
	}
}

func TestExecuteDeactivatedOnConnectMarksBanned(t *testing.T) {
	h := newHarness(t)
	h.dialer.connectErr = telegram.ErrAccountDeactivated
	account := h.seedAccount(t, 0, 20)
	task := h.seedTask(t, account.ID)

	outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
	if outcome.Retry || outcome.Status != models.TaskFailed {
		t.Fatalf("outcome = %+v, want terminal failure", outcome)
	}
	if acc := h.getAccount(t, account.ID); acc.Status != models.AccountStatusBanned {
		t.Errorf("account status = %s, want banned", acc.Status)
	}
}

func TestExecuteFloodWaitStretchesBackoff(t *testing.T) {
	h := newHarness(t)
	h.client.doErr = &telegram.FloodWaitError{RetryAfter: 120 * time.Second}
	account := h.seedAccount(t, 0, 20)
	task := h.seedTask(t, account.ID)

	outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
	if !outcome.Retry {
		t.Fatalf("expected retry, got %+v", outcome)
	}
	if outcome.RetryIn != 120*time.Second {
		t.Errorf("retry_in = %s, want 120s", outcome.RetryIn)
	}
}

func TestExecuteTaskNotFound(t *testing.T) {
	h := newHarness(t)

	outcome := h.executor.Execute(context.Background(), uuid.New(), h.orgID)
	if outcome.Retry {
		t.Error("missing task must not retry")
	}
	if outcome.Err == nil {
		t.Error("expected an error for a missing task")
	}
	if h.dialer.calls() != 0 {
		t.Error("connect attempted for missing task")
	}
}

func TestExecuteCancelledTaskSkipped(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, 0, 20)
	task := h.seedTask(t, account.ID)
	if err := h.store.CancelTask(context.Background(), task.ID, h.orgID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	outcome := h.executor.Execute(context.Background(), task.ID, h.orgID)
	if outcome.Retry {
		t.Error("cancelled task must not retry")
	}
	if h.dialer.calls() != 0 {
		t.Error("connect attempted for cancelled task")
	}
	if got := h.getTask(t, task.ID); got.Status != models.TaskCancelled {
		t.Errorf("status = %s, want cancelled (unmodified)", got.Status)
	}
}

func TestExecuteAuditTrailOnSuccess(t *testing.T) {
	h := newHarness(t)
	account := h.seedAccount(t, 0, 20)
	task := h.seedTask(t, account.ID)

	h.executor.Execute(context.Background(), task.ID, h.orgID)

	actions := h.sink.actions()
	if len(actions) != 2 || actions[0] != audit.ActionTaskStart || actions[1] != audit.ActionTaskComplete {
		t.Errorf("audit actions = %v, want [task_start task_complete]", actions)
	}
}

// Property: with daily_limit = K, N > K concurrent eligible executions for
// one account never produce more than K completions and never push
// actions_today past K.
func TestExecuteConcurrentQuotaNeverExceedsLimit(t *testing.T) {
	h := newHarness(t)
	const limit = 5
	const tasks = 12
	account := h.seedAccount(t, 0, limit)

	ids := make([]uuid.UUID, 0, tasks)
	for i := 0; i < tasks; i++ {
		ids = append(ids, h.seedTask(t, account.ID).ID)
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, tasks)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			outcomes[i] = h.executor.Execute(context.Background(), id, h.orgID)
		}(i, id)
	}
	wg.Wait()

	completed := 0
	for _, outcome := range outcomes {
		if outcome.Status == models.TaskCompleted {
			completed++
		}
		if outcome.Retry {
			t.Errorf("unexpected retry outcome: %+v", outcome)
		}
	}
	if completed != limit {
		t.Errorf("completed = %d, want exactly %d", completed, limit)
	}
	if acc := h.getAccount(t, account.ID); acc.ActionsToday > limit {
		t.Errorf("actions_today = %d exceeds daily_limit %d", acc.ActionsToday, limit)
	}
}
