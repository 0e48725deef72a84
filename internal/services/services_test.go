package services

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/config"
	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/queue"
	"github.com/tgsuite/backend/internal/store/memory"
	"github.com/tgsuite/backend/internal/telegram"
	"github.com/tgsuite/backend/internal/vault"
)

// captureSink records audit entries for assertions
type captureSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureSink) Record(ctx context.Context, entry audit.Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

func (c *captureSink) byAction(action string) []audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Entry
	for _, e := range c.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// fakeEnqueuer stands in for the Redis-backed queue
type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...queue.JobOption) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.jobs = append(f.jobs, jobType)
	return &queue.Job{ID: uuid.New().String(), Type: jobType}, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

// fakeClient implements telegram.Client
type fakeClient struct {
	mu         sync.Mutex
	authorized bool
	authErr    error
	profile    telegram.Profile
	closeCalls int
}

func (f *fakeClient) IsAuthorized(ctx context.Context) (bool, error) {
	return f.authorized, f.authErr
}

func (f *fakeClient) Do(ctx context.Context, action telegram.Action) error { return nil }

func (f *fakeClient) Self(ctx context.Context) (*telegram.Profile, error) {
	return &f.profile, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return nil
}

// fakeDialer implements telegram.Dialer
type fakeDialer struct {
	client     *fakeClient
	connectErr error
	lastProxy  *telegram.ProxyConfig
}

func (f *fakeDialer) Connect(ctx context.Context, session []byte, creds telegram.Credentials, proxy *telegram.ProxyConfig) (telegram.Client, error) {
	f.lastProxy = proxy
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.client, nil
}

type testEnv struct {
	container *Container
	store     *memory.Store
	sink      *captureSink
	dialer    *fakeDialer
}

func newTestEnv() *testEnv {
	st := memory.New()
	sink := &captureSink{}
	dialer := &fakeDialer{client: &fakeClient{authorized: true}}

	key := make([]byte, vault.KeySize)
	copy(key, []byte("test-master-key-0123456789abcdef"))
	v, err := vault.New(key)
	if err != nil {
		panic(err)
	}

	c := &Container{
		Config: &config.Config{},
		Store:  st,
		Vault:  v,
		Dialer: dialer,
		Audit:  sink,
	}
	c.Account = NewAccountService(c)
	c.Proxy = NewProxyService(c)
	c.Billing = NewBillingService(c)
	c.Task = &TaskService{container: c, queue: &fakeEnqueuer{}}

	return &testEnv{container: c, store: st, sink: sink, dialer: dialer}
}

func (e *testEnv) seedAccount(orgID uuid.UUID) *models.TelegramAccount {
	account := &models.TelegramAccount{
		ID:             uuid.New(),
		OrganizationID: orgID,
		PhoneNumber:    "+15550000001",
		APIID:          12345,
		APIHash:        "deadbeef",
		Status:         models.AccountStatusActive,
		DailyLimit:     models.DefaultDailyLimit,
	}
	if err := e.store.CreateAccount(context.Background(), account); err != nil {
		panic(err)
	}
	return account
}
