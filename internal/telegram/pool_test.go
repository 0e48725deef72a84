package telegram

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeClient counts Close calls
type fakeClient struct {
	closed int
}

func (f *fakeClient) IsAuthorized(ctx context.Context) (bool, error) { return true, nil }
func (f *fakeClient) Do(ctx context.Context, action Action) error    { return nil }
func (f *fakeClient) Self(ctx context.Context) (*Profile, error)     { return &Profile{}, nil }
func (f *fakeClient) Close() error {
	f.closed++
	return nil
}

func TestPoolCheckoutSingleOwnership(t *testing.T) {
	pool := NewClientPool(zerolog.Nop())
	accountID := uuid.New()
	client := &fakeClient{}

	if err := pool.Put(accountID, client); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := pool.Checkout(accountID)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if got != client {
		t.Fatal("Checkout returned wrong client")
	}

	if _, err := pool.Checkout(accountID); err != ErrConnectionBusy {
		t.Fatalf("second Checkout: got %v, want ErrConnectionBusy", err)
	}

	pool.Release(accountID)
	if _, err := pool.Checkout(accountID); err != nil {
		t.Fatalf("Checkout after Release: %v", err)
	}
}

func TestPoolCheckoutUnknownAccount(t *testing.T) {
	pool := NewClientPool(zerolog.Nop())

	client, err := pool.Checkout(uuid.New())
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if client != nil {
		t.Fatal("expected nil client for unregistered account")
	}
}

func TestPoolPutReplacesIdleConnection(t *testing.T) {
	pool := NewClientPool(zerolog.Nop())
	accountID := uuid.New()
	old := &fakeClient{}

	if err := pool.Put(accountID, old); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := pool.Put(accountID, &fakeClient{}); err != nil {
		t.Fatalf("Put replacement: %v", err)
	}
	if old.closed != 1 {
		t.Errorf("old client closed %d times, want 1", old.closed)
	}

	// A checked-out connection must not be replaced underneath its owner.
	if _, err := pool.Checkout(accountID); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if err := pool.Put(accountID, &fakeClient{}); err != ErrConnectionBusy {
		t.Errorf("Put on busy connection: got %v, want ErrConnectionBusy", err)
	}
}

func TestPoolRemoveClosesClient(t *testing.T) {
	pool := NewClientPool(zerolog.Nop())
	accountID := uuid.New()
	client := &fakeClient{}

	pool.Put(accountID, client)
	pool.Remove(accountID)
	if client.closed != 1 {
		t.Errorf("client closed %d times, want 1", client.closed)
	}
	if pool.Size() != 0 {
		t.Errorf("pool size = %d, want 0", pool.Size())
	}
}

func TestPoolShutdown(t *testing.T) {
	pool := NewClientPool(zerolog.Nop())
	a, b := &fakeClient{}, &fakeClient{}
	pool.Put(uuid.New(), a)
	pool.Put(uuid.New(), b)

	pool.Shutdown()
	if a.closed != 1 || b.closed != 1 {
		t.Errorf("clients closed (%d, %d), want (1, 1)", a.closed, b.closed)
	}

	if err := pool.Put(uuid.New(), &fakeClient{}); err != ErrPoolClosed {
		t.Errorf("Put after Shutdown: got %v, want ErrPoolClosed", err)
	}
	if _, err := pool.Checkout(uuid.New()); err != ErrPoolClosed {
		t.Errorf("Checkout after Shutdown: got %v, want ErrPoolClosed", err)
	}

	// Shutdown twice is fine.
	pool.Shutdown()
}
