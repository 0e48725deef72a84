package locks

import (
	"context"
	"testing"
	"time"
)

func TestLocalLockerMutualExclusion(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, ResourceAccount, "acct-1", time.Minute)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := locker.Acquire(ctx, ResourceAccount, "acct-1", time.Minute); err != ErrLockNotAcquired {
		t.Fatalf("second Acquire on held lock: got %v, want ErrLockNotAcquired", err)
	}

	// A different resource id is independent.
	other, err := locker.Acquire(ctx, ResourceAccount, "acct-2", time.Minute)
	if err != nil {
		t.Fatalf("Acquire on other account: %v", err)
	}
	other.Release(ctx)

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if locker.Held(ResourceAccount, "acct-1") {
		t.Error("lock still held after release")
	}

	if _, err := locker.Acquire(ctx, ResourceAccount, "acct-1", time.Minute); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestLocalLockerDoubleReleaseNotOwned(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, ResourceTask, "task-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(ctx); err != ErrLockNotOwned {
		t.Errorf("second Release: got %v, want ErrLockNotOwned", err)
	}
}

func TestLocalLockerAcquireWithRetry(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, ResourceAccount, "acct-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		retried, err := locker.AcquireWithRetry(ctx, ResourceAccount, "acct-1", time.Minute, time.Second)
		if err == nil {
			retried.Release(ctx)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	lock.Release(ctx)

	if err := <-done; err != nil {
		t.Fatalf("AcquireWithRetry after release: %v", err)
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	err := WithLock(ctx, locker, ResourceAccount, "acct-1", time.Minute, func() error {
		if !locker.Held(ResourceAccount, "acct-1") {
			t.Error("lock not held inside WithLock")
		}
		return context.DeadlineExceeded
	})
	if err != context.DeadlineExceeded {
		t.Fatalf("WithLock: got %v, want DeadlineExceeded", err)
	}
	if locker.Held(ResourceAccount, "acct-1") {
		t.Error("lock still held after WithLock returned")
	}
}
