package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLocker is an in-process Locker for tests and single-node deployments.
// It honors the same token-ownership rules as the Redis implementation.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]string
	next  int
	clock func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]string),
		clock: time.Now,
	}
}

type localLock struct {
	locker *LocalLocker
	key    string
	token  string
}

func (m *LocalLocker) Acquire(ctx context.Context, resourceType ResourceType, resourceID string, ttl time.Duration) (Lock, error) {
	key := fmt.Sprintf("%s:%s", resourceType, resourceID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[key]; taken {
		return nil, ErrLockNotAcquired
	}
	m.next++
	token := fmt.Sprintf("local-%d", m.next)
	m.held[key] = token
	return &localLock{locker: m, key: key, token: token}, nil
}

func (m *LocalLocker) AcquireWithRetry(ctx context.Context, resourceType ResourceType, resourceID string, ttl, maxWait time.Duration) (Lock, error) {
	deadline := m.clock().Add(maxWait)
	for {
		lock, err := m.Acquire(ctx, resourceType, resourceID, ttl)
		if err == nil {
			return lock, nil
		}
		if err != ErrLockNotAcquired {
			return nil, err
		}
		if m.clock().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Held reports whether a resource is currently locked
func (m *LocalLocker) Held(resourceType ResourceType, resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, taken := m.held[fmt.Sprintf("%s:%s", resourceType, resourceID)]
	return taken
}

func (l *localLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.held[l.key] != l.token {
		return ErrLockNotOwned
	}
	delete(l.locker.held, l.key)
	return nil
}

func (l *localLock) Extend(ctx context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.held[l.key] != l.token {
		return ErrLockExpired
	}
	return nil
}

var _ Locker = (*LocalLocker)(nil)
