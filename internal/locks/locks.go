package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrLockNotAcquired = errors.New("could not acquire lock")
	ErrLockExpired     = errors.New("lock expired")
	ErrLockNotOwned    = errors.New("lock not owned by this client")
)

// ResourceType represents different types of lockable resources
type ResourceType string

const (
	ResourceAccount ResourceType = "account" // Lock per Telegram account (one live session at a time)
	ResourceTask    ResourceType = "task"    // Lock per task execution
	ResourceProxy   ResourceType = "proxy"   // Lock per proxy health probe
)

// Lock is a held lock that must be released by its owner
type Lock interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker acquires locks on named resources. The production implementation
// is Redis-backed; tests use the in-process LocalLocker.
type Locker interface {
	Acquire(ctx context.Context, resourceType ResourceType, resourceID string, ttl time.Duration) (Lock, error)
	AcquireWithRetry(ctx context.Context, resourceType ResourceType, resourceID string, ttl, maxWait time.Duration) (Lock, error)
}

// DistributedLock represents a distributed lock backed by Redis
type DistributedLock struct {
	client    *redis.Client
	key       string
	token     string
	expiresAt time.Time
}

// LockManager manages distributed locks
type LockManager struct {
	redis     *redis.Client
	keyPrefix string
}

// NewLockManager creates a new lock manager
func NewLockManager(redisClient *redis.Client) *LockManager {
	return &LockManager{
		redis:     redisClient,
		keyPrefix: "tgsuite:lock:",
	}
}

// lockKey generates a Redis key for a lock
func (m *LockManager) lockKey(resourceType ResourceType, resourceID string) string {
	return fmt.Sprintf("%s%s:%s", m.keyPrefix, resourceType, resourceID)
}

// Acquire tries to acquire a lock
func (m *LockManager) Acquire(ctx context.Context, resourceType ResourceType, resourceID string, ttl time.Duration) (Lock, error) {
	key := m.lockKey(resourceType, resourceID)
	token := uuid.New().String()

	// SET NX EX for atomic lock acquisition
	ok, err := m.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	if !ok {
		return nil, ErrLockNotAcquired
	}

	return &DistributedLock{
		client:    m.redis,
		key:       key,
		token:     token,
		expiresAt: time.Now().Add(ttl),
	}, nil
}

// AcquireWithRetry tries to acquire a lock with retries and exponential backoff
func (m *LockManager) AcquireWithRetry(ctx context.Context, resourceType ResourceType, resourceID string, ttl, maxWait time.Duration) (Lock, error) {
	deadline := time.Now().Add(maxWait)
	retryInterval := 50 * time.Millisecond
	maxRetryInterval := 500 * time.Millisecond

	for {
		lock, err := m.Acquire(ctx, resourceType, resourceID, ttl)
		if err == nil {
			return lock, nil
		}
		if err != ErrLockNotAcquired {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
			retryInterval = retryInterval * 2
			if retryInterval > maxRetryInterval {
				retryInterval = maxRetryInterval
			}
		}
	}
}

// IsLocked checks if a resource is currently locked
func (m *LockManager) IsLocked(ctx context.Context, resourceType ResourceType, resourceID string) (bool, error) {
	key := m.lockKey(resourceType, resourceID)
	exists, err := m.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// GetLockTTL returns the remaining TTL of a lock
func (m *LockManager) GetLockTTL(ctx context.Context, resourceType ResourceType, resourceID string) (time.Duration, error) {
	key := m.lockKey(resourceType, resourceID)
	ttl, err := m.redis.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil // Lock doesn't exist or has expired
	}
	return ttl, nil
}

// Release releases the lock (only if we own it)
func (l *DistributedLock) Release(ctx context.Context) error {
	// Lua script to atomically check and delete
	// This ensures we only delete our own lock
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return err
	}
	if result.(int64) == 0 {
		return ErrLockNotOwned
	}
	return nil
}

// Extend extends the lock TTL (only if we own it)
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	// Lua script to atomically check and extend
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	result, err := script.Run(ctx, l.client, []string{l.key}, l.token, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return err
	}
	if result.(int64) == 0 {
		return ErrLockExpired
	}
	l.expiresAt = time.Now().Add(ttl)
	return nil
}

// IsExpired checks if the lock has expired (locally)
func (l *DistributedLock) IsExpired() bool {
	return time.Now().After(l.expiresAt)
}

// Token returns the lock token
func (l *DistributedLock) Token() string {
	return l.token
}

// ExpiresAt returns when the lock expires
func (l *DistributedLock) ExpiresAt() time.Time {
	return l.expiresAt
}

// WithLock executes a function while holding a lock
func WithLock(ctx context.Context, locker Locker, resourceType ResourceType, resourceID string, ttl time.Duration, fn func() error) error {
	lock, err := locker.Acquire(ctx, resourceType, resourceID, ttl)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	return fn()
}

// WithLockRetry executes a function while holding a lock (with retry)
func WithLockRetry(ctx context.Context, locker Locker, resourceType ResourceType, resourceID string, ttl, maxWait time.Duration, fn func() error) error {
	lock, err := locker.AcquireWithRetry(ctx, resourceType, resourceID, ttl, maxWait)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)

	return fn()
}

var _ Locker = (*LockManager)(nil)
