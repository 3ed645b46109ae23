package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when the lock stayed contended for the whole
// acquire window.
var ErrLockNotAcquired = errors.New("locking: appointment lock not acquired")

const (
	defaultTTL         = 15 * time.Second
	defaultAcquireWait = 2 * time.Second
	defaultRetryEvery  = 50 * time.Millisecond
)

// Locker serializes lifecycle operations per appointment. Every mutation of an
// appointment runs inside WithAppointmentLock so concurrent webhooks, workers
// and API calls cannot interleave on the same record.
type Locker interface {
	WithAppointmentLock(ctx context.Context, appointmentID string, fn func(ctx context.Context) error) error
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration

	// Contenders poll SetNX for up to acquireWait before giving up. Payment
	// webhooks and the provisioning worker routinely race on the same
	// appointment, and the loser's section lasts well under the wait, so a
	// short poll turns most collisions into a brief delay instead of an
	// error surfaced to the provider.
	acquireWait time.Duration
	retryEvery  time.Duration
}

// NewRedisLocker builds a locker backed by a per-appointment Redis key. The
// key carries a random token so only the holder's release can delete it.
func NewRedisLocker(client *redis.Client, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisLocker{
		client:      client,
		ttl:         ttl,
		acquireWait: defaultAcquireWait,
		retryEvery:  defaultRetryEvery,
	}
}

func (l *redisLocker) WithAppointmentLock(ctx context.Context, appointmentID string, fn func(ctx context.Context) error) error {
	key := "lock:appointment:" + appointmentID
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}
	defer func() {
		_ = l.release(ctx, key, token)
	}()

	lockCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(lockCtx)
}

func (l *redisLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.acquireWait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("locking: acquire: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryEvery):
		}
	}
}

// The compare-and-delete runs server side so an expired lock reclaimed by
// another holder is never deleted by the old token.
var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("locking: release: %w", err)
	}
	return nil
}

// MutexLocker is a single-process locker for tests and local development.
type MutexLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *MutexLocker) WithAppointmentLock(ctx context.Context, appointmentID string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[appointmentID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[appointmentID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
