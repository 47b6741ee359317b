package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrLockAcquire is returned when the lock cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire distributed lock")
)

var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Locker implements ports.DistributedLocker using Redis.
type Locker struct {
	client  *backend.Client
	prefix  string
	backoff func() retry.Backoff
}

// NewLocker creates a new Redis locker.
func NewLocker(client *backend.Client, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		backoff: func() retry.Backoff {
			b := retry.NewExponential(20 * time.Millisecond)
			b = retry.WithJitterPercent(10, b)
			return retry.WithCappedDuration(500*time.Millisecond, b)
		},
	}
}

// Lock acquires a distributed lock for the given key using Redis SET NX PX.
// It retries with capped exponential backoff until ctx is done.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	val := uuid.NewString()

	err := retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, lockKey, val, ttl).Result()
		if err != nil {
			return fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if !ok {
			return retry.RetryableError(ErrLockAcquire)
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrLockAcquire, ctxErr)
		}
		return nil, err
	}

	return func(ctx context.Context) error {
		return unlockScript.Run(ctx, l.client, []string{lockKey}, val).Err()
	}, nil
}
