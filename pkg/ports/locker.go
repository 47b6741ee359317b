package ports

import (
	"context"
	"time"
)

// UnlockFunc releases a lock taken by a DistributedLocker.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker serializes work on one thread across replicas. Keys
// are "user/thread" pairs built by session.Key.
type DistributedLocker interface {
	// Lock blocks until key is held or ctx ends. The lock lapses after ttl
	// if the holder dies without calling the returned UnlockFunc.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// LockerFunc adapts a function to DistributedLocker.
type LockerFunc func(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)

func (f LockerFunc) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	return f(ctx, key, ttl)
}
