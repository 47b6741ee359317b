package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waypoint/pkg/adapters/memory"
	"github.com/aretw0/waypoint/pkg/adapters/redis"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/session"
)

func TestManager_SerializesSameKey(t *testing.T) {
	manager := session.NewManager(memory.NewStore())
	ctx := context.Background()
	key := session.Key("u1", "t1")

	var inside, maxInside int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.WithLock(ctx, key, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestManager_LockLifecycle(t *testing.T) {
	manager := session.NewManager(memory.NewStore())
	ctx := context.Background()

	// 1. Lock many distinct threads
	for i := range 1000 {
		_ = manager.WithLock(ctx, session.Key("u", fmt.Sprintf("t-%d", i)), func(context.Context) error { return nil })
	}

	// 2. No entries may leak once every holder released
	assert.Equal(t, 0, manager.Active())
}

func TestManager_PropagatesError(t *testing.T) {
	manager := session.NewManager(memory.NewStore())
	boom := errors.New("boom")
	err := manager.WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestManager_DistributedLockFailure(t *testing.T) {
	failing := ports.LockerFunc(func(context.Context, string, time.Duration) (ports.UnlockFunc, error) {
		return nil, errors.New("unreachable")
	})
	manager := session.NewManager(memory.NewStore(), session.WithLocker(failing))
	called := false
	err := manager.WithLock(context.Background(), "k", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, 0, manager.Active())
}

func TestManager_RedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := redis.NewLocker(client, "")

	manager := session.NewManager(memory.NewStore(), session.WithLocker(locker), session.WithLockTTL(time.Second))
	key := session.Key("u1", "t1")

	err := manager.WithLock(context.Background(), key, func(context.Context) error {
		assert.True(t, mr.Exists("lock:"+key))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:"+key))
}

func TestManager_DeleteThreadLocksUserThread(t *testing.T) {
	ctx := context.Background()
	var locked []string
	locker := ports.LockerFunc(func(_ context.Context, key string, _ time.Duration) (ports.UnlockFunc, error) {
		locked = append(locked, key)
		return func(context.Context) error { return nil }, nil
	})
	store := memory.NewStore()
	manager := session.NewManager(store, session.WithLocker(locker))

	alice := domain.CheckpointKey{ThreadID: "shared", UserID: "alice"}
	bob := domain.CheckpointKey{ThreadID: "shared", UserID: "bob"}
	_, err := store.Put(ctx, alice, domain.Checkpoint{ID: "cp-a", Timestamp: time.Now()}, nil, nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, bob, domain.Checkpoint{ID: "cp-b", Timestamp: time.Now()}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, manager.DeleteThread(ctx, "alice", "shared"))
	assert.Equal(t, []string{session.Key("alice", "shared")}, locked)

	gone, err := store.GetLatest(ctx, alice)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := store.GetLatest(ctx, bob)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestManager_DeleteThread(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager := session.NewManager(store)

	key := domain.CheckpointKey{ThreadID: "t1", UserID: "u1"}
	_, err := store.Put(ctx, key, domain.Checkpoint{ID: "cp-1", Timestamp: time.Now()}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, manager.DeleteThread(ctx, "u1", "t1"))

	got, err := store.GetLatest(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}
