package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/aretw0/waypoint/pkg/adapters/memory"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Contract(t *testing.T) {
	ports.RunCheckpointStoreContract(t, func(t *testing.T) ports.Store {
		return memory.NewStore()
	})
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	key := domain.CheckpointKey{ThreadID: "t1", UserID: "u1"}

	next, err := store.Put(ctx, key, domain.Checkpoint{ID: "a"}, nil, nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, key, domain.Checkpoint{ID: "a"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.PutWrites(ctx, next, []domain.ChannelWrite{{Channel: domain.ChannelMessages}}, "task", ""))

	checkpoints, writes, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoints)
	assert.Equal(t, 1, writes)
}

func TestMemoryStore_RejectsEmptyThread(t *testing.T) {
	store := memory.NewStore()
	_, err := store.GetLatest(context.Background(), domain.CheckpointKey{UserID: "u"})
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestMemoryStore_ConcurrentSetupBuildsTablesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	key := domain.CheckpointKey{ThreadID: "t1", UserID: "u1"}
	_, err := store.Put(ctx, key, domain.Checkpoint{ID: "a"}, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Setup(ctx))
		}()
	}
	wg.Wait()

	n, err := store.IndexCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	checkpoints, _, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, checkpoints, "a rebuilt database would be empty")
}
