package ports

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunCheckpointStoreContract runs a suite of tests to verify that a Store
// implementation adheres to the CheckpointStore and WriteLog contracts.
// newStore must return an empty store; it is called once per subtest.
func RunCheckpointStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("GetLatest on empty thread", func(t *testing.T) {
		store := newStore(t)
		tuple, err := store.GetLatest(ctx, contractKey("empty", ""))
		require.NoError(t, err)
		assert.Nil(t, tuple)
	})

	t.Run("Put and GetLatest", func(t *testing.T) {
		store := newStore(t)
		key := contractKey("thread-latest", "")

		// 1. Build a linear chain of three checkpoints
		parent := key
		for i := 1; i <= 3; i++ {
			next, err := store.Put(ctx, parent, contractCheckpoint(i), domain.Metadata{"step": i}, nil)
			require.NoError(t, err)
			assert.Equal(t, contractID(i), next.CheckpointID)
			parent = next
		}

		// 2. Latest is the maximum id, with the parent resolved
		latest, err := store.GetLatest(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, contractID(3), latest.Key.CheckpointID)
		assert.Equal(t, `{"n":3}`, string(latest.Checkpoint.Payload.Data))
		assert.Equal(t, float64(3), latest.Metadata["step"])
		require.NotNil(t, latest.Parent)
		assert.Equal(t, key.WithID(contractID(2)), *latest.Parent)

		// 3. Explicit id
		first, err := store.GetLatest(ctx, key.WithID(contractID(1)))
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, contractID(1), first.Key.CheckpointID)
		assert.Nil(t, first.Parent)

		// 4. Unknown id
		missing, err := store.GetLatest(ctx, key.WithID(contractID(99)))
		require.NoError(t, err)
		assert.Nil(t, missing)

		// 5. Other users do not see the thread
		other, err := store.GetLatest(ctx, domain.CheckpointKey{ThreadID: key.ThreadID, UserID: "someone-else"})
		require.NoError(t, err)
		assert.Nil(t, other)
	})

	t.Run("Put upserts", func(t *testing.T) {
		store := newStore(t)
		key := contractKey("thread-upsert", "")

		_, err := store.Put(ctx, key, contractCheckpoint(1), domain.Metadata{"v": "a"}, nil)
		require.NoError(t, err)
		cp := contractCheckpoint(1)
		cp.Payload.Data = []byte(`{"n":"replaced"}`)
		_, err = store.Put(ctx, key, cp, domain.Metadata{"v": "b"}, nil)
		require.NoError(t, err)

		tuples := collect(t, store, domain.ListOptions{ThreadID: key.ThreadID})
		require.Len(t, tuples, 1, "same key must never produce two rows")
		assert.Equal(t, `{"n":"replaced"}`, string(tuples[0].Checkpoint.Payload.Data))
		assert.Equal(t, "b", tuples[0].Metadata["v"])
	})

	t.Run("PutWrites ignore and replace", func(t *testing.T) {
		store := newStore(t)
		key, err := store.Put(ctx, contractKey("thread-writes", ""), contractCheckpoint(1), nil, nil)
		require.NoError(t, err)

		// 1. First batch: one ordinary and one special channel
		require.NoError(t, store.PutWrites(ctx, key, []domain.ChannelWrite{
			{Channel: domain.ChannelMessages, Value: jsonPayload(`"v1"`)},
			{Channel: domain.ChannelError, Value: jsonPayload(`"e1"`)},
		}, "task-1", "node"))

		// 2. Retry with new values
		require.NoError(t, store.PutWrites(ctx, key, []domain.ChannelWrite{
			{Channel: domain.ChannelMessages, Value: jsonPayload(`"v2"`)},
			{Channel: domain.ChannelError, Value: jsonPayload(`"e2"`)},
		}, "task-1", "node"))

		tuple, err := store.GetLatest(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		require.Len(t, tuple.PendingWrites, 2)

		byChannel := map[string]domain.PendingWrite{}
		for _, w := range tuple.PendingWrites {
			byChannel[w.Channel] = w
		}
		assert.Equal(t, `"v1"`, string(byChannel[domain.ChannelMessages].Value.Data), "ordinary channel keeps the first write")
		assert.Equal(t, 0, byChannel[domain.ChannelMessages].Idx)
		assert.Equal(t, `"e2"`, string(byChannel[domain.ChannelError].Value.Data), "special channel is replaced")
		assert.Equal(t, -1, byChannel[domain.ChannelError].Idx)
		assert.Equal(t, "task-1", byChannel[domain.ChannelMessages].TaskID)
	})

	t.Run("PutWrites indexes by position", func(t *testing.T) {
		store := newStore(t)
		key, err := store.Put(ctx, contractKey("thread-positions", ""), contractCheckpoint(1), nil, nil)
		require.NoError(t, err)

		require.NoError(t, store.PutWrites(ctx, key, []domain.ChannelWrite{
			{Channel: domain.ChannelMessages, Value: jsonPayload(`"a"`)},
			{Channel: domain.ChannelNext, Value: jsonPayload(`"b"`)},
		}, "task-1", "node"))
		require.NoError(t, store.PutWrites(ctx, key, []domain.ChannelWrite{
			{Channel: domain.ChannelMessages, Value: jsonPayload(`"c"`)},
		}, "task-2", "node"))

		tuple, err := store.GetLatest(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, tuple)
		require.Len(t, tuple.PendingWrites, 3)
		assert.Equal(t, "task-1", tuple.PendingWrites[0].TaskID)
		assert.Equal(t, 0, tuple.PendingWrites[0].Idx)
		assert.Equal(t, 1, tuple.PendingWrites[1].Idx)
		assert.Equal(t, "task-2", tuple.PendingWrites[2].TaskID)
	})

	t.Run("List filters", func(t *testing.T) {
		store := newStore(t)
		main := contractKey("thread-list", "")
		sub := contractKey("thread-list", "sub")

		parent := main
		for i := 1; i <= 4; i++ {
			source := "loop"
			if i == 1 {
				source = "input"
			}
			next, err := store.Put(ctx, parent, contractCheckpoint(i), domain.Metadata{
				"source": source,
				"writes": map[string]any{"supervisor": fmt.Sprintf("w%d", i%2)},
			}, nil)
			require.NoError(t, err)
			parent = next
		}
		_, err := store.Put(ctx, sub, contractCheckpoint(5), domain.Metadata{"source": "loop"}, nil)
		require.NoError(t, err)

		all := collect(t, store, domain.ListOptions{ThreadID: main.ThreadID})
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.Greater(t, all[i-1].Key.CheckpointID, all[i].Key.CheckpointID, "newest first")
		}

		ns := ""
		onlyMain := collect(t, store, domain.ListOptions{ThreadID: main.ThreadID, Namespace: &ns})
		assert.Len(t, onlyMain, 4)

		before := collect(t, store, domain.ListOptions{ThreadID: main.ThreadID, Namespace: &ns, Before: contractID(3)})
		require.Len(t, before, 2)
		assert.Equal(t, contractID(2), before[0].Key.CheckpointID)

		limited := collect(t, store, domain.ListOptions{ThreadID: main.ThreadID, Limit: 2})
		require.Len(t, limited, 2)
		assert.Equal(t, contractID(5), limited[0].Key.CheckpointID)

		bySource := collect(t, store, domain.ListOptions{ThreadID: main.ThreadID, Filter: map[string]any{"source": "input"}})
		require.Len(t, bySource, 1)
		assert.Equal(t, contractID(1), bySource[0].Key.CheckpointID)

		byNested := collect(t, store, domain.ListOptions{ThreadID: main.ThreadID, Filter: map[string]any{"writes.supervisor": "w0"}})
		assert.Len(t, byNested, 2)

		filteredLimit := collect(t, store, domain.ListOptions{ThreadID: main.ThreadID, Filter: map[string]any{"source": "loop"}, Limit: 1})
		require.Len(t, filteredLimit, 1)
		assert.Equal(t, contractID(5), filteredLimit[0].Key.CheckpointID)

		byUser := collect(t, store, domain.ListOptions{UserID: "someone-else"})
		assert.Empty(t, byUser)
	})

	t.Run("List stops early", func(t *testing.T) {
		store := newStore(t)
		key := contractKey("thread-break", "")
		for i := 1; i <= 3; i++ {
			_, err := store.Put(ctx, key, contractCheckpoint(i), nil, nil)
			require.NoError(t, err)
		}

		seen := 0
		for tuple, err := range store.List(ctx, domain.ListOptions{ThreadID: key.ThreadID}) {
			require.NoError(t, err)
			require.NotNil(t, tuple)
			seen++
			break
		}
		assert.Equal(t, 1, seen)
	})

	t.Run("ListWrites", func(t *testing.T) {
		store := newStore(t)
		a, err := store.Put(ctx, contractKey("thread-a", ""), contractCheckpoint(1), nil, nil)
		require.NoError(t, err)
		b, err := store.Put(ctx, contractKey("thread-b", ""), contractCheckpoint(2), nil, nil)
		require.NoError(t, err)

		require.NoError(t, store.PutWrites(ctx, a, []domain.ChannelWrite{{Channel: domain.ChannelMessages, Value: jsonPayload(`"a1"`)}}, "t1", "coordinator"))
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, store.PutWrites(ctx, b, []domain.ChannelWrite{
			{Channel: domain.ChannelMessages, Value: jsonPayload(`"b1"`)},
			{Channel: domain.ChannelNext, Value: jsonPayload(`"search"`)},
		}, "t2", "supervisor"))

		all, err := store.ListWrites(ctx, domain.WriteQuery{UserID: contractUser})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "thread-a", all[0].ThreadID)
		assert.Equal(t, contractUser, all[0].UserID)
		assert.Equal(t, contractID(1), all[0].CheckpointID)
		assert.False(t, all[0].Timestamp.IsZero())
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp), "timestamp ascending")
		}

		msgs, err := store.ListWrites(ctx, domain.WriteQuery{UserID: contractUser, Channel: domain.ChannelMessages})
		require.NoError(t, err)
		assert.Len(t, msgs, 2)

		thread, err := store.ListWrites(ctx, domain.WriteQuery{UserID: contractUser, ThreadID: "thread-b"})
		require.NoError(t, err)
		assert.Len(t, thread, 2)

		none, err := store.ListWrites(ctx, domain.WriteQuery{UserID: "someone-else"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Concurrent Setup", func(t *testing.T) {
		store := newStore(t)
		setupAll := func() {
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- store.Setup(ctx)
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				assert.NoError(t, err)
			}
		}
		setupAll()

		counter, counts := store.(IndexCounter)
		var indexes int
		if counts {
			n, err := counter.IndexCount(ctx)
			require.NoError(t, err)
			assert.Positive(t, n)
			indexes = n
		}

		key, err := store.Put(ctx, contractKey("thread-setup", ""), contractCheckpoint(1), nil, nil)
		require.NoError(t, err)
		setupAll()

		// Setup must not rebuild what exists.
		tuple, err := store.GetLatest(ctx, key)
		require.NoError(t, err)
		assert.NotNil(t, tuple)
		if counts {
			n, err := counter.IndexCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, indexes, n)
		}
	})

	t.Run("DeleteThread", func(t *testing.T) {
		store := newStore(t)
		key, err := store.Put(ctx, contractKey("thread-delete", ""), contractCheckpoint(1), nil, nil)
		require.NoError(t, err)
		require.NoError(t, store.PutWrites(ctx, key, []domain.ChannelWrite{{Channel: domain.ChannelMessages, Value: jsonPayload(`"x"`)}}, "t", "n"))
		keep, err := store.Put(ctx, contractKey("thread-keep", ""), contractCheckpoint(2), nil, nil)
		require.NoError(t, err)

		require.NoError(t, store.DeleteThread(ctx, contractUser, key.ThreadID))

		tuple, err := store.GetLatest(ctx, contractKey("thread-delete", ""))
		require.NoError(t, err)
		assert.Nil(t, tuple)
		writes, err := store.ListWrites(ctx, domain.WriteQuery{UserID: contractUser, ThreadID: key.ThreadID})
		require.NoError(t, err)
		assert.Empty(t, writes)

		kept, err := store.GetLatest(ctx, keep)
		require.NoError(t, err)
		assert.NotNil(t, kept)
	})

	t.Run("DeleteThread is scoped to the user", func(t *testing.T) {
		store := newStore(t)
		alice := domain.CheckpointKey{ThreadID: "shared", UserID: "alice"}
		bob := domain.CheckpointKey{ThreadID: "shared", UserID: "bob"}

		aliceKey, err := store.Put(ctx, alice, contractCheckpoint(101), nil, nil)
		require.NoError(t, err)
		require.NoError(t, store.PutWrites(ctx, aliceKey, []domain.ChannelWrite{{Channel: domain.ChannelMessages, Value: jsonPayload(`"from alice"`)}}, "t", "n"))
		bobKey, err := store.Put(ctx, bob, contractCheckpoint(102), nil, nil)
		require.NoError(t, err)
		require.NoError(t, store.PutWrites(ctx, bobKey, []domain.ChannelWrite{{Channel: domain.ChannelMessages, Value: jsonPayload(`"from bob"`)}}, "t", "n"))

		require.NoError(t, store.DeleteThread(ctx, "alice", "shared"))

		gone, err := store.GetLatest(ctx, alice)
		require.NoError(t, err)
		assert.Nil(t, gone)
		aliceWrites, err := store.ListWrites(ctx, domain.WriteQuery{UserID: "alice", ThreadID: "shared"})
		require.NoError(t, err)
		assert.Empty(t, aliceWrites)

		latest, err := store.GetLatest(ctx, bob)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, contractID(102), latest.Key.CheckpointID)
		bobWrites, err := store.ListWrites(ctx, domain.WriteQuery{UserID: "bob", ThreadID: "shared"})
		require.NoError(t, err)
		require.Len(t, bobWrites, 1)
		assert.Equal(t, `"from bob"`, string(bobWrites[0].Value.Data))
	})
}

const contractUser = "contract-user"

func contractKey(thread, ns string) domain.CheckpointKey {
	return domain.CheckpointKey{ThreadID: thread, UserID: contractUser, Namespace: ns}
}

func contractID(i int) string {
	return fmt.Sprintf("cp-%04d", i)
}

func contractCheckpoint(i int) domain.Checkpoint {
	return domain.Checkpoint{
		ID:        contractID(i),
		Timestamp: time.Now().UTC(),
		Payload:   jsonPayload(fmt.Sprintf(`{"n":%d}`, i)),
	}
}

func jsonPayload(s string) domain.Payload {
	return domain.Payload{Type: "json", Data: []byte(s)}
}

func collect(t *testing.T, store Store, opts domain.ListOptions) []*domain.CheckpointTuple {
	t.Helper()
	var out []*domain.CheckpointTuple
	for tuple, err := range store.List(context.Background(), opts) {
		require.NoError(t, err)
		out = append(out, tuple)
	}
	return out
}
