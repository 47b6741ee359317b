package ports

import (
	"context"
	"iter"

	"github.com/aretw0/waypoint/pkg/domain"
)

// CheckpointStore persists the checkpoint chain of each thread and the raw
// channel writes produced by every step.
type CheckpointStore interface {
	// Setup creates the indexes the store needs. It is safe to call
	// concurrently and performs the work once per store instance.
	// Every other method calls it implicitly.
	Setup(ctx context.Context) error

	// GetLatest returns the checkpoint with key.CheckpointID, or the newest
	// checkpoint of the (thread, user, namespace) partition when the id is empty.
	// It returns nil, nil when nothing matches.
	GetLatest(ctx context.Context, key domain.CheckpointKey) (*domain.CheckpointTuple, error)

	// List yields checkpoints newest first. Breaking out of the loop releases
	// any underlying cursor.
	List(ctx context.Context, opts domain.ListOptions) iter.Seq2[*domain.CheckpointTuple, error]

	// Put upserts a checkpoint under parent's partition. parent.CheckpointID,
	// if set, becomes the parent pointer. versions travel inside the
	// serialized snapshot and are not stored separately.
	Put(ctx context.Context, parent domain.CheckpointKey, cp domain.Checkpoint, meta domain.Metadata, versions domain.ChannelVersions) (domain.CheckpointKey, error)

	// PutWrites stores the writes of one task atomically. Writes to special
	// channels replace existing rows; all others are ignored if present.
	PutWrites(ctx context.Context, key domain.CheckpointKey, writes []domain.ChannelWrite, taskID, taskPath string) error

	// DeleteThread removes every checkpoint and write userID owns on a
	// thread. Rows other users hold under the same thread ID stay.
	DeleteThread(ctx context.Context, userID, threadID string) error

	// Close releases connections owned by the store.
	Close(ctx context.Context) error
}

// WriteLog is the read side over pending writes.
type WriteLog interface {
	// ListWrites returns matching writes ordered by timestamp ascending.
	ListWrites(ctx context.Context, q domain.WriteQuery) ([]domain.WriteRecord, error)
}

// Store is a CheckpointStore that also exposes its write log.
type Store interface {
	CheckpointStore
	WriteLog
}

// IndexCounter is implemented by stores that can report how many of their
// own indexes exist in the backend.
type IndexCounter interface {
	IndexCount(ctx context.Context) (int, error)
}
