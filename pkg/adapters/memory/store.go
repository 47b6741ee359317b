package memory

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/serde"
	"github.com/hashicorp/go-memdb"
)

const (
	tableCheckpoints = "checkpoints"
	tableWrites      = "writes"
)

type checkpointRow struct {
	ID        string
	Partition string
	ThreadID  string
	UserID    string
	Namespace string
	ParentID  string

	Checkpoint domain.Checkpoint
	Metadata   map[string]any
}

type writeRow struct {
	ID       string
	Scope    string
	ThreadID string
	UserID   string
	Seq      uint64

	Record domain.WriteRecord
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableCheckpoints: {
				Name: tableCheckpoints,
				Indexes: map[string]*memdb.IndexSchema{
					"id":        {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"partition": {Name: "partition", Indexer: &memdb.StringFieldIndex{Field: "Partition"}},
					"thread":    {Name: "thread", Indexer: &memdb.StringFieldIndex{Field: "ThreadID"}},
				},
			},
			tableWrites: {
				Name: tableWrites,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"scope":  {Name: "scope", Indexer: &memdb.StringFieldIndex{Field: "Scope"}},
					"thread": {Name: "thread", Indexer: &memdb.StringFieldIndex{Field: "ThreadID"}},
					"user":   {Name: "user", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "UserID"}},
				},
			},
		},
	}
}

// Store implements ports.Store in memory on top of go-memdb.
// Safe for concurrent use.
type Store struct {
	db    atomic.Pointer[memdb.MemDB]
	latch ports.SetupLatch
	seq   atomic.Uint64
	now   func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the time stamped on writes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a new in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Setup builds the indexed tables.
func (s *Store) Setup(ctx context.Context) error {
	return s.latch.Do(ctx, func(context.Context) error {
		db, err := memdb.NewMemDB(schema())
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		s.db.Store(db)
		return nil
	})
}

func (s *Store) open(ctx context.Context) (*memdb.MemDB, error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}
	return s.db.Load(), nil
}

// IndexCount reports the indexes of the live tables.
func (s *Store) IndexCount(ctx context.Context) (int, error) {
	db, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, table := range db.DBSchema().Tables {
		n += len(table.Indexes)
	}
	return n, nil
}

func join(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func partitionOf(k domain.CheckpointKey) string {
	return join(k.ThreadID, k.UserID, k.Namespace)
}

func scopeOf(k domain.CheckpointKey) string {
	return join(k.ThreadID, k.Namespace, k.CheckpointID)
}

// GetLatest returns the exact or newest checkpoint of a partition.
func (s *Store) GetLatest(ctx context.Context, key domain.CheckpointKey) (*domain.CheckpointTuple, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	txn := db.Txn(false)
	defer txn.Abort()

	var row *checkpointRow
	if key.CheckpointID != "" {
		raw, err := txn.First(tableCheckpoints, "id", join(key.ThreadID, key.Namespace, key.CheckpointID))
		if err != nil {
			return nil, err
		}
		if raw != nil && raw.(*checkpointRow).UserID == key.UserID {
			row = raw.(*checkpointRow)
		}
	} else {
		it, err := txn.Get(tableCheckpoints, "partition", partitionOf(key))
		if err != nil {
			return nil, err
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			r := raw.(*checkpointRow)
			if row == nil || r.Checkpoint.ID > row.Checkpoint.ID {
				row = r
			}
		}
	}
	if row == nil {
		return nil, nil
	}
	return s.tuple(txn, row)
}

func (s *Store) tuple(txn *memdb.Txn, row *checkpointRow) (*domain.CheckpointTuple, error) {
	key := domain.CheckpointKey{ThreadID: row.ThreadID, UserID: row.UserID, Namespace: row.Namespace, CheckpointID: row.Checkpoint.ID}
	it, err := txn.Get(tableWrites, "scope", scopeOf(key))
	if err != nil {
		return nil, err
	}
	var writes []domain.PendingWrite
	for raw := it.Next(); raw != nil; raw = it.Next() {
		writes = append(writes, raw.(*writeRow).Record.PendingWrite)
	}
	slices.SortFunc(writes, func(a, b domain.PendingWrite) int {
		return cmp.Or(cmp.Compare(a.TaskID, b.TaskID), cmp.Compare(a.Idx, b.Idx))
	})
	return &domain.CheckpointTuple{
		Key:           key,
		Checkpoint:    row.Checkpoint,
		Metadata:      serde.DecodeMetadata(row.Metadata),
		Parent:        key.ParentKey(row.ParentID),
		PendingWrites: writes,
	}, nil
}

// List yields checkpoints newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOptions) iter.Seq2[*domain.CheckpointTuple, error] {
	return func(yield func(*domain.CheckpointTuple, error) bool) {
		db, err := s.open(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		txn := db.Txn(false)
		defer txn.Abort()

		var it memdb.ResultIterator
		if opts.ThreadID != "" {
			it, err = txn.Get(tableCheckpoints, "thread", opts.ThreadID)
		} else {
			it, err = txn.Get(tableCheckpoints, "id")
		}
		if err != nil {
			yield(nil, err)
			return
		}

		var rows []*checkpointRow
		for raw := it.Next(); raw != nil; raw = it.Next() {
			r := raw.(*checkpointRow)
			if opts.UserID != "" && r.UserID != opts.UserID {
				continue
			}
			if opts.Namespace != nil && r.Namespace != *opts.Namespace {
				continue
			}
			if opts.Before != "" && r.Checkpoint.ID >= opts.Before {
				continue
			}
			if len(opts.Filter) > 0 && !serde.MatchMetadata(r.Metadata, opts.Filter) {
				continue
			}
			rows = append(rows, r)
		}
		slices.SortFunc(rows, func(a, b *checkpointRow) int {
			return cmp.Or(cmp.Compare(b.Checkpoint.ID, a.Checkpoint.ID), cmp.Compare(a.ID, b.ID))
		})

		for i, r := range rows {
			if opts.Limit > 0 && i >= opts.Limit {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			tuple, err := s.tuple(txn, r)
			if !yield(tuple, err) || err != nil {
				return
			}
		}
	}
}

// Put upserts a checkpoint.
func (s *Store) Put(ctx context.Context, parent domain.CheckpointKey, cp domain.Checkpoint, meta domain.Metadata, _ domain.ChannelVersions) (domain.CheckpointKey, error) {
	if err := parent.Validate(); err != nil {
		return domain.CheckpointKey{}, err
	}
	db, err := s.open(ctx)
	if err != nil {
		return domain.CheckpointKey{}, err
	}
	enc, err := serde.EncodeMetadata(meta)
	if err != nil {
		return domain.CheckpointKey{}, err
	}
	key := parent.WithID(cp.ID)
	cp.Payload.Data = bytes.Clone(cp.Payload.Data)

	txn := db.Txn(true)
	defer txn.Abort()
	row := &checkpointRow{
		ID:         join(key.ThreadID, key.Namespace, key.CheckpointID),
		Partition:  partitionOf(key),
		ThreadID:   key.ThreadID,
		UserID:     key.UserID,
		Namespace:  key.Namespace,
		ParentID:   parent.CheckpointID,
		Checkpoint: cp,
		Metadata:   enc,
	}
	if err := txn.Insert(tableCheckpoints, row); err != nil {
		return domain.CheckpointKey{}, err
	}
	txn.Commit()
	return key, nil
}

// PutWrites stores one task's writes in a single transaction.
func (s *Store) PutWrites(ctx context.Context, key domain.CheckpointKey, writes []domain.ChannelWrite, taskID, taskPath string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	scope := scopeOf(key)

	txn := db.Txn(true)
	defer txn.Abort()
	for pos, w := range writes {
		idx, replace := domain.WriteIndex(w.Channel, pos)
		id := join(scope, taskID, strconv.Itoa(idx))
		if !replace {
			existing, err := txn.First(tableWrites, "id", id)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
		}
		row := &writeRow{
			ID:       id,
			Scope:    scope,
			ThreadID: key.ThreadID,
			UserID:   key.UserID,
			Seq:      s.seq.Add(1),
			Record: domain.WriteRecord{
				CheckpointKey: key,
				PendingWrite: domain.PendingWrite{
					TaskID:    taskID,
					TaskPath:  taskPath,
					Channel:   w.Channel,
					Idx:       idx,
					Value:     domain.Payload{Type: w.Value.Type, Data: bytes.Clone(w.Value.Data)},
					Timestamp: now,
				},
			},
		}
		if err := txn.Insert(tableWrites, row); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

// ListWrites returns matching writes, oldest first.
func (s *Store) ListWrites(ctx context.Context, q domain.WriteQuery) ([]domain.WriteRecord, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	txn := db.Txn(false)
	defer txn.Abort()

	var it memdb.ResultIterator
	switch {
	case q.UserID != "":
		it, err = txn.Get(tableWrites, "user", q.UserID)
	case q.ThreadID != "":
		it, err = txn.Get(tableWrites, "thread", q.ThreadID)
	default:
		it, err = txn.Get(tableWrites, "id")
	}
	if err != nil {
		return nil, err
	}

	var rows []*writeRow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		r := raw.(*writeRow)
		if q.Matches(r.Record) {
			rows = append(rows, r)
		}
	}
	slices.SortFunc(rows, func(a, b *writeRow) int {
		return cmp.Or(a.Record.Timestamp.Compare(b.Record.Timestamp), cmp.Compare(a.Seq, b.Seq))
	})
	out := make([]domain.WriteRecord, len(rows))
	for i, r := range rows {
		out[i] = r.Record
	}
	return out, nil
}

// DeleteThread removes every checkpoint and write a user owns on a thread.
func (s *Store) DeleteThread(ctx context.Context, userID, threadID string) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	txn := db.Txn(true)
	defer txn.Abort()

	var doomed []struct {
		table string
		row   any
	}
	for _, table := range []string{tableCheckpoints, tableWrites} {
		it, err := txn.Get(table, "thread", threadID)
		if err != nil {
			return err
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			owner := ""
			switch r := raw.(type) {
			case *checkpointRow:
				owner = r.UserID
			case *writeRow:
				owner = r.UserID
			}
			if owner == userID {
				doomed = append(doomed, struct {
					table string
					row   any
				}{table, raw})
			}
		}
	}
	for _, d := range doomed {
		if err := txn.Delete(d.table, d.row); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

// Close is a no-op.
func (s *Store) Close(context.Context) error {
	return nil
}

// Stats reports row counts, used by tests and the CLI.
func (s *Store) Stats(ctx context.Context) (checkpoints, writes int, err error) {
	db, err := s.open(ctx)
	if err != nil {
		return 0, 0, err
	}
	txn := db.Txn(false)
	defer txn.Abort()
	count := func(table string) (int, error) {
		it, err := txn.Get(table, "id")
		if err != nil {
			return 0, err
		}
		n := 0
		for raw := it.Next(); raw != nil; raw = it.Next() {
			n++
		}
		return n, nil
	}
	if checkpoints, err = count(tableCheckpoints); err != nil {
		return 0, 0, err
	}
	writes, err = count(tableWrites)
	return checkpoints, writes, err
}
