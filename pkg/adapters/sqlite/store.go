package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/serde"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id            TEXT NOT NULL,
		user_id              TEXT NOT NULL,
		checkpoint_ns        TEXT NOT NULL DEFAULT '',
		checkpoint_id        TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		type                 TEXT NOT NULL DEFAULT '',
		checkpoint           BLOB,
		metadata             TEXT NOT NULL DEFAULT '{}',
		timestamp            INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_writes (
		thread_id     TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT NOT NULL,
		task_id       TEXT NOT NULL,
		task_path     TEXT NOT NULL DEFAULT '',
		idx           INTEGER NOT NULL,
		channel       TEXT NOT NULL,
		type          TEXT NOT NULL DEFAULT '',
		value         BLOB,
		timestamp     INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS waypoint_checkpoints_key ON checkpoints (thread_id, checkpoint_ns, checkpoint_id)`,
	`CREATE INDEX IF NOT EXISTS waypoint_checkpoints_partition ON checkpoints (thread_id, user_id, checkpoint_ns, checkpoint_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS waypoint_writes_key ON checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)`,
	`CREATE INDEX IF NOT EXISTS waypoint_writes_user ON checkpoint_writes (user_id, timestamp)`,
}

const (
	upsertCheckpoint = `INSERT INTO checkpoints
		(thread_id, user_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			user_id = excluded.user_id,
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			type = excluded.type,
			checkpoint = excluded.checkpoint,
			metadata = excluded.metadata,
			timestamp = excluded.timestamp`

	insertWrite = `INSERT INTO checkpoint_writes
		(thread_id, user_id, checkpoint_ns, checkpoint_id, task_id, task_path, idx, channel, type, value, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	ignoreWrite  = insertWrite + ` ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO NOTHING`
	replaceWrite = insertWrite + ` ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = excluded.channel,
			type = excluded.type,
			value = excluded.value,
			task_path = excluded.task_path,
			timestamp = excluded.timestamp`

	checkpointColumns = `thread_id, user_id, checkpoint_ns, checkpoint_id, COALESCE(parent_checkpoint_id, ''), type, checkpoint, metadata, timestamp`
	writeColumns      = `thread_id, user_id, checkpoint_ns, checkpoint_id, task_id, task_path, idx, channel, type, value, timestamp`
)

// Store is an embedded SQLite-backed ports.Store.
type Store struct {
	db      *sql.DB
	latch   ports.SetupLatch
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Store)

// WithTimeout bounds each operation, including the wait for the single
// pooled connection.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// Open opens (or creates) the database at path. Tables are created lazily by Setup.
func Open(path string, opts ...Option) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: sqlite %s: %w", domain.ErrStoreUnavailable, op, err)
}

// Setup creates tables and indexes once.
func (s *Store) Setup(ctx context.Context) error {
	return s.latch.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := s.bound(ctx)
		defer cancel()
		if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			return unavailable("pragma journal_mode", err)
		}
		if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout=3000;`); err != nil {
			return unavailable("pragma busy_timeout", err)
		}
		for _, stmt := range schema {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return unavailable("create schema", err)
			}
		}
		return nil
	})
}

// IndexCount returns the number of indexes the store owns.
func (s *Store) IndexCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'waypoint_%'`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*domain.CheckpointTuple, map[string]any, error) {
	var (
		key      domain.CheckpointKey
		parentID string
		cp       domain.Checkpoint
		metaRaw  string
		ts       int64
	)
	if err := row.Scan(&key.ThreadID, &key.UserID, &key.Namespace, &key.CheckpointID, &parentID, &cp.Payload.Type, &cp.Payload.Data, &metaRaw, &ts); err != nil {
		return nil, nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return nil, nil, fmt.Errorf("decode metadata of %s: %w", key.CheckpointID, err)
	}
	cp.ID = key.CheckpointID
	cp.Timestamp = time.UnixMicro(ts).UTC()
	return &domain.CheckpointTuple{
		Key:        key,
		Checkpoint: cp,
		Metadata:   serde.DecodeMetadata(meta),
		Parent:     key.ParentKey(parentID),
	}, meta, nil
}

func scanWrite(row scanner) (domain.WriteRecord, error) {
	var (
		r  domain.WriteRecord
		ts int64
	)
	err := row.Scan(&r.ThreadID, &r.UserID, &r.Namespace, &r.CheckpointID, &r.TaskID, &r.TaskPath, &r.Idx, &r.Channel, &r.Value.Type, &r.Value.Data, &ts)
	r.Timestamp = time.UnixMicro(ts).UTC()
	return r, err
}

func (s *Store) attachWrites(ctx context.Context, t *domain.CheckpointTuple) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+writeColumns+` FROM checkpoint_writes
		WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		ORDER BY task_id, idx`, t.Key.ThreadID, t.Key.Namespace, t.Key.CheckpointID)
	if err != nil {
		return unavailable("select writes", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanWrite(rows)
		if err != nil {
			return err
		}
		t.PendingWrites = append(t.PendingWrites, r.PendingWrite)
	}
	return rows.Err()
}

// GetLatest returns the exact or newest checkpoint of a partition.
func (s *Store) GetLatest(ctx context.Context, key domain.CheckpointKey) (*domain.CheckpointTuple, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	q := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE thread_id = ? AND user_id = ? AND checkpoint_ns = ?`
	args := []any{key.ThreadID, key.UserID, key.Namespace}
	if key.CheckpointID != "" {
		q += ` AND checkpoint_id = ?`
		args = append(args, key.CheckpointID)
	}
	q += ` ORDER BY checkpoint_id DESC LIMIT 1`

	tuple, _, err := scanCheckpoint(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("select checkpoint", err)
	}
	if err := s.attachWrites(ctx, tuple); err != nil {
		return nil, err
	}
	return tuple, nil
}

// List yields checkpoints newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOptions) iter.Seq2[*domain.CheckpointTuple, error] {
	return func(yield func(*domain.CheckpointTuple, error) bool) {
		if err := s.Setup(ctx); err != nil {
			yield(nil, err)
			return
		}
		var (
			where []string
			args  []any
		)
		if opts.ThreadID != "" {
			where = append(where, "thread_id = ?")
			args = append(args, opts.ThreadID)
		}
		if opts.UserID != "" {
			where = append(where, "user_id = ?")
			args = append(args, opts.UserID)
		}
		if opts.Namespace != nil {
			where = append(where, "checkpoint_ns = ?")
			args = append(args, *opts.Namespace)
		}
		if opts.Before != "" {
			where = append(where, "checkpoint_id < ?")
			args = append(args, opts.Before)
		}
		q := `SELECT ` + checkpointColumns + ` FROM checkpoints`
		if len(where) > 0 {
			q += ` WHERE ` + strings.Join(where, " AND ")
		}
		q += ` ORDER BY checkpoint_id DESC, thread_id, checkpoint_ns`
		if opts.Limit > 0 && len(opts.Filter) == 0 {
			q += fmt.Sprintf(` LIMIT %d`, opts.Limit)
		}

		// Rows are drained before yielding: the pool holds a single
		// connection and attachWrites needs it.
		tuples, err := s.queryCheckpoints(ctx, q, args, opts)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, t := range tuples {
			if err := s.attachWritesBounded(ctx, t); err != nil {
				yield(nil, err)
				return
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (s *Store) attachWritesBounded(ctx context.Context, t *domain.CheckpointTuple) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.attachWrites(ctx, t)
}

func (s *Store) queryCheckpoints(ctx context.Context, q string, args []any, opts domain.ListOptions) ([]*domain.CheckpointTuple, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("select checkpoints", err)
	}
	defer rows.Close()

	var out []*domain.CheckpointTuple
	for rows.Next() {
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
		t, meta, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		if len(opts.Filter) > 0 && !serde.MatchMetadata(meta, opts.Filter) {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Put upserts a checkpoint.
func (s *Store) Put(ctx context.Context, parent domain.CheckpointKey, cp domain.Checkpoint, meta domain.Metadata, _ domain.ChannelVersions) (domain.CheckpointKey, error) {
	if err := parent.Validate(); err != nil {
		return domain.CheckpointKey{}, err
	}
	if err := s.Setup(ctx); err != nil {
		return domain.CheckpointKey{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	enc, err := serde.EncodeMetadata(meta)
	if err != nil {
		return domain.CheckpointKey{}, err
	}
	metaJSON, err := json.Marshal(enc)
	if err != nil {
		return domain.CheckpointKey{}, err
	}
	key := parent.WithID(cp.ID)
	var parentID any
	if parent.CheckpointID != "" {
		parentID = parent.CheckpointID
	}
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	if _, err := s.db.ExecContext(ctx, upsertCheckpoint,
		key.ThreadID, key.UserID, key.Namespace, key.CheckpointID, parentID,
		cp.Payload.Type, cp.Payload.Data, string(metaJSON), ts.UnixMicro(),
	); err != nil {
		return domain.CheckpointKey{}, unavailable("upsert checkpoint", err)
	}
	return key, nil
}

// PutWrites stores one task's writes in a single transaction.
func (s *Store) PutWrites(ctx context.Context, key domain.CheckpointKey, writes []domain.ChannelWrite, taskID, taskPath string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.Setup(ctx); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := s.now().UnixMicro()
	for pos, w := range writes {
		idx, replace := domain.WriteIndex(w.Channel, pos)
		stmt := ignoreWrite
		if replace {
			stmt = replaceWrite
		}
		if _, err := tx.ExecContext(ctx, stmt,
			key.ThreadID, key.UserID, key.Namespace, key.CheckpointID,
			taskID, taskPath, idx, w.Channel, w.Value.Type, w.Value.Data, ts,
		); err != nil {
			return unavailable("insert write", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// ListWrites returns matching writes, oldest first.
func (s *Store) ListWrites(ctx context.Context, q domain.WriteQuery) ([]domain.WriteRecord, error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		where []string
		args  []any
	)
	for col, v := range map[string]string{"user_id": q.UserID, "thread_id": q.ThreadID, "channel": q.Channel} {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	stmt := `SELECT ` + writeColumns + ` FROM checkpoint_writes`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY timestamp, rowid`

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, unavailable("select writes", err)
	}
	defer rows.Close()
	var out []domain.WriteRecord
	for rows.Next() {
		r, err := scanWrite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteThread removes every checkpoint and write a user owns on a thread.
func (s *Store) DeleteThread(ctx context.Context, userID, threadID string) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ? AND user_id = ?`, threadID, userID); err != nil {
		return unavailable("delete checkpoints", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_writes WHERE thread_id = ? AND user_id = ?`, threadID, userID); err != nil {
		return unavailable("delete writes", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}
