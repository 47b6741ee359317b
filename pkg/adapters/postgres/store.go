package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/serde"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS waypoint_checkpoints (
		thread_id            TEXT NOT NULL,
		user_id              TEXT NOT NULL,
		checkpoint_ns        TEXT NOT NULL DEFAULT '',
		checkpoint_id        TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		type                 TEXT NOT NULL DEFAULT '',
		checkpoint           BYTEA,
		metadata             JSONB NOT NULL DEFAULT '{}',
		timestamp            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS waypoint_writes (
		thread_id     TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT NOT NULL,
		task_id       TEXT NOT NULL,
		task_path     TEXT NOT NULL DEFAULT '',
		idx           INTEGER NOT NULL,
		channel       TEXT NOT NULL,
		type          TEXT NOT NULL DEFAULT '',
		value         BYTEA,
		timestamp     TIMESTAMPTZ NOT NULL DEFAULT now(),
		seq           BIGSERIAL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS waypoint_checkpoints_key ON waypoint_checkpoints (thread_id, checkpoint_ns, checkpoint_id)`,
	`CREATE INDEX IF NOT EXISTS waypoint_checkpoints_partition ON waypoint_checkpoints (thread_id, user_id, checkpoint_ns, checkpoint_id DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS waypoint_writes_key ON waypoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)`,
	`CREATE INDEX IF NOT EXISTS waypoint_writes_user ON waypoint_writes (user_id, timestamp)`,
}

const (
	upsertCheckpoint = `INSERT INTO waypoint_checkpoints
		(thread_id, user_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, type, checkpoint, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			type = EXCLUDED.type,
			checkpoint = EXCLUDED.checkpoint,
			metadata = EXCLUDED.metadata,
			timestamp = EXCLUDED.timestamp`

	insertWrite = `INSERT INTO waypoint_writes
		(thread_id, user_id, checkpoint_ns, checkpoint_id, task_id, task_path, idx, channel, type, value, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	ignoreWrite  = insertWrite + ` ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO NOTHING`
	replaceWrite = insertWrite + ` ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO UPDATE SET
			channel = EXCLUDED.channel,
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			task_path = EXCLUDED.task_path,
			timestamp = EXCLUDED.timestamp`

	checkpointColumns = `thread_id, user_id, checkpoint_ns, checkpoint_id, COALESCE(parent_checkpoint_id, ''), type, checkpoint, metadata, timestamp`
	writeColumns      = `thread_id, user_id, checkpoint_ns, checkpoint_id, task_id, task_path, idx, channel, type, value, timestamp`
)

// Options bound the connection pool.
type Options struct {
	MinConns       int32
	MaxConns       int32
	ConnectTimeout time.Duration
	// AcquireTimeout bounds every operation, including the wait for a pooled connection.
	AcquireTimeout time.Duration
}

// Store is a PostgreSQL-backed ports.Store.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	latch   ports.SetupLatch
	now     func() time.Time
}

// Connect creates the pool. Tables are created lazily by Setup.
func Connect(ctx context.Context, uri string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse postgres uri: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("create pool", err)
	}
	return NewFromPool(pool, opts.AcquireTimeout), nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool, acquireTimeout time.Duration) *Store {
	return &Store{pool: pool, timeout: acquireTimeout, now: func() time.Time { return time.Now().UTC() }}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %w", domain.ErrStoreUnavailable, op, err)
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Setup creates tables and indexes once.
func (s *Store) Setup(ctx context.Context) error {
	return s.latch.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := s.bound(ctx)
		defer cancel()
		for _, stmt := range schema {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return unavailable("create schema", err)
			}
		}
		return nil
	})
}

// IndexCount reports the waypoint indexes in the current schema.
func (s *Store) IndexCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname LIKE 'waypoint_%'`).Scan(&n)
	if err != nil {
		return 0, unavailable("count indexes", err)
	}
	return n, nil
}

func scanCheckpoint(row pgx.Row) (*domain.CheckpointTuple, error) {
	var (
		key      domain.CheckpointKey
		parentID string
		cp       domain.Checkpoint
		meta     map[string]any
	)
	if err := row.Scan(&key.ThreadID, &key.UserID, &key.Namespace, &key.CheckpointID, &parentID, &cp.Payload.Type, &cp.Payload.Data, &meta, &cp.Timestamp); err != nil {
		return nil, err
	}
	cp.ID = key.CheckpointID
	return &domain.CheckpointTuple{
		Key:        key,
		Checkpoint: cp,
		Metadata:   serde.DecodeMetadata(meta),
		Parent:     key.ParentKey(parentID),
	}, nil
}

func scanWrite(row pgx.Row) (domain.WriteRecord, error) {
	var r domain.WriteRecord
	err := row.Scan(&r.ThreadID, &r.UserID, &r.Namespace, &r.CheckpointID, &r.TaskID, &r.TaskPath, &r.Idx, &r.Channel, &r.Value.Type, &r.Value.Data, &r.Timestamp)
	return r, err
}

func (s *Store) attachWrites(ctx context.Context, t *domain.CheckpointTuple) error {
	rows, err := s.pool.Query(ctx, `SELECT `+writeColumns+` FROM waypoint_writes
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
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

	q := `SELECT ` + checkpointColumns + ` FROM waypoint_checkpoints WHERE thread_id = $1 AND user_id = $2 AND checkpoint_ns = $3`
	args := []any{key.ThreadID, key.UserID, key.Namespace}
	if key.CheckpointID != "" {
		q += ` AND checkpoint_id = $4`
		args = append(args, key.CheckpointID)
	}
	q += ` ORDER BY checkpoint_id DESC LIMIT 1`

	tuple, err := scanCheckpoint(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
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

// containment turns dotted-key filters into a nested document suitable for
// the JSONB @> operator.
func containment(filter map[string]any) (map[string]any, error) {
	out := map[string]any{}
	for dotted, v := range filter {
		enc, err := serde.EncodeMetadataValue(v)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(dotted, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = enc
	}
	return out, nil
}

func listQuery(opts domain.ListOptions) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if opts.ThreadID != "" {
		add("thread_id = $%d", opts.ThreadID)
	}
	if opts.UserID != "" {
		add("user_id = $%d", opts.UserID)
	}
	if opts.Namespace != nil {
		add("checkpoint_ns = $%d", *opts.Namespace)
	}
	if opts.Before != "" {
		add("checkpoint_id < $%d", opts.Before)
	}
	if len(opts.Filter) > 0 {
		doc, err := containment(opts.Filter)
		if err != nil {
			return "", nil, err
		}
		add("metadata @> $%d::jsonb", doc)
	}
	q := `SELECT ` + checkpointColumns + ` FROM waypoint_checkpoints`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY checkpoint_id DESC, thread_id, checkpoint_ns`
	if opts.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	return q, args, nil
}

// List yields checkpoints newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOptions) iter.Seq2[*domain.CheckpointTuple, error] {
	return func(yield func(*domain.CheckpointTuple, error) bool) {
		if err := s.Setup(ctx); err != nil {
			yield(nil, err)
			return
		}
		q, args, err := listQuery(opts)
		if err != nil {
			yield(nil, err)
			return
		}
		qctx, cancel := s.bound(ctx)
		defer cancel()

		rows, err := s.pool.Query(qctx, q, args...)
		if err != nil {
			yield(nil, unavailable("select checkpoints", err))
			return
		}
		var tuples []*domain.CheckpointTuple
		for rows.Next() {
			t, err := scanCheckpoint(rows)
			if err != nil {
				rows.Close()
				yield(nil, err)
				return
			}
			tuples = append(tuples, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			yield(nil, unavailable("select checkpoints", err))
			return
		}

		for _, t := range tuples {
			wctx, cancel := s.bound(ctx)
			err := s.attachWrites(wctx, t)
			cancel()
			if !yield(t, err) || err != nil {
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
	if err := s.Setup(ctx); err != nil {
		return domain.CheckpointKey{}, err
	}
	enc, err := serde.EncodeMetadata(meta)
	if err != nil {
		return domain.CheckpointKey{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	key := parent.WithID(cp.ID)
	var parentID *string
	if parent.CheckpointID != "" {
		parentID = &parent.CheckpointID
	}
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	if _, err := s.pool.Exec(ctx, upsertCheckpoint,
		key.ThreadID, key.UserID, key.Namespace, key.CheckpointID, parentID,
		cp.Payload.Type, cp.Payload.Data, enc, ts,
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

	now := s.now()
	batch := &pgx.Batch{}
	for pos, w := range writes {
		idx, replace := domain.WriteIndex(w.Channel, pos)
		stmt := ignoreWrite
		if replace {
			stmt = replaceWrite
		}
		batch.Queue(stmt, key.ThreadID, key.UserID, key.Namespace, key.CheckpointID,
			taskID, taskPath, idx, w.Channel, w.Value.Type, w.Value.Data, now)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("insert writes", err)
	}
	if err := tx.Commit(ctx); err != nil {
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
	for _, f := range []struct{ col, val string }{{"user_id", q.UserID}, {"thread_id", q.ThreadID}, {"channel", q.Channel}} {
		if f.val != "" {
			args = append(args, f.val)
			where = append(where, fmt.Sprintf("%s = $%d", f.col, len(args)))
		}
	}
	stmt := `SELECT ` + writeColumns + ` FROM waypoint_writes`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY timestamp, seq`

	rows, err := s.pool.Query(ctx, stmt, args...)
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM waypoint_checkpoints WHERE thread_id = $1 AND user_id = $2`, threadID, userID); err != nil {
		return unavailable("delete checkpoints", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM waypoint_writes WHERE thread_id = $1 AND user_id = $2`, threadID, userID); err != nil {
		return unavailable("delete writes", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}
