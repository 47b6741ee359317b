package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/serde"
	backend "github.com/redis/go-redis/v9"
)

// Store implements ports.Store using Redis.
//
// Checkpoints live in JSON documents indexed by one lexicographic sorted set
// per (thread, user, namespace) partition. Writes are JSON documents indexed
// by checkpoint scope, thread and user.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	latch  ports.SetupLatch
	now    func() time.Time
}

type Option func(*Store)

// WithTTL sets an expiration on every key the store writes.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromURL creates a store from a redis:// URL.
func NewFromURL(url string, opts ...Option) (*Store, error) {
	o, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewFromClient(backend.NewClient(o), opts...), nil
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "waypoint:",
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Client exposes the underlying client, e.g. to share it with a Locker.
func (s *Store) Client() *backend.Client {
	return s.client
}

type checkpointDoc struct {
	ThreadID     string         `json:"thread_id"`
	UserID       string         `json:"user_id"`
	Namespace    string         `json:"checkpoint_ns"`
	CheckpointID string         `json:"checkpoint_id"`
	ParentID     string         `json:"parent_checkpoint_id,omitempty"`
	Type         string         `json:"type"`
	Checkpoint   []byte         `json:"checkpoint"`
	Metadata     map[string]any `json:"metadata"`
	Timestamp    time.Time      `json:"timestamp"`
}

type writeDoc struct {
	ThreadID     string    `json:"thread_id"`
	UserID       string    `json:"user_id"`
	Namespace    string    `json:"checkpoint_ns"`
	CheckpointID string    `json:"checkpoint_id"`
	TaskID       string    `json:"task_id"`
	TaskPath     string    `json:"task_path"`
	Idx          int       `json:"idx"`
	Channel      string    `json:"channel"`
	Type         string    `json:"type"`
	Value        []byte    `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
}

func (d writeDoc) record() domain.WriteRecord {
	return domain.WriteRecord{
		CheckpointKey: domain.CheckpointKey{ThreadID: d.ThreadID, UserID: d.UserID, Namespace: d.Namespace, CheckpointID: d.CheckpointID},
		PendingWrite: domain.PendingWrite{
			TaskID:    d.TaskID,
			TaskPath:  d.TaskPath,
			Channel:   d.Channel,
			Idx:       d.Idx,
			Value:     domain.Payload{Type: d.Type, Data: d.Value},
			Timestamp: d.Timestamp,
		},
	}
}

const sep = "\x00"

func (s *Store) checkpointKey(k domain.CheckpointKey) string {
	return s.prefix + "cp:" + k.ThreadID + ":" + k.Namespace + ":" + k.CheckpointID
}

func (s *Store) partitionKey(thread, user, ns string) string {
	return s.prefix + "cpidx:" + thread + ":" + user + ":" + ns
}

func (s *Store) partitionsKey() string {
	return s.prefix + "partitions"
}

func (s *Store) writeKey(k domain.CheckpointKey, taskID string, idx int) string {
	return s.prefix + "w:" + k.ThreadID + ":" + k.Namespace + ":" + k.CheckpointID + ":" + taskID + ":" + strconv.Itoa(idx)
}

func (s *Store) scopeKey(k domain.CheckpointKey) string {
	return s.prefix + "wscope:" + k.ThreadID + ":" + k.Namespace + ":" + k.CheckpointID
}

func (s *Store) threadWritesKey(thread string) string {
	return s.prefix + "wthread:" + thread
}

func (s *Store) userWritesKey(user string) string {
	return s.prefix + "wuser:" + user
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", domain.ErrStoreUnavailable, op, err)
}

// Setup verifies connectivity. Redis needs no index creation.
func (s *Store) Setup(ctx context.Context) error {
	return s.latch.Do(ctx, func(ctx context.Context) error {
		if err := s.client.Ping(ctx).Err(); err != nil {
			return unavailable("ping", err)
		}
		return nil
	})
}

// GetLatest returns the exact or newest checkpoint of a partition.
func (s *Store) GetLatest(ctx context.Context, key domain.CheckpointKey) (*domain.CheckpointTuple, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}
	id := key.CheckpointID
	if id == "" {
		ids, err := s.client.ZRevRangeByLex(ctx, s.partitionKey(key.ThreadID, key.UserID, key.Namespace), &backend.ZRangeBy{
			Min: "-", Max: "+", Count: 1,
		}).Result()
		if err != nil {
			return nil, unavailable("zrevrangebylex", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id = ids[0]
	}
	doc, err := s.loadCheckpoint(ctx, key.WithID(id))
	if err != nil || doc == nil {
		return nil, err
	}
	if doc.UserID != key.UserID {
		return nil, nil
	}
	return s.tuple(ctx, doc)
}

func (s *Store) loadCheckpoint(ctx context.Context, key domain.CheckpointKey) (*checkpointDoc, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(key)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	var doc checkpointDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", key.CheckpointID, err)
	}
	return &doc, nil
}

func (s *Store) tuple(ctx context.Context, doc *checkpointDoc) (*domain.CheckpointTuple, error) {
	key := domain.CheckpointKey{ThreadID: doc.ThreadID, UserID: doc.UserID, Namespace: doc.Namespace, CheckpointID: doc.CheckpointID}
	members, err := s.client.SMembers(ctx, s.scopeKey(key)).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	docs, err := s.loadWrites(ctx, members)
	if err != nil {
		return nil, err
	}
	writes := make([]domain.PendingWrite, 0, len(docs))
	for _, d := range docs {
		writes = append(writes, d.record().PendingWrite)
	}
	slices.SortFunc(writes, func(a, b domain.PendingWrite) int {
		return cmp.Or(cmp.Compare(a.TaskID, b.TaskID), cmp.Compare(a.Idx, b.Idx))
	})
	return &domain.CheckpointTuple{
		Key:           key,
		Checkpoint:    domain.Checkpoint{ID: doc.CheckpointID, Timestamp: doc.Timestamp, Payload: domain.Payload{Type: doc.Type, Data: doc.Checkpoint}},
		Metadata:      serde.DecodeMetadata(doc.Metadata),
		Parent:        key.ParentKey(doc.ParentID),
		PendingWrites: writes,
	}, nil
}

func (s *Store) loadWrites(ctx context.Context, keys []string) ([]writeDoc, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("mget", err)
	}
	out := make([]writeDoc, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// expired or deleted between index read and fetch
			continue
		}
		var d writeDoc
		if err := json.Unmarshal([]byte(str), &d); err != nil {
			return nil, fmt.Errorf("decode write %s: %w", keys[i], err)
		}
		out = append(out, d)
	}
	return out, nil
}

type partition struct {
	thread, user, ns string
}

func (p partition) member() string {
	return strings.Join([]string{p.thread, p.user, p.ns}, sep)
}

func parsePartition(member string) (partition, bool) {
	parts := strings.Split(member, sep)
	if len(parts) != 3 {
		return partition{}, false
	}
	return partition{thread: parts[0], user: parts[1], ns: parts[2]}, true
}

func (s *Store) partitions(ctx context.Context, opts domain.ListOptions) ([]partition, error) {
	if opts.ThreadID != "" && opts.UserID != "" && opts.Namespace != nil {
		return []partition{{thread: opts.ThreadID, user: opts.UserID, ns: *opts.Namespace}}, nil
	}
	members, err := s.client.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	var out []partition
	for _, m := range members {
		p, ok := parsePartition(m)
		if !ok {
			continue
		}
		if opts.ThreadID != "" && p.thread != opts.ThreadID {
			continue
		}
		if opts.UserID != "" && p.user != opts.UserID {
			continue
		}
		if opts.Namespace != nil && p.ns != *opts.Namespace {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// List yields checkpoints newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOptions) iter.Seq2[*domain.CheckpointTuple, error] {
	return func(yield func(*domain.CheckpointTuple, error) bool) {
		if err := s.Setup(ctx); err != nil {
			yield(nil, err)
			return
		}
		parts, err := s.partitions(ctx, opts)
		if err != nil {
			yield(nil, err)
			return
		}

		upper := "+"
		if opts.Before != "" {
			upper = "(" + opts.Before
		}
		var keys []domain.CheckpointKey
		for _, p := range parts {
			ids, err := s.client.ZRevRangeByLex(ctx, s.partitionKey(p.thread, p.user, p.ns), &backend.ZRangeBy{Min: "-", Max: upper}).Result()
			if err != nil {
				yield(nil, unavailable("zrevrangebylex", err))
				return
			}
			for _, id := range ids {
				keys = append(keys, domain.CheckpointKey{ThreadID: p.thread, UserID: p.user, Namespace: p.ns, CheckpointID: id})
			}
		}
		slices.SortFunc(keys, func(a, b domain.CheckpointKey) int {
			return cmp.Or(cmp.Compare(b.CheckpointID, a.CheckpointID), cmp.Compare(a.ThreadID, b.ThreadID), cmp.Compare(a.Namespace, b.Namespace))
		})

		yielded := 0
		for _, k := range keys {
			if opts.Limit > 0 && yielded >= opts.Limit {
				return
			}
			doc, err := s.loadCheckpoint(ctx, k)
			if err != nil {
				yield(nil, err)
				return
			}
			if doc == nil || doc.UserID != k.UserID {
				continue
			}
			if len(opts.Filter) > 0 && !serde.MatchMetadata(doc.Metadata, opts.Filter) {
				continue
			}
			tuple, err := s.tuple(ctx, doc)
			if !yield(tuple, err) || err != nil {
				return
			}
			yielded++
		}
	}
}

// Put upserts a checkpoint and indexes it in its partition.
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
	key := parent.WithID(cp.ID)
	data, err := json.Marshal(checkpointDoc{
		ThreadID:     key.ThreadID,
		UserID:       key.UserID,
		Namespace:    key.Namespace,
		CheckpointID: key.CheckpointID,
		ParentID:     parent.CheckpointID,
		Type:         cp.Payload.Type,
		Checkpoint:   cp.Payload.Data,
		Metadata:     enc,
		Timestamp:    cp.Timestamp,
	})
	if err != nil {
		return domain.CheckpointKey{}, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	idx := s.partitionKey(key.ThreadID, key.UserID, key.Namespace)
	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		// 1. Document
		pipe.Set(ctx, s.checkpointKey(key), data, s.ttl)
		// 2. Lexicographic index (all scores 0)
		pipe.ZAdd(ctx, idx, backend.Z{Score: 0, Member: key.CheckpointID})
		// 3. Partition registry
		pipe.SAdd(ctx, s.partitionsKey(), partition{thread: key.ThreadID, user: key.UserID, ns: key.Namespace}.member())
		if s.ttl > 0 {
			pipe.Expire(ctx, idx, s.ttl)
			pipe.Expire(ctx, s.partitionsKey(), s.ttl)
		}
		return nil
	})
	if err != nil {
		return domain.CheckpointKey{}, unavailable("put", err)
	}
	return key, nil
}

// PutWrites stores one task's writes inside MULTI/EXEC.
func (s *Store) PutWrites(ctx context.Context, key domain.CheckpointKey, writes []domain.ChannelWrite, taskID, taskPath string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.Setup(ctx); err != nil {
		return err
	}
	now := s.now()
	type entry struct {
		key     string
		data    []byte
		replace bool
	}
	entries := make([]entry, 0, len(writes))
	for pos, w := range writes {
		idx, replace := domain.WriteIndex(w.Channel, pos)
		data, err := json.Marshal(writeDoc{
			ThreadID:     key.ThreadID,
			UserID:       key.UserID,
			Namespace:    key.Namespace,
			CheckpointID: key.CheckpointID,
			TaskID:       taskID,
			TaskPath:     taskPath,
			Idx:          idx,
			Channel:      w.Channel,
			Type:         w.Value.Type,
			Value:        w.Value.Data,
			Timestamp:    now,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal write: %w", err)
		}
		entries = append(entries, entry{key: s.writeKey(key, taskID, idx), data: data, replace: replace})
	}

	score := float64(now.UnixMicro())
	_, err := s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		for _, e := range entries {
			if e.replace {
				pipe.Set(ctx, e.key, e.data, s.ttl)
			} else {
				pipe.SetNX(ctx, e.key, e.data, s.ttl)
			}
			pipe.SAdd(ctx, s.scopeKey(key), e.key)
			pipe.SAdd(ctx, s.threadWritesKey(key.ThreadID), e.key)
			pipe.ZAddNX(ctx, s.userWritesKey(key.UserID), backend.Z{Score: score, Member: e.key})
		}
		if s.ttl > 0 && len(entries) > 0 {
			// Index sets live as long as their newest member.
			pipe.Expire(ctx, s.scopeKey(key), s.ttl)
			pipe.Expire(ctx, s.threadWritesKey(key.ThreadID), s.ttl)
			pipe.Expire(ctx, s.userWritesKey(key.UserID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable("put writes", err)
	}
	return nil
}

// ListWrites returns matching writes, oldest first.
func (s *Store) ListWrites(ctx context.Context, q domain.WriteQuery) ([]domain.WriteRecord, error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}
	var (
		keys []string
		err  error
	)
	switch {
	case q.UserID != "":
		keys, err = s.client.ZRange(ctx, s.userWritesKey(q.UserID), 0, -1).Result()
	case q.ThreadID != "":
		keys, err = s.client.SMembers(ctx, s.threadWritesKey(q.ThreadID)).Result()
	default:
		return nil, fmt.Errorf("list writes: user or thread required")
	}
	if err != nil {
		return nil, unavailable("list writes", err)
	}
	docs, err := s.loadWrites(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WriteRecord, 0, len(docs))
	for _, d := range docs {
		if r := d.record(); q.Matches(r) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.WriteRecord) int {
		return cmp.Or(
			a.Timestamp.Compare(b.Timestamp),
			cmp.Compare(a.CheckpointID, b.CheckpointID),
			cmp.Compare(a.TaskID, b.TaskID),
			cmp.Compare(a.Idx, b.Idx),
		)
	})
	return out, nil
}

// DeleteThread removes every checkpoint and write a user owns on a thread.
func (s *Store) DeleteThread(ctx context.Context, userID, threadID string) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}
	writeKeys, err := s.client.SMembers(ctx, s.threadWritesKey(threadID)).Result()
	if err != nil {
		return unavailable("smembers", err)
	}
	docs, err := s.loadWrites(ctx, writeKeys)
	if err != nil {
		return err
	}
	all, err := s.partitions(ctx, domain.ListOptions{ThreadID: threadID})
	if err != nil {
		return err
	}
	var parts []partition
	for _, p := range all {
		if p.user == userID {
			parts = append(parts, p)
		}
	}

	var cpKeys []string
	for _, p := range parts {
		ids, err := s.client.ZRange(ctx, s.partitionKey(p.thread, p.user, p.ns), 0, -1).Result()
		if err != nil {
			return unavailable("zrange", err)
		}
		for _, id := range ids {
			cpKeys = append(cpKeys, s.checkpointKey(domain.CheckpointKey{ThreadID: p.thread, Namespace: p.ns, CheckpointID: id}))
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		for _, d := range docs {
			r := d.record()
			if r.UserID != userID {
				continue
			}
			wk := s.writeKey(r.CheckpointKey, r.TaskID, r.Idx)
			pipe.ZRem(ctx, s.userWritesKey(r.UserID), wk)
			pipe.SRem(ctx, s.threadWritesKey(threadID), wk)
			pipe.Del(ctx, wk, s.scopeKey(r.CheckpointKey))
		}
		if len(cpKeys) > 0 {
			pipe.Del(ctx, cpKeys...)
		}
		for _, p := range parts {
			pipe.Del(ctx, s.partitionKey(p.thread, p.user, p.ns))
			pipe.SRem(ctx, s.partitionsKey(), p.member())
		}
		return nil
	})
	if err != nil {
		return unavailable("delete thread", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close(context.Context) error {
	return s.client.Close()
}
