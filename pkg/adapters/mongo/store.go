package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/waypoint/internal/logging"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/serde"
)

// Default collection names.
const (
	DefaultCheckpointCollection = "travel_planner_checkpoint"
	DefaultWritesCollection     = "travel_planner_history"
)

// Options configure the client pool and collections.
type Options struct {
	URI                    string
	Database               string
	CheckpointCollection   string
	WritesCollection       string
	MinPoolSize            uint64
	MaxPoolSize            uint64
	ConnectTimeout         time.Duration
	SocketTimeout          time.Duration
	ServerSelectionTimeout time.Duration
	// WaitQueueTimeout bounds every operation, including the wait for a pooled connection.
	WaitQueueTimeout time.Duration
	RetryReads       bool
}

// DefaultOptions mirrors the production pool settings.
func DefaultOptions() Options {
	return Options{
		Database:               "waypoint",
		CheckpointCollection:   DefaultCheckpointCollection,
		WritesCollection:       DefaultWritesCollection,
		MinPoolSize:            15,
		MaxPoolSize:            300,
		ConnectTimeout:         10 * time.Second,
		SocketTimeout:          45 * time.Second,
		ServerSelectionTimeout: 5 * time.Second,
		WaitQueueTimeout:       30 * time.Second,
		RetryReads:             true,
	}
}

// Store implements ports.Store on MongoDB.
type Store struct {
	client      *mongod.Client
	checkpoints *mongod.Collection
	writes      *mongod.Collection
	timeout     time.Duration
	owned       bool
	latch       ports.SetupLatch
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Connect creates a client with bounded pool and timeouts. The store owns
// the client and disconnects it on Close.
func Connect(o Options, opts ...Option) (*Store, error) {
	co := options.Client().ApplyURI(o.URI).
		SetMinPoolSize(o.MinPoolSize).
		SetMaxPoolSize(o.MaxPoolSize).
		SetRetryReads(o.RetryReads)
	if o.ConnectTimeout > 0 {
		co.SetConnectTimeout(o.ConnectTimeout)
	}
	if o.ServerSelectionTimeout > 0 {
		co.SetServerSelectionTimeout(o.ServerSelectionTimeout)
	}
	if o.SocketTimeout > 0 {
		co.SetTimeout(o.SocketTimeout)
	}

	client, err := mongod.Connect(co)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	s := New(client, o, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing client. The caller owns the client lifecycle.
func New(client *mongod.Client, o Options, opts ...Option) *Store {
	def := DefaultOptions()
	if o.Database == "" {
		o.Database = def.Database
	}
	if o.CheckpointCollection == "" {
		o.CheckpointCollection = def.CheckpointCollection
	}
	if o.WritesCollection == "" {
		o.WritesCollection = def.WritesCollection
	}
	db := client.Database(o.Database)
	s := &Store{
		client:      client,
		checkpoints: db.Collection(o.CheckpointCollection),
		writes:      db.Collection(o.WritesCollection),
		timeout:     o.WaitQueueTimeout,
		logger:      logging.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: mongo %s: %w", domain.ErrStoreUnavailable, op, err)
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func indexModels() (checkpoints, writes []mongod.IndexModel) {
	checkpoints = []mongod.IndexModel{
		{
			Keys: bson.D{
				{Key: "thread_id", Value: 1},
				{Key: "checkpoint_ns", Value: 1},
				{Key: "checkpoint_id", Value: -1},
			},
			Options: options.Index().SetUnique(true),
		},
	}
	writes = []mongod.IndexModel{
		{
			Keys: bson.D{
				{Key: "thread_id", Value: 1},
				{Key: "checkpoint_ns", Value: 1},
				{Key: "checkpoint_id", Value: -1},
				{Key: "task_id", Value: 1},
				{Key: "idx", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "channel", Value: 1},
				{Key: "timestamp", Value: 1},
			},
		},
	}
	return checkpoints, writes
}

// Setup creates the unique compound indexes once. Collections that already
// carry their indexes (more than the default _id index) are left alone.
func (s *Store) Setup(ctx context.Context) error {
	return s.latch.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := s.bound(ctx)
		defer cancel()

		cpModels, wModels := indexModels()
		g, gctx := errgroup.WithContext(ctx)
		for _, target := range []struct {
			col    *mongod.Collection
			models []mongod.IndexModel
		}{{s.checkpoints, cpModels}, {s.writes, wModels}} {
			g.Go(func() error {
				return s.ensureIndexes(gctx, target.col, target.models)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		s.logger.Info("mongo indexes ready", "checkpoints", s.checkpoints.Name(), "writes", s.writes.Name())
		return nil
	})
}

func (s *Store) ensureIndexes(ctx context.Context, col *mongod.Collection, models []mongod.IndexModel) error {
	n, err := s.indexCount(ctx, col)
	if err != nil {
		return err
	}
	if n >= 2 {
		return nil
	}
	if _, err := col.Indexes().CreateMany(ctx, models); err != nil {
		return unavailable("create indexes on "+col.Name(), err)
	}
	return nil
}

func (s *Store) indexCount(ctx context.Context, col *mongod.Collection) (int, error) {
	cur, err := col.Indexes().List(ctx)
	if err != nil {
		return 0, unavailable("list indexes on "+col.Name(), err)
	}
	var specs []bson.M
	if err := cur.All(ctx, &specs); err != nil {
		return 0, unavailable("list indexes on "+col.Name(), err)
	}
	return len(specs), nil
}

// IndexCount returns the number of indexes on both collections.
func (s *Store) IndexCount(ctx context.Context) (int, error) {
	a, err := s.indexCount(ctx, s.checkpoints)
	if err != nil {
		return 0, err
	}
	b, err := s.indexCount(ctx, s.writes)
	return a + b, err
}

type checkpointDoc struct {
	ThreadID     string    `bson:"thread_id"`
	UserID       string    `bson:"user_id"`
	Namespace    string    `bson:"checkpoint_ns"`
	CheckpointID string    `bson:"checkpoint_id"`
	ParentID     string    `bson:"parent_checkpoint_id,omitempty"`
	Type         string    `bson:"type"`
	Checkpoint   []byte    `bson:"checkpoint"`
	Metadata     bson.M    `bson:"metadata"`
	Timestamp    time.Time `bson:"timestamp"`
}

type writeDoc struct {
	ThreadID     string    `bson:"thread_id"`
	UserID       string    `bson:"user_id"`
	Namespace    string    `bson:"checkpoint_ns"`
	CheckpointID string    `bson:"checkpoint_id"`
	TaskID       string    `bson:"task_id"`
	TaskPath     string    `bson:"task_path"`
	Idx          int       `bson:"idx"`
	Channel      string    `bson:"channel"`
	Type         string    `bson:"type"`
	Value        []byte    `bson:"value"`
	Timestamp    time.Time `bson:"timestamp"`
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
			Timestamp: d.Timestamp.UTC(),
		},
	}
}

// normalize converts decoded BSON documents into plain maps.
func normalize(v any) any {
	switch val := v.(type) {
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.M:
		return normalizeMap(val)
	case map[string]any:
		return normalizeMap(val)
	}
	return v
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

func (s *Store) tuple(ctx context.Context, doc *checkpointDoc) (*domain.CheckpointTuple, error) {
	key := domain.CheckpointKey{ThreadID: doc.ThreadID, UserID: doc.UserID, Namespace: doc.Namespace, CheckpointID: doc.CheckpointID}
	cur, err := s.writes.Find(ctx, bson.D{
		{Key: "thread_id", Value: key.ThreadID},
		{Key: "checkpoint_ns", Value: key.Namespace},
		{Key: "checkpoint_id", Value: key.CheckpointID},
	}, options.Find().SetSort(bson.D{{Key: "task_id", Value: 1}, {Key: "idx", Value: 1}}))
	if err != nil {
		return nil, unavailable("find writes", err)
	}
	var docs []writeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("decode writes", err)
	}
	writes := make([]domain.PendingWrite, 0, len(docs))
	for _, d := range docs {
		writes = append(writes, d.record().PendingWrite)
	}
	return &domain.CheckpointTuple{
		Key:           key,
		Checkpoint:    domain.Checkpoint{ID: doc.CheckpointID, Timestamp: doc.Timestamp.UTC(), Payload: domain.Payload{Type: doc.Type, Data: doc.Checkpoint}},
		Metadata:      serde.DecodeMetadata(normalizeMap(doc.Metadata)),
		Parent:        key.ParentKey(doc.ParentID),
		PendingWrites: writes,
	}, nil
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

	filter := bson.D{
		{Key: "thread_id", Value: key.ThreadID},
		{Key: "user_id", Value: key.UserID},
		{Key: "checkpoint_ns", Value: key.Namespace},
	}
	if key.CheckpointID != "" {
		filter = append(filter, bson.E{Key: "checkpoint_id", Value: key.CheckpointID})
	}
	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongod.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find checkpoint", err)
	}
	return s.tuple(ctx, &doc)
}

func listFilter(opts domain.ListOptions) (bson.D, error) {
	filter := bson.D{}
	if opts.ThreadID != "" {
		filter = append(filter, bson.E{Key: "thread_id", Value: opts.ThreadID})
	}
	if opts.UserID != "" {
		filter = append(filter, bson.E{Key: "user_id", Value: opts.UserID})
	}
	if opts.Namespace != nil {
		filter = append(filter, bson.E{Key: "checkpoint_ns", Value: *opts.Namespace})
	}
	if opts.Before != "" {
		filter = append(filter, bson.E{Key: "checkpoint_id", Value: bson.M{"$lt": opts.Before}})
	}
	for k, v := range opts.Filter {
		enc, err := serde.EncodeMetadataValue(v)
		if err != nil {
			return nil, err
		}
		// Sub-documents are compared exactly in MatchMetadata after decoding.
		if s, ok := enc.(string); ok {
			filter = append(filter, bson.E{Key: "metadata." + k, Value: s})
		}
	}
	return filter, nil
}

// List yields checkpoints newest first. The cursor is closed when the
// caller stops iterating.
func (s *Store) List(ctx context.Context, opts domain.ListOptions) iter.Seq2[*domain.CheckpointTuple, error] {
	return func(yield func(*domain.CheckpointTuple, error) bool) {
		if err := s.Setup(ctx); err != nil {
			yield(nil, err)
			return
		}
		filter, err := listFilter(opts)
		if err != nil {
			yield(nil, err)
			return
		}
		find := options.Find().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}, {Key: "thread_id", Value: 1}})
		if opts.Limit > 0 && len(opts.Filter) == 0 {
			find.SetLimit(int64(opts.Limit))
		}
		cur, err := s.checkpoints.Find(ctx, filter, find)
		if err != nil {
			yield(nil, unavailable("find checkpoints", err))
			return
		}
		defer func() { _ = cur.Close(context.WithoutCancel(ctx)) }()

		yielded := 0
		for cur.Next(ctx) {
			if opts.Limit > 0 && yielded >= opts.Limit {
				return
			}
			var doc checkpointDoc
			if err := cur.Decode(&doc); err != nil {
				yield(nil, fmt.Errorf("decode checkpoint: %w", err))
				return
			}
			if len(opts.Filter) > 0 && !serde.MatchMetadata(normalizeMap(doc.Metadata), opts.Filter) {
				continue
			}
			tuple, err := s.tuple(ctx, &doc)
			yielded++
			if !yield(tuple, err) || err != nil {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, unavailable("iterate checkpoints", err))
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
	ts := cp.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	doc := checkpointDoc{
		ThreadID:     key.ThreadID,
		UserID:       key.UserID,
		Namespace:    key.Namespace,
		CheckpointID: key.CheckpointID,
		ParentID:     parent.CheckpointID,
		Type:         cp.Payload.Type,
		Checkpoint:   cp.Payload.Data,
		Metadata:     enc,
		Timestamp:    ts,
	}
	filter := bson.D{
		{Key: "thread_id", Value: key.ThreadID},
		{Key: "checkpoint_ns", Value: key.Namespace},
		{Key: "checkpoint_id", Value: key.CheckpointID},
	}
	if _, err := s.checkpoints.UpdateOne(ctx, filter, bson.M{"$set": doc}, options.UpdateOne().SetUpsert(true)); err != nil {
		return domain.CheckpointKey{}, unavailable("upsert checkpoint", err)
	}
	return key, nil
}

// PutWrites stores one task's writes with a single ordered bulk write.
// Ordinary channels use $setOnInsert so a retried batch never overwrites.
func (s *Store) PutWrites(ctx context.Context, key domain.CheckpointKey, writes []domain.ChannelWrite, taskID, taskPath string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	if err := s.Setup(ctx); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	models := writeModels(key, writes, taskID, taskPath, s.now())
	if _, err := s.writes.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true)); err != nil {
		return unavailable("bulk write", err)
	}
	return nil
}

// writeModels builds the upserts of one PutWrites batch. The bulk write is
// ordered but not transactional; a retry converges because ordinary rows are
// insert-only and special rows are replaced.
func writeModels(key domain.CheckpointKey, writes []domain.ChannelWrite, taskID, taskPath string, now time.Time) []mongod.WriteModel {
	models := make([]mongod.WriteModel, 0, len(writes))
	for pos, w := range writes {
		idx, replace := domain.WriteIndex(w.Channel, pos)
		doc := writeDoc{
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
		}
		op := "$setOnInsert"
		if replace {
			op = "$set"
		}
		models = append(models, mongod.NewUpdateOneModel().
			SetFilter(bson.D{
				{Key: "thread_id", Value: key.ThreadID},
				{Key: "checkpoint_ns", Value: key.Namespace},
				{Key: "checkpoint_id", Value: key.CheckpointID},
				{Key: "task_id", Value: taskID},
				{Key: "idx", Value: idx},
			}).
			SetUpdate(bson.M{op: doc}).
			SetUpsert(true))
	}
	return models
}

// ListWrites returns matching writes, oldest first.
func (s *Store) ListWrites(ctx context.Context, q domain.WriteQuery) ([]domain.WriteRecord, error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	filter := bson.D{}
	if q.UserID != "" {
		filter = append(filter, bson.E{Key: "user_id", Value: q.UserID})
	}
	if q.ThreadID != "" {
		filter = append(filter, bson.E{Key: "thread_id", Value: q.ThreadID})
	}
	if q.Channel != "" {
		filter = append(filter, bson.E{Key: "channel", Value: q.Channel})
	}
	cur, err := s.writes.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, unavailable("find writes", err)
	}
	var docs []writeDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable("decode writes", err)
	}
	out := make([]domain.WriteRecord, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

// DeleteThread removes every checkpoint and write a user owns on a thread.
func (s *Store) DeleteThread(ctx context.Context, userID, threadID string) error {
	if err := s.Setup(ctx); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	filter := bson.D{{Key: "thread_id", Value: threadID}, {Key: "user_id", Value: userID}}
	if _, err := s.checkpoints.DeleteMany(ctx, filter); err != nil {
		return unavailable("delete checkpoints", err)
	}
	if _, err := s.writes.DeleteMany(ctx, filter); err != nil {
		return unavailable("delete writes", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close disconnects the client if the store created it.
func (s *Store) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}
