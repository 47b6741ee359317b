package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	backend "github.com/redis/go-redis/v9"

	"github.com/aretw0/waypoint"
	"github.com/aretw0/waypoint/pkg/adapters/llm"
	"github.com/aretw0/waypoint/pkg/adapters/memory"
	"github.com/aretw0/waypoint/pkg/adapters/mongo"
	"github.com/aretw0/waypoint/pkg/adapters/postgres"
	"github.com/aretw0/waypoint/pkg/adapters/process"
	"github.com/aretw0/waypoint/pkg/adapters/redis"
	"github.com/aretw0/waypoint/pkg/adapters/sqlite"
	"github.com/aretw0/waypoint/pkg/config"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/persistence/middleware"
	"github.com/aretw0/waypoint/pkg/ports"
)

// Backend is an opened store plus the distributed locker its driver
// offers, if any.
type Backend struct {
	Store  ports.Store
	Locker ports.DistributedLocker
}

// OpenStore opens the store selected by cfg.Driver. When an encryption key is
// configured the store is wrapped so payloads are sealed at rest.
func OpenStore(ctx context.Context, cfg config.Store, logger *slog.Logger) (*Backend, error) {
	b, err := openDriver(ctx, cfg, logger)
	if err != nil || cfg.EncryptionKey == "" {
		return b, err
	}
	enc := middleware.EncryptionConfig{}
	if enc.ActiveKey, err = middleware.ParseKey(cfg.EncryptionKey); err != nil {
		return nil, errors.Join(fmt.Errorf("store.encryption_key: %w", err), b.Store.Close(ctx))
	}
	for _, k := range cfg.FallbackKeys {
		key, err := middleware.ParseKey(k)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("store.fallback_keys: %w", err), b.Store.Close(ctx))
		}
		enc.FallbackKeys = append(enc.FallbackKeys, key)
	}
	b.Store = middleware.Chain(b.Store, middleware.NewEncryptionMiddleware(enc))
	logger.Debug("store encryption enabled", "fallback_keys", len(enc.FallbackKeys))
	return b, nil
}

func openDriver(ctx context.Context, cfg config.Store, logger *slog.Logger) (*Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return &Backend{Store: memory.NewStore()}, nil

	case config.DriverRedis:
		opts, err := backend.ParseURL(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("parse redis uri: %w", err)
		}
		if cfg.MaxPoolSize > 0 {
			opts.PoolSize = cfg.MaxPoolSize
		}
		opts.MinIdleConns = cfg.MinPoolSize
		if cfg.WaitQueueTimeout > 0 {
			opts.PoolTimeout = cfg.WaitQueueTimeout
		}
		if cfg.ConnectTimeout > 0 {
			opts.DialTimeout = cfg.ConnectTimeout
		}
		if cfg.SocketTimeout > 0 {
			opts.ReadTimeout = cfg.SocketTimeout
			opts.WriteTimeout = cfg.SocketTimeout
		}
		client := backend.NewClient(opts)
		return &Backend{
			Store:  redis.NewFromClient(client, redis.WithPrefix(cfg.RedisPrefix)),
			Locker: redis.NewLocker(client, cfg.RedisPrefix),
		}, nil

	case config.DriverMongo:
		o := mongo.DefaultOptions()
		o.URI = cfg.URI
		o.Database = cfg.Database
		o.CheckpointCollection = cfg.CheckpointCollection
		o.WritesCollection = cfg.WritesCollection
		o.MinPoolSize = uint64(cfg.MinPoolSize)
		o.MaxPoolSize = uint64(cfg.MaxPoolSize)
		o.ConnectTimeout = cfg.ConnectTimeout
		o.SocketTimeout = cfg.SocketTimeout
		o.ServerSelectionTimeout = cfg.ServerSelectionTimeout
		o.WaitQueueTimeout = cfg.WaitQueueTimeout
		o.RetryReads = cfg.RetryReads
		store, err := mongo.Connect(o, mongo.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store}, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.URI, sqlite.WithTimeout(cfg.WaitQueueTimeout))
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store}, nil

	case config.DriverPostgres:
		store, err := postgres.Connect(ctx, cfg.URI, postgres.Options{
			MinConns:       int32(cfg.MinPoolSize),
			MaxConns:       int32(cfg.MaxPoolSize),
			ConnectTimeout: cfg.ConnectTimeout,
			AcquireTimeout: cfg.WaitQueueTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// NewEngine builds the library engine from cfg over an opened backend.
func NewEngine(cfg *config.Config, b *Backend, logger *slog.Logger, hooks ...domain.LifecycleHooks) (*waypoint.Engine, error) {
	opts := []waypoint.Option{
		waypoint.WithLogger(logger),
		waypoint.WithStepLimit(cfg.Executor.StepLimit),
		waypoint.WithTeamMembers(cfg.Executor.TeamMembers...),
		waypoint.WithNamespace(cfg.Executor.Namespace),
	}
	for _, h := range hooks {
		opts = append(opts, waypoint.WithLifecycleHooks(h))
	}
	if b.Locker != nil {
		opts = append(opts, waypoint.WithDistributedLocker(b.Locker, cfg.Executor.LockTTL))
	}

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey != "" || cfg.LLM.BaseURL != "" {
		client := llm.New(llm.Config{
			APIKey:     apiKey,
			BaseURL:    cfg.LLM.BaseURL,
			Model:      cfg.LLM.Model,
			MaxRetries: 2,
		}, llm.WithLogger(logger))
		opts = append(opts, waypoint.WithLLM(client))
	} else {
		logger.Warn("no LLM configured; runs will fail at the first node")
	}
	if cfg.Executor.WorkersFile != "" {
		workers, err := process.LoadWorkers(cfg.Executor.WorkersFile)
		if err != nil {
			return nil, err
		}
		runner := process.NewRunner(process.WithRegistry(workers), process.WithLogger(logger))
		for _, name := range runner.Names() {
			opts = append(opts, waypoint.WithAgent(name, runner.Agent(name)))
		}
		logger.Debug("process workers loaded", "workers", runner.Names())
	}
	return waypoint.New(b.Store, opts...)
}
