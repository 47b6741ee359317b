package waypoint

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/aretw0/waypoint/internal/logging"
	"github.com/aretw0/waypoint/internal/runtime"
	"github.com/aretw0/waypoint/pkg/adapters/llm"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/history"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/session"
)

// Engine is the high-level entry point of the library. It wires a store,
// the collaborators, the session manager and the executor together.
type Engine struct {
	runtime  *runtime.Engine
	store    ports.Store
	history  *history.Service
	sessions *session.Manager

	runtimeOpts []runtime.Option
	locker      ports.DistributedLocker
	lockTTL     time.Duration
	hooks       domain.LifecycleHooks
	logger      *slog.Logger
	llm         *llm.Client
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLifecycleHooks registers observability hooks. Repeated calls are merged.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = e.hooks.Merge(hooks)
	}
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLLM uses client for every collaborator not set explicitly.
func WithLLM(client *llm.Client) Option {
	return func(e *Engine) {
		e.llm = client
	}
}

// WithCoordinator sets the coordinator.
func WithCoordinator(c ports.Coordinator) Option {
	return runtimeOption(runtime.WithCoordinator(c))
}

// WithPlanner sets the planner.
func WithPlanner(p ports.Planner) Option {
	return runtimeOption(runtime.WithPlanner(p))
}

// WithSearcher sets the optional pre-planning searcher.
func WithSearcher(s ports.Searcher) Option {
	return runtimeOption(runtime.WithSearcher(s))
}

// WithRoutingPolicy sets the supervisor's routing policy.
func WithRoutingPolicy(p ports.RoutingPolicy) Option {
	return runtimeOption(runtime.WithRoutingPolicy(p))
}

// WithAgent registers the worker for a team member.
func WithAgent(name string, a ports.Agent) Option {
	return runtimeOption(runtime.WithAgent(name, a))
}

// WithTeamMembers replaces the default team.
func WithTeamMembers(members ...string) Option {
	return runtimeOption(runtime.WithTeamMembers(members...))
}

// WithStepLimit caps the steps of one turn.
func WithStepLimit(n int) Option {
	return runtimeOption(runtime.WithStepLimit(n))
}

// WithNamespace sets the checkpoint namespace.
func WithNamespace(ns string) Option {
	return runtimeOption(runtime.WithNamespace(ns))
}

// WithDistributedLocker serializes runs across replicas.
func WithDistributedLocker(l ports.DistributedLocker, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = l
		e.lockTTL = ttl
	}
}

func runtimeOption(opt runtime.Option) Option {
	return func(e *Engine) {
		e.runtimeOpts = append(e.runtimeOpts, opt)
	}
}

// New initializes an Engine persisting to store.
func New(store ports.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("waypoint: store is required")
	}
	eng := &Engine{store: store}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.logger == nil {
		eng.logger = logging.NewNop()
	}

	sessOpts := []session.Option{session.WithLogger(eng.logger)}
	if eng.locker != nil {
		sessOpts = append(sessOpts, session.WithLocker(eng.locker))
		if eng.lockTTL > 0 {
			sessOpts = append(sessOpts, session.WithLockTTL(eng.lockTTL))
		}
	}
	eng.sessions = session.NewManager(store, sessOpts...)
	eng.history = history.NewService(store, history.WithLogger(eng.logger))

	// LLM defaults go first so explicit collaborators override them.
	var rtOpts []runtime.Option
	if eng.llm != nil {
		rtOpts = append(rtOpts,
			runtime.WithCoordinator(eng.llm.Coordinator()),
			runtime.WithPlanner(eng.llm.Planner()),
			runtime.WithRoutingPolicy(eng.llm.RoutingPolicy()),
		)
	}
	rtOpts = append(rtOpts, eng.runtimeOpts...)
	rtOpts = append(rtOpts,
		runtime.WithLocker(eng.sessions),
		runtime.WithLifecycleHooks(eng.hooks),
		runtime.WithLogger(eng.logger),
	)
	eng.runtime = runtime.NewEngine(store, rtOpts...)

	if eng.llm != nil {
		for _, name := range eng.runtime.TeamMembers() {
			if !eng.runtime.HasAgent(name) {
				eng.runtime.SetAgent(name, eng.llm.Agent(name))
			}
		}
	}
	return eng, nil
}

// Setup creates the store's indexes.
func (e *Engine) Setup(ctx context.Context) error {
	return e.store.Setup(ctx)
}

// Run starts a conversational turn.
func (e *Engine) Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	return e.runtime.Run(ctx, req)
}

// Resume continues a thread from its latest checkpoint.
func (e *Engine) Resume(ctx context.Context, req domain.ResumeRequest) (*domain.RunResult, error) {
	return e.runtime.Resume(ctx, req)
}

// Latest returns the newest snapshot of a thread, or nil.
func (e *Engine) Latest(ctx context.Context, userID, threadID string) (*domain.RunResult, error) {
	return e.runtime.Latest(ctx, userID, threadID)
}

// Checkpoints yields a thread's checkpoints newest first. limit <= 0 means
// no limit; filter matches metadata by dotted key.
func (e *Engine) Checkpoints(ctx context.Context, userID, threadID string, limit int, filter map[string]any) iter.Seq2[*domain.CheckpointTuple, error] {
	return e.store.List(ctx, domain.ListOptions{
		ThreadID: threadID,
		UserID:   userID,
		Filter:   filter,
		Limit:    limit,
	})
}

// Graph renders the executor's transition table in DOT.
func (e *Engine) Graph() string {
	return e.runtime.Graph()
}

// Edges lists the permitted gotos of the graph.
func (e *Engine) Edges() []domain.Edge {
	return e.runtime.Edges()
}

// TeamMembers returns the configured worker names.
func (e *Engine) TeamMembers() []string {
	return e.runtime.TeamMembers()
}

// History returns the thread history service over the engine's store.
func (e *Engine) History() *history.Service {
	return e.history
}

// DeleteThread removes a thread while holding its lock.
func (e *Engine) DeleteThread(ctx context.Context, userID, threadID string) error {
	return e.sessions.DeleteThread(ctx, userID, threadID)
}

// Close releases the store.
func (e *Engine) Close(ctx context.Context) error {
	return e.store.Close(ctx)
}
