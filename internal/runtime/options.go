package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/serde"
)

// DefaultStepLimit caps the steps of one turn.
const DefaultStepLimit = 25

// Locker serializes runs on the same thread. session.Manager implements it.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Option configures the Engine.
type Option func(*Engine)

// WithCoordinator sets the coordinator collaborator.
func WithCoordinator(c ports.Coordinator) Option {
	return func(e *Engine) { e.coordinator = c }
}

// WithPlanner sets the planner collaborator.
func WithPlanner(p ports.Planner) Option {
	return func(e *Engine) { e.planner = p }
}

// WithSearcher sets the optional pre-planning searcher.
func WithSearcher(s ports.Searcher) Option {
	return func(e *Engine) { e.searcher = s }
}

// WithRoutingPolicy sets the supervisor's routing policy.
func WithRoutingPolicy(p ports.RoutingPolicy) Option {
	return func(e *Engine) { e.router = p }
}

// WithAgent registers a worker node. The name must be a team member to be
// reachable.
func WithAgent(name string, a ports.Agent) Option {
	return func(e *Engine) { e.agents[name] = a }
}

// WithTeamMembers replaces the configured worker names.
func WithTeamMembers(members ...string) Option {
	return func(e *Engine) {
		if len(members) > 0 {
			e.team = append([]string(nil), members...)
		}
	}
}

// WithNamespace sets the checkpoint namespace of every run.
func WithNamespace(ns string) Option {
	return func(e *Engine) { e.namespace = ns }
}

// WithStepLimit sets the per-turn step budget.
func WithStepLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.stepLimit = n
		}
	}
}

// WithSerializer overrides the checkpoint and write serializer.
func WithSerializer(s serde.Serializer) Option {
	return func(e *Engine) { e.serializer = s }
}

// WithLocker serializes runs per thread.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) { e.hooks = e.hooks.Merge(hooks) }
}

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDSource overrides checkpoint id generation.
func WithIDSource(next func() string) Option {
	return func(e *Engine) { e.ids.source = next }
}

// HasAgent reports whether a worker is registered for name.
func (e *Engine) HasAgent(name string) bool {
	_, ok := e.agents[name]
	return ok
}

// SetAgent registers a worker after construction. It must not be called
// while runs are in flight.
func (e *Engine) SetAgent(name string, a ports.Agent) {
	e.agents[name] = a
}
