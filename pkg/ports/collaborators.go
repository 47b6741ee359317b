package ports

import (
	"context"

	"github.com/aretw0/waypoint/pkg/domain"
)

// RoutingPolicy decides which worker runs next, or domain.Finish.
// The executor calls it at most once per step and persists the result.
type RoutingPolicy interface {
	Decide(ctx context.Context, state *domain.WorkflowState) (string, error)
}

// Coordinator answers the user directly or signals a hand-off to the planner.
type Coordinator interface {
	Respond(ctx context.Context, state *domain.WorkflowState) (string, error)
}

// Planner produces the plan artifact, normally JSON.
type Planner interface {
	Plan(ctx context.Context, req domain.PlanRequest) (string, error)
}

// Searcher runs the optional pre-planning search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]domain.SearchResult, error)
}

// Agent is a worker node collaborator.
type Agent interface {
	Invoke(ctx context.Context, state *domain.WorkflowState) (domain.AgentResult, error)
}

// RoutingFunc adapts a function to RoutingPolicy.
type RoutingFunc func(ctx context.Context, state *domain.WorkflowState) (string, error)

func (f RoutingFunc) Decide(ctx context.Context, state *domain.WorkflowState) (string, error) {
	return f(ctx, state)
}

// CoordinatorFunc adapts a function to Coordinator.
type CoordinatorFunc func(ctx context.Context, state *domain.WorkflowState) (string, error)

func (f CoordinatorFunc) Respond(ctx context.Context, state *domain.WorkflowState) (string, error) {
	return f(ctx, state)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req domain.PlanRequest) (string, error)

func (f PlannerFunc) Plan(ctx context.Context, req domain.PlanRequest) (string, error) {
	return f(ctx, req)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, query string) ([]domain.SearchResult, error)

func (f SearcherFunc) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	return f(ctx, query)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, state *domain.WorkflowState) (domain.AgentResult, error)

func (f AgentFunc) Invoke(ctx context.Context, state *domain.WorkflowState) (domain.AgentResult, error) {
	return f(ctx, state)
}
