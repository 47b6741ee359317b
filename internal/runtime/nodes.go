package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/waypoint/pkg/domain"
)

var errNoCollaborator = errors.New("no collaborator configured")

// execute runs the effect of node against a read-only view of state and
// returns the update it wants applied.
func (e *Engine) execute(ctx context.Context, node string, state *domain.WorkflowState) (domain.Command, error) {
	switch node {
	case domain.NodeCoordinator:
		return e.coordinate(ctx, state)
	case domain.NodePlanner:
		return e.plan(ctx, state)
	case domain.NodeSupervisor:
		return e.supervise(ctx, state)
	}
	if state.IsTeamMember(node) {
		return e.work(ctx, node, state)
	}
	return domain.Command{}, fmt.Errorf("%w: %q", domain.ErrUnknownRoute, node)
}

func (e *Engine) coordinate(ctx context.Context, state *domain.WorkflowState) (domain.Command, error) {
	if e.coordinator == nil {
		return domain.Command{}, fmt.Errorf("%w: coordinator", errNoCollaborator)
	}
	content, err := e.coordinator.Respond(ctx, state)
	if err != nil {
		return domain.Command{}, err
	}

	target := domain.End
	if domain.IsHandoff(content) {
		target = domain.NodePlanner
		e.logger.InfoContext(ctx, "coordinator handing off to planner", "thread_id", state.Metadata.ThreadID)
	}
	return domain.Command{
		Update: domain.StateUpdate{Messages: []domain.Message{domain.AIMessage(content, domain.NodeCoordinator)}},
		Goto:   target,
	}, nil
}

func (e *Engine) plan(ctx context.Context, state *domain.WorkflowState) (domain.Command, error) {
	if e.planner == nil {
		return domain.Command{}, fmt.Errorf("%w: planner", errNoCollaborator)
	}
	req := domain.PlanRequest{State: state}
	if state.SearchBeforePlanning && e.searcher != nil {
		if last, ok := state.LastMessage(); ok {
			results, err := e.searcher.Search(ctx, last.Content)
			if err != nil {
				return domain.Command{}, fmt.Errorf("search before planning: %w", err)
			}
			req.SearchResults = results
		}
	}

	out, err := e.planner.Plan(ctx, req)
	if err != nil {
		return domain.Command{}, err
	}
	plan := cleanPlan(out)
	if !json.Valid([]byte(plan)) {
		// Malformed plans still reach the supervisor.
		e.logger.WarnContext(ctx, "planner response is not valid JSON", "thread_id", state.Metadata.ThreadID)
	}
	return domain.Command{
		Update: domain.StateUpdate{
			Messages: []domain.Message{domain.AIMessage(plan, domain.NodePlanner)},
			FullPlan: &plan,
		},
		Goto: domain.NodeSupervisor,
	}, nil
}

// cleanPlan strips a ```json fence around the planner output.
func cleanPlan(out string) string {
	plan := strings.TrimSpace(out)
	if rest, ok := strings.CutPrefix(plan, "```json"); ok {
		plan = rest
	}
	if rest, ok := strings.CutSuffix(plan, "```"); ok {
		plan = rest
	}
	return strings.TrimSpace(plan)
}

func (e *Engine) supervise(ctx context.Context, state *domain.WorkflowState) (domain.Command, error) {
	if e.router == nil {
		return domain.Command{}, fmt.Errorf("%w: routing policy", errNoCollaborator)
	}
	label, err := e.router.Decide(ctx, state)
	if err != nil {
		return domain.Command{}, err
	}

	target := label
	switch {
	case label == domain.Finish:
		target = domain.End
		e.logger.InfoContext(ctx, "workflow completed", "thread_id", state.Metadata.ThreadID)
	case state.IsTeamMember(label):
		e.logger.InfoContext(ctx, "supervisor delegating", "thread_id", state.Metadata.ThreadID, "worker", label)
	default:
		return domain.Command{}, fmt.Errorf("%w: %q", domain.ErrUnknownRoute, label)
	}
	return domain.Command{
		Update: domain.StateUpdate{Next: &target},
		Goto:   target,
	}, nil
}

func (e *Engine) work(ctx context.Context, node string, state *domain.WorkflowState) (domain.Command, error) {
	agent, ok := e.agents[node]
	if !ok {
		return domain.Command{}, fmt.Errorf("%w: agent %q", errNoCollaborator, node)
	}
	res, err := agent.Invoke(ctx, state)
	if err != nil {
		return domain.Command{}, err
	}
	return domain.Command{
		Update: domain.StateUpdate{
			Messages:     []domain.Message{domain.AIMessage(domain.FormatResponse(node, res.FinalMessage), node)},
			AgentResults: map[string]string{node: res.FinalMessage},
		},
		Goto: domain.NodeSupervisor,
	}, nil
}
