package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
)

// Coordinator returns the front-desk collaborator.
func (c *Client) Coordinator() ports.Coordinator {
	return ports.CoordinatorFunc(func(ctx context.Context, state *domain.WorkflowState) (string, error) {
		return c.Complete(ctx, coordinatorPrompt, state.Messages)
	})
}

// Planner returns the plan collaborator. Search results, when present, are
// appended to the last message.
func (c *Client) Planner() ports.Planner {
	return ports.PlannerFunc(func(ctx context.Context, req domain.PlanRequest) (string, error) {
		history := slices.Clone(req.State.Messages)
		if len(req.SearchResults) > 0 && len(history) > 0 {
			type hit struct {
				Title   string `json:"title"`
				Content string `json:"content"`
			}
			hits := make([]hit, len(req.SearchResults))
			for i, r := range req.SearchResults {
				hits[i] = hit{Title: r.Title, Content: r.Content}
			}
			raw, err := json.Marshal(hits)
			if err != nil {
				return "", err
			}
			last := &history[len(history)-1]
			last.Content += "\n\n# Relative Search Results\n\n" + string(raw)
		}
		return c.Complete(ctx, plannerSystem(req.State.TeamMembers), history)
	})
}

// RoutingPolicy returns the supervisor's router.
func (c *Client) RoutingPolicy() ports.RoutingPolicy {
	return ports.RoutingFunc(func(ctx context.Context, state *domain.WorkflowState) (string, error) {
		out, err := c.Complete(ctx, supervisorSystem(state.TeamMembers), state.Messages)
		if err != nil {
			return "", err
		}
		return ParseRoute(out), nil
	})
}

// Agent returns a worker collaborator for name.
func (c *Client) Agent(name string) ports.Agent {
	return ports.AgentFunc(func(ctx context.Context, state *domain.WorkflowState) (domain.AgentResult, error) {
		out, err := c.Complete(ctx, workerSystem(name), state.Messages)
		if err != nil {
			return domain.AgentResult{}, fmt.Errorf("%s agent: %w", name, err)
		}
		return domain.AgentResult{FinalMessage: out, Name: name}, nil
	})
}

// ParseRoute reads {"next": label} from a router reply, falling back to the
// trimmed reply itself. Validation is left to the executor.
func ParseRoute(out string) string {
	out = strings.TrimSpace(out)
	var route struct {
		Next string `json:"next"`
	}
	if start, end := strings.Index(out, "{"), strings.LastIndex(out, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(out[start:end+1]), &route); err == nil && route.Next != "" {
			return strings.TrimSpace(route.Next)
		}
	}
	return strings.Trim(out, "\"'` \n")
}
