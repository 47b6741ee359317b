package runtime

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/aretw0/waypoint/pkg/domain"
)

// transitions is the table of permitted gotos for one run. Triggers are the
// goto labels themselves, so firing a trigger the current node does not
// permit is an invalid transition.
type transitions struct {
	current string
	fsm     *stateless.StateMachine
}

func newTransitions(team []string, start string) *transitions {
	t := &transitions{current: start}
	t.fsm = stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) { return t.current, nil },
		func(_ context.Context, s stateless.State) error {
			t.current = s.(string)
			return nil
		},
		stateless.FiringImmediate,
	)

	for _, edge := range domain.Topology(team) {
		t.fsm.Configure(edge.From).Permit(edge.To, edge.To)
	}
	t.fsm.Configure(domain.End)
	return t
}

// advance moves from node to target.
func (t *transitions) advance(ctx context.Context, node, target string) error {
	t.current = node
	if err := t.fsm.FireCtx(ctx, target); err != nil {
		return fmt.Errorf("%w: %s -> %s: %w", domain.ErrInvalidTransition, node, target, err)
	}
	return nil
}

// graph renders the table in DOT.
func (t *transitions) graph() string {
	return t.fsm.ToGraph()
}
