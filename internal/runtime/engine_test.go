package runtime_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waypoint/internal/runtime"
	"github.com/aretw0/waypoint/pkg/adapters/memory"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/serde"
	"github.com/aretw0/waypoint/pkg/session"
)

const plan = `{"title":"Busan","steps":[{"agent_name":"search","description":"find hotels"}]}`

// routes returns a routing policy that answers labels in order, then FINISH.
func routes(calls *int32, labels ...string) ports.RoutingPolicy {
	return ports.RoutingFunc(func(ctx context.Context, _ *domain.WorkflowState) (string, error) {
		n := int(atomic.AddInt32(calls, 1)) - 1
		if n < len(labels) {
			return labels[n], nil
		}
		return domain.Finish, nil
	})
}

func handoff() ports.Coordinator {
	return ports.CoordinatorFunc(func(context.Context, *domain.WorkflowState) (string, error) {
		return "handoff_to_planner()", nil
	})
}

func planner(out string) ports.Planner {
	return ports.PlannerFunc(func(context.Context, domain.PlanRequest) (string, error) {
		return out, nil
	})
}

func agent(msg string) ports.Agent {
	return ports.AgentFunc(func(context.Context, *domain.WorkflowState) (domain.AgentResult, error) {
		return domain.AgentResult{FinalMessage: msg, Name: "search"}, nil
	})
}

func request(content string) domain.RunRequest {
	return domain.RunRequest{UserID: "u1", ThreadID: "t1", Messages: []domain.Message{domain.HumanMessage(content)}}
}

func checkpoints(t *testing.T, store *memory.Store) []*domain.CheckpointTuple {
	t.Helper()
	var out []*domain.CheckpointTuple
	for tuple, err := range store.List(context.Background(), domain.ListOptions{ThreadID: "t1"}) {
		require.NoError(t, err)
		out = append(out, tuple)
	}
	return out
}

func latestState(t *testing.T, store *memory.Store) (*domain.CheckpointTuple, domain.Snapshot) {
	t.Helper()
	tuple, err := store.GetLatest(context.Background(), domain.CheckpointKey{ThreadID: "t1", UserID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, tuple)
	var snap domain.Snapshot
	require.NoError(t, serde.Decode(tuple.Checkpoint.Payload, &snap))
	return tuple, snap
}

func TestEngine_HandoffPlanSearchFinish(t *testing.T) {
	store := memory.NewStore()
	var routed int32
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithRoutingPolicy(routes(&routed, "search")),
		runtime.WithAgent("search", agent("Found three hotels.")),
	)

	res, err := engine.Run(context.Background(), request("Plan a trip to Busan"))
	require.NoError(t, err)

	// 1. coordinator, planner, supervisor, search, supervisor
	all := checkpoints(t, store)
	require.Len(t, all, 5)
	assert.Equal(t, 5, res.Steps)
	assert.True(t, res.Completed)
	assert.True(t, res.State.ExecutionStatus.IsCompleted)
	require.NotNil(t, res.State.FullPlan)
	assert.Equal(t, plan, *res.State.FullPlan)
	assert.Equal(t, domain.End, res.State.Next)
	assert.Equal(t, "Found three hotels.", res.State.AgentResults["search"])
	assert.Equal(t, 5, res.State.Metadata.StepCount)

	// 2. ids strictly increase along the chain and latest is the maximum
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].Key.CheckpointID, all[i].Key.CheckpointID)
		require.NotNil(t, all[i-1].Parent)
		assert.Equal(t, all[i].Key.CheckpointID, all[i-1].Parent.CheckpointID)
	}
	latest, _ := latestState(t, store)
	assert.Equal(t, all[0].Key.CheckpointID, latest.Key.CheckpointID)

	// 3. metadata records the source and the directive of each step
	first := all[len(all)-1]
	assert.Equal(t, domain.SourceInput, first.Metadata[domain.MetaSource])
	assert.Equal(t, map[string]any{domain.NodeCoordinator: domain.NodePlanner}, first.Metadata[domain.MetaWrites])
	assert.Equal(t, domain.SourceLoop, all[0].Metadata[domain.MetaSource])

	// 4. the worker message carries the node-tagged envelope
	last := res.State.Messages[len(res.State.Messages)-1]
	assert.Equal(t, "search", last.Name)
	assert.Equal(t, "Found three hotels.", domain.StripResponse(last.Content))
}

func TestEngine_InputIsTheFirstMessageWrite(t *testing.T) {
	store := memory.NewStore()
	var routed int32
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithRoutingPolicy(routes(&routed)),
	)
	_, err := engine.Run(context.Background(), request("hello"))
	require.NoError(t, err)

	writes, err := store.ListWrites(context.Background(), domain.WriteQuery{UserID: "u1", Channel: domain.ChannelMessages})
	require.NoError(t, err)
	require.NotEmpty(t, writes)
	assert.Equal(t, domain.TaskInput, writes[0].TaskID)

	var msgs []domain.Message
	require.NoError(t, serde.Decode(writes[0].Value, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestEngine_MalformedPlanStillAdvances(t *testing.T) {
	store := memory.NewStore()
	var routed int32
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner("Sure! First we go to the beach.")),
		runtime.WithRoutingPolicy(routes(&routed)),
	)

	res, err := engine.Run(context.Background(), request("Plan a trip"))
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Contains(t, res.State.ExecutionStatus.CompletedSteps, domain.NodeSupervisor)
	assert.Empty(t, res.State.ExecutionStatus.FailedSteps)
	require.NotNil(t, res.State.FullPlan)
	assert.Equal(t, "Sure! First we go to the beach.", *res.State.FullPlan)
	assert.Len(t, checkpoints(t, store), 3)
}

func TestEngine_StripsJSONFence(t *testing.T) {
	var routed int32
	engine := runtime.NewEngine(memory.NewStore(),
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner("```json\n"+plan+"\n```")),
		runtime.WithRoutingPolicy(routes(&routed)),
	)
	res, err := engine.Run(context.Background(), request("Plan"))
	require.NoError(t, err)
	assert.Equal(t, plan, *res.State.FullPlan)
}

func TestEngine_SearchBeforePlanning(t *testing.T) {
	var routed int32
	var query string
	var seen []domain.SearchResult
	engine := runtime.NewEngine(memory.NewStore(),
		runtime.WithCoordinator(handoff()),
		runtime.WithSearcher(ports.SearcherFunc(func(_ context.Context, q string) ([]domain.SearchResult, error) {
			query = q
			return []domain.SearchResult{{Title: "Busan guide", Content: "beaches"}}, nil
		})),
		runtime.WithPlanner(ports.PlannerFunc(func(_ context.Context, req domain.PlanRequest) (string, error) {
			seen = req.SearchResults
			return plan, nil
		})),
		runtime.WithRoutingPolicy(routes(&routed)),
	)

	req := request("Plan a trip to Busan")
	req.SearchBeforePlanning = true
	_, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	// The coordinator's reply is the last message when the planner runs.
	assert.Equal(t, "handoff_to_planner()", query)
	require.Len(t, seen, 1)
	assert.Equal(t, "Busan guide", seen[0].Title)
}

func TestEngine_CoordinatorAnswersDirectly(t *testing.T) {
	store := memory.NewStore()
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(ports.CoordinatorFunc(func(context.Context, *domain.WorkflowState) (string, error) {
			return "Hello! How can I help?", nil
		})),
	)
	res, err := engine.Run(context.Background(), request("hi"))
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Steps)
	assert.Len(t, res.State.Messages, 2)
}

func TestEngine_WorkerFailureIsPersisted(t *testing.T) {
	store := memory.NewStore()
	var routed int32
	boom := errors.New("search api down")
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithRoutingPolicy(routes(&routed, "search", "calendar")),
		runtime.WithAgent("search", ports.AgentFunc(func(context.Context, *domain.WorkflowState) (domain.AgentResult, error) {
			return domain.AgentResult{}, boom
		})),
	)

	res, err := engine.Run(context.Background(), request("Plan"))
	var stepErr *domain.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "search", stepErr.Node)
	assert.ErrorIs(t, err, boom)

	// 1. no step ran after the failure
	assert.Equal(t, int32(1), atomic.LoadInt32(&routed))
	assert.Len(t, checkpoints(t, store), 4)

	// 2. the failure is the latest durable checkpoint
	tuple, snap := latestState(t, store)
	assert.True(t, snap.State.ExecutionStatus.FailedSteps.Has("search"))
	require.NotNil(t, snap.State.ExecutionStatus.ErrorMessage)
	assert.Contains(t, *snap.State.ExecutionStatus.ErrorMessage, "search api down")
	assert.False(t, snap.State.ExecutionStatus.IsCompleted)
	assert.Equal(t, res.Key.CheckpointID, tuple.Key.CheckpointID)

	var hasError bool
	for _, w := range tuple.PendingWrites {
		if w.Channel == domain.ChannelError {
			hasError = true
			assert.Equal(t, -1, w.Idx)
		}
	}
	assert.True(t, hasError)

	// 3. resuming a failed run reports the failure
	_, err = engine.Resume(context.Background(), domain.ResumeRequest{UserID: "u1", ThreadID: "t1"})
	assert.ErrorIs(t, err, domain.ErrRunFailed)
}

func TestEngine_UnknownRouteFailsTheStep(t *testing.T) {
	store := memory.NewStore()
	var routed int32
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithRoutingPolicy(routes(&routed, "hotel_booking")),
	)

	_, err := engine.Run(context.Background(), request("Plan"))
	assert.ErrorIs(t, err, domain.ErrUnknownRoute)

	_, snap := latestState(t, store)
	assert.True(t, snap.State.ExecutionStatus.FailedSteps.Has(domain.NodeSupervisor))
}

func TestEngine_StepLimit(t *testing.T) {
	store := memory.NewStore()
	loop := ports.RoutingFunc(func(context.Context, *domain.WorkflowState) (string, error) { return "search", nil })
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithRoutingPolicy(loop),
		runtime.WithAgent("search", agent("again")),
		runtime.WithStepLimit(6),
	)

	res, err := engine.Run(context.Background(), request("Plan"))
	assert.ErrorIs(t, err, domain.ErrStepLimitExceeded)
	assert.Equal(t, 6, res.Steps)
	// six steps plus the checkpoint recording the abort
	assert.Len(t, checkpoints(t, store), 7)

	tuple, snap := latestState(t, store)
	assert.Equal(t, res.Key.CheckpointID, tuple.Key.CheckpointID)
	assert.True(t, snap.State.ExecutionStatus.Failed())
	require.NotNil(t, snap.State.ExecutionStatus.ErrorMessage)
	assert.Contains(t, *snap.State.ExecutionStatus.ErrorMessage, "step limit")
}

// failingWrites stores checkpoints but rejects writes while armed.
type failingWrites struct {
	*memory.Store
	armed atomic.Bool
}

var errWritesDown = errors.New("writes unavailable")

func (f *failingWrites) PutWrites(ctx context.Context, key domain.CheckpointKey, writes []domain.ChannelWrite, taskID, taskPath string) error {
	if f.armed.Load() {
		return errWritesDown
	}
	return f.Store.PutWrites(ctx, key, writes, taskID, taskPath)
}

func TestEngine_WritesFailureChainsFromStoredCheckpoint(t *testing.T) {
	mem := memory.NewStore()
	store := &failingWrites{Store: mem}
	store.armed.Store(true)
	var routed int32
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithRoutingPolicy(routes(&routed, "search")),
		runtime.WithAgent("search", agent("done")),
	)

	res, err := engine.Run(context.Background(), request("Plan"))
	assert.ErrorIs(t, err, errWritesDown)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Steps)
	require.NotEmpty(t, res.Key.CheckpointID)

	tuple, snap := latestState(t, mem)
	assert.Equal(t, tuple.Key.CheckpointID, res.Key.CheckpointID)
	assert.Equal(t, domain.NodePlanner, snap.PendingNode)

	store.armed.Store(false)
	resumed, err := engine.Resume(context.Background(), domain.ResumeRequest{UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	assert.True(t, resumed.Completed)

	all := checkpoints(t, mem)
	for i := 1; i < len(all); i++ {
		require.NotNil(t, all[i-1].Parent)
		assert.Equal(t, all[i].Key.CheckpointID, all[i-1].Parent.CheckpointID)
	}
}

func TestEngine_CancelBetweenStepsThenResume(t *testing.T) {
	store := memory.NewStore()
	var routed int32
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithRoutingPolicy(routes(&routed, "search")),
		runtime.WithAgent("search", agent("done")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	req := request("Plan")
	req.OnStep = func(_ context.Context, ev *domain.StepEvent) {
		if ev.Node == domain.NodePlanner {
			cancel()
		}
	}

	res, err := engine.Run(ctx, req)
	assert.ErrorIs(t, err, domain.ErrRunCancelled)
	assert.Equal(t, 2, res.Steps)
	assert.Len(t, checkpoints(t, store), 2)

	// The last persisted checkpoint is the resume point.
	res, err = engine.Resume(context.Background(), domain.ResumeRequest{UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.Steps)
	assert.Len(t, checkpoints(t, store), 5)
}

func TestEngine_ResumeCompletedRun(t *testing.T) {
	store := memory.NewStore()
	var routed int32
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithRoutingPolicy(routes(&routed)),
	)
	_, err := engine.Run(context.Background(), request("Plan"))
	require.NoError(t, err)

	res, err := engine.Resume(context.Background(), domain.ResumeRequest{UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Zero(t, res.Steps)

	_, err = engine.Resume(context.Background(), domain.ResumeRequest{UserID: "u1", ThreadID: "missing"})
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
}

func TestEngine_SkipsProcessedMessages(t *testing.T) {
	store := memory.NewStore()
	var responded int32
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(ports.CoordinatorFunc(func(context.Context, *domain.WorkflowState) (string, error) {
			atomic.AddInt32(&responded, 1)
			return "Hi there", nil
		})),
	)

	req := request("hello")
	req.Messages[0].ID = "msg-1"

	_, err := engine.Run(context.Background(), req)
	require.NoError(t, err)
	res, err := engine.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&responded))
	assert.Zero(t, res.Steps)
	assert.Len(t, res.State.Messages, 2)
	assert.True(t, res.State.ProcessedMessageIDs.Has("msg-1"))
}

func TestEngine_NewTurnResetsStatus(t *testing.T) {
	store := memory.NewStore()
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(ports.CoordinatorFunc(func(context.Context, *domain.WorkflowState) (string, error) {
			return "ok", nil
		})),
	)
	_, err := engine.Run(context.Background(), request("one"))
	require.NoError(t, err)
	res, err := engine.Run(context.Background(), request("two"))
	require.NoError(t, err)

	assert.Len(t, res.State.Messages, 4)
	assert.Equal(t, domain.StringSet{domain.NodeCoordinator}, res.State.ExecutionStatus.CompletedSteps)
	assert.Equal(t, 2, res.State.Metadata.StepCount)
	assert.Len(t, checkpoints(t, store), 2)
}

func TestEngine_CheckpointIDRegression(t *testing.T) {
	store := memory.NewStore()
	ids := []string{"b", "a"}
	var n int32
	engine := runtime.NewEngine(store,
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithIDSource(func() string { return ids[atomic.AddInt32(&n, 1)-1] }),
	)
	_, err := engine.Run(context.Background(), request("Plan"))
	assert.ErrorIs(t, err, domain.ErrCheckpointIDRegression)
	assert.Len(t, checkpoints(t, store), 1)
}

func TestEngine_LifecycleHooks(t *testing.T) {
	var started, ended []string
	var runs int
	hooks := domain.LifecycleHooks{
		OnStepStart: func(_ context.Context, e *domain.StepEvent) { started = append(started, e.Node) },
		OnStepEnd:   func(_ context.Context, e *domain.StepEvent) { ended = append(ended, e.Node+">"+e.Goto) },
		OnRunEnd: func(_ context.Context, e *domain.RunEvent) {
			runs++
			assert.True(t, e.Completed)
			assert.Equal(t, 3, e.Steps)
		},
	}
	var routed int32
	engine := runtime.NewEngine(memory.NewStore(),
		runtime.WithCoordinator(handoff()),
		runtime.WithPlanner(planner(plan)),
		runtime.WithRoutingPolicy(routes(&routed)),
		runtime.WithLifecycleHooks(hooks),
	)
	_, err := engine.Run(context.Background(), request("Plan"))
	require.NoError(t, err)

	assert.Equal(t, []string{"coordinator", "planner", "supervisor"}, started)
	assert.Equal(t, []string{"coordinator>planner", "planner>supervisor", "supervisor>__end__"}, ended)
	assert.Equal(t, 1, runs)
}

func TestEngine_SerializedWithSessionManager(t *testing.T) {
	store := memory.NewStore()
	manager := session.NewManager(store)
	engine := runtime.NewEngine(store,
		runtime.WithLocker(manager),
		runtime.WithCoordinator(ports.CoordinatorFunc(func(context.Context, *domain.WorkflowState) (string, error) {
			return "ok", nil
		})),
	)

	errs := make(chan error, 5)
	for i := range 5 {
		go func() {
			_, err := engine.Run(context.Background(), request(strings.Repeat("x", i+1)))
			errs <- err
		}()
	}
	for range 5 {
		require.NoError(t, <-errs)
	}

	// Serialized turns form one linear chain.
	all := checkpoints(t, store)
	require.Len(t, all, 5)
	for i := 0; i < len(all)-1; i++ {
		assert.Equal(t, all[i+1].Key.CheckpointID, all[i].Parent.CheckpointID)
	}
	assert.Equal(t, 0, manager.Active())
}

func TestEngine_RejectsMissingThread(t *testing.T) {
	engine := runtime.NewEngine(memory.NewStore())
	_, err := engine.Run(context.Background(), domain.RunRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestEngine_Graph(t *testing.T) {
	engine := runtime.NewEngine(memory.NewStore(), runtime.WithTeamMembers("search", "calendar"))
	dot := engine.Graph()
	assert.Contains(t, dot, "digraph")
	assert.Contains(t, dot, domain.NodeSupervisor)
	assert.Contains(t, dot, "calendar")
}
