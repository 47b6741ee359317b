package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/waypoint/internal/logging"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/serde"
)

// Engine is the workflow executor.
type Engine struct {
	store       ports.CheckpointStore
	coordinator ports.Coordinator
	planner     ports.Planner
	searcher    ports.Searcher
	router      ports.RoutingPolicy
	agents      map[string]ports.Agent

	team       []string
	namespace  string
	stepLimit  int
	serializer serde.Serializer
	locker     Locker
	hooks      domain.LifecycleHooks
	logger     *slog.Logger
	ids        *idGenerator
	now        func() time.Time
}

// NewEngine creates an executor persisting to store.
func NewEngine(store ports.CheckpointStore, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		agents:     make(map[string]ports.Agent),
		team:       append([]string(nil), domain.DefaultTeamMembers...),
		stepLimit:  DefaultStepLimit,
		serializer: serde.Default,
		logger:     logging.NewNop(),
		ids:        newIDGenerator(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TeamMembers returns the configured worker names.
func (e *Engine) TeamMembers() []string {
	return append([]string(nil), e.team...)
}

// Graph renders the transition table in DOT.
func (e *Engine) Graph() string {
	return newTransitions(e.team, domain.NodeCoordinator).graph()
}

func (e *Engine) key(userID, threadID string) domain.CheckpointKey {
	return domain.CheckpointKey{ThreadID: threadID, UserID: userID, Namespace: e.namespace}
}

func (e *Engine) withLock(ctx context.Context, key domain.CheckpointKey, fn func(context.Context) error) error {
	if e.locker == nil {
		return fn(ctx)
	}
	return e.locker.WithLock(ctx, key.UserID+"/"+key.ThreadID, fn)
}

// Run starts a turn on a thread with the given inbound messages. Messages
// already processed on the thread are skipped; when nothing new remains the
// current state is returned without running any step.
func (e *Engine) Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	key := e.key(req.UserID, req.ThreadID)
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var result *domain.RunResult
	err := e.withLock(ctx, key, func(ctx context.Context) error {
		var err error
		result, err = e.run(ctx, key, req)
		return err
	})
	return result, err
}

func (e *Engine) run(ctx context.Context, key domain.CheckpointKey, req domain.RunRequest) (*domain.RunResult, error) {
	tuple, snap, err := e.latest(ctx, key)
	if err != nil {
		return nil, err
	}
	if tuple != nil {
		key = tuple.Key
	} else {
		snap = domain.Snapshot{
			State: domain.NewWorkflowState(domain.WorkflowMetadata{
				WorkflowID: uuid.Must(uuid.NewV7()).String(),
				UserID:     key.UserID,
				ThreadID:   key.ThreadID,
				CreatedAt:  e.now(),
			}, e.team),
			PendingNode: domain.End,
		}
	}

	fresh := unprocessed(snap.State.ProcessedMessageIDs, req.Messages)
	if len(fresh) == 0 {
		e.logger.DebugContext(ctx, "no new messages", "thread_id", key.ThreadID)
		return e.result(key, snap, 0), nil
	}

	ids := make([]string, len(fresh))
	for i, m := range fresh {
		ids[i] = m.ID
	}
	search := req.SearchBeforePlanning
	state, input := domain.Apply(snap.State, domain.StateUpdate{
		Messages:             fresh,
		SearchBeforePlanning: &search,
		ExecutionStatus:      &domain.ExecutionStatus{},
		ProcessedMessageIDs:  ids,
	})
	snap = domain.Snapshot{
		State:       state,
		PendingNode: domain.NodeCoordinator,
		Step:        snap.Step,
		Versions:    bumpVersions(snap.Versions, input),
	}
	return e.loop(ctx, key, snap, input, req.OnStep)
}

// Resume continues a thread from its latest checkpoint. A completed turn
// returns its result; a failed turn returns ErrRunFailed with the result.
func (e *Engine) Resume(ctx context.Context, req domain.ResumeRequest) (*domain.RunResult, error) {
	key := e.key(req.UserID, req.ThreadID)
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var result *domain.RunResult
	err := e.withLock(ctx, key, func(ctx context.Context) error {
		tuple, snap, err := e.latest(ctx, key)
		if err != nil {
			return err
		}
		if tuple == nil {
			return fmt.Errorf("%w: thread %s", domain.ErrCheckpointNotFound, key.ThreadID)
		}
		if snap.State.ExecutionStatus.Failed() {
			result = e.result(tuple.Key, snap, 0)
			msg := ""
			if m := snap.State.ExecutionStatus.ErrorMessage; m != nil {
				msg = *m
			}
			return fmt.Errorf("%w: %s", domain.ErrRunFailed, msg)
		}
		if snap.Done() {
			result = e.result(tuple.Key, snap, 0)
			return nil
		}
		result, err = e.loop(ctx, tuple.Key, snap, nil, req.OnStep)
		return err
	})
	return result, err
}

// Latest returns the decoded snapshot of a thread, or nil when it has none.
func (e *Engine) Latest(ctx context.Context, userID, threadID string) (*domain.RunResult, error) {
	tuple, snap, err := e.latest(ctx, e.key(userID, threadID))
	if err != nil || tuple == nil {
		return nil, err
	}
	return e.result(tuple.Key, snap, 0), nil
}

func (e *Engine) latest(ctx context.Context, key domain.CheckpointKey) (*domain.CheckpointTuple, domain.Snapshot, error) {
	tuple, err := e.store.GetLatest(ctx, key)
	if err != nil || tuple == nil {
		return nil, domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	if err := serde.Decode(tuple.Checkpoint.Payload, &snap); err != nil {
		return nil, domain.Snapshot{}, fmt.Errorf("decode checkpoint %s: %w", tuple.Key.CheckpointID, err)
	}
	return tuple, snap, nil
}

func (e *Engine) result(key domain.CheckpointKey, snap domain.Snapshot, steps int) *domain.RunResult {
	return &domain.RunResult{
		Key:       key,
		State:     snap.State,
		Steps:     steps,
		Completed: snap.State.ExecutionStatus.IsCompleted,
	}
}

// unprocessed drops messages whose id the thread has already seen.
func unprocessed(seen domain.StringSet, msgs []domain.Message) []domain.Message {
	msgs = domain.EnsureMessageIDs(msgs)
	out := make([]domain.Message, 0, len(msgs))
	batch := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if seen.Has(m.ID) {
			continue
		}
		if _, dup := batch[m.ID]; dup {
			continue
		}
		batch[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// loop runs steps until the turn ends, fails, runs out of budget or the
// caller cancels. Node work and persistence are not interrupted by ctx;
// cancellation is observed between steps.
func (e *Engine) loop(ctx context.Context, key domain.CheckpointKey, snap domain.Snapshot, input []domain.ChannelUpdate, onStep func(context.Context, *domain.StepEvent)) (*domain.RunResult, error) {
	fsm := newTransitions(snap.State.TeamMembers, snap.PendingNode)
	steps := 0

	var runErr error
	for !snap.Done() {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("%w: %w", domain.ErrRunCancelled, err)
			e.logger.InfoContext(ctx, "run cancelled", "thread_id", key.ThreadID, "pending", snap.PendingNode)
			break
		}
		if snap.TurnSteps >= e.stepLimit {
			limitErr := fmt.Errorf("%w: %d steps", domain.ErrStepLimitExceeded, e.stepLimit)
			e.logger.ErrorContext(ctx, "step limit exceeded", "thread_id", key.ThreadID, "limit", e.stepLimit)
			next, nextKey, err := e.fail(context.WithoutCancel(ctx), key, snap, snap.PendingNode, limitErr, input)
			if nextKey.CheckpointID != "" {
				key, snap = nextKey, next
			}
			runErr = err
			break
		}

		next, nextKey, err := e.step(context.WithoutCancel(ctx), key, snap, input, fsm, onStep)
		input = nil
		if nextKey.CheckpointID != "" {
			key, snap = nextKey, next
			steps++
		}
		if err != nil {
			runErr = err
			break
		}
	}

	res := e.result(key, snap, steps)
	if e.hooks.OnRunEnd != nil {
		e.hooks.OnRunEnd(ctx, &domain.RunEvent{
			Timestamp: e.now(),
			ThreadID:  key.ThreadID,
			UserID:    key.UserID,
			Steps:     steps,
			Completed: res.Completed,
			Err:       runErr,
		})
	}
	return res, runErr
}

// step executes the pending node and persists its outcome. It returns the
// key of the persisted checkpoint, which is empty only when nothing could be
// persisted.
func (e *Engine) step(ctx context.Context, parent domain.CheckpointKey, snap domain.Snapshot, input []domain.ChannelUpdate, fsm *transitions, onStep func(context.Context, *domain.StepEvent)) (domain.Snapshot, domain.CheckpointKey, error) {
	node := snap.PendingNode
	started := e.now()
	event := &domain.StepEvent{
		Timestamp: started,
		ThreadID:  parent.ThreadID,
		UserID:    parent.UserID,
		Node:      node,
		Step:      snap.Step + 1,
	}
	if e.hooks.OnStepStart != nil {
		e.hooks.OnStepStart(ctx, event)
	}
	e.logger.DebugContext(ctx, "step start", "thread_id", parent.ThreadID, "node", node, "step", event.Step)

	view := snap.State.Clone()
	cmd, err := e.execute(ctx, node, &view)
	if err == nil {
		err = fsm.advance(ctx, node, cmd.Goto)
	}

	var (
		next domain.Snapshot
		key  domain.CheckpointKey
	)
	if err != nil {
		e.logger.ErrorContext(ctx, "step failed", "thread_id", parent.ThreadID, "node", node, "err", err)
		next, key, err = e.fail(ctx, parent, snap, node, err, input)
	} else {
		next, key, err = e.commit(ctx, parent, snap, node, cmd, input)
		if err == nil {
			e.logger.InfoContext(ctx, "node completed", "thread_id", parent.ThreadID, "node", node, "goto", cmd.Goto)
		}
	}

	event.CheckpointID = key.CheckpointID
	event.Duration = e.now().Sub(started)
	if err != nil {
		event.Err = err
		event.Error = err.Error()
	} else {
		event.Goto = next.PendingNode
	}
	if e.hooks.OnStepEnd != nil {
		e.hooks.OnStepEnd(ctx, event)
	}
	if onStep != nil {
		onStep(ctx, event)
	}
	return next, key, err
}

// commit applies a successful command and persists the new checkpoint.
func (e *Engine) commit(ctx context.Context, parent domain.CheckpointKey, snap domain.Snapshot, node string, cmd domain.Command, input []domain.ChannelUpdate) (domain.Snapshot, domain.CheckpointKey, error) {
	status := snap.State.ExecutionStatus
	status.CurrentStep = node
	status.CompletedSteps = status.CompletedSteps.With(node)
	status.IsCompleted = cmd.Goto == domain.End
	meta := snap.State.Metadata
	meta.StepCount++

	update := cmd.Update
	update.ExecutionStatus = &status
	update.Metadata = &meta
	state, written := domain.Apply(snap.State, update)

	next := domain.Snapshot{
		State:       state,
		PendingNode: cmd.Goto,
		Step:        snap.Step + 1,
		TurnSteps:   snap.TurnSteps + 1,
		Versions:    bumpVersions(snap.Versions, written),
	}
	key, err := e.persist(ctx, parent, next, node, cmd.Goto, input, written)
	if err != nil && key.CheckpointID == "" {
		return domain.Snapshot{}, domain.CheckpointKey{}, err
	}
	// A stored checkpoint whose writes failed is still the chain head.
	return next, key, err
}

// fail records a step failure as a normal checkpoint and returns the
// failure. The pending node stays on the failed node.
func (e *Engine) fail(ctx context.Context, parent domain.CheckpointKey, snap domain.Snapshot, node string, cause error, input []domain.ChannelUpdate) (domain.Snapshot, domain.CheckpointKey, error) {
	msg := cause.Error()
	status := snap.State.ExecutionStatus
	status.CurrentStep = node
	status.FailedSteps = status.FailedSteps.With(node)
	status.IsCompleted = false
	status.ErrorMessage = &msg
	meta := snap.State.Metadata
	meta.StepCount++

	state, written := domain.Apply(snap.State, domain.StateUpdate{ExecutionStatus: &status, Metadata: &meta})
	written = append(written, domain.ChannelUpdate{Channel: domain.ChannelError, Value: msg})

	next := domain.Snapshot{
		State:       state,
		PendingNode: node,
		Step:        snap.Step + 1,
		TurnSteps:   snap.TurnSteps + 1,
		Versions:    bumpVersions(snap.Versions, written),
	}
	stepErr := &domain.StepExecutionError{Node: node, Cause: cause}
	key, err := e.persist(ctx, parent, next, node, "", input, written)
	if err != nil {
		err = errors.Join(stepErr, err)
		if key.CheckpointID == "" {
			return domain.Snapshot{}, domain.CheckpointKey{}, err
		}
		return next, key, err
	}
	return next, key, stepErr
}

// persist stores the checkpoint first and then its writes: the inbound
// messages under the input task and the node's channels under its task.
func (e *Engine) persist(ctx context.Context, parent domain.CheckpointKey, snap domain.Snapshot, node, target string, input, written []domain.ChannelUpdate) (domain.CheckpointKey, error) {
	id, err := e.ids.next(parent.CheckpointID)
	if err != nil {
		return domain.CheckpointKey{}, err
	}
	payload, err := e.serializer.DumpsTyped(snap)
	if err != nil {
		return domain.CheckpointKey{}, fmt.Errorf("serialize checkpoint: %w", err)
	}

	source := domain.SourceLoop
	if input != nil {
		source = domain.SourceInput
	}
	meta := domain.Metadata{
		domain.MetaSource: source,
		domain.MetaStep:   snap.Step,
		domain.MetaNode:   node,
		domain.MetaWrites: map[string]any{node: target},
		domain.MetaUserID: parent.UserID,
	}

	key, err := e.store.Put(ctx, parent, domain.Checkpoint{ID: id, Timestamp: e.now(), Payload: payload}, meta, snap.Versions)
	if err != nil {
		return domain.CheckpointKey{}, err
	}

	if len(input) > 0 {
		writes, err := e.channelWrites(input)
		if err != nil {
			return key, err
		}
		if err := e.store.PutWrites(ctx, key, writes, domain.TaskInput, domain.TaskInput); err != nil {
			return key, err
		}
	}
	writes, err := e.channelWrites(written)
	if err != nil {
		return key, err
	}
	if err := e.store.PutWrites(ctx, key, writes, taskID(parent.CheckpointID, node, snap.Step), node); err != nil {
		return key, err
	}
	return key, nil
}

func (e *Engine) channelWrites(updates []domain.ChannelUpdate) ([]domain.ChannelWrite, error) {
	out := make([]domain.ChannelWrite, 0, len(updates))
	for _, u := range updates {
		p, err := e.serializer.DumpsTyped(u.Value)
		if err != nil {
			return nil, fmt.Errorf("serialize channel %s: %w", u.Channel, err)
		}
		out = append(out, domain.ChannelWrite{Channel: u.Channel, Value: p})
	}
	return out, nil
}

func bumpVersions(v domain.ChannelVersions, updates []domain.ChannelUpdate) domain.ChannelVersions {
	out := make(domain.ChannelVersions, len(v)+len(updates))
	for k, n := range v {
		out[k] = n
	}
	for _, u := range updates {
		out[u.Channel]++
	}
	return out
}

// Edges lists the permitted gotos of the configured graph.
func (e *Engine) Edges() []domain.Edge {
	return domain.Topology(e.team)
}
