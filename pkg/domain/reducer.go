package domain

import (
	"maps"

	"github.com/google/uuid"
)

// StateUpdate is a partial WorkflowState returned by a node. Nil/empty fields
// leave the corresponding channel untouched.
type StateUpdate struct {
	Messages             []Message
	TeamMembers          []string
	SearchBeforePlanning *bool
	Next                 *string
	FullPlan             *string
	ExecutionStatus      *ExecutionStatus
	Metadata             *WorkflowMetadata
	AgentResults         map[string]string
	ProcessedMessageIDs  []string
}

// ChannelUpdate is the raw value a reducer received for one channel.
// The executor serializes these into ChannelWrites.
type ChannelUpdate struct {
	Channel string
	Value   any
}

// Reducer merges one channel of a StateUpdate into a WorkflowState.
type Reducer struct {
	Channel string
	// Value returns the update's value for this channel, or false if absent.
	Value func(u StateUpdate) (any, bool)
	Apply func(s *WorkflowState, u StateUpdate)
}

// Reducers is the per-channel merge table, applied in order.
var Reducers = []Reducer{
	{
		Channel: ChannelMessages,
		Value:   func(u StateUpdate) (any, bool) { return u.Messages, len(u.Messages) > 0 },
		Apply:   func(s *WorkflowState, u StateUpdate) { s.Messages = AddMessages(s.Messages, u.Messages) },
	},
	{
		Channel: ChannelTeamMembers,
		Value:   func(u StateUpdate) (any, bool) { return u.TeamMembers, u.TeamMembers != nil },
		Apply:   func(s *WorkflowState, u StateUpdate) { s.TeamMembers = append([]string(nil), u.TeamMembers...) },
	},
	{
		Channel: ChannelSearchBeforePlanning,
		Value:   func(u StateUpdate) (any, bool) { return deref(u.SearchBeforePlanning) },
		Apply:   func(s *WorkflowState, u StateUpdate) { s.SearchBeforePlanning = *u.SearchBeforePlanning },
	},
	{
		Channel: ChannelNext,
		Value:   func(u StateUpdate) (any, bool) { return deref(u.Next) },
		Apply:   func(s *WorkflowState, u StateUpdate) { s.Next = *u.Next },
	},
	{
		Channel: ChannelFullPlan,
		Value:   func(u StateUpdate) (any, bool) { return deref(u.FullPlan) },
		Apply: func(s *WorkflowState, u StateUpdate) {
			plan := *u.FullPlan
			s.FullPlan = &plan
		},
	},
	{
		Channel: ChannelExecutionStatus,
		Value:   func(u StateUpdate) (any, bool) { return deref(u.ExecutionStatus) },
		Apply:   func(s *WorkflowState, u StateUpdate) { s.ExecutionStatus = *u.ExecutionStatus },
	},
	{
		Channel: ChannelMetadata,
		Value:   func(u StateUpdate) (any, bool) { return deref(u.Metadata) },
		Apply:   func(s *WorkflowState, u StateUpdate) { s.Metadata = *u.Metadata },
	},
	{
		Channel: ChannelAgentResults,
		Value:   func(u StateUpdate) (any, bool) { return u.AgentResults, len(u.AgentResults) > 0 },
		Apply: func(s *WorkflowState, u StateUpdate) {
			if s.AgentResults == nil {
				s.AgentResults = make(map[string]string, len(u.AgentResults))
			}
			maps.Copy(s.AgentResults, u.AgentResults)
		},
	},
	{
		Channel: ChannelProcessedMessageIDs,
		Value:   func(u StateUpdate) (any, bool) { return u.ProcessedMessageIDs, len(u.ProcessedMessageIDs) > 0 },
		Apply: func(s *WorkflowState, u StateUpdate) {
			s.ProcessedMessageIDs = s.ProcessedMessageIDs.With(u.ProcessedMessageIDs...)
		},
	},
}

func deref[T any](p *T) (any, bool) {
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Apply merges update into a copy of state and returns it together with the
// channel values that were written, in reducer order. The input state is not
// modified.
func Apply(state WorkflowState, update StateUpdate) (WorkflowState, []ChannelUpdate) {
	next := state.Clone()
	update.Messages = EnsureMessageIDs(update.Messages)

	var written []ChannelUpdate
	for _, r := range Reducers {
		v, ok := r.Value(update)
		if !ok {
			continue
		}
		r.Apply(&next, update)
		written = append(written, ChannelUpdate{Channel: r.Channel, Value: v})
	}
	return next, written
}

// AddMessages appends incoming messages, replacing in place any existing
// message with the same id.
func AddMessages(existing, incoming []Message) []Message {
	out := append([]Message(nil), existing...)
	index := make(map[string]int, len(out))
	for i, m := range out {
		if m.ID != "" {
			index[m.ID] = i
		}
	}
	for _, m := range EnsureMessageIDs(incoming) {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

// EnsureMessageIDs assigns ids to messages that have none. The returned slice
// is a copy when any id was assigned.
func EnsureMessageIDs(msgs []Message) []Message {
	missing := false
	for _, m := range msgs {
		if m.ID == "" {
			missing = true
			break
		}
	}
	if !missing {
		return msgs
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.Must(uuid.NewV7()).String()
		}
		out[i] = m
	}
	return out
}
