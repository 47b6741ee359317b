package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMessages_ReplaceByID(t *testing.T) {
	existing := []Message{
		{ID: "1", Role: RoleHuman, Content: "hi"},
		{ID: "2", Role: RoleAI, Content: "hello"},
	}

	out := AddMessages(existing, []Message{{ID: "1", Role: RoleHuman, Content: "hi (edited)"}, {ID: "3", Role: RoleHuman, Content: "plan a trip"}})

	require.Len(t, out, 3)
	assert.Equal(t, "hi (edited)", out[0].Content, "matching id must replace in place")
	assert.Equal(t, "hello", out[1].Content)
	assert.Equal(t, "3", out[2].ID)
	assert.Equal(t, "hi", existing[0].Content, "input slice must not be mutated")
}

func TestAddMessages_Idempotent(t *testing.T) {
	msg := Message{ID: "m-1", Role: RoleHuman, Content: "book a flight"}

	state := NewWorkflowState(WorkflowMetadata{}, DefaultTeamMembers)
	state, _ = Apply(state, StateUpdate{Messages: []Message{msg}})
	state, _ = Apply(state, StateUpdate{Messages: []Message{msg}})

	require.Len(t, state.Messages, 1)
	assert.Equal(t, "m-1", state.Messages[0].ID)
}

func TestAddMessages_AssignsMissingIDs(t *testing.T) {
	out := AddMessages(nil, []Message{HumanMessage("a"), HumanMessage("b")})

	require.Len(t, out, 2)
	assert.NotEmpty(t, out[0].ID)
	assert.NotEmpty(t, out[1].ID)
	assert.NotEqual(t, out[0].ID, out[1].ID)
}

func TestApply_ReducerOrderAndChannels(t *testing.T) {
	state := NewWorkflowState(WorkflowMetadata{ThreadID: "t"}, DefaultTeamMembers)
	next := "search"
	plan := `{"steps":[]}`

	updated, written := Apply(state, StateUpdate{
		ProcessedMessageIDs: []string{"b", "a"},
		AgentResults:        map[string]string{"planner": plan},
		FullPlan:            &plan,
		Next:                &next,
		Messages:            []Message{AIMessage(plan, NodePlanner)},
	})

	var channels []string
	for _, w := range written {
		channels = append(channels, w.Channel)
	}
	assert.Equal(t, []string{
		ChannelMessages, ChannelNext, ChannelFullPlan, ChannelAgentResults, ChannelProcessedMessageIDs,
	}, channels)

	assert.Equal(t, "search", updated.Next)
	require.NotNil(t, updated.FullPlan)
	assert.Equal(t, plan, *updated.FullPlan)
	assert.Equal(t, StringSet{"a", "b"}, updated.ProcessedMessageIDs)

	// The previous snapshot stays untouched.
	assert.Empty(t, state.Messages)
	assert.Nil(t, state.FullPlan)
	assert.Empty(t, state.AgentResults)
}

func TestApply_AgentResultsMerge(t *testing.T) {
	state := NewWorkflowState(WorkflowMetadata{}, DefaultTeamMembers)
	state, _ = Apply(state, StateUpdate{AgentResults: map[string]string{"search": "v1", "calendar": "c"}})
	state, _ = Apply(state, StateUpdate{AgentResults: map[string]string{"search": "v2"}})

	assert.Equal(t, map[string]string{"search": "v2", "calendar": "c"}, state.AgentResults)
}

func TestStringSet(t *testing.T) {
	var s StringSet
	s = s.With("search", "calendar", "search")

	assert.Equal(t, StringSet{"calendar", "search"}, s)
	assert.True(t, s.Has("search"))
	assert.False(t, s.Has("sharing"))
}
