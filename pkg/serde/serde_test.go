package serde

import (
	"testing"
	"time"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestMsgpack_SnapshotRoundtrip(t *testing.T) {
	plan := `{"title":"Tokyo"}`
	state := domain.NewWorkflowState(domain.WorkflowMetadata{
		WorkflowID: "wf",
		UserID:     "u1",
		ThreadID:   "t1",
		CreatedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}, domain.DefaultTeamMembers)
	state, _ = domain.Apply(state, domain.StateUpdate{
		Messages: []domain.Message{{ID: "m1", Role: domain.RoleHuman, Content: "trip to Tokyo"}},
		FullPlan: &plan,
	})
	snap := domain.Snapshot{State: state, PendingNode: domain.NodeSupervisor, Step: 2}

	p, err := Default.DumpsTyped(snap)
	require.NoError(t, err)
	assert.Equal(t, TypeMsgpack, p.Type)

	var out domain.Snapshot
	require.NoError(t, Default.LoadsTyped(p, &out))
	assert.Equal(t, domain.NodeSupervisor, out.PendingNode)
	assert.Equal(t, 2, out.Step)
	require.Len(t, out.State.Messages, 1)
	assert.Equal(t, "trip to Tokyo", out.State.Messages[0].Content)
	require.NotNil(t, out.State.FullPlan)
	assert.Equal(t, plan, *out.State.FullPlan)
	assert.True(t, out.State.Metadata.CreatedAt.Equal(state.Metadata.CreatedAt))
}

func TestDecode_Tags(t *testing.T) {
	p, err := JSON{}.DumpsTyped(map[string]int{"a": 1})
	require.NoError(t, err)

	var m map[string]int
	require.NoError(t, Decode(p, &m))
	assert.Equal(t, 1, m["a"])

	var b []byte
	require.NoError(t, Decode(domain.Payload{Type: TypeBytes, Data: []byte("raw")}, &b))
	assert.Equal(t, "raw", string(b))

	assert.Error(t, Decode(domain.Payload{Type: "pickle"}, &m))
}

func TestEnvelope_Roundtrip(t *testing.T) {
	msgs := []domain.Message{
		{ID: "1", Role: domain.RoleHuman, Content: "Plan a weekend in Busan"},
		{ID: "2", Role: domain.RoleAI, Content: domain.FormatResponse("search", "Found 3 hotels"), Name: "search"},
	}

	data, err := EncodeMessages(msgs)
	require.NoError(t, err)

	out, err := DecodeMessages(data)
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestEnvelope_AcceptsPlainMaps(t *testing.T) {
	data, err := msgpack.Marshal([]any{
		map[string]any{"role": "human", "content": "hello"},
		map[string]any{"content": "no role"},
	})
	require.NoError(t, err)

	out, err := DecodeMessages(data)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "hello", out[0].Content)
	assert.Equal(t, domain.RoleHuman, out[1].Role)
}

func TestEnvelope_SkipsMalformedItems(t *testing.T) {
	good, err := EncodeMessages([]domain.Message{{ID: "1", Role: domain.RoleHuman, Content: "ok"}})
	require.NoError(t, err)

	// Splice a bare integer and an unrelated ext type in front of the good item.
	var items []msgpack.RawMessage
	require.NoError(t, msgpack.Unmarshal(good, &items))
	bad, err := msgpack.Marshal(42)
	require.NoError(t, err)
	mixed, err := msgpack.Marshal([]msgpack.RawMessage{bad, []byte{0xd4, 0x09, 0x00}, items[0]})
	require.NoError(t, err)

	out, err := DecodeMessages(mixed)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ok", out[0].Content)
}

func TestEnvelope_NotAnArray(t *testing.T) {
	data, err := msgpack.Marshal("just a string")
	require.NoError(t, err)

	_, err = DecodeMessages(data)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestMetadata_EncodeAndMatch(t *testing.T) {
	meta := domain.Metadata{
		"source":  "loop",
		"step":    3,
		"writes":  map[string]any{"supervisor": "search"},
		"user_id": "u1",
	}

	enc, err := EncodeMetadata(meta)
	require.NoError(t, err)
	assert.Equal(t, `"loop"`, enc["source"])
	assert.Equal(t, "3", enc["step"])

	assert.True(t, MatchMetadata(enc, map[string]any{"source": "loop"}))
	assert.True(t, MatchMetadata(enc, map[string]any{"writes.supervisor": "search", "step": 3}))
	assert.False(t, MatchMetadata(enc, map[string]any{"writes.supervisor": "calendar"}))
	assert.False(t, MatchMetadata(enc, map[string]any{"missing.key": "x"}))

	dec := DecodeMetadata(enc)
	assert.Equal(t, "loop", dec["source"])
	assert.Equal(t, float64(3), dec["step"])
	assert.Equal(t, map[string]any{"supervisor": "search"}, dec["writes"])
}
