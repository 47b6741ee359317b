package history_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waypoint/pkg/adapters/memory"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/history"
	"github.com/aretw0/waypoint/pkg/serde"
)

// tickingClock advances one second per call.
func tickingClock() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func writeMessages(t *testing.T, store *memory.Store, user, thread, task string, msgs ...domain.Message) {
	t.Helper()
	p, err := serde.Default.DumpsTyped(msgs)
	require.NoError(t, err)
	key := domain.CheckpointKey{ThreadID: thread, UserID: user, CheckpointID: task}
	require.NoError(t, store.PutWrites(context.Background(), key, []domain.ChannelWrite{{Channel: domain.ChannelMessages, Value: p}}, task, ""))
}

func TestGetThreadDetail_StripsAndDeduplicates(t *testing.T) {
	store := memory.NewStore(memory.WithClock(tickingClock()))
	svc := history.NewService(store)

	writeMessages(t, store, "u1", "t1", "input", domain.Message{ID: "h1", Role: domain.RoleHuman, Content: "Find hotels in Busan"})
	writeMessages(t, store, "u1", "t1", "search-1", domain.AIMessage(domain.FormatResponse("search", "Three hotels found."), "search"))
	// A retried step writes the same final message again.
	writeMessages(t, store, "u1", "t1", "search-2", domain.AIMessage(domain.FormatResponse("search", "Three hotels found."), "search"))
	writeMessages(t, store, "u1", "t1", "plan", domain.AIMessage("Three hotels found.", "planner"))

	entries, err := svc.GetThreadDetail(context.Background(), "u1", "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, domain.RoleHuman, entries[0].Role)
	assert.Equal(t, "Find hotels in Busan", entries[0].Message)
	assert.Equal(t, "Three hotels found.", entries[1].Message)
	assert.Equal(t, "search", entries[1].Name)
	assert.True(t, entries[0].Timestamp.Before(entries[1].Timestamp))
	assert.Equal(t, "t1", entries[1].ThreadID)
}

func TestGetThreadDetail_OwnershipMismatchIsEmpty(t *testing.T) {
	store := memory.NewStore()
	svc := history.NewService(store)
	writeMessages(t, store, "u1", "t1", "input", domain.HumanMessage("mine"))

	entries, err := svc.GetThreadDetail(context.Background(), "intruder", "t1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func TestGetThreadDetail_SkipsMalformedEnvelopes(t *testing.T) {
	store := memory.NewStore(memory.WithClock(tickingClock()))
	svc := history.NewService(store)
	writeMessages(t, store, "u1", "t1", "input", domain.HumanMessage("hello"))

	key := domain.CheckpointKey{ThreadID: "t1", UserID: "u1", CheckpointID: "bad"}
	bad := domain.Payload{Type: serde.TypeMsgpack, Data: []byte{0xc1}}
	require.NoError(t, store.PutWrites(context.Background(), key, []domain.ChannelWrite{{Channel: domain.ChannelMessages, Value: bad}}, "bad", ""))

	entries, err := svc.GetThreadDetail(context.Background(), "u1", "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Message)
}

func TestListThreadsForUser_Pagination(t *testing.T) {
	store := memory.NewStore(memory.WithClock(tickingClock()))
	svc := history.NewService(store)

	for i := range 25 {
		thread := fmt.Sprintf("thread-%02d", i)
		writeMessages(t, store, "u1", thread, "input", domain.HumanMessage(fmt.Sprintf("trip %02d", i)))
		writeMessages(t, store, "u1", thread, "coordinator", domain.AIMessage("ok", "coordinator"))
	}
	writeMessages(t, store, "u2", "other", "input", domain.HumanMessage("not yours"))

	total, page1, err := svc.ListThreadsForUser(context.Background(), "u1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, page1, 10)

	_, page2, err := svc.ListThreadsForUser(context.Background(), "u1", 2, 10)
	require.NoError(t, err)
	require.Len(t, page2, 10)

	seen := map[string]bool{}
	for _, s := range append(page1, page2...) {
		assert.False(t, seen[s.ThreadID], "thread %s on both pages", s.ThreadID)
		seen[s.ThreadID] = true
	}
	assert.Len(t, seen, 20)

	// Newest anchor first, labelled with the first human message.
	assert.Equal(t, "thread-24", page1[0].ThreadID)
	assert.Equal(t, "trip 24", page1[0].Message)
	assert.Equal(t, "u1", page1[0].UserID)

	_, page3, err := svc.ListThreadsForUser(context.Background(), "u1", 3, 10)
	require.NoError(t, err)
	assert.Len(t, page3, 5)

	_, page4, err := svc.ListThreadsForUser(context.Background(), "u1", 4, 10)
	require.NoError(t, err)
	assert.Empty(t, page4)
}

func TestListThreadsForUser_Defaults(t *testing.T) {
	store := memory.NewStore(memory.WithClock(tickingClock()))
	svc := history.NewService(store, history.WithLabelLength(5))
	for i := range 12 {
		writeMessages(t, store, "u1", fmt.Sprintf("t%d", i), "input", domain.HumanMessage("a long first message"))
	}

	total, page, err := svc.ListThreadsForUser(context.Background(), "u1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	require.Len(t, page, history.DefaultPageSize)
	assert.Equal(t, "a lon…", page[0].Message)
}

func TestListThreadIDs(t *testing.T) {
	store := memory.NewStore()
	svc := history.NewService(store)
	writeMessages(t, store, "u1", "a", "input", domain.HumanMessage("x"))
	writeMessages(t, store, "u1", "b", "input", domain.HumanMessage("y"))
	writeMessages(t, store, "u1", "a", "more", domain.HumanMessage("z"))

	ids, err := svc.ListThreadIDs(context.Background(), "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
