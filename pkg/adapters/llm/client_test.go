package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waypoint/pkg/adapters/llm"
	"github.com/aretw0/waypoint/pkg/domain"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type fakeChat struct {
	mu       sync.Mutex
	requests []chatRequest
	reply    string
	status   int
}

func (f *fakeChat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": f.reply},
		}},
		"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
	})
}

func (f *fakeChat) last() chatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newClient(t *testing.T, fake *fakeChat) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return llm.New(llm.Config{
		APIKey:  "test",
		BaseURL: strings.TrimSuffix(srv.URL, "/") + "/v1",
		Model:   "test-model",
	})
}

func testState() *domain.WorkflowState {
	st := domain.NewWorkflowState(domain.WorkflowMetadata{UserID: "u1", ThreadID: "t1"}, domain.DefaultTeamMembers)
	st.Messages = []domain.Message{
		domain.HumanMessage("plan a weekend in Lisbon"),
		domain.AIMessage("handoff_to_planner()", domain.NodeCoordinator),
	}
	return &st
}

func TestCoordinator_SendsConversation(t *testing.T) {
	fake := &fakeChat{reply: "handoff_to_planner()"}
	c := newClient(t, fake)

	out, err := c.Coordinator().Respond(context.Background(), testState())
	require.NoError(t, err)
	assert.Equal(t, "handoff_to_planner()", out)

	req := fake.last()
	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "plan a weekend in Lisbon", req.Messages[1].Content)
	assert.Equal(t, "assistant", req.Messages[2].Role)
}

func TestPlanner_AppendsSearchResults(t *testing.T) {
	fake := &fakeChat{reply: `{"steps":[]}`}
	c := newClient(t, fake)
	st := testState()

	_, err := c.Planner().Plan(context.Background(), domain.PlanRequest{
		State:         st,
		SearchResults: []domain.SearchResult{{Title: "Alfama", Content: "old quarter"}},
	})
	require.NoError(t, err)

	req := fake.last()
	assert.Contains(t, req.Messages[0].Content, "travel_planner")
	lastMsg := req.Messages[len(req.Messages)-1].Content
	assert.Contains(t, lastMsg, "# Relative Search Results")
	assert.Contains(t, lastMsg, "Alfama")
	assert.Equal(t, "handoff_to_planner()", st.Messages[1].Content, "state must not be mutated")
}

func TestRoutingPolicy_ParsesLabel(t *testing.T) {
	fake := &fakeChat{reply: "```json\n{\"next\": \"search\"}\n```"}
	c := newClient(t, fake)

	next, err := c.RoutingPolicy().Decide(context.Background(), testState())
	require.NoError(t, err)
	assert.Equal(t, "search", next)
	assert.Contains(t, fake.last().Messages[0].Content, "FINISH")
}

func TestAgent_ReturnsNamedResult(t *testing.T) {
	fake := &fakeChat{reply: "booked"}
	c := newClient(t, fake)

	res, err := c.Agent("calendar").Invoke(context.Background(), testState())
	require.NoError(t, err)
	assert.Equal(t, domain.AgentResult{FinalMessage: "booked", Name: "calendar"}, res)
	assert.Contains(t, fake.last().Messages[0].Content, "calendar")
}

func TestAgent_PropagatesServerError(t *testing.T) {
	fake := &fakeChat{status: http.StatusInternalServerError}
	c := newClient(t, fake)

	_, err := c.Agent("search").Invoke(context.Background(), testState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search agent")
}

func TestParseRoute(t *testing.T) {
	cases := map[string]string{
		`{"next": "calendar"}`:         "calendar",
		"  FINISH \n":                  "FINISH",
		`"sharing"`:                    "sharing",
		"route: {\"next\":\"search\"}": "search",
		`{"other": 1}`:                 `{"other": 1}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, llm.ParseRoute(in), in)
	}
}
