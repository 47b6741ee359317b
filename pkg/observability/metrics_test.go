package observability_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/observability"
)

func TestMetrics_Hooks(t *testing.T) {
	m := observability.NewMetrics()
	hooks := m.Hooks()
	ctx := context.Background()

	// 1. A successful and a failed step
	ok := &domain.StepEvent{Node: "planner", Duration: 20 * time.Millisecond}
	hooks.OnStepStart(ctx, ok)
	hooks.OnStepEnd(ctx, ok)

	failed := &domain.StepEvent{Node: "search", Err: &domain.StepExecutionError{Node: "search", Cause: fmt.Errorf("down")}}
	hooks.OnStepStart(ctx, failed)
	hooks.OnStepEnd(ctx, failed)

	// 2. Runs by outcome
	hooks.OnRunEnd(ctx, &domain.RunEvent{Completed: true})
	hooks.OnRunEnd(ctx, &domain.RunEvent{Err: fmt.Errorf("wrap: %w", domain.ErrStepLimitExceeded)})

	count, err := testutil.GatherAndCount(m.Registry(), "waypoint_steps_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `waypoint_steps_total{node="planner",outcome="ok"} 1`)
	assert.Contains(t, body, `waypoint_steps_total{node="search",outcome="failed"} 1`)
	assert.Contains(t, body, `waypoint_runs_total{outcome="step_limit"} 1`)
	assert.Contains(t, body, "waypoint_steps_in_flight 0")
}

func TestMetrics_Handler(t *testing.T) {
	m := observability.NewMetrics()
	m.Hooks().OnRunEnd(context.Background(), &domain.RunEvent{Err: domain.ErrRunCancelled})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `waypoint_runs_total{outcome="cancelled"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestLogHooks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	hooks := observability.LogHooks(logger)

	hooks.OnStepEnd(context.Background(), &domain.StepEvent{ThreadID: "t1", Node: "coordinator", Goto: "planner"})
	hooks.OnRunEnd(context.Background(), &domain.RunEvent{ThreadID: "t1", Completed: true})

	out := buf.String()
	assert.Contains(t, out, "msg=step_end")
	assert.Contains(t, out, "goto=planner")
	assert.Contains(t, out, "outcome=ok")
}
