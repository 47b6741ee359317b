package domain

import (
	"context"
	"time"
)

// StepEvent describes one executor step.
type StepEvent struct {
	Timestamp    time.Time     `json:"timestamp"`
	ThreadID     string        `json:"thread_id"`
	UserID       string        `json:"user_id"`
	Node         string        `json:"node"`
	Step         int           `json:"step"`
	Goto         string        `json:"goto,omitempty"`
	CheckpointID string        `json:"checkpoint_id,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Err          error         `json:"-"`
	Error        string        `json:"error,omitempty"`
}

// RunEvent describes the end of a Run or Resume call.
type RunEvent struct {
	Timestamp time.Time `json:"timestamp"`
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	Steps     int       `json:"steps"`
	Completed bool      `json:"completed"`
	Err       error     `json:"-"`
}

// LifecycleHooks defines callbacks for executor observability.
type LifecycleHooks struct {
	OnStepStart func(context.Context, *StepEvent)
	OnStepEnd   func(context.Context, *StepEvent)
	OnRunEnd    func(context.Context, *RunEvent)
}

// Merge returns hooks that call h first and then other.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnStepStart: chain(h.OnStepStart, other.OnStepStart),
		OnStepEnd:   chain(h.OnStepEnd, other.OnStepEnd),
		OnRunEnd:    chain(h.OnRunEnd, other.OnRunEnd),
	}
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}

// RunRequest starts a conversational turn on a thread.
type RunRequest struct {
	UserID               string    `json:"user_id"`
	ThreadID             string    `json:"thread_id"`
	Messages             []Message `json:"messages"`
	SearchBeforePlanning bool      `json:"search_before_planning"`
	// OnStep, if set, is called after every persisted step of this call.
	OnStep func(context.Context, *StepEvent) `json:"-"`
}

// ResumeRequest continues a thread from its latest checkpoint.
type ResumeRequest struct {
	UserID   string                            `json:"user_id"`
	ThreadID string                            `json:"thread_id"`
	OnStep   func(context.Context, *StepEvent) `json:"-"`
}

// RunResult is the outcome of a Run or Resume call.
type RunResult struct {
	Key       CheckpointKey `json:"key"`
	State     WorkflowState `json:"state"`
	Steps     int           `json:"steps"`
	Completed bool          `json:"completed"`
}

// AgentResult is what a worker agent returns.
type AgentResult struct {
	FinalMessage string `json:"final_message"`
	Name         string `json:"name"`
}

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// PlanRequest is the planner's input.
type PlanRequest struct {
	State         *WorkflowState
	SearchResults []SearchResult
}
