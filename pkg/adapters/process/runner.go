// Package process runs worker agents as local commands.
//
// A worker receives the workflow state as JSON on stdin and the thread
// identity in WAYPOINT_* environment variables. Its trimmed stdout becomes
// the worker's final message; a JSON object with a "final_message" field is
// also accepted.
package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"

	"github.com/aretw0/waypoint/internal/logging"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
)

// ErrNotRegistered is returned when a worker has no registered command.
var ErrNotRegistered = errors.New("process worker not registered")

// Runner executes registered worker commands. Only allow-listed commands run.
type Runner struct {
	registry map[string]WorkerConfig
	baseDir  string
	logger   *slog.Logger
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithRegistry populates the allow-list from a loaded config.
func WithRegistry(workers map[string]WorkerConfig) RunnerOption {
	return func(r *Runner) {
		for name, w := range workers {
			w.Name = name
			r.registry[name] = w
		}
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a new process runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: make(map[string]WorkerConfig),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted command to the allow-list.
func (r *Runner) Register(name string, command string, args ...string) {
	r.registry[name] = WorkerConfig{
		Name:    name,
		Command: command,
		Args:    args,
	}
}

// Names returns the registered worker names, sorted.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.registry))
	for name := range r.registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Agent returns the worker collaborator for name.
func (r *Runner) Agent(name string) ports.AgentFunc {
	return func(ctx context.Context, state *domain.WorkflowState) (domain.AgentResult, error) {
		out, err := r.Execute(ctx, name, state)
		if err != nil {
			return domain.AgentResult{}, err
		}
		return domain.AgentResult{FinalMessage: out, Name: name}, nil
	}
}

// Execute runs the command registered for name with state on stdin.
func (r *Runner) Execute(ctx context.Context, name string, state *domain.WorkflowState) (string, error) {
	w, ok := r.registry[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}

	input, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state for %s: %w", name, err)
	}

	// Arguments travel through the environment, never as command flags.
	cmd := exec.CommandContext(ctx, w.Command, w.Args...)
	cmd.Dir = r.baseDir
	cmd.Env = append(cmd.Environ(),
		"WAYPOINT_WORKER="+name,
		"WAYPOINT_USER_ID="+state.Metadata.UserID,
		"WAYPOINT_THREAD_ID="+state.Metadata.ThreadID,
		"WAYPOINT_TASK="+lastContent(state.Messages),
	)
	for k, v := range w.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.DebugContext(ctx, "running process worker", "worker", name, "command", w.Command)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s worker failed: %w. Stderr: %s", name, err, strings.TrimSpace(stderr.String()))
	}

	output := strings.TrimSpace(stdout.String())
	if strings.HasPrefix(output, "{") && strings.HasSuffix(output, "}") {
		var res domain.AgentResult
		if err := json.Unmarshal([]byte(output), &res); err == nil && res.FinalMessage != "" {
			return res.FinalMessage, nil
		}
	}
	return output, nil
}

func lastContent(msgs []domain.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}
