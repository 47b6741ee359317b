package waypoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/waypoint/pkg/domain"
)

// Runner drives an interactive chat on one thread using the provided IO.
type Runner struct {
	Input    io.Reader
	Output   io.Writer
	Headless bool
	Renderer ContentRenderer
	// Trace, if set, prints each completed step.
	Trace bool
}

// ContentRenderer transforms a reply before it is printed, e.g. markdown
// to ANSI.
type ContentRenderer func(string) (string, error)

// Turner runs a conversational turn.
type Turner interface {
	Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error)
}

// Run reads one message per line and prints the reply of each turn until
// EOF or "exit".
func (r *Runner) Run(ctx context.Context, eng Turner, userID, threadID string) error {
	if r.Input == nil {
		return fmt.Errorf("input reader must be set (use os.Stdin)")
	}
	if r.Output == nil {
		return fmt.Errorf("output writer must be set (use os.Stdout)")
	}
	lineReader := bufio.NewReader(r.Input)
	writer := r.Output

	if !r.Headless {
		fmt.Fprintf(writer, "--- waypoint chat (thread %s) ---\n", threadID)
	}

	for {
		if !r.Headless {
			fmt.Fprint(writer, "> ")
		}
		text, err := lineReader.ReadString('\n')
		input := strings.TrimSpace(text)
		if err != nil && !(errors.Is(err, io.EOF) && input != "") {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("input error: %w", err)
		}
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			if !r.Headless {
				fmt.Fprintln(writer, "Bye!")
			}
			return nil
		}

		clean, err := domain.SanitizeInput(input, 0)
		if err != nil {
			fmt.Fprintf(writer, "error: %v\n", err)
			continue
		}

		req := domain.RunRequest{
			UserID:   userID,
			ThreadID: threadID,
			Messages: []domain.Message{domain.HumanMessage(clean)},
		}
		if r.Trace {
			req.OnStep = func(_ context.Context, ev *domain.StepEvent) {
				if ev.Err != nil {
					fmt.Fprintf(writer, "  [%d] %s failed: %v\n", ev.Step, ev.Node, ev.Err)
					return
				}
				fmt.Fprintf(writer, "  [%d] %s -> %s\n", ev.Step, ev.Node, ev.Goto)
			}
		}
		res, runErr := eng.Run(ctx, req)
		if runErr != nil {
			if errors.Is(runErr, domain.ErrRunCancelled) || ctx.Err() != nil {
				return runErr
			}
			fmt.Fprintf(writer, "error: %v\n", runErr)
		}
		if res != nil {
			r.print(reply(res.State))
		}
		if err != nil {
			return nil
		}
	}
}

func (r *Runner) print(msg string) {
	if msg == "" {
		return
	}
	output := msg
	if r.Renderer != nil {
		if rendered, err := r.Renderer(msg); err == nil {
			output = rendered
		}
	}
	fmt.Fprintln(r.Output, strings.TrimSpace(output))
}

// reply is the last AI message of the turn, with the response envelope
// stripped.
func reply(st domain.WorkflowState) string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		m := st.Messages[i]
		if m.Role == domain.RoleHuman {
			return ""
		}
		if m.Role == domain.RoleAI && m.Content != "" {
			return domain.StripResponse(m.Content)
		}
	}
	return ""
}
