package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aretw0/waypoint"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/history"
)

// GraphURI is the resource exposing the executor graph in DOT.
const GraphURI = "waypoint://graph"

// History answers thread history queries.
type History interface {
	ListThreadsForUser(ctx context.Context, userID string, page, pageSize int) (int, []history.ThreadSummary, error)
	GetThreadDetail(ctx context.Context, userID, threadID string) ([]history.MessageEntry, error)
}

// Inspector reads executor state.
type Inspector interface {
	Latest(ctx context.Context, userID, threadID string) (*domain.RunResult, error)
	Graph() string
}

// ThreadPage is the list_threads result.
type ThreadPage struct {
	Total   int                     `json:"total_cnt" jsonschema_description:"Number of threads the user owns"`
	History []history.ThreadSummary `json:"history" jsonschema_description:"Threads on the requested page, newest first"`
}

// ThreadDetail is the get_thread result.
type ThreadDetail struct {
	ThreadID string                 `json:"thread_id"`
	Messages []history.MessageEntry `json:"messages" jsonschema_description:"Conversation in chronological order"`
}

// CheckpointView is the latest_checkpoint result.
type CheckpointView struct {
	Found     bool                   `json:"found"`
	Key       *domain.CheckpointKey  `json:"key,omitempty"`
	Completed bool                   `json:"completed"`
	Next      string                 `json:"next,omitempty"`
	Plan      string                 `json:"plan,omitempty"`
	Status    domain.ExecutionStatus `json:"execution_status"`
	Messages  int                    `json:"messages"`
}

type listArgs struct {
	UserID   string `json:"user_id"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

type threadArgs struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
}

// Server exposes thread history and checkpoint inspection as MCP tools.
type Server struct {
	history   History
	inspector Inspector
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(hist History, inspector Inspector) *Server {
	s := &Server{
		history:   hist,
		inspector: inspector,
		mcpServer: server.NewMCPServer("waypoint-mcp", strings.TrimSpace(waypoint.Version)),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE starts the server on the given port using SSE.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		slog.Info("Shutdown signal received, shutting down MCP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_threads",
		mcp.WithDescription("List a user's conversation threads, newest first, labelled by their first message."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the threads")),
		mcp.WithNumber("page", mcp.Description("1-based page number (default 1)")),
		mcp.WithNumber("page_size", mcp.Description("Threads per page (default 10)")),
		mcp.WithOutputSchema[ThreadPage](),
	), mcp.NewStructuredToolHandler(s.handleListThreads))

	s.mcpServer.AddTool(mcp.NewTool("get_thread",
		mcp.WithDescription("Get the messages of one thread in chronological order."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the thread")),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread identifier")),
		mcp.WithOutputSchema[ThreadDetail](),
	), mcp.NewStructuredToolHandler(s.handleGetThread))

	s.mcpServer.AddTool(mcp.NewTool("latest_checkpoint",
		mcp.WithDescription("Inspect the latest checkpoint of a thread: pending node, plan and execution status."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the thread")),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread identifier")),
		mcp.WithOutputSchema[CheckpointView](),
	), mcp.NewStructuredToolHandler(s.handleLatestCheckpoint))
}

func (s *Server) handleListThreads(ctx context.Context, _ mcp.CallToolRequest, args listArgs) (ThreadPage, error) {
	if args.UserID == "" {
		return ThreadPage{}, errors.New("user_id is required")
	}
	total, items, err := s.history.ListThreadsForUser(ctx, args.UserID, args.Page, args.PageSize)
	if err != nil {
		return ThreadPage{}, fmt.Errorf("list threads: %w", err)
	}
	return ThreadPage{Total: total, History: items}, nil
}

func (s *Server) handleGetThread(ctx context.Context, _ mcp.CallToolRequest, args threadArgs) (ThreadDetail, error) {
	if args.UserID == "" || args.ThreadID == "" {
		return ThreadDetail{}, errors.New("user_id and thread_id are required")
	}
	msgs, err := s.history.GetThreadDetail(ctx, args.UserID, args.ThreadID)
	if err != nil {
		return ThreadDetail{}, fmt.Errorf("get thread: %w", err)
	}
	return ThreadDetail{ThreadID: args.ThreadID, Messages: msgs}, nil
}

func (s *Server) handleLatestCheckpoint(ctx context.Context, _ mcp.CallToolRequest, args threadArgs) (CheckpointView, error) {
	if args.UserID == "" || args.ThreadID == "" {
		return CheckpointView{}, errors.New("user_id and thread_id are required")
	}
	res, err := s.inspector.Latest(ctx, args.UserID, args.ThreadID)
	if err != nil {
		return CheckpointView{}, fmt.Errorf("latest checkpoint: %w", err)
	}
	if res == nil {
		return CheckpointView{}, nil
	}
	// Ownership is part of the key; a thread read under another user is empty.
	if res.State.Metadata.UserID != "" && res.State.Metadata.UserID != args.UserID {
		return CheckpointView{}, nil
	}
	view := CheckpointView{
		Found:     true,
		Key:       &res.Key,
		Completed: res.Completed,
		Next:      res.State.Next,
		Status:    res.State.ExecutionStatus,
		Messages:  len(res.State.Messages),
	}
	if res.State.FullPlan != nil {
		view.Plan = *res.State.FullPlan
	}
	return view, nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(GraphURI, "Executor Graph",
		mcp.WithMIMEType("text/vnd.graphviz"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      GraphURI,
				MIMEType: "text/vnd.graphviz",
				Text:     s.inspector.Graph(),
			},
		}, nil
	})
}

