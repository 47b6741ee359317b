package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/history"
)

// Executor runs conversational turns.
type Executor interface {
	Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error)
	Resume(ctx context.Context, req domain.ResumeRequest) (*domain.RunResult, error)
}

// History answers thread history queries.
type History interface {
	ListThreadsForUser(ctx context.Context, userID string, page, pageSize int) (int, []history.ThreadSummary, error)
	GetThreadDetail(ctx context.Context, userID, threadID string) ([]history.MessageEntry, error)
}

// Server holds the handlers of the chat API.
type Server struct {
	Executor Executor
	History  History
	Streams  *StreamManager

	metrics      http.Handler
	logger       *slog.Logger
	maxInputSize int
}

// Option configures the handler.
type Option func(*Server)

// WithMetrics mounts h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMaxInputSize bounds each human message of a run request in bytes.
func WithMaxInputSize(n int) Option {
	return func(s *Server) { s.maxInputSize = n }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewHandler creates the HTTP handler for the chat API.
func NewHandler(exec Executor, hist History, opts ...Option) http.Handler {
	s := &Server{
		Executor: exec,
		History:  hist,
		Streams:  NewStreamManager(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/health", s.GetHealth)
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/history", s.GetThreadHistory)
		r.Get("/history/all", s.ListThreads)
		r.Get("/events", s.SubscribeEvents)
		r.Post("/run", s.Run)
		r.Post("/stream", s.Run)
		r.Post("/resume", s.Resume)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetThreadHistory handles GET /api/chat/history.
func (s *Server) GetThreadHistory(w http.ResponseWriter, r *http.Request) {
	userID, threadID, ok := s.identity(w, r, true)
	if !ok {
		return
	}
	entries, err := s.History.GetThreadDetail(r.Context(), userID, threadID)
	if err != nil {
		s.logger.Error("thread history failed", "thread_id", threadID, "error", err)
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type threadPage struct {
	Total   int                     `json:"total_cnt"`
	History []history.ThreadSummary `json:"history"`
}

// ListThreads handles GET /api/chat/history/all.
func (s *Server) ListThreads(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := s.identity(w, r, false)
	if !ok {
		return
	}
	page := queryInt(r, "page", 1)
	size := queryInt(r, "page_size", history.DefaultPageSize)
	total, items, err := s.History.ListThreadsForUser(r.Context(), userID, page, size)
	if err != nil {
		s.logger.Error("thread list failed", "user_id", userID, "error", err)
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, threadPage{Total: total, History: items})
}

type runBody struct {
	Messages             []domain.Message `json:"messages"`
	SearchBeforePlanning bool             `json:"search_before_planning"`
}

// Run handles POST /api/chat/run (also mounted at /api/chat/stream) and
// streams step events as SSE.
// A disconnected client cancels the run between steps.
func (s *Server) Run(w http.ResponseWriter, r *http.Request) {
	userID, threadID, ok := s.identity(w, r, true)
	if !ok {
		return
	}
	var body runBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("Run: Invalid request body", "error", err)
		return
	}
	if len(body.Messages) == 0 {
		http.Error(w, "messages is required", http.StatusBadRequest)
		return
	}
	for i := range body.Messages {
		m := &body.Messages[i]
		if m.Role == "" {
			m.Role = domain.RoleHuman
		}
		if m.Role != domain.RoleHuman {
			continue
		}
		clean, err := domain.SanitizeInput(m.Content, s.maxInputSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.Content = clean
	}

	stream, ok := s.openStream(w)
	if !ok {
		return
	}
	result, err := s.Executor.Run(r.Context(), domain.RunRequest{
		UserID:               userID,
		ThreadID:             threadID,
		Messages:             body.Messages,
		SearchBeforePlanning: body.SearchBeforePlanning,
		OnStep:               s.forward(stream, userID, threadID),
	})
	s.finish(r.Context(), stream, result, err)
}

type resumeBody struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
}

// Resume handles POST /api/chat/resume. Identity may come from the query
// string or the JSON body.
func (s *Server) Resume(w http.ResponseWriter, r *http.Request) {
	var body resumeBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	q := r.URL.Query()
	if v := q.Get("user_id"); v != "" {
		body.UserID = v
	}
	if v := q.Get("thread_id"); v != "" {
		body.ThreadID = v
	}
	if body.UserID == "" || body.ThreadID == "" {
		http.Error(w, "user_id and thread_id are required", http.StatusBadRequest)
		return
	}

	stream, ok := s.openStream(w)
	if !ok {
		return
	}
	result, err := s.Executor.Resume(r.Context(), domain.ResumeRequest{
		UserID:   body.UserID,
		ThreadID: body.ThreadID,
		OnStep:   s.forward(stream, body.UserID, body.ThreadID),
	})
	s.finish(r.Context(), stream, result, err)
}

// SubscribeEvents handles GET /api/chat/events, streaming the steps of any
// run on the thread until the client disconnects.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	userID, threadID, ok := s.identity(w, r, true)
	if !ok {
		return
	}
	stream, ok := s.openStream(w)
	if !ok {
		return
	}
	ch, cancel := s.Streams.Subscribe(streamKey(userID, threadID))
	defer cancel()

	stream.event("ping", "connected")
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected", "thread_id", threadID)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			stream.event("step", msg)
		}
	}
}

func (s *Server) forward(stream *sse, userID, threadID string) func(context.Context, *domain.StepEvent) {
	key := streamKey(userID, threadID)
	return func(ctx context.Context, ev *domain.StepEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("step event encode failed", "error", err)
			return
		}
		if ctx.Err() == nil {
			stream.event("step", string(data))
		}
		s.Streams.Broadcast(key, string(data))
	}
}

type runOutcome struct {
	Result *domain.RunResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Code   string            `json:"code,omitempty"`
}

func (s *Server) finish(ctx context.Context, stream *sse, result *domain.RunResult, err error) {
	out := runOutcome{Result: result}
	name := "result"
	if err != nil {
		name = "error"
		out.Error = err.Error()
		out.Code = errorCode(err)
		if out.Code == "internal" {
			s.logger.Error("run failed", "error", err)
		} else {
			s.logger.Warn("run ended with error", "code", out.Code, "error", err)
		}
	}
	if ctx.Err() != nil {
		return
	}
	data, merr := json.Marshal(out)
	if merr != nil {
		s.logger.Error("run outcome encode failed", "error", merr)
		return
	}
	stream.event(name, string(data))
}

func errorCode(err error) string {
	var stepErr *domain.StepExecutionError
	switch {
	case errors.Is(err, domain.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, domain.ErrCheckpointNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrRunFailed):
		return "run_failed"
	case errors.Is(err, domain.ErrRunCancelled):
		return "cancelled"
	case errors.Is(err, domain.ErrStepLimitExceeded):
		return "step_limit"
	case errors.As(err, &stepErr):
		return "step_failed"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "internal"
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request, needThread bool) (string, string, bool) {
	q := r.URL.Query()
	userID, threadID := q.Get("user_id"), q.Get("thread_id")
	if userID == "" || (needThread && threadID == "") {
		msg := "user_id is required"
		if needThread {
			msg = "user_id and thread_id are required"
		}
		http.Error(w, msg, http.StatusBadRequest)
		return "", "", false
	}
	return userID, threadID, true
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func streamKey(userID, threadID string) string {
	return fmt.Sprintf("%s/%s", userID, threadID)
}
