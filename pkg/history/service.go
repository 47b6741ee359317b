package history

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/aretw0/waypoint/internal/logging"
	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/ports"
	"github.com/aretw0/waypoint/pkg/serde"
)

// DefaultPageSize applies when a caller passes a page size below 1.
const DefaultPageSize = 10

// DefaultLabelLength caps thread labels, in runes.
const DefaultLabelLength = 120

// ThreadSummary is one row of a user's thread list.
type ThreadSummary struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
}

// MessageEntry is one message of a thread detail.
type MessageEntry struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
}

// Service answers read-only history queries.
type Service struct {
	log         ports.WriteLog
	labelLength int
	logger      *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithLabelLength sets the thread label cap. Zero disables truncation.
func WithLabelLength(n int) Option {
	return func(s *Service) { s.labelLength = n }
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a Service reading from log.
func NewService(log ports.WriteLog, opts ...Option) *Service {
	s := &Service{log: log, labelLength: DefaultLabelLength, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListThreadsForUser returns the number of threads of a user and one page of
// summaries, newest thread first. Each summary is labelled with the first
// human message of the thread's earliest message write. Threads whose
// anchor cannot be decoded are counted but left out of the page.
func (s *Service) ListThreadsForUser(ctx context.Context, userID string, page, pageSize int) (int, []ThreadSummary, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}

	writes, err := s.log.ListWrites(ctx, domain.WriteQuery{UserID: userID, Channel: domain.ChannelMessages})
	if err != nil {
		return 0, nil, err
	}

	// Writes are ordered by timestamp, so the first seen per thread is its anchor.
	anchors := make([]domain.WriteRecord, 0)
	seen := make(map[string]struct{})
	for _, w := range writes {
		if _, ok := seen[w.ThreadID]; ok {
			continue
		}
		seen[w.ThreadID] = struct{}{}
		anchors = append(anchors, w)
	}
	slices.SortStableFunc(anchors, func(a, b domain.WriteRecord) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	total := len(anchors)
	start := (page - 1) * pageSize
	if start >= total {
		return total, []ThreadSummary{}, nil
	}
	end := min(start+pageSize, total)

	out := make([]ThreadSummary, 0, end-start)
	for _, a := range anchors[start:end] {
		label, ok := s.label(a)
		if !ok {
			s.logger.DebugContext(ctx, "skipping thread without label", "thread_id", a.ThreadID)
			continue
		}
		out = append(out, ThreadSummary{
			ID:        a.ThreadID,
			ThreadID:  a.ThreadID,
			Message:   label,
			Timestamp: a.Timestamp,
			UserID:    userID,
		})
	}
	return total, out, nil
}

func (s *Service) label(w domain.WriteRecord) (string, bool) {
	msgs, err := decode(w)
	if err != nil || len(msgs) == 0 {
		return "", false
	}
	label := msgs[len(msgs)-1].Content
	for _, m := range msgs {
		if m.Role == domain.RoleHuman {
			label = m.Content
			break
		}
	}
	if label == "" {
		return "", false
	}
	return truncate(label, s.labelLength), true
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

// ListThreadIDs returns the distinct threads a user has written to.
func (s *Service) ListThreadIDs(ctx context.Context, userID string) ([]string, error) {
	writes, err := s.log.ListWrites(ctx, domain.WriteQuery{UserID: userID})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	seen := make(map[string]struct{})
	for _, w := range writes {
		if _, ok := seen[w.ThreadID]; ok {
			continue
		}
		seen[w.ThreadID] = struct{}{}
		ids = append(ids, w.ThreadID)
	}
	return ids, nil
}

// GetThreadDetail returns the messages of a thread in timestamp order with
// response wrappers stripped and repeated contents removed. A thread that
// does not belong to the user yields an empty result.
func (s *Service) GetThreadDetail(ctx context.Context, userID, threadID string) ([]MessageEntry, error) {
	ids, err := s.ListThreadIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(ids, threadID) {
		return []MessageEntry{}, nil
	}

	writes, err := s.log.ListWrites(ctx, domain.WriteQuery{UserID: userID, ThreadID: threadID, Channel: domain.ChannelMessages})
	if err != nil {
		return nil, err
	}

	out := make([]MessageEntry, 0, len(writes))
	contents := make(map[string]struct{})
	for _, w := range writes {
		msgs, err := decode(w)
		if err != nil {
			s.logger.DebugContext(ctx, "skipping undecodable write", "thread_id", threadID, "task_id", w.TaskID, "err", err)
			continue
		}
		for _, m := range msgs {
			content := domain.StripResponse(m.Content)
			if content != "" {
				if _, dup := contents[content]; dup {
					continue
				}
				contents[content] = struct{}{}
			}
			out = append(out, MessageEntry{
				ID:        threadID,
				ThreadID:  threadID,
				Role:      m.Role,
				Name:      m.Name,
				Message:   content,
				Timestamp: w.Timestamp,
				UserID:    userID,
			})
		}
	}
	slices.SortStableFunc(out, func(a, b MessageEntry) int {
		return cmp.Compare(a.Timestamp.UnixNano(), b.Timestamp.UnixNano())
	})
	return out, nil
}

func decode(w domain.WriteRecord) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := serde.Decode(w.Value, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
