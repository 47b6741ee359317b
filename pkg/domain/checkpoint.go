package domain

import "time"

// CheckpointKey addresses a checkpoint. An empty CheckpointID means "latest".
type CheckpointKey struct {
	ThreadID     string `json:"thread_id"`
	UserID       string `json:"user_id"`
	Namespace    string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// WithID returns a copy of the key pointing at a specific checkpoint.
func (k CheckpointKey) WithID(id string) CheckpointKey {
	k.CheckpointID = id
	return k
}

// Payload is a serialized value tagged with the codec that produced it.
type Payload struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// IsZero reports whether the payload carries nothing.
func (p Payload) IsZero() bool {
	return p.Type == "" && len(p.Data) == 0
}

// Checkpoint is the serialized snapshot written after a step.
type Checkpoint struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Payload   Payload   `json:"payload"`
}

// Metadata is attached to every checkpoint. Adapters store leaves JSON-encoded.
type Metadata map[string]any

// ChannelVersions tracks the last version at which each channel changed.
type ChannelVersions map[string]int64

// ChannelWrite is one serialized channel value produced by a task.
type ChannelWrite struct {
	Channel string
	Value   Payload
}

// PendingWrite is a write attached to a checkpoint, as returned with a tuple.
type PendingWrite struct {
	TaskID    string    `json:"task_id"`
	TaskPath  string    `json:"task_path,omitempty"`
	Channel   string    `json:"channel"`
	Idx       int       `json:"idx"`
	Value     Payload   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteRecord is a pending write together with its owning checkpoint key.
// It is the row the history service reads.
type WriteRecord struct {
	CheckpointKey
	PendingWrite
}

// CheckpointTuple is a checkpoint loaded back from a store.
type CheckpointTuple struct {
	Key           CheckpointKey
	Checkpoint    Checkpoint
	Metadata      Metadata
	Parent        *CheckpointKey
	PendingWrites []PendingWrite
}

// ListOptions filters CheckpointStore.List. Empty fields do not filter.
type ListOptions struct {
	ThreadID string
	UserID   string
	// Namespace filters only when non-nil so the default "" namespace can be selected.
	Namespace *string
	// Filter matches metadata by dotted key, e.g. {"writes.supervisor": "search"}.
	Filter map[string]any
	// Before keeps only checkpoints with an id strictly smaller than this one.
	Before string
	Limit  int
}

// WriteQuery selects write records for the history service.
type WriteQuery struct {
	UserID   string
	ThreadID string
	Channel  string
}

// Matches reports whether a record satisfies the query.
func (q WriteQuery) Matches(r WriteRecord) bool {
	if q.UserID != "" && r.UserID != q.UserID {
		return false
	}
	if q.ThreadID != "" && r.ThreadID != q.ThreadID {
		return false
	}
	if q.Channel != "" && r.Channel != q.Channel {
		return false
	}
	return true
}

// Validate checks that the key addresses a thread.
func (k CheckpointKey) Validate() error {
	if k.ThreadID == "" {
		return ErrInvalidKey
	}
	return nil
}

// ParentKey returns the key of a parent checkpoint in the same partition,
// or nil when parentID is empty.
func (k CheckpointKey) ParentKey(parentID string) *CheckpointKey {
	if parentID == "" {
		return nil
	}
	p := k.WithID(parentID)
	return &p
}
