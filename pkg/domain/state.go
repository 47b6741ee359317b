package domain

import (
	"slices"
	"time"
)

// Message roles.
const (
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleSystem = "system"
	RoleTool   = "tool"
)

// ToolCall is a tool invocation requested by a model message.
type ToolCall struct {
	ID   string         `msgpack:"id" json:"id"`
	Name string         `msgpack:"name" json:"name"`
	Args map[string]any `msgpack:"args" json:"args,omitempty"`
}

// Message is one conversational record.
type Message struct {
	ID        string     `msgpack:"id" json:"id"`
	Role      string     `msgpack:"role" json:"role"`
	Content   string     `msgpack:"content" json:"content"`
	Name      string     `msgpack:"name,omitempty" json:"name,omitempty"`
	ToolCalls []ToolCall `msgpack:"tool_calls,omitempty" json:"tool_calls,omitempty"`
}

// HumanMessage builds an inbound user message.
func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// AIMessage builds a model message tagged with the node that produced it.
func AIMessage(content, name string) Message {
	return Message{Role: RoleAI, Content: content, Name: name}
}

// StringSet is a sorted set of strings with a deterministic encoding.
type StringSet []string

// Has reports membership.
func (s StringSet) Has(v string) bool {
	_, ok := slices.BinarySearch(s, v)
	return ok
}

// With returns a new set containing v.
func (s StringSet) With(values ...string) StringSet {
	out := slices.Clone(s)
	for _, v := range values {
		i, ok := slices.BinarySearch(out, v)
		if !ok {
			out = slices.Insert(out, i, v)
		}
	}
	return out
}

// ExecutionStatus tracks progress of the current turn.
type ExecutionStatus struct {
	CurrentStep    string    `msgpack:"current_step" json:"current_step"`
	CompletedSteps StringSet `msgpack:"completed_steps" json:"completed_steps"`
	FailedSteps    StringSet `msgpack:"failed_steps" json:"failed_steps"`
	IsCompleted    bool      `msgpack:"is_completed" json:"is_completed"`
	ErrorMessage   *string   `msgpack:"error_message" json:"error_message,omitempty"`
}

// Failed reports whether the turn ended in a step failure.
func (s ExecutionStatus) Failed() bool {
	return len(s.FailedSteps) > 0
}

// WorkflowMetadata is identity and audit data set when the thread starts.
type WorkflowMetadata struct {
	WorkflowID string    `msgpack:"workflow_id" json:"workflow_id"`
	UserID     string    `msgpack:"user_id" json:"user_id"`
	ThreadID   string    `msgpack:"thread_id" json:"thread_id"`
	CreatedAt  time.Time `msgpack:"created_at" json:"created_at"`
	StepCount  int       `msgpack:"step_count" json:"step_count"`
}

// WorkflowState is the value threaded through every node.
type WorkflowState struct {
	Messages             []Message         `msgpack:"messages" json:"messages"`
	TeamMembers          []string          `msgpack:"team_members" json:"team_members"`
	SearchBeforePlanning bool              `msgpack:"search_before_planning" json:"search_before_planning"`
	Next                 string            `msgpack:"next" json:"next"`
	FullPlan             *string           `msgpack:"full_plan" json:"full_plan,omitempty"`
	ExecutionStatus      ExecutionStatus   `msgpack:"execution_status" json:"execution_status"`
	Metadata             WorkflowMetadata  `msgpack:"metadata" json:"metadata"`
	AgentResults         map[string]string `msgpack:"agent_results" json:"agent_results"`
	ProcessedMessageIDs  StringSet         `msgpack:"processed_message_ids" json:"processed_message_ids"`
}

// NewWorkflowState creates the initial state of a thread.
func NewWorkflowState(meta WorkflowMetadata, team []string) WorkflowState {
	return WorkflowState{
		TeamMembers:  slices.Clone(team),
		Metadata:     meta,
		AgentResults: make(map[string]string),
	}
}

// Clone returns a deep copy so reducers never alias the previous snapshot.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.ToolCalls = slices.Clone(m.ToolCalls)
		out.Messages[i] = m
	}
	out.TeamMembers = slices.Clone(s.TeamMembers)
	if s.FullPlan != nil {
		plan := *s.FullPlan
		out.FullPlan = &plan
	}
	out.ExecutionStatus.CompletedSteps = slices.Clone(s.ExecutionStatus.CompletedSteps)
	out.ExecutionStatus.FailedSteps = slices.Clone(s.ExecutionStatus.FailedSteps)
	if s.ExecutionStatus.ErrorMessage != nil {
		msg := *s.ExecutionStatus.ErrorMessage
		out.ExecutionStatus.ErrorMessage = &msg
	}
	out.AgentResults = make(map[string]string, len(s.AgentResults))
	for k, v := range s.AgentResults {
		out.AgentResults[k] = v
	}
	out.ProcessedMessageIDs = slices.Clone(s.ProcessedMessageIDs)
	return out
}

// LastMessage returns the newest message, if any.
func (s WorkflowState) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// IsTeamMember reports whether name is a configured worker.
func (s WorkflowState) IsTeamMember(name string) bool {
	return slices.Contains(s.TeamMembers, name)
}

// Snapshot is the checkpoint payload: the state plus where to continue.
type Snapshot struct {
	State WorkflowState `msgpack:"state" json:"state"`
	// PendingNode is the node to run next. End (or empty) means the turn is over.
	PendingNode string          `msgpack:"pending_node" json:"pending_node"`
	Step        int             `msgpack:"step" json:"step"`
	TurnSteps   int             `msgpack:"turn_steps" json:"turn_steps"`
	Versions    ChannelVersions `msgpack:"channel_versions" json:"channel_versions"`
}

// Done reports whether there is nothing left to run.
func (s Snapshot) Done() bool {
	return s.PendingNode == "" || s.PendingNode == End
}
