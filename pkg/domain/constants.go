package domain

// Node names of the hub-and-spoke graph.
const (
	NodeCoordinator = "coordinator"
	NodePlanner     = "planner"
	NodeSupervisor  = "supervisor"

	// End is the terminal pseudo-node. A run whose pending node is End is complete.
	End = "__end__"

	// Finish is the routing label the supervisor emits to end the run.
	Finish = "FINISH"
)

// DefaultTeamMembers lists the worker nodes of the travel planner.
var DefaultTeamMembers = []string{"calendar", "search", "sharing", "travel_planner"}

// State channels, in reducer order.
const (
	ChannelMessages             = "messages"
	ChannelTeamMembers          = "team_members"
	ChannelSearchBeforePlanning = "search_before_planning"
	ChannelNext                 = "next"
	ChannelFullPlan             = "full_plan"
	ChannelExecutionStatus      = "execution_status"
	ChannelMetadata             = "metadata"
	ChannelAgentResults         = "agent_results"
	ChannelProcessedMessageIDs  = "processed_message_ids"
)

// Special channels use fixed negative write indices and replace any
// existing write under the same key.
const (
	ChannelError     = "__error__"
	ChannelScheduled = "__scheduled__"
	ChannelInterrupt = "__interrupt__"
	ChannelResume    = "__resume__"
)

var specialChannels = map[string]int{
	ChannelError:     -1,
	ChannelScheduled: -2,
	ChannelInterrupt: -3,
	ChannelResume:    -4,
}

// WriteIndex returns the index of a write inside a batch and whether the
// channel is replace-on-conflict.
func WriteIndex(channel string, position int) (idx int, replace bool) {
	if i, ok := specialChannels[channel]; ok {
		return i, true
	}
	return position, false
}

// IsSpecialChannel reports whether writes to channel replace existing ones.
func IsSpecialChannel(channel string) bool {
	_, ok := specialChannels[channel]
	return ok
}

// Task identifiers used for writes that do not come from a graph node.
const (
	TaskInput = "__input__"
)

// Metadata keys written on every checkpoint.
const (
	MetaSource = "source"
	MetaStep   = "step"
	MetaNode   = "node"
	MetaWrites = "writes"
	MetaUserID = "user_id"

	SourceInput = "input"
	SourceLoop  = "loop"
)

// HandoffMarkers are the coordinator outputs that hand the turn to the planner.
var HandoffMarkers = []string{"handoff_to_planner", "hand_off_to_planner"}
