package domain

// Edge is one permitted goto of the executor graph.
type Edge struct {
	From string
	To   string
}

// Topology lists the permitted gotos of the hub-and-spoke graph for team.
func Topology(team []string) []Edge {
	edges := []Edge{
		{NodeCoordinator, NodePlanner},
		{NodeCoordinator, End},
		{NodePlanner, NodeSupervisor},
		{NodeSupervisor, End},
	}
	for _, member := range team {
		edges = append(edges,
			Edge{NodeSupervisor, member},
			Edge{member, NodeSupervisor},
		)
	}
	return edges
}
