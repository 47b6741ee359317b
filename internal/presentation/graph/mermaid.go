package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aretw0/waypoint/pkg/domain"
)

// GraphOverlay contains thread progress to visualize on the graph.
type GraphOverlay struct {
	VisitedNodes []string
	CurrentNode  string
}

// GenerateMermaid produces a Mermaid flowchart from the executor's edges.
// Shapes:
// - coordinator: ((Circle))
// - planner and supervisor: {{Hexagon}}
// - End: ([Stadium])
// - workers: [Rectangle]
func GenerateMermaid(edges []domain.Edge, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	var nodes []string
	for _, e := range edges {
		for _, n := range []string{e.From, e.To} {
			if !slices.Contains(nodes, n) {
				nodes = append(nodes, n)
			}
		}
	}

	for _, n := range nodes {
		opener, closer := "[", "]"
		switch n {
		case domain.NodeCoordinator:
			opener, closer = "((", "))"
		case domain.NodePlanner, domain.NodeSupervisor:
			opener, closer = "{{", "}}"
		case domain.End:
			opener, closer = "([", "])"
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", sanitizeMermaidID(n), opener, n, closer)
	}

	for _, e := range edges {
		arrow := "-->"
		switch {
		case e.From == domain.NodeSupervisor && e.To == domain.End:
			arrow = "-- \"FINISH\" -->"
		case e.From == domain.NodeCoordinator && e.To == domain.NodePlanner:
			arrow = "-- \"handoff\" -->"
		case e.To == domain.NodeSupervisor && e.From != domain.NodePlanner:
			// Worker reports back.
			arrow = "-.->"
		}
		fmt.Fprintf(&sb, "    %s %s %s\n", sanitizeMermaidID(e.From), arrow, sanitizeMermaidID(e.To))
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds, regardless of theme (Light/Dark)
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		visitedSet := make(map[string]bool)
		for _, id := range overlay.VisitedNodes {
			safeID := sanitizeMermaidID(id)
			if !visitedSet[safeID] && safeID != "" {
				visitedSet[safeID] = true
				fmt.Fprintf(&sb, "    class %s visited;\n", safeID)
			}
		}

		if overlay.CurrentNode != "" {
			fmt.Fprintf(&sb, "    class %s current;\n", sanitizeMermaidID(overlay.CurrentNode))
		}
	}

	return sb.String()
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}
