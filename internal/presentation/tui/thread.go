package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/history"
)

// ThreadMarkdown lays a thread out as markdown, one section per message.
func ThreadMarkdown(threadID string, entries []history.MessageEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Thread %s\n\n", threadID)
	if len(entries) == 0 {
		sb.WriteString("_No messages._\n")
		return sb.String()
	}
	for _, e := range entries {
		who := "Assistant"
		switch e.Role {
		case domain.RoleHuman:
			who = "You"
		case domain.RoleSystem:
			who = "System"
		}
		if e.Name != "" && e.Role != domain.RoleHuman {
			who = fmt.Sprintf("%s (%s)", who, e.Name)
		}
		fmt.Fprintf(&sb, "### %s\n", who)
		if !e.Timestamp.IsZero() {
			fmt.Fprintf(&sb, "_%s_\n\n", e.Timestamp.Local().Format(time.DateTime))
		}
		sb.WriteString(strings.TrimSpace(e.Message))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// ThreadsMarkdown lays a page of thread summaries out as a markdown table.
func ThreadsMarkdown(total, page int, items []history.ThreadSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%d threads** (page %d)\n\n", total, page)
	sb.WriteString("| Thread | Started | First message |\n|---|---|---|\n")
	for _, it := range items {
		label := strings.ReplaceAll(it.Message, "|", "\\|")
		label = strings.ReplaceAll(label, "\n", " ")
		fmt.Fprintf(&sb, "| `%s` | %s | %s |\n", it.ThreadID, it.Timestamp.Local().Format(time.DateTime), label)
	}
	return sb.String()
}
