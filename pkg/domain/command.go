package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Command is what a node returns: the reducer deltas plus the next node.
type Command struct {
	Update StateUpdate
	Goto   string
}

const responseFormat = "Response from %s:\n\n<response>\n%s\n</response>\n\n*Please execute the next step.*"

// FormatResponse wraps a worker's final message in the node-tagged envelope.
func FormatResponse(node, content string) string {
	return fmt.Sprintf(responseFormat, node, content)
}

var responsePattern = regexp.MustCompile(`(?s)<response>\s*(.*?)\s*</response>`)

// StripResponse returns the content inside a <response> wrapper, or the
// input unchanged when there is none.
func StripResponse(content string) string {
	if m := responsePattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return content
}

// IsHandoff reports whether coordinator output hands the turn to the planner.
func IsHandoff(content string) bool {
	for _, marker := range HandoffMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}
