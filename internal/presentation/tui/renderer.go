package tui

import (
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const defaultWidth = 100

// NewRenderer returns a function that renders markdown using glamour.
// Output that is not a terminal gets the plain "notty" style.
func NewRenderer() func(string) (string, error) {
	fd := int(os.Stdout.Fd())
	style := glamour.WithAutoStyle()
	width := defaultWidth
	if term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil && w > 20 {
			width = w - 4
		}
	} else {
		style = glamour.WithStandardStyle("notty")
	}

	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return func(markdown string) (string, error) { return markdown, nil }
	}
	return func(markdown string) (string, error) {
		return r.Render(markdown)
	}
}
