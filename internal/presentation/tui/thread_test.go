package tui

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/aretw0/waypoint/pkg/history"
)

func TestThreadMarkdown(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	md := ThreadMarkdown("t1", []history.MessageEntry{
		{Role: domain.RoleHuman, Message: "Plan a trip", Timestamp: ts},
		{Role: domain.RoleAI, Name: "search", Message: "  Found hotels  ", Timestamp: ts},
	})
	assert.Contains(t, md, "# Thread t1")
	assert.Contains(t, md, "### You\n")
	assert.Contains(t, md, "### Assistant (search)\n")
	assert.Contains(t, md, "Found hotels\n")
	assert.NotContains(t, md, "  Found hotels")
}

func TestThreadMarkdown_Empty(t *testing.T) {
	assert.Contains(t, ThreadMarkdown("t1", nil), "_No messages._")
}

func TestThreadsMarkdown_EscapesCells(t *testing.T) {
	md := ThreadsMarkdown(3, 1, []history.ThreadSummary{{ThreadID: "t1", Message: "a|b\nc"}})
	assert.Contains(t, md, "**3 threads** (page 1)")
	assert.Contains(t, md, "| `t1` |")
	assert.Contains(t, md, `a\|b c`)
}

func TestRenderer_FallsBackToPlainStyle(t *testing.T) {
	render := NewRenderer()
	out, err := render("# Title\n\nbody")
	assert.NoError(t, err)
	assert.Contains(t, out, "body")
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf)
	assert.Greater(t, buf.Len(), 100)
}
