package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatAndStripResponse(t *testing.T) {
	wrapped := FormatResponse("search", "Three hotels near Shibuya.")

	assert.Contains(t, wrapped, "Response from search:")
	assert.Equal(t, "Three hotels near Shibuya.", StripResponse(wrapped))
	assert.Equal(t, "plain text", StripResponse("plain text"))
}

func TestStripResponse_Multiline(t *testing.T) {
	in := "<response>\n  line one\nline two  \n</response>"
	assert.Equal(t, "line one\nline two", StripResponse(in))
}

func TestIsHandoff(t *testing.T) {
	assert.True(t, IsHandoff("sure, handoff_to_planner"))
	assert.True(t, IsHandoff("hand_off_to_planner()"))
	assert.False(t, IsHandoff("Hello! How can I help?"))
}

func TestWriteIndex(t *testing.T) {
	idx, replace := WriteIndex(ChannelError, 3)
	assert.Equal(t, -1, idx)
	assert.True(t, replace)

	idx, replace = WriteIndex(ChannelMessages, 3)
	assert.Equal(t, 3, idx)
	assert.False(t, replace)

	idx, _ = WriteIndex(ChannelResume, 0)
	assert.Equal(t, -4, idx)
}
