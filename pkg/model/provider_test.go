package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/klever/pkg/domain"
)

func call(id string) *domain.Part {
	p := domain.ToolCallPart(id, "getWeather", domain.Payload(`{"latitude":1,"longitude":2}`))
	return &p
}

func TestFullMessage_TextOnly(t *testing.T) {
	s := &SliceStream{Chunks: []Chunk{{Text: "Hel"}, {Text: "lo"}}}

	var seen []Chunk
	msg, err := FullMessage(s, func(c Chunk) { seen = append(seen, c) })
	require.NoError(t, err)

	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.False(t, msg.Content.IsParts())
	assert.Equal(t, "Hello", msg.Content.Text)
	assert.Len(t, seen, 2)
}

func TestFullMessage_ToolCalls(t *testing.T) {
	s := &SliceStream{Chunks: []Chunk{{Text: "Checking"}, {ToolCall: call("a")}, {Text: "."}, {ToolCall: call("b")}}}

	msg, err := FullMessage(s, nil)
	require.NoError(t, err)

	require.Len(t, msg.Content.Parts, 3)
	assert.Equal(t, domain.TextPart("Checking."), msg.Content.Parts[0])
	assert.Equal(t, "a", msg.Content.Parts[1].ToolCallID)
	assert.Equal(t, "b", msg.Content.Parts[2].ToolCallID)
	assert.NoError(t, domain.ValidateLog([]domain.StoredMessage{msg}))
}

func TestFullMessage_CallsWithoutText(t *testing.T) {
	msg, err := FullMessage(&SliceStream{Chunks: []Chunk{{ToolCall: call("a")}}}, nil)
	require.NoError(t, err)
	require.Len(t, msg.Content.Parts, 1)
	assert.Equal(t, domain.PartToolCall, msg.Content.Parts[0].Type)
}

func TestFullMessage_Error(t *testing.T) {
	boom := errors.New("boom")
	_, err := FullMessage(&SliceStream{Chunks: []Chunk{{Text: "x"}}, Err: boom}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestSplitSystem(t *testing.T) {
	log := []domain.StoredMessage{
		{Role: domain.RoleSystem, Content: domain.TextContent("be brief")},
		{Role: domain.RoleUser, Content: domain.TextContent("hi")},
	}

	instructions, rest := SplitSystem("You are Klever.", log)

	assert.Equal(t, "You are Klever.\n\nbe brief", instructions)
	require.Len(t, rest, 1)
	assert.Equal(t, domain.RoleUser, rest[0].Role)

	instructions, _ = SplitSystem("", nil)
	assert.Empty(t, instructions)
}
