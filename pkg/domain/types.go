package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Chat is a persisted conversation owned by a single user.
type Chat struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	CreatedAt time.Time       `json:"createdAt"`
	Messages  []StoredMessage `json:"messages"`
}

// User is a registered account. Password holds the bcrypt hash.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Password string `json:"-"`
}

// StoredMessage is one entry of the append-only, provider-oriented log.
type StoredMessage struct {
	Role    Role    `json:"role" validate:"required,oneof=system user assistant tool"`
	Content Content `json:"content"`
}

// Content is either a plain string or an ordered list of parts. A nil Parts
// slice means the content is the plain string in Text.
type Content struct {
	Text  string
	Parts []Part `validate:"dive"`
}

// TextContent returns plain string content.
func TextContent(s string) Content { return Content{Text: s} }

// PartsContent returns content made of the given parts.
func PartsContent(parts ...Part) Content {
	if parts == nil {
		parts = []Part{}
	}
	return Content{Parts: parts}
}

// IsParts reports whether the content is a list of parts.
func (c Content) IsParts() bool { return c.Parts != nil }

// MarshalJSON encodes plain content as a JSON string and parts as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or an array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	case data[0] == '[':
		parts := []Part{}
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

// Part is a single fragment of message content, tagged by Type.
type Part struct {
	Type       PartType `json:"type" validate:"required,oneof=text tool-call tool-result"`
	Text       string   `json:"text,omitempty"`
	ToolCallID string   `json:"toolCallId,omitempty"`
	ToolName   string   `json:"toolName,omitempty"`
	Args       Payload  `json:"args,omitempty"`
	Result     Payload  `json:"result,omitempty"`
}

// TextPart returns a text part.
func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

// ToolCallPart returns a tool-call part.
func ToolCallPart(id, name string, args Payload) Part {
	return Part{Type: PartToolCall, ToolCallID: id, ToolName: name, Args: args}
}

// ToolResultPart returns a tool-result part.
func ToolResultPart(id, name string, result Payload) Part {
	return Part{Type: PartToolResult, ToolCallID: id, ToolName: name, Result: result}
}

// ToolCalls returns the tool-call parts of a message in order.
func (m StoredMessage) ToolCalls() []Part {
	var calls []Part
	for _, p := range m.Content.Parts {
		if p.Type == PartToolCall {
			calls = append(calls, p)
		}
	}
	return calls
}

// DisplayMessage is a UI-ready message derived from the stored log.
type DisplayMessage struct {
	ID              string           `json:"id"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	ToolInvocations []ToolInvocation `json:"toolInvocations"`
}

// ToolInvocation is a tool call as shown to the user, with its result once
// one has been recorded.
type ToolInvocation struct {
	State      InvocationState `json:"state"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       Payload         `json:"args"`
	Result     Payload         `json:"result,omitempty"`
}
