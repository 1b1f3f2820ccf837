package model

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/nstogner/klever/pkg/domain"
)

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object describing the arguments.
	Parameters map[string]any
}

// Chunk is one increment of a streamed response. Exactly one of Text or
// ToolCall is set.
type Chunk struct {
	Text     string
	ToolCall *domain.Part
}

// Provider represents a service that provides LLMs (e.g. Gemini, OpenAI).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini", "openai").
	Name() string

	// Stream sends a conversation to the LLM and returns a stream of responses.
	// modelName identifies which model to use (e.g. "gemini-2.0-flash").
	// instructions is the system prompt; system messages in the log are
	// appended to it.
	Stream(ctx context.Context, modelName, instructions string, messages []domain.StoredMessage, tools []ToolSpec) (Stream, error)
}

// Stream abstracts the stream of responses from the model.
type Stream interface {
	// Next returns the next chunk, or io.EOF once the response is complete.
	Next() (Chunk, error)

	// Close releases resources associated with this stream.
	Close() error
}

// FullMessage drains the stream into a single assistant message. Text comes
// first, followed by the tool calls in the order they arrived. onChunk, if
// set, observes every chunk as it is read.
func FullMessage(s Stream, onChunk func(Chunk)) (domain.StoredMessage, error) {
	var text strings.Builder
	var calls []domain.Part
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.StoredMessage{}, err
		}
		if onChunk != nil {
			onChunk(c)
		}
		if c.ToolCall != nil {
			calls = append(calls, *c.ToolCall)
			continue
		}
		text.WriteString(c.Text)
	}

	msg := domain.StoredMessage{Role: domain.RoleAssistant}
	if len(calls) == 0 {
		msg.Content = domain.TextContent(text.String())
		return msg, nil
	}
	var parts []domain.Part
	if text.Len() > 0 {
		parts = append(parts, domain.TextPart(text.String()))
	}
	msg.Content = domain.PartsContent(append(parts, calls...)...)
	return msg, nil
}

// SplitSystem separates system messages from the rest of the log and folds
// their text into instructions.
func SplitSystem(instructions string, messages []domain.StoredMessage) (string, []domain.StoredMessage) {
	rest := make([]domain.StoredMessage, 0, len(messages))
	parts := []string{}
	if instructions != "" {
		parts = append(parts, instructions)
	}
	for _, m := range messages {
		if m.Role != domain.RoleSystem {
			rest = append(rest, m)
			continue
		}
		if t := Text(m); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n"), rest
}

// Text returns the concatenated text of a message.
func Text(m domain.StoredMessage) string {
	if !m.Content.IsParts() {
		return m.Content.Text
	}
	var b strings.Builder
	for _, p := range m.Content.Parts {
		if p.Type == domain.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// SliceStream replays a fixed list of chunks. It is used by tests and by
// providers that receive a complete response at once.
type SliceStream struct {
	Chunks []Chunk
	Err    error
	pos    int
	closed bool
}

func (s *SliceStream) Next() (Chunk, error) {
	if s.closed {
		return Chunk{}, io.EOF
	}
	if s.pos < len(s.Chunks) {
		c := s.Chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.Err != nil {
		return Chunk{}, s.Err
	}
	return Chunk{}, io.EOF
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
