package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/model"
)

// Provider implements model.Provider with the OpenAI chat completions API.
// Any compatible endpoint can be used by setting baseURL.
type Provider struct {
	client *openai.Client
}

var _ model.Provider = (*Provider)(nil)

func New(apiKey, baseURL string) *Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &Provider{client: openai.NewClientWithConfig(cfg)}
}

func (p *Provider) Name() string {
	return "openai"
}

func (p *Provider) Stream(ctx context.Context, modelName, instructions string, messages []domain.StoredMessage, tools []model.ToolSpec) (model.Stream, error) {
	slog.Debug("OpenAI.Stream", "model", modelName, "messageCount", len(messages))

	instructions, messages = model.SplitSystem(instructions, messages)
	chatMessages := toMessages(instructions, messages)

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    modelName,
		Messages: chatMessages,
		Tools:    toTools(tools),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	return &openaiStream{stream: stream, calls: map[int]*openai.ToolCall{}}, nil
}

func toMessages(instructions string, messages []domain.StoredMessage) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if instructions != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}

	for _, m := range messages {
		switch m.Role {
		case domain.RoleTool:
			// One message per result, each answering a single call.
			for _, p := range m.Content.Parts {
				if p.Type != domain.PartToolResult {
					continue
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    p.Result.String(),
					ToolCallID: p.ToolCallID,
				})
			}
		case domain.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: model.Text(m),
			}
			for _, c := range m.ToolCalls() {
				args := "{}"
				if !c.Args.IsZero() {
					args = c.Args.String()
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   c.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      c.ToolName,
						Arguments: args,
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: model.Text(m),
			})
		}
	}
	return out
}

func toTools(tools []model.ToolSpec) []openai.Tool {
	var out []openai.Tool
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// openaiStream turns streamed deltas into chunks. Text is forwarded as it
// arrives; tool call fragments are accumulated by index and emitted once the
// stream ends.
type openaiStream struct {
	stream  *openai.ChatCompletionStream
	calls   map[int]*openai.ToolCall
	order   []int
	pending []model.Chunk
	done    bool
}

func (s *openaiStream) Next() (model.Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return model.Chunk{}, io.EOF
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			if s.pending, err = s.flush(); err != nil {
				return model.Chunk{}, err
			}
			continue
		}
		if err != nil {
			return model.Chunk{}, fmt.Errorf("openai stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, model.Chunk{Text: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				s.accumulate(tc)
			}
		}
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *openaiStream) accumulate(tc openai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	acc, ok := s.calls[idx]
	if !ok {
		acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
		s.calls[idx] = acc
		s.order = append(s.order, idx)
	}
	if tc.ID != "" {
		acc.ID = tc.ID
	}
	if tc.Function.Name != "" {
		acc.Function.Name = tc.Function.Name
	}
	acc.Function.Arguments += tc.Function.Arguments
}

func (s *openaiStream) flush() ([]model.Chunk, error) {
	var out []model.Chunk
	for i, idx := range s.order {
		tc := s.calls[idx]
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i+1)
		}
		args := domain.Payload(tc.Function.Arguments)
		if strings.TrimSpace(tc.Function.Arguments) == "" {
			args = domain.Payload("{}")
		}
		if !args.IsObject() {
			return nil, fmt.Errorf("tool call %s: arguments are not a JSON object", id)
		}
		call := domain.ToolCallPart(id, tc.Function.Name, args)
		out = append(out, model.Chunk{ToolCall: &call})
	}
	return out, nil
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
