package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/model"
)

const defaultMaxTokens = 4096

type Provider struct {
	client anthropic.Client
}

var _ model.Provider = (*Provider)(nil)

func New(apiKey, baseURL string) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Provider{client: anthropic.NewClient(opts...)}
}

func (p *Provider) Name() string {
	return "anthropic"
}

func (p *Provider) Stream(ctx context.Context, modelName, instructions string, messages []domain.StoredMessage, tools []model.ToolSpec) (model.Stream, error) {
	slog.Debug("Anthropic.Stream", "model", modelName, "messageCount", len(messages))

	instructions, messages = model.SplitSystem(instructions, messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelName),
		MaxTokens: defaultMaxTokens,
		Messages:  toMessages(messages),
		Tools:     toTools(tools),
	}
	if instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: instructions}}
	}

	return &anthropicStream{events: p.client.Messages.NewStreaming(ctx, params)}, nil
}

func toMessages(messages []domain.StoredMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		if !m.Content.IsParts() && m.Content.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content.Text))
		}
		for _, p := range m.Content.Parts {
			switch p.Type {
			case domain.PartText:
				if p.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(p.Text))
				}
			case domain.PartToolCall:
				input := json.RawMessage("{}")
				if !p.Args.IsZero() {
					input = json.RawMessage(p.Args)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(p.ToolCallID, input, p.ToolName))
			case domain.PartToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(p.ToolCallID, p.Result.String(), false))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == domain.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: map[string]any{}},
		}
		if props, ok := t.Parameters["properties"].(map[string]any); ok {
			tool.InputSchema.Properties = props
		}
		if required, ok := t.Parameters["required"].([]string); ok {
			tool.InputSchema.Required = required
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

type eventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

// anthropicStream forwards text deltas as they arrive and accumulates the
// full message so tool_use blocks can be emitted once their input is complete.
type anthropicStream struct {
	events  eventStream
	message anthropic.Message
	pending []model.Chunk
	done    bool
}

func (s *anthropicStream) Next() (model.Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return model.Chunk{}, io.EOF
		}
		if !s.events.Next() {
			if err := s.events.Err(); err != nil {
				return model.Chunk{}, fmt.Errorf("anthropic stream: %w", err)
			}
			s.done = true
			s.pending = toolCalls(s.message)
			continue
		}
		event := s.events.Current()
		if err := s.message.Accumulate(event); err != nil {
			return model.Chunk{}, fmt.Errorf("anthropic stream: %w", err)
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				s.pending = append(s.pending, model.Chunk{Text: d.Text})
			}
		}
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *anthropicStream) Close() error {
	return s.events.Close()
}

func toolCalls(msg anthropic.Message) []model.Chunk {
	var out []model.Chunk
	for _, block := range msg.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		args := domain.Payload(tu.Input)
		if args.IsZero() {
			args = domain.Payload("{}")
		}
		call := domain.ToolCallPart(tu.ID, tu.Name, args)
		out = append(out, model.Chunk{ToolCall: &call})
	}
	return out
}
