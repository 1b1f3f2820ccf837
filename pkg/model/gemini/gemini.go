package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/model"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider. baseURL is optional.
func New(ctx context.Context, apiKey, baseURL string) (*Provider, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions.BaseURL = baseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// Stream sends a conversation to the LLM and returns a stream.
func (p *Provider) Stream(ctx context.Context, modelName, instructions string, messages []domain.StoredMessage, tools []model.ToolSpec) (model.Stream, error) {
	slog.Debug("Gemini.Stream", "model", modelName, "messageCount", len(messages))

	instructions, messages = model.SplitSystem(instructions, messages)
	contents, err := toContents(messages)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		Tools: buildToolDeclarations(tools),
	}
	if instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(streamCtx, modelName, contents, config))

	return &geminiStream{
		next:   next,
		stop:   stop,
		cancel: cancel,
	}, nil
}

// toContents converts the stored log to genai contents. Assistant messages
// become "model" turns; user and tool messages become "user" turns.
func toContents(messages []domain.StoredMessage) ([]*genai.Content, error) {
	var contents []*genai.Content
	toolNameMap := make(map[string]string) // tool call ID -> name

	for _, msg := range messages {
		var parts []*genai.Part
		if !msg.Content.IsParts() {
			if msg.Content.Text != "" {
				parts = append(parts, &genai.Part{Text: msg.Content.Text})
			}
		}
		for _, c := range msg.Content.Parts {
			switch c.Type {
			case domain.PartText:
				if c.Text != "" {
					parts = append(parts, &genai.Part{Text: c.Text})
				}
			case domain.PartToolCall:
				args, err := c.Args.Object()
				if err != nil {
					return nil, fmt.Errorf("tool call %s: %w", c.ToolCallID, err)
				}
				toolNameMap[c.ToolCallID] = c.ToolName
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   c.ToolCallID,
						Name: c.ToolName,
						Args: args,
					},
				})
			case domain.PartToolResult:
				name := c.ToolName
				if name == "" {
					name = toolNameMap[c.ToolCallID]
				}
				var result any
				if !c.Result.IsZero() {
					if err := json.Unmarshal(c.Result, &result); err != nil {
						return nil, fmt.Errorf("tool result %s: %w", c.ToolCallID, err)
					}
				}
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:   c.ToolCallID,
						Name: name,
						Response: map[string]any{
							"result": result,
						},
					},
				})
			}
		}

		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}
		if len(parts) > 0 {
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: parts,
			})
		}
	}
	return contents, nil
}

func buildToolDeclarations(tools []model.ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.Parameters,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiStream wraps the Gemini streaming iterator.
type geminiStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	cancel  context.CancelFunc
	pending []model.Chunk
}

func (s *geminiStream) Next() (model.Chunk, error) {
	for len(s.pending) == 0 {
		resp, err, ok := s.next()
		if !ok {
			return model.Chunk{}, io.EOF
		}
		if err != nil {
			return model.Chunk{}, err
		}
		s.pending, err = chunks(resp)
		if err != nil {
			return model.Chunk{}, err
		}
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *geminiStream) Close() error {
	s.cancel()
	s.stop()
	return nil
}

// chunks extracts text deltas and function calls from one streamed response.
func chunks(resp *genai.GenerateContentResponse) ([]model.Chunk, error) {
	if resp == nil {
		return nil, nil
	}
	var out []model.Chunk
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Thought {
				continue
			}
			if part.Text != "" {
				out = append(out, model.Chunk{Text: part.Text})
			}
			if fc := part.FunctionCall; fc != nil {
				id := fc.ID
				if id == "" {
					id = "call-" + uuid.New().String()
				}
				args := fc.Args
				if args == nil {
					args = map[string]any{}
				}
				payload, err := domain.NewPayload(args)
				if err != nil {
					return nil, err
				}
				call := domain.ToolCallPart(id, fc.Name, payload)
				out = append(out, model.Chunk{ToolCall: &call})
			}
		}
	}
	return out, nil
}
