package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/model"
)

// Tool defines the interface that all agent tools must implement.
type Tool interface {
	Spec() model.ToolSpec
	Execute(ctx context.Context, args domain.Payload) (domain.Payload, error)
}

// Registry manages the available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{
		tools: make(map[string]Tool),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Spec().Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the specs of all registered tools, sorted by name.
func (r *Registry) Specs() []model.ToolSpec {
	specs := make([]model.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute runs a tool call and returns the matching tool-result part. Unknown
// tools and execution failures are reported to the model as an error result.
func (r *Registry) Execute(ctx context.Context, call domain.Part) domain.Part {
	t, ok := r.tools[call.ToolName]
	if !ok {
		return errorResult(call, fmt.Errorf("unknown tool %q", call.ToolName))
	}
	result, err := t.Execute(ctx, call.Args)
	if err != nil {
		slog.Warn("Tool execution failed", "tool", call.ToolName, "toolCallId", call.ToolCallID, "error", err)
		return errorResult(call, err)
	}
	return domain.ToolResultPart(call.ToolCallID, call.ToolName, result)
}

func errorResult(call domain.Part, err error) domain.Part {
	return domain.ToolResultPart(call.ToolCallID, call.ToolName, domain.MustPayload(map[string]string{"error": err.Error()}))
}
