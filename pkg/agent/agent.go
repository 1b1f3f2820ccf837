// Package agent runs the model/tool loop for a chat and persists the result.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/logger"
	"github.com/nstogner/klever/pkg/metrics"
	"github.com/nstogner/klever/pkg/model"
	"github.com/nstogner/klever/pkg/store"
	"github.com/nstogner/klever/pkg/tools"
)

const DefaultMaxSteps = 5

// ErrForbidden is returned when a user addresses a chat owned by someone else.
var ErrForbidden = errors.New("chat belongs to another user")

type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool-call"
	EventToolResult EventType = "tool-result"
	EventFinish     EventType = "finish"
	EventError      EventType = "error"
)

// Event reports progress of a run to the caller as it happens.
type Event struct {
	Type       EventType              `json:"type"`
	Text       string                 `json:"text,omitempty"`
	ToolCallID string                 `json:"toolCallId,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	Args       domain.Payload         `json:"args,omitempty"`
	Result     domain.Payload         `json:"result,omitempty"`
	Messages   []domain.StoredMessage `json:"messages,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Request is one turn of a conversation: the full log the model should see.
type Request struct {
	ChatID   string
	UserID   string
	Messages []domain.StoredMessage
}

// Config holds the model settings of an Agent.
type Config struct {
	Model        string
	Instructions string
	MaxSteps     int
}

// Agent calls the model, executes requested tools and feeds their results
// back, until the model answers without tool calls or MaxSteps is reached.
type Agent struct {
	provider model.Provider
	tools    *tools.Registry
	chats    store.ChatStore
	metrics  *metrics.Metrics
	cfg      Config

	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a new Agent. m may be nil.
func New(provider model.Provider, registry *tools.Registry, chats store.ChatStore, m *metrics.Metrics, cfg Config) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Agent{
		provider: provider,
		tools:    registry,
		chats:    chats,
		metrics:  m,
		cfg:      cfg,
		locks:    map[string]*chatLock{},
	}
}

// Run executes a request and saves the request messages followed by the
// response messages as the chat's log. It returns the response messages.
// A failure to save is logged, not returned.
func (a *Agent) Run(ctx context.Context, req Request, emit func(Event)) ([]domain.StoredMessage, error) {
	unlock := a.lock(req.ChatID)
	defer unlock()
	return a.run(ctx, req, emit)
}

// Continue appends a user message to the stored chat, creating the chat if
// it does not exist yet, and runs the agent on the result.
func (a *Agent) Continue(ctx context.Context, chatID, userID, text string, emit func(Event)) ([]domain.StoredMessage, error) {
	unlock := a.lock(chatID)
	defer unlock()

	var history []domain.StoredMessage
	chat, err := a.chats.GetChatByID(ctx, chatID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading chat: %w", err)
	case chat.UserID != userID:
		return nil, ErrForbidden
	default:
		history = chat.Messages
	}

	msgs := make([]domain.StoredMessage, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, domain.StoredMessage{Role: domain.RoleUser, Content: domain.TextContent(text)})
	return a.run(ctx, Request{ChatID: chatID, UserID: userID, Messages: msgs}, emit)
}

func (a *Agent) run(ctx context.Context, req Request, emit func(Event)) ([]domain.StoredMessage, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	log := logger.FromContext(ctx).With("chatID", req.ChatID)

	if err := domain.ValidateLog(req.Messages); err != nil {
		return nil, err
	}

	conversation := make([]domain.StoredMessage, len(req.Messages))
	copy(conversation, req.Messages)
	var response []domain.StoredMessage

	steps := 0
	for steps < a.cfg.MaxSteps {
		steps++
		msg, err := a.callModel(ctx, conversation, emit)
		if err != nil {
			a.metrics.AgentSteps.Observe(float64(steps))
			emit(Event{Type: EventError, Error: err.Error()})
			return response, fmt.Errorf("model step %d: %w", steps, err)
		}
		response = append(response, msg)
		conversation = append(conversation, msg)

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			break
		}
		results := make([]domain.Part, 0, len(calls))
		for _, call := range calls {
			log.Debug("Executing tool", "tool", call.ToolName, "toolCallId", call.ToolCallID)
			res := a.tools.Execute(ctx, call)
			a.metrics.ToolCalls.WithLabelValues(call.ToolName).Inc()
			emit(Event{Type: EventToolResult, ToolCallID: res.ToolCallID, ToolName: res.ToolName, Result: res.Result})
			results = append(results, res)
		}
		toolMsg := domain.StoredMessage{Role: domain.RoleTool, Content: domain.PartsContent(results...)}
		response = append(response, toolMsg)
		conversation = append(conversation, toolMsg)
	}
	a.metrics.AgentSteps.Observe(float64(steps))

	// The client may be gone by now; the log is saved regardless.
	err := a.chats.SaveChat(context.WithoutCancel(ctx), req.ChatID, conversation, req.UserID)
	a.metrics.ChatSaves.WithLabelValues(metrics.Outcome(err)).Inc()
	if err != nil {
		log.Error("Failed to save chat", "error", err)
	}

	emit(Event{Type: EventFinish, Messages: response})
	return response, nil
}

// callModel streams one model response, forwarding chunks as events.
func (a *Agent) callModel(ctx context.Context, conversation []domain.StoredMessage, emit func(Event)) (domain.StoredMessage, error) {
	stream, err := a.provider.Stream(ctx, a.cfg.Model, a.cfg.Instructions, conversation, a.tools.Specs())
	if err != nil {
		a.metrics.ModelCalls.WithLabelValues(a.provider.Name(), metrics.Outcome(err)).Inc()
		return domain.StoredMessage{}, fmt.Errorf("streaming model: %w", err)
	}
	defer stream.Close()

	msg, err := model.FullMessage(stream, func(c model.Chunk) {
		if c.ToolCall != nil {
			emit(Event{Type: EventToolCall, ToolCallID: c.ToolCall.ToolCallID, ToolName: c.ToolCall.ToolName, Args: c.ToolCall.Args})
			return
		}
		if c.Text != "" {
			emit(Event{Type: EventText, Text: c.Text})
		}
	})
	a.metrics.ModelCalls.WithLabelValues(a.provider.Name(), metrics.Outcome(err)).Inc()
	if err != nil {
		return domain.StoredMessage{}, fmt.Errorf("getting model response: %w", err)
	}
	return msg, nil
}

// lock serializes runs on the same chat so concurrent turns do not
// overwrite each other's log.
func (a *Agent) lock(chatID string) func() {
	a.mu.Lock()
	l, ok := a.locks[chatID]
	if !ok {
		l = &chatLock{}
		a.locks[chatID] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, chatID)
		}
		a.mu.Unlock()
	}
}
