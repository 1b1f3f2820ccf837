package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/model"
	"github.com/nstogner/klever/pkg/reconcile"
	"github.com/nstogner/klever/pkg/store"
	"github.com/nstogner/klever/pkg/tools"
)

// scriptedProvider returns one scripted response per call, repeating the
// last one once the script runs out.
type scriptedProvider struct {
	mu       sync.Mutex
	script   [][]model.Chunk
	err      error
	calls    int
	received [][]domain.StoredMessage
	tools    []model.ToolSpec
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, _, _ string, messages []domain.StoredMessage, specs []model.ToolSpec) (model.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.received = append(p.received, append([]domain.StoredMessage(nil), messages...))
	p.tools = specs
	i := p.calls
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.calls++
	return &model.SliceStream{Chunks: p.script[i]}, nil
}

type memChats struct {
	mu      sync.Mutex
	chats   map[string]domain.Chat
	saveErr error
	saves   int
}

func newMemChats() *memChats { return &memChats{chats: map[string]domain.Chat{}} }

func (m *memChats) GetChatByID(_ context.Context, id string) (*domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (m *memChats) GetChatsByUserID(context.Context, string) ([]domain.Chat, error) { return nil, nil }

func (m *memChats) SaveChat(_ context.Context, id string, msgs []domain.StoredMessage, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	c, ok := m.chats[id]
	if !ok {
		c = domain.Chat{ID: id, UserID: userID}
	}
	c.Messages = msgs
	m.chats[id] = c
	return nil
}

func (m *memChats) DeleteChatByID(context.Context, string) error { return nil }

type echoTool struct{}

func (echoTool) Spec() model.ToolSpec { return model.ToolSpec{Name: "getWeather"} }

func (echoTool) Execute(_ context.Context, args domain.Payload) (domain.Payload, error) {
	return domain.Payload(`{"temperature":18}`), nil
}

func toolCall(id string) model.Chunk {
	p := domain.ToolCallPart(id, "getWeather", domain.Payload(`{"latitude":48.85,"longitude":2.35}`))
	return model.Chunk{ToolCall: &p}
}

func userLog(text string) []domain.StoredMessage {
	return []domain.StoredMessage{{Role: domain.RoleUser, Content: domain.TextContent(text)}}
}

func TestRun_ToolStepThenText(t *testing.T) {
	provider := &scriptedProvider{script: [][]model.Chunk{
		{{Text: "Checking. "}, toolCall("t1")},
		{{Text: "It is "}, {Text: "18 degrees."}},
	}}
	chats := newMemChats()
	a := New(provider, tools.NewRegistry(echoTool{}), chats, nil, Config{Model: "m", Instructions: "be nice"})

	var events []Event
	resp, err := a.Run(context.Background(), Request{ChatID: "c1", UserID: "u1", Messages: userLog("Weather in Paris?")}, func(e Event) {
		events = append(events, e)
	})
	require.NoError(t, err)

	require.Len(t, resp, 3)
	assert.Equal(t, domain.RoleAssistant, resp[0].Role)
	assert.Equal(t, domain.RoleTool, resp[1].Role)
	assert.Equal(t, "It is 18 degrees.", resp[2].Content.Text)

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{EventText, EventToolCall, EventToolResult, EventText, EventText, EventFinish}, types)
	assert.Len(t, events[len(events)-1].Messages, 3)

	// The second model call sees the tool result.
	require.Len(t, provider.received, 2)
	assert.Len(t, provider.received[1], 3)
	require.Len(t, provider.tools, 1)

	saved := chats.chats["c1"]
	assert.Equal(t, "u1", saved.UserID)
	require.Len(t, saved.Messages, 4)

	display := reconcile.Messages(saved.Messages)
	require.Len(t, display, 3)
	require.Len(t, display[1].ToolInvocations, 1)
	assert.Equal(t, domain.StateResult, display[1].ToolInvocations[0].State)
	assert.JSONEq(t, `{"temperature":18}`, display[1].ToolInvocations[0].Result.String())
}

func TestRun_MaxSteps(t *testing.T) {
	provider := &scriptedProvider{script: [][]model.Chunk{{toolCall("again")}}}
	chats := newMemChats()
	a := New(provider, tools.NewRegistry(echoTool{}), chats, nil, Config{MaxSteps: 2})

	resp, err := a.Run(context.Background(), Request{ChatID: "c1", UserID: "u1", Messages: userLog("loop")}, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, provider.calls)
	require.Len(t, resp, 4)
	assert.Equal(t, domain.RoleTool, resp[3].Role)
	assert.Len(t, chats.chats["c1"].Messages, 5)
}

func TestRun_UnknownToolBecomesErrorResult(t *testing.T) {
	provider := &scriptedProvider{script: [][]model.Chunk{{toolCall("t1")}, {{Text: "sorry"}}}}
	a := New(provider, tools.NewRegistry(), newMemChats(), nil, Config{})

	resp, err := a.Run(context.Background(), Request{ChatID: "c1", UserID: "u1", Messages: userLog("hi")}, nil)
	require.NoError(t, err)

	require.Len(t, resp, 3)
	assert.Contains(t, resp[1].Content.Parts[0].Result.String(), "unknown tool")
}

func TestRun_ModelErrorIsReturnedAndNotSaved(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("quota exceeded")}
	chats := newMemChats()
	a := New(provider, nil, chats, nil, Config{})

	var last Event
	_, err := a.Run(context.Background(), Request{ChatID: "c1", UserID: "u1", Messages: userLog("hi")}, func(e Event) { last = e })

	assert.ErrorContains(t, err, "quota exceeded")
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, 0, chats.saves)
}

func TestRun_SaveErrorIsNotReturned(t *testing.T) {
	provider := &scriptedProvider{script: [][]model.Chunk{{{Text: "hello"}}}}
	chats := newMemChats()
	chats.saveErr = errors.New("disk full")
	a := New(provider, nil, chats, nil, Config{})

	resp, err := a.Run(context.Background(), Request{ChatID: "c1", UserID: "u1", Messages: userLog("hi")}, nil)

	require.NoError(t, err)
	assert.Len(t, resp, 1)
	assert.Equal(t, 1, chats.saves)
}

func TestRun_RejectsInvalidLog(t *testing.T) {
	a := New(&scriptedProvider{}, nil, newMemChats(), nil, Config{})

	_, err := a.Run(context.Background(), Request{ChatID: "c1", Messages: []domain.StoredMessage{{Role: "narrator"}}}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidLog)
}

func TestContinue(t *testing.T) {
	provider := &scriptedProvider{script: [][]model.Chunk{{{Text: "hello"}}}}
	chats := newMemChats()
	a := New(provider, nil, chats, nil, Config{})
	ctx := context.Background()

	_, err := a.Continue(ctx, "c1", "u1", "first", nil)
	require.NoError(t, err)
	_, err = a.Continue(ctx, "c1", "u1", "second", nil)
	require.NoError(t, err)

	msgs := chats.chats["c1"].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "first", msgs[0].Content.Text)
	assert.Equal(t, "second", msgs[2].Content.Text)

	_, err = a.Continue(ctx, "c1", "intruder", "hi", nil)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestContinue_ConcurrentTurnsAreSerialized(t *testing.T) {
	provider := &scriptedProvider{script: [][]model.Chunk{{{Text: "ok"}}}}
	chats := newMemChats()
	a := New(provider, nil, chats, nil, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Continue(context.Background(), "c1", "u1", "hi", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, chats.chats["c1"].Messages, 16)
	assert.Empty(t, a.locks)
}
