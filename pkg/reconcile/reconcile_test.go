package reconcile

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/klever/pkg/domain"
)

func withoutIDs(msgs []domain.DisplayMessage) []domain.DisplayMessage {
	out := make([]domain.DisplayMessage, len(msgs))
	for i, m := range msgs {
		m.ID = ""
		out[i] = m
	}
	return out
}

func weatherLog() []domain.StoredMessage {
	return []domain.StoredMessage{
		{Role: domain.RoleUser, Content: domain.TextContent("What's the weather?")},
		{Role: domain.RoleAssistant, Content: domain.PartsContent(
			domain.TextPart("Let me check. "),
			domain.ToolCallPart("t1", "getWeather", domain.Payload(`{"lat":1,"lon":2}`)),
			domain.TextPart("One moment."),
		)},
		{Role: domain.RoleTool, Content: domain.PartsContent(
			domain.ToolResultPart("t1", "getWeather", domain.Payload(`{"temp":70}`)),
		)},
		{Role: domain.RoleAssistant, Content: domain.TextContent("It is 70 degrees.")},
	}
}

func TestMessages_ScenarioA(t *testing.T) {
	got := Messages([]domain.StoredMessage{{Role: domain.RoleUser, Content: domain.TextContent("Hi")}})

	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, domain.RoleUser, got[0].Role)
	assert.Equal(t, "Hi", got[0].Content)
	assert.NotNil(t, got[0].ToolInvocations)
	assert.Empty(t, got[0].ToolInvocations)
}

func TestMessages_ScenarioB(t *testing.T) {
	log := []domain.StoredMessage{
		{Role: domain.RoleAssistant, Content: domain.PartsContent(
			domain.ToolCallPart("t1", "getWeather", domain.Payload(`{"lat":1,"lon":2}`)),
		)},
		{Role: domain.RoleTool, Content: domain.PartsContent(
			domain.ToolResultPart("t1", "", domain.Payload(`{"temp":70}`)),
		)},
	}

	got := Messages(log)

	require.Len(t, got, 1)
	assert.Equal(t, domain.RoleAssistant, got[0].Role)
	assert.Equal(t, "", got[0].Content)
	require.Len(t, got[0].ToolInvocations, 1)
	inv := got[0].ToolInvocations[0]
	assert.Equal(t, domain.StateResult, inv.State)
	assert.Equal(t, "t1", inv.ToolCallID)
	assert.Equal(t, "getWeather", inv.ToolName)
	assert.JSONEq(t, `{"lat":1,"lon":2}`, inv.Args.String())
	assert.JSONEq(t, `{"temp":70}`, inv.Result.String())
}

func TestMessages_ScenarioC_UnmatchedResultDropped(t *testing.T) {
	log := weatherLog()
	log = append(log, domain.StoredMessage{Role: domain.RoleTool, Content: domain.PartsContent(
		domain.ToolResultPart("nope", "getWeather", domain.Payload(`"ignored"`)),
	)})

	assert.Equal(t, withoutIDs(Messages(weatherLog())), withoutIDs(Messages(log)))
}

func TestMessages_ScenarioD_Empty(t *testing.T) {
	got := Messages(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	assert.Empty(t, Messages([]domain.StoredMessage{}))
	assert.Equal(t, UntitledChat, Title(&domain.Chat{ID: "c1"}))
	assert.Equal(t, UntitledChat, Title(nil))
}

func TestMessages_ResultBeforeCallIsLost(t *testing.T) {
	log := []domain.StoredMessage{
		{Role: domain.RoleTool, Content: domain.PartsContent(
			domain.ToolResultPart("t1", "getWeather", domain.Payload(`1`)),
		)},
		{Role: domain.RoleAssistant, Content: domain.PartsContent(
			domain.ToolCallPart("t1", "getWeather", domain.Payload(`{}`)),
		)},
	}

	got := Messages(log)

	require.Len(t, got, 1)
	require.Len(t, got[0].ToolInvocations, 1)
	assert.Equal(t, domain.StateCall, got[0].ToolInvocations[0].State)
	assert.True(t, got[0].ToolInvocations[0].Result.IsZero())
}

func TestMessages_PendingCallWithoutResult(t *testing.T) {
	log := weatherLog()[:2]

	got := Messages(log)

	require.Len(t, got, 2)
	assert.Equal(t, "Let me check. One moment.", got[1].Content)
	require.Len(t, got[1].ToolInvocations, 1)
	assert.Equal(t, domain.StateCall, got[1].ToolInvocations[0].State)
}

func TestMessages_ResultAttachesToEarlierMessage(t *testing.T) {
	log := []domain.StoredMessage{
		{Role: domain.RoleAssistant, Content: domain.PartsContent(
			domain.ToolCallPart("a", "getWeather", domain.Payload(`{}`)),
			domain.ToolCallPart("b", "getWeather", domain.Payload(`{}`)),
		)},
		{Role: domain.RoleUser, Content: domain.TextContent("still there?")},
		{Role: domain.RoleTool, Content: domain.PartsContent(
			domain.ToolResultPart("b", "getWeather", domain.Payload(`"B"`)),
			domain.TextPart("text in a tool message is ignored"),
			domain.ToolResultPart("a", "getWeather", domain.Payload(`"A"`)),
		)},
	}

	got := Messages(log)

	require.Len(t, got, 2)
	invs := got[0].ToolInvocations
	require.Len(t, invs, 2)
	assert.Equal(t, "a", invs[0].ToolCallID)
	assert.Equal(t, `"A"`, invs[0].Result.String())
	assert.Equal(t, "b", invs[1].ToolCallID)
	assert.Equal(t, `"B"`, invs[1].Result.String())
	assert.Empty(t, got[1].ToolInvocations)
}

func TestMessages_DuplicateResultOnlyPatchesPendingCall(t *testing.T) {
	log := []domain.StoredMessage{
		{Role: domain.RoleAssistant, Content: domain.PartsContent(
			domain.ToolCallPart("t1", "getWeather", domain.Payload(`{}`)),
		)},
		{Role: domain.RoleTool, Content: domain.PartsContent(
			domain.ToolResultPart("t1", "getWeather", domain.Payload(`"first"`)),
		)},
		{Role: domain.RoleTool, Content: domain.PartsContent(
			domain.ToolResultPart("t1", "getWeather", domain.Payload(`"second"`)),
		)},
	}

	got := Messages(log)

	require.Len(t, got, 1)
	assert.Equal(t, `"first"`, got[0].ToolInvocations[0].Result.String())
}

func TestMessages_SystemPassesThrough(t *testing.T) {
	log := []domain.StoredMessage{
		{Role: domain.RoleSystem, Content: domain.TextContent("be brief")},
		{Role: domain.RoleUser, Content: domain.TextContent("hello")},
	}

	got := Messages(log)

	require.Len(t, got, 2)
	assert.Equal(t, domain.RoleSystem, got[0].Role)
	assert.Equal(t, "be brief", got[0].Content)
}

func TestMessages_Properties(t *testing.T) {
	log := weatherLog()

	first, second := Messages(log), Messages(log)

	// Same content on every pass, fresh ids every time.
	assert.Equal(t, withoutIDs(first), withoutIDs(second))
	ids := map[string]bool{}
	for _, m := range append(first, second...) {
		assert.False(t, ids[m.ID], "duplicate id %s", m.ID)
		ids[m.ID] = true
	}

	// No tool roles, and non-tool messages keep their relative order.
	var wantRoles []domain.Role
	for _, m := range log {
		if m.Role != domain.RoleTool {
			wantRoles = append(wantRoles, m.Role)
		}
	}
	var gotRoles []domain.Role
	for _, m := range first {
		assert.NotEqual(t, domain.RoleTool, m.Role)
		gotRoles = append(gotRoles, m.Role)
	}
	assert.Equal(t, wantRoles, gotRoles)
	assert.Equal(t, "It is 70 degrees.", first[2].Content)
}

func TestMessages_DoesNotModifyInput(t *testing.T) {
	log := weatherLog()
	before, err := domain.EncodeLog(log)
	require.NoError(t, err)

	Messages(log)

	after, err := domain.EncodeLog(log)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestMessages_Concurrent(t *testing.T) {
	log := weatherLog()
	want := withoutIDs(Messages(log))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, withoutIDs(Messages(log)))
		}()
	}
	wg.Wait()
}

func TestTitle(t *testing.T) {
	chat := &domain.Chat{ID: "c1", Messages: weatherLog()}
	assert.Equal(t, "What's the weather?", Title(chat))

	chat = &domain.Chat{Messages: []domain.StoredMessage{
		{Role: domain.RoleTool, Content: domain.PartsContent(domain.ToolResultPart("x", "", domain.Payload(`1`)))},
	}}
	assert.Equal(t, UntitledChat, Title(chat))
}

func TestToStored_RoundTrip(t *testing.T) {
	display := Messages(weatherLog())

	stored := ToStored(display)

	require.NoError(t, domain.ValidateLog(stored))
	require.Len(t, stored, 4)
	assert.Equal(t, domain.RoleAssistant, stored[1].Role)
	assert.Equal(t, domain.RoleTool, stored[2].Role)
	assert.Equal(t, withoutIDs(display), withoutIDs(Messages(stored)))
}

func TestToStored_PendingCallHasNoToolMessage(t *testing.T) {
	display := []domain.DisplayMessage{{
		Role: domain.RoleAssistant,
		ToolInvocations: []domain.ToolInvocation{{
			State: domain.StateCall, ToolCallID: "t1", ToolName: "getWeather", Args: domain.Payload(`{}`),
		}},
	}}

	stored := ToStored(display)

	require.Len(t, stored, 1)
	require.Len(t, stored[0].Content.Parts, 1)
	assert.Equal(t, domain.PartToolCall, stored[0].Content.Parts[0].Type)
}

func ExampleMessages() {
	log := []domain.StoredMessage{
		{Role: domain.RoleUser, Content: domain.TextContent("Weather in Paris?")},
		{Role: domain.RoleAssistant, Content: domain.PartsContent(
			domain.ToolCallPart("t1", "getWeather", domain.Payload(`{"latitude":48.85,"longitude":2.35}`)),
		)},
		{Role: domain.RoleTool, Content: domain.PartsContent(
			domain.ToolResultPart("t1", "getWeather", domain.Payload(`{"temperature":18}`)),
		)},
	}
	for _, m := range Messages(log) {
		fmt.Printf("%s %q %d\n", m.Role, m.Content, len(m.ToolInvocations))
		for _, inv := range m.ToolInvocations {
			fmt.Println(inv.ToolName, inv.State, inv.Result)
		}
	}
	// Output:
	// user "Weather in Paris?" 0
	// assistant "" 1
	// getWeather result {"temperature":18}
}
