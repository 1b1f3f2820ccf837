package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLog_StringAndParts(t *testing.T) {
	raw := `[
		{"role":"user","content":"Hi"},
		{"role":"assistant","content":[
			{"type":"text","text":"Checking. "},
			{"type":"tool-call","toolCallId":"t1","toolName":"getWeather","args":{"latitude":1,"longitude":2}}
		]},
		{"role":"tool","content":[{"type":"tool-result","toolCallId":"t1","toolName":"getWeather","result":{"temp":70}}]}
	]`

	log, err := DecodeLog([]byte(raw))
	require.NoError(t, err)
	require.Len(t, log, 3)

	assert.Equal(t, RoleUser, log[0].Role)
	assert.False(t, log[0].Content.IsParts())
	assert.Equal(t, "Hi", log[0].Content.Text)

	require.True(t, log[1].Content.IsParts())
	require.Len(t, log[1].Content.Parts, 2)
	call := log[1].Content.Parts[1]
	assert.Equal(t, PartToolCall, call.Type)
	assert.Equal(t, "t1", call.ToolCallID)
	assert.JSONEq(t, `{"latitude":1,"longitude":2}`, call.Args.String())

	assert.JSONEq(t, `{"temp":70}`, log[2].Content.Parts[0].Result.String())
}

func TestDecodeLog_Empty(t *testing.T) {
	for _, in := range []string{"", "null", "[]", "  "} {
		log, err := DecodeLog([]byte(in))
		require.NoError(t, err, "input %q", in)
		assert.NotNil(t, log)
		assert.Empty(t, log)
	}
}

func TestDecodeLog_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown role":        `[{"role":"robot","content":"x"}]`,
		"unknown part type":   `[{"role":"user","content":[{"type":"image"}]}]`,
		"call without id":     `[{"role":"assistant","content":[{"type":"tool-call","toolName":"x","args":{}}]}]`,
		"call without name":   `[{"role":"assistant","content":[{"type":"tool-call","toolCallId":"a","args":{}}]}]`,
		"args not object":     `[{"role":"assistant","content":[{"type":"tool-call","toolCallId":"a","toolName":"x","args":[1]}]}]`,
		"result without id":   `[{"role":"tool","content":[{"type":"tool-result","result":1}]}]`,
		"result outside tool": `[{"role":"assistant","content":[{"type":"tool-result","toolCallId":"a","result":1}]}]`,
		"content wrong type":  `[{"role":"user","content":42}]`,
		"not an array":        `{"role":"user"}`,
		"malformed json":      `[{"role":"user",`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeLog([]byte(raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidLog)
		})
	}
}

func TestEncodeLog_RoundTrip(t *testing.T) {
	log := []StoredMessage{
		{Role: RoleUser, Content: TextContent("Hello")},
		{Role: RoleAssistant, Content: PartsContent(
			TextPart("Sure"),
			ToolCallPart("c1", "getWeather", MustPayload(map[string]any{"latitude": 1})),
		)},
		{Role: RoleAssistant, Content: PartsContent()},
	}

	b, err := EncodeLog(log)
	require.NoError(t, err)

	var generic []map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))
	assert.Equal(t, "Hello", generic[0]["content"])
	assert.IsType(t, []any{}, generic[1]["content"])
	assert.Equal(t, []any{}, generic[2]["content"])

	back, err := DecodeLog(b)
	require.NoError(t, err)
	assert.Equal(t, log, back)
}

func TestEncodeLog_Nil(t *testing.T) {
	b, err := EncodeLog(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))
}

func TestPayloadObject(t *testing.T) {
	m, err := Payload(nil).Object()
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = MustPayload(map[string]any{"a": 1.5}).Object()
	require.NoError(t, err)
	assert.Equal(t, 1.5, m["a"])

	_, err = Payload(`"str"`).Object()
	assert.Error(t, err)

	assert.True(t, Payload(` {"a":1}`).IsObject())
	assert.False(t, Payload(`[1]`).IsObject())
}
