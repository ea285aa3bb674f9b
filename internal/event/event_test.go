package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDPrefixes(t *testing.T) {
	assert.True(t, NewWorkspaceID().Valid())
	assert.True(t, NewSessionID().Valid())
	assert.True(t, NewEventID().Valid())
	assert.True(t, NewBlobID().Valid())

	assert.False(t, EventID("sess_123").Valid())
	assert.NotEqual(t, NewEventID(), NewEventID())
}

func TestTypeClassification(t *testing.T) {
	assert.True(t, TypeSessionStart.Known())
	assert.True(t, TypeStreamThinking.Known())
	assert.False(t, Type("message.bogus").Known())

	assert.True(t, TypeMessageUser.Deletable())
	assert.True(t, TypeMessageAssistant.Deletable())
	assert.False(t, TypeSessionStart.Deletable())
	assert.False(t, TypeStreamTurnStart.Deletable())
}

func TestContentAcceptsBareString(t *testing.T) {
	var c Content
	require.NoError(t, json.Unmarshal([]byte(`"hello"`), &c))
	require.Len(t, c.Blocks, 1)
	assert.Equal(t, BlockText, c.Blocks[0].Type)
	assert.Equal(t, "hello", c.Text())

	// A single text block marshals back to the bare string form.
	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `"hello"`, string(out))
}

func TestContentAcceptsBlockArray(t *testing.T) {
	raw := `[{"type":"text","text":"a"},{"type":"tool_use","id":"tu_1","name":"read_file","input":{"path":"x"}}]`
	var c Content
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	require.Len(t, c.Blocks, 2)
	assert.Equal(t, BlockToolUse, c.Blocks[1].Type)
	assert.Equal(t, "read_file", c.Blocks[1].Name)
}

func TestPayloadRoundTrip(t *testing.T) {
	payload, err := MarshalPayload(UserMessage{Content: TextContent("hi")})
	require.NoError(t, err)

	ev := &Event{
		ID:        NewEventID(),
		Type:      TypeMessageUser,
		CreatedAt: time.Now(),
		Payload:   payload,
	}

	decoded, err := PayloadAs[UserMessage](ev)
	require.NoError(t, err)
	assert.Equal(t, "hi", decoded.Content.Text())

	generic, err := ev.DecodePayload()
	require.NoError(t, err)
	msg, ok := generic.(*UserMessage)
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Content.Text())
}

func TestTokenUsageAccumulates(t *testing.T) {
	u := TokenUsage{InputTokens: 10, OutputTokens: 5}
	u.Add(TokenUsage{InputTokens: 3, OutputTokens: 2, CacheReadTokens: 7})
	assert.Equal(t, 13, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
	assert.Equal(t, 7, u.CacheReadTokens)
	assert.Equal(t, 27, u.Total())
}

func TestIndexTextCoversMessageSurface(t *testing.T) {
	payload, err := MarshalPayload(UserMessage{Content: TextContent("find the budget report")})
	require.NoError(t, err)

	ev := &Event{Type: TypeMessageUser, Payload: payload}
	assert.Contains(t, IndexText(ev), "budget report")

	// Stream deltas are transient and never indexed.
	delta, err := MarshalPayload(TextDelta{Delta: "partial"})
	require.NoError(t, err)
	assert.Empty(t, IndexText(&Event{Type: TypeStreamTextDelta, Payload: delta}))
}
