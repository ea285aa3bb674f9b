package projection

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-dev/strand/internal/event"
)

type chainBuilder struct {
	t      *testing.T
	events []*event.Event
	seq    int64
}

func newChain(t *testing.T) *chainBuilder {
	b := &chainBuilder{t: t}
	b.add(event.TypeSessionStart, event.SessionStart{
		WorkspacePath:    "/tmp/project",
		WorkingDirectory: "/tmp/project",
		Model:            "claude-sonnet-4",
	})
	return b
}

func (b *chainBuilder) add(typ event.Type, payload any) *event.Event {
	b.t.Helper()
	raw, err := event.MarshalPayload(payload)
	require.NoError(b.t, err)

	ev := &event.Event{
		ID:        event.EventID(fmt.Sprintf("evt_%03d", b.seq)),
		SessionID: "sess_test",
		Type:      typ,
		Sequence:  b.seq,
		CreatedAt: time.Unix(1700000000+b.seq, 0).UTC(),
		Payload:   raw,
	}
	if len(b.events) > 0 {
		ev.ParentID = b.events[len(b.events)-1].ID
	}
	b.seq++
	b.events = append(b.events, ev)
	return ev
}

func (b *chainBuilder) user(text string) *event.Event {
	return b.add(event.TypeMessageUser, event.UserMessage{Content: event.TextContent(text)})
}

func (b *chainBuilder) assistant(text string, usage event.TokenUsage) *event.Event {
	return b.add(event.TypeMessageAssistant, event.AssistantMessage{
		Blocks: []event.ContentBlock{event.TextBlock(text)},
		Usage:  usage,
	})
}

func TestProjectSeedsFromSessionStart(t *testing.T) {
	b := newChain(t)

	state, err := Project(b.events)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", state.Model)
	assert.Equal(t, "medium", state.ReasoningLevel)
	assert.Equal(t, "/tmp/project", state.WorkspacePath)
	assert.Empty(t, state.Messages)
}

func TestProjectAppliesConfigEvents(t *testing.T) {
	b := newChain(t)
	b.add(event.TypeConfigModelSwitch, event.ModelSwitch{PreviousModel: "claude-sonnet-4", NewModel: "claude-opus-4"})
	b.add(event.TypeConfigReasoning, event.ReasoningLevel{NewLevel: "high"})

	state, err := Project(b.events)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", state.Model)
	assert.Equal(t, "high", state.ReasoningLevel)
}

func TestProjectMergesConsecutiveSameRole(t *testing.T) {
	b := newChain(t)
	first := b.user("part one")
	second := b.user("part two")
	b.assistant("reply", event.TokenUsage{})

	state, err := Project(b.events)
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)

	merged := state.Messages[0]
	assert.Equal(t, RoleUser, merged.Role)
	require.Len(t, merged.Blocks, 2)
	assert.Equal(t, "part one", merged.Blocks[0].Text)
	assert.Equal(t, "part two", merged.Blocks[1].Text)
	assert.Equal(t, []event.EventID{first.ID, second.ID}, merged.EventIDs)
}

func TestProjectDeletionAppliedAtEnd(t *testing.T) {
	b := newChain(t)
	b.user("keep")
	target := b.assistant("remove me", event.TokenUsage{InputTokens: 50, OutputTokens: 10})
	b.assistant("keep too", event.TokenUsage{InputTokens: 5, OutputTokens: 5})
	b.add(event.TypeMessageDeleted, event.MessageDeleted{TargetEventID: target.ID, TargetType: event.TypeMessageAssistant})

	state, err := Project(b.events)
	require.NoError(t, err)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "keep too", state.Messages[1].Text())

	// Usage counts kept assistant messages only.
	assert.Equal(t, 5, state.Usage.InputTokens)
	assert.Equal(t, 5, state.Usage.OutputTokens)
}

func TestProjectDoubleDeleteIsIdempotent(t *testing.T) {
	b := newChain(t)
	target := b.user("gone")
	b.add(event.TypeMessageDeleted, event.MessageDeleted{TargetEventID: target.ID})
	once, err := Project(b.events)
	require.NoError(t, err)

	b.add(event.TypeMessageDeleted, event.MessageDeleted{TargetEventID: target.ID})
	twice, err := Project(b.events)
	require.NoError(t, err)

	assert.Equal(t, once.Messages, twice.Messages)
	assert.Empty(t, twice.Messages)
}

func TestProjectDeleteBreaksMergeAdjacency(t *testing.T) {
	// Deleting the middle contributor leaves the outer two adjacent, so they
	// merge into one message.
	b := newChain(t)
	b.user("a")
	mid := b.assistant("m", event.TokenUsage{})
	b.user("b")
	b.add(event.TypeMessageDeleted, event.MessageDeleted{TargetEventID: mid.ID})

	state, err := Project(b.events)
	require.NoError(t, err)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "ab", state.Messages[0].Text())
}

func TestProjectCompactionSynthesisesPair(t *testing.T) {
	b := newChain(t)
	b.user("old question")
	b.assistant("old answer", event.TokenUsage{InputTokens: 400, OutputTokens: 100})
	b.add(event.TypeCompactBoundary, event.CompactBoundary{TokensRemoved: 500, MessagesRemoved: 2, Trigger: "threshold"})
	b.add(event.TypeCompactSummary, event.CompactSummary{Summary: "we discussed the schema."})
	b.user("new question")

	state, err := Project(b.events)
	require.NoError(t, err)
	require.Len(t, state.Messages, 3)

	assert.Equal(t, RoleUser, state.Messages[0].Role)
	assert.Equal(t, "Context from earlier: we discussed the schema.", state.Messages[0].Text())
	assert.Equal(t, RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, "new question", state.Messages[2].Text())

	// The compacted assistant message no longer contributes usage.
	assert.Equal(t, 0, state.Usage.InputTokens)
}

func TestProjectToolEvents(t *testing.T) {
	b := newChain(t)
	b.user("run it")
	b.add(event.TypeMessageAssistant, event.AssistantMessage{
		Blocks: []event.ContentBlock{{Type: event.BlockToolUse, ID: "call_1", Name: "bash"}},
	})
	b.add(event.TypeToolCall, event.ToolCall{Name: "bash", CallID: "call_1"})
	r1 := b.add(event.TypeToolResult, event.ToolResult{CallID: "call_1", Content: event.TextContent("ok")})
	r2 := b.add(event.TypeToolResult, event.ToolResult{CallID: "call_2", Content: event.TextContent("also ok")})

	state, err := Project(b.events)
	require.NoError(t, err)
	require.Len(t, state.Messages, 4)

	// tool.call contributes nothing; the assistant message carries the
	// tool_use block.
	assert.Equal(t, RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, event.BlockToolUse, state.Messages[1].Blocks[0].Type)

	// Adjacent tool results stay separate.
	assert.Equal(t, RoleTool, state.Messages[2].Role)
	assert.Equal(t, RoleTool, state.Messages[3].Role)
	assert.Equal(t, []event.EventID{r1.ID}, state.Messages[2].EventIDs)
	assert.Equal(t, []event.EventID{r2.ID}, state.Messages[3].EventIDs)
}

func TestProjectContextCleared(t *testing.T) {
	b := newChain(t)
	b.user("before")
	b.add(event.TypeContextCleared, event.ContextCleared{})
	b.user("after")

	state, err := Project(b.events)
	require.NoError(t, err)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "after", state.Messages[0].Text())
}

func TestProjectSkipsUnknownTypes(t *testing.T) {
	b := newChain(t)
	b.user("hello")
	b.add(event.Type("experimental.widget"), map[string]string{"x": "y"})

	state, err := Project(b.events)
	require.NoError(t, err)
	assert.Len(t, state.Messages, 1)
}

func TestProjectIsPure(t *testing.T) {
	b := newChain(t)
	b.user("a")
	b.assistant("b", event.TokenUsage{InputTokens: 10, OutputTokens: 3})
	mid := b.user("c")
	b.add(event.TypeMessageDeleted, event.MessageDeleted{TargetEventID: mid.ID})

	first, err := Project(b.events)
	require.NoError(t, err)
	second, err := Project(b.events)
	require.NoError(t, err)

	firstBytes, err := first.MarshalDeterministic()
	require.NoError(t, err)
	secondBytes, err := second.MarshalDeterministic()
	require.NoError(t, err)
	assert.Equal(t, firstBytes, secondBytes)
}

func TestProviderMessagesFoldToolRole(t *testing.T) {
	b := newChain(t)
	b.user("go")
	b.add(event.TypeToolResult, event.ToolResult{CallID: "c", Content: event.TextContent("out")})

	state, err := Project(b.events)
	require.NoError(t, err)

	msgs := state.ProviderMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[1].Role)
}
