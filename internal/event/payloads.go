package event

import (
	"encoding/json"
	"fmt"
)

// Block type strings inside message content.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// StopReason is why a provider stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// EndReason is why a session ended.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndAborted   EndReason = "aborted"
	EndError     EndReason = "error"
	EndTimeout   EndReason = "timeout"
)

// ContentBlock is one element of structured message content.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`   // tool_use call id
	Name      string          `json:"name,omitempty"` // tool name
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // tool_result content
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Content is message content that may be a bare string or a block sequence on
// the wire. A bare string decodes to a single text block.
type Content struct {
	Blocks []ContentBlock
}

// TextContent builds content holding a single text block.
func TextContent(text string) Content {
	return Content{Blocks: []ContentBlock{TextBlock(text)}}
}

// Text concatenates the textual surface of all blocks.
func (c Content) Text() string {
	var out string
	for _, b := range c.Blocks {
		switch b.Type {
		case BlockText:
			out += b.Text
		case BlockThinking:
			out += b.Thinking
		case BlockToolResult:
			out += b.Content
		}
	}
	return out
}

// MarshalJSON emits a bare string when the content is a single text block,
// matching what clients send.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.Blocks) == 1 && c.Blocks[0].Type == BlockText {
		return json.Marshal(c.Blocks[0].Text)
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts either a bare string or an array of blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Blocks = []ContentBlock{TextBlock(s)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or a block array: %w", err)
	}
	c.Blocks = blocks
	return nil
}

// TokenUsage is the normalised token accounting record reported with each
// assistant message. Cache fields default to zero when a provider does not
// expose them.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
}

// Total returns the sum of all fields.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Payload schemas, one per event type.

// SessionStart seeds a session: workspace path, working directory, initial model.
type SessionStart struct {
	WorkspacePath    string `json:"workspace_path"`
	WorkingDirectory string `json:"working_directory"`
	Model            string `json:"model"`
}

// SessionFork records where a forked session branched from.
type SessionFork struct {
	ParentSessionID SessionID `json:"parent_session_id"`
	ForkEventID     EventID   `json:"fork_event_id"`
	Name            string    `json:"name,omitempty"`
}

// SessionEnd flips the session's end flag.
type SessionEnd struct {
	Reason EndReason `json:"reason"`
}

// UserMessage is a message from the user.
type UserMessage struct {
	Content Content `json:"content"`
	Turn    int     `json:"turn"`
}

// AssistantMessage is the complete assistant reply for one streaming round.
type AssistantMessage struct {
	Blocks     []ContentBlock `json:"content"`
	Turn       int            `json:"turn"`
	Usage      TokenUsage     `json:"usage"`
	StopReason StopReason     `json:"stop_reason"`
	Model      string         `json:"model"`
}

// ToolCall mirrors a tool_use block for transport-layer visibility. It does
// not duplicate message content during projection.
type ToolCall struct {
	Name      string          `json:"name"`
	CallID    string          `json:"call_id"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	CallID  string  `json:"call_id"`
	Content Content `json:"content"`
	IsError bool    `json:"is_error,omitempty"`
}

// CompactBoundary marks the point up to which messages were compacted away.
type CompactBoundary struct {
	TokensRemoved   int    `json:"tokens_removed"`
	MessagesRemoved int    `json:"messages_removed"`
	Trigger         string `json:"trigger"`
}

// CompactSummary carries the text that replaces the removed messages.
type CompactSummary struct {
	Summary string `json:"summary"`
}

// MessageDeleted removes the target's message from projection while keeping
// the event in the log.
type MessageDeleted struct {
	TargetEventID EventID `json:"target_event_id"`
	TargetType    Type    `json:"target_type"`
}

// ModelSwitch replaces the session's model.
type ModelSwitch struct {
	PreviousModel string `json:"previous_model"`
	NewModel      string `json:"new_model"`
}

// ReasoningLevel replaces the session's reasoning level.
type ReasoningLevel struct {
	PreviousLevel string `json:"previous_level,omitempty"`
	NewLevel      string `json:"new_level"`
}

// TextDelta is a streaming artefact used to reconstruct in-progress turns for
// late-joining subscribers.
type TextDelta struct {
	Delta string `json:"delta"`
	Turn  int    `json:"turn"`
}

// ThinkingDelta is a streaming artefact for reasoning output.
type ThinkingDelta struct {
	Delta string `json:"delta"`
	Turn  int    `json:"turn"`
}

// ThinkingComplete carries the full reasoning text once a thinking block closes.
type ThinkingComplete struct {
	Thinking string `json:"thinking"`
	Turn     int    `json:"turn"`
}

// TurnStart opens a turn.
type TurnStart struct {
	Turn int `json:"turn"`
}

// TurnEnd closes a turn.
type TurnEnd struct {
	Turn int `json:"turn"`
}

// ContextCleared records that the in-memory window was reset.
type ContextCleared struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorInfo is the shared shape of error.agent, error.tool and error.provider.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TurnFailed records exactly one failure per failed turn.
type TurnFailed struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	Recoverable bool   `json:"recoverable"`
	Turn        int    `json:"turn"`
}

// Interrupted records a user-initiated cancellation.
type Interrupted struct {
	Turn int `json:"turn"`
}

// SubagentResult carries a nested agent's outcome into the parent session.
type SubagentResult struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// Opaque preserves the raw payload of an unknown event type.
type Opaque struct {
	Raw json.RawMessage `json:"-"`
}

// MarshalPayload serialises a payload value for appending.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	return data, nil
}

// DecodePayload returns the typed payload for the event. Unknown types decode
// to Opaque with the raw JSON preserved.
func (e *Event) DecodePayload() (any, error) {
	var v any
	switch e.Type {
	case TypeSessionStart:
		v = &SessionStart{}
	case TypeSessionEnd:
		v = &SessionEnd{}
	case TypeSessionFork:
		v = &SessionFork{}
	case TypeMessageUser:
		v = &UserMessage{}
	case TypeMessageAssistant:
		v = &AssistantMessage{}
	case TypeToolCall:
		v = &ToolCall{}
	case TypeToolResult:
		v = &ToolResult{}
	case TypeStreamTextDelta:
		v = &TextDelta{}
	case TypeStreamThinking:
		v = &ThinkingDelta{}
	case TypeThinkingComplete:
		v = &ThinkingComplete{}
	case TypeStreamTurnStart:
		v = &TurnStart{}
	case TypeStreamTurnEnd:
		v = &TurnEnd{}
	case TypeConfigModelSwitch:
		v = &ModelSwitch{}
	case TypeConfigReasoning:
		v = &ReasoningLevel{}
	case TypeMessageDeleted:
		v = &MessageDeleted{}
	case TypeCompactBoundary:
		v = &CompactBoundary{}
	case TypeCompactSummary:
		v = &CompactSummary{}
	case TypeContextCleared:
		v = &ContextCleared{}
	case TypeErrorAgent, TypeErrorTool, TypeErrorProvider:
		v = &ErrorInfo{}
	case TypeTurnFailed:
		v = &TurnFailed{}
	case TypeInterrupted:
		v = &Interrupted{}
	case TypeSubagentResult:
		v = &SubagentResult{}
	default:
		return &Opaque{Raw: e.Payload}, nil
	}
	if len(e.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s payload: %w", e.Type, err)
	}
	return v, nil
}

// PayloadAs decodes the event payload into T, failing when the event type
// does not carry that payload shape.
func PayloadAs[T any](e *Event) (*T, error) {
	decoded, err := e.DecodePayload()
	if err != nil {
		return nil, err
	}
	typed, ok := decoded.(*T)
	if !ok {
		return nil, fmt.Errorf("event %s has payload type %T", e.ID, decoded)
	}
	return typed, nil
}
