// Package event defines the typed, parent-linked event model that makes up a
// session log. Events are immutable once committed; corrections are expressed
// as new events (message.deleted, config.model_switch, and so on).
package event

import (
	"encoding/json"
	"time"
)

// Type is the closed set of wire-stable event type strings.
type Type string

const (
	TypeSessionStart      Type = "session.start"
	TypeSessionEnd        Type = "session.end"
	TypeSessionFork       Type = "session.fork"
	TypeMessageUser       Type = "message.user"
	TypeMessageAssistant  Type = "message.assistant"
	TypeToolCall          Type = "tool.call"
	TypeToolResult        Type = "tool.result"
	TypeStreamTextDelta   Type = "stream.text_delta"
	TypeStreamThinking    Type = "stream.thinking_delta"
	TypeThinkingComplete  Type = "stream.thinking_complete"
	TypeStreamTurnStart   Type = "stream.turn_start"
	TypeStreamTurnEnd     Type = "stream.turn_end"
	TypeConfigModelSwitch Type = "config.model_switch"
	TypeConfigReasoning   Type = "config.reasoning_level"
	TypeMessageDeleted    Type = "message.deleted"
	TypeCompactBoundary   Type = "compact.boundary"
	TypeCompactSummary    Type = "compact.summary"
	TypeContextCleared    Type = "context.cleared"
	TypeErrorAgent        Type = "error.agent"
	TypeErrorTool         Type = "error.tool"
	TypeErrorProvider     Type = "error.provider"
	TypeTurnFailed        Type = "turn.failed"
	TypeInterrupted       Type = "notification.interrupted"
	TypeSubagentResult    Type = "notification.subagent_result"
)

var knownTypes = map[Type]bool{
	TypeSessionStart:      true,
	TypeSessionEnd:        true,
	TypeSessionFork:       true,
	TypeMessageUser:       true,
	TypeMessageAssistant:  true,
	TypeToolCall:          true,
	TypeToolResult:        true,
	TypeStreamTextDelta:   true,
	TypeStreamThinking:    true,
	TypeThinkingComplete:  true,
	TypeStreamTurnStart:   true,
	TypeStreamTurnEnd:     true,
	TypeConfigModelSwitch: true,
	TypeConfigReasoning:   true,
	TypeMessageDeleted:    true,
	TypeCompactBoundary:   true,
	TypeCompactSummary:    true,
	TypeContextCleared:    true,
	TypeErrorAgent:        true,
	TypeErrorTool:         true,
	TypeErrorProvider:     true,
	TypeTurnFailed:        true,
	TypeInterrupted:       true,
	TypeSubagentResult:    true,
}

// Known reports whether t is part of the closed type set. Unknown types are
// stored opaquely and skipped during projection (forward compatibility).
func (t Type) Known() bool { return knownTypes[t] }

// IsMessage reports whether events of this type contribute messages to the
// projected conversation.
func (t Type) IsMessage() bool {
	switch t {
	case TypeMessageUser, TypeMessageAssistant, TypeToolCall, TypeToolResult:
		return true
	}
	return false
}

// Deletable reports whether a message.deleted event may target this type.
func (t Type) Deletable() bool {
	switch t {
	case TypeMessageUser, TypeMessageAssistant, TypeToolResult:
		return true
	}
	return false
}

// Event is one immutable record in a session log. ParentID is empty only for
// session.start events; every other event links to an existing parent, which
// may belong to an ancestor session when the session was forked.
type Event struct {
	ID          EventID         `json:"id" db:"id"`
	SessionID   SessionID       `json:"session_id" db:"session_id"`
	WorkspaceID WorkspaceID     `json:"workspace_id" db:"workspace_id"`
	ParentID    EventID         `json:"parent_id,omitempty" db:"parent_id"`
	Type        Type            `json:"type" db:"type"`
	Sequence    int64           `json:"sequence" db:"sequence"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
}
