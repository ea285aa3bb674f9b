// Package models defines the workspace and session rows persisted alongside
// the event log.
package models

import (
	"time"

	"github.com/strand-dev/strand/internal/event"
)

// Workspace is a filesystem working directory where sessions occur. Created
// on the first session that references its path; never deleted.
type Workspace struct {
	ID             event.WorkspaceID `json:"id" db:"id"`
	Path           string            `json:"path" db:"path"`
	Name           string            `json:"name" db:"name"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at" db:"last_activity_at"`
}

// TokenTotals are the cached per-session token counters. They are an
// optimisation only: state projection recomputes totals from events and never
// trusts these.
type TokenTotals struct {
	InputTokens         int64 `json:"input_tokens" db:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens" db:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens" db:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens" db:"cache_creation_tokens"`
}

// Add accumulates usage reported by one assistant message.
func (t *TokenTotals) Add(u event.TokenUsage) {
	t.InputTokens += int64(u.InputTokens)
	t.OutputTokens += int64(u.OutputTokens)
	t.CacheReadTokens += int64(u.CacheReadTokens)
	t.CacheCreationTokens += int64(u.CacheCreationTokens)
}

// Session is one conversation anchored at a workspace. RootEventID references
// the session.start (or session.fork) event; HeadEventID is the current tip.
type Session struct {
	ID              event.SessionID   `json:"id" db:"id"`
	WorkspaceID     event.WorkspaceID `json:"workspace_id" db:"workspace_id"`
	RootEventID     event.EventID     `json:"root_event_id" db:"root_event_id"`
	HeadEventID     event.EventID     `json:"head_event_id" db:"head_event_id"`
	ParentSessionID event.SessionID   `json:"parent_session_id,omitempty" db:"parent_session_id"`
	ForkEventID     event.EventID     `json:"fork_event_id,omitempty" db:"fork_event_id"`
	Model           string            `json:"model" db:"model"`
	ReasoningLevel  string            `json:"reasoning_level" db:"reasoning_level"`
	Title           string            `json:"title,omitempty" db:"title"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	LastActivityAt  time.Time         `json:"last_activity_at" db:"last_activity_at"`
	Ended           bool              `json:"ended" db:"ended"`
	EndedAt         *time.Time        `json:"ended_at,omitempty" db:"ended_at"`
	EventCount      int64             `json:"event_count" db:"event_count"`
	MessageCount    int64             `json:"message_count" db:"message_count"`
	Tokens          TokenTotals       `json:"tokens"`
}

// SearchResult is one full-text search hit.
type SearchResult struct {
	EventID   event.EventID     `json:"event_id"`
	SessionID event.SessionID   `json:"session_id"`
	Workspace event.WorkspaceID `json:"workspace_id"`
	Type      event.Type        `json:"type"`
	Snippet   string            `json:"snippet"`
	Rank      float64           `json:"rank"`
}
