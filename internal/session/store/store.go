// Package store defines the event store contract: append and retrieval,
// session/workspace indexing, tree operations, forks and full-text search.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/models"
)

// Sentinel errors surfaced by store implementations.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrEventNotFound    = errors.New("event not found")
	ErrParentNotFound   = errors.New("parent event not found")
	ErrSessionEnded     = errors.New("session has ended")
	ErrNotDeletable     = errors.New("event type cannot be deleted")
	ErrWorkspaceInvalid = errors.New("workspace path is invalid")
)

// CreateSessionParams configures a new session.
type CreateSessionParams struct {
	WorkspacePath    string
	WorkingDirectory string
	Model            string
	Title            string
}

// AppendParams configures a single event append. When ParentID is empty, the
// session's current head is used.
type AppendParams struct {
	SessionID event.SessionID
	Type      event.Type
	Payload   json.RawMessage
	ParentID  event.EventID
}

// AppendSpec is one entry of an atomic multi-event append. Event n+1's parent
// is event n; the head moves once at the end.
type AppendSpec struct {
	Type    event.Type
	Payload json.RawMessage
}

// ListSessionsFilter narrows ListSessions.
type ListSessionsFilter struct {
	WorkspaceID event.WorkspaceID
	IsActive    *bool
	Limit       int
	Offset      int
}

// SearchFilter narrows Search.
type SearchFilter struct {
	WorkspaceID event.WorkspaceID
	SessionID   event.SessionID
	Types       []event.Type
	Limit       int
}

// HistoryFilter pages GetEventsBySession. Since is an exclusive lower bound
// on sequence; pass -1 for everything.
type HistoryFilter struct {
	Since int64
	Limit int
}

// Store is the persistent, append-only event log.
//
// All mutating operations run in a single database transaction and update
// workspace/session last-activity atomically. Implementations serialise the
// sequence-increment + head-update critical section per session.
type Store interface {
	// CreateSession finds or creates the workspace, inserts the session and
	// its session.start root event in one transaction.
	CreateSession(ctx context.Context, params CreateSessionParams) (*models.Session, *event.Event, error)

	// Append commits one event at the session head (or the given parent).
	Append(ctx context.Context, params AppendParams) (*event.Event, error)

	// AppendMultiple commits a parent-chained batch atomically.
	AppendMultiple(ctx context.Context, sessionID event.SessionID, specs []AppendSpec) ([]*event.Event, error)

	GetEvent(ctx context.Context, id event.EventID) (*event.Event, error)

	// GetEventsBySession returns events owned by the session in ascending
	// sequence. Inherited ancestor events are not included.
	GetEventsBySession(ctx context.Context, sessionID event.SessionID, filter HistoryFilter) ([]*event.Event, error)

	// GetAncestors returns the chain from the root session.start down to and
	// including the given event, following parent links across fork
	// boundaries.
	GetAncestors(ctx context.Context, id event.EventID) ([]*event.Event, error)

	// GetChildren returns events whose parent is the given event, in
	// sequence order.
	GetChildren(ctx context.Context, id event.EventID) ([]*event.Event, error)

	// Fork creates a new session branching at the given event. The forked
	// session inherits all ancestors of the fork point.
	Fork(ctx context.Context, forkPointEventID event.EventID, name string) (*models.Session, *event.Event, error)

	// DeleteMessage appends a message.deleted event referencing the target.
	// Idempotent: deleting an already-deleted message appends another delete
	// event with the same observable effect.
	DeleteMessage(ctx context.Context, sessionID event.SessionID, targetEventID event.EventID) (*event.Event, error)

	// EndSession appends a session.end event and flips the end flag.
	EndSession(ctx context.Context, sessionID event.SessionID, reason event.EndReason) (*event.Event, error)

	GetSession(ctx context.Context, id event.SessionID) (*models.Session, error)
	GetWorkspace(ctx context.Context, id event.WorkspaceID) (*models.Workspace, error)
	GetWorkspaceByPath(ctx context.Context, path string) (*models.Workspace, error)

	// ListSessions returns sessions ordered by last activity descending.
	ListSessions(ctx context.Context, filter ListSessionsFilter) ([]*models.Session, error)

	// Search runs a full-text query over the event text index.
	Search(ctx context.Context, query string, filter SearchFilter) ([]*models.SearchResult, error)

	// RebuildSessionIndex re-derives the search index rows for one session.
	// Normal operation never needs this; it exists for recovery.
	RebuildSessionIndex(ctx context.Context, sessionID event.SessionID) error

	Close() error
}
