package event

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes. Ids are opaque to clients; creation order within a
// session is given by the event sequence, not by id ordering.
const (
	WorkspaceIDPrefix = "ws_"
	SessionIDPrefix   = "sess_"
	EventIDPrefix     = "evt_"
	BlobIDPrefix      = "blob_"
)

// WorkspaceID identifies a filesystem workspace.
type WorkspaceID string

// SessionID identifies a session.
type SessionID string

// EventID identifies a single event in the log.
type EventID string

// BlobID identifies an out-of-row large payload.
type BlobID string

// NewWorkspaceID generates a new workspace id.
func NewWorkspaceID() WorkspaceID {
	return WorkspaceID(WorkspaceIDPrefix + shortUUID())
}

// NewSessionID generates a new session id.
func NewSessionID() SessionID {
	return SessionID(SessionIDPrefix + shortUUID())
}

// NewEventID generates a new event id.
func NewEventID() EventID {
	return EventID(EventIDPrefix + shortUUID())
}

// NewBlobID generates a new blob id.
func NewBlobID() BlobID {
	return BlobID(BlobIDPrefix + shortUUID())
}

func (id WorkspaceID) String() string { return string(id) }
func (id SessionID) String() string   { return string(id) }
func (id EventID) String() string     { return string(id) }
func (id BlobID) String() string      { return string(id) }

// Valid reports whether the id carries the expected prefix.
func (id WorkspaceID) Valid() bool { return strings.HasPrefix(string(id), WorkspaceIDPrefix) }
func (id SessionID) Valid() bool   { return strings.HasPrefix(string(id), SessionIDPrefix) }
func (id EventID) Valid() bool     { return strings.HasPrefix(string(id), EventIDPrefix) }
func (id BlobID) Valid() bool      { return strings.HasPrefix(string(id), BlobIDPrefix) }

func shortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
