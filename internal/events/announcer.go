package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/events/bus"
)

// Announcer publishes lifecycle announcements on the event bus. Publishing
// is best-effort: a failed announcement is logged, never surfaced to the
// caller, because the event log remains the source of truth.
type Announcer struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// NewAnnouncer creates an announcer publishing as the given source.
func NewAnnouncer(b bus.EventBus, source string, log *logger.Logger) *Announcer {
	return &Announcer{bus: b, source: source, logger: log}
}

// SessionCreated announces a new session.
func (a *Announcer) SessionCreated(ctx context.Context, sessionID event.SessionID, workspaceID event.WorkspaceID) {
	a.publish(ctx, SessionCreated, map[string]any{
		"session_id":   sessionID,
		"workspace_id": workspaceID,
	})
}

// SessionEnded announces that a session stopped accepting events.
func (a *Announcer) SessionEnded(ctx context.Context, sessionID event.SessionID, reason event.EndReason) {
	a.publish(ctx, SessionEnded, map[string]any{
		"session_id": sessionID,
		"reason":     reason,
	})
}

// SessionForked announces a fork and its source.
func (a *Announcer) SessionForked(ctx context.Context, sessionID, sourceID event.SessionID, forkEventID event.EventID) {
	a.publish(ctx, SessionForked, map[string]any{
		"session_id":        sessionID,
		"source_session_id": sourceID,
		"fork_event_id":     forkEventID,
	})
}

// TurnStarted announces an accepted turn.
func (a *Announcer) TurnStarted(ctx context.Context, sessionID event.SessionID, turn int) {
	a.publish(ctx, TurnStarted, map[string]any{
		"session_id": sessionID,
		"turn":       turn,
	})
}

func (a *Announcer) publish(ctx context.Context, eventType string, data map[string]any) {
	if a == nil || a.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, a.source, data)
	if err := a.bus.Publish(ctx, Subject(eventType), ev); err != nil {
		a.logger.Warn("Failed to publish announcement",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
