// Package events names the lifecycle announcements published on the
// process-wide bus and provides the Announcer that emits them.
package events

// Announcement types for session lifecycle.
const (
	SessionCreated = "session.created"
	SessionEnded   = "session.ended"
	SessionForked  = "session.forked"
)

// Announcement types for turns.
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
)

const subjectPrefix = "strand."

// Subject builds the bus subject for an announcement type.
func Subject(eventType string) string {
	return subjectPrefix + eventType
}

// WildcardSubject matches every announcement this service publishes.
func WildcardSubject() string {
	return subjectPrefix + ">"
}

// SessionWildcardSubject matches all session lifecycle announcements.
func SessionWildcardSubject() string {
	return subjectPrefix + "session.*"
}
