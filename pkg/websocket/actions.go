package websocket

// RPC method names.
const (
	MethodHealthCheck = "health.check"

	// Session lifecycle
	MethodSessionCreate  = "session.create"
	MethodSessionResume  = "session.resume"
	MethodSessionList    = "session.list"
	MethodSessionDelete  = "session.delete"
	MethodSessionFork    = "session.fork"
	MethodSessionContext = "session.context"

	// Event log
	MethodEventsAppend     = "events.append"
	MethodEventsGetHistory = "events.getHistory"
	MethodEventsGetStateAt = "events.getStateAt"
	MethodEventsSearch     = "events.search"

	// Messages
	MethodMessagesDelete = "messages.delete"

	// Turns
	MethodTurnStart  = "turn.start"
	MethodTurnCancel = "turn.cancel"

	// Live subscriptions
	MethodSessionSubscribe   = "session.subscribe"
	MethodSessionUnsubscribe = "session.unsubscribe"

	// Server push (notification frames)
	MethodSessionEvent      = "session.event"
	MethodSessionCatchingUp = "session.catching_up"
	MethodSessionDropped    = "session.dropped"
)

// Error codes.
const (
	ErrorCodeInvalidParams   = "INVALID_PARAMS"
	ErrorCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrorCodeEventNotFound   = "EVENT_NOT_FOUND"
	ErrorCodeSessionEnded    = "SESSION_ENDED"
	ErrorCodeValidation      = "VALIDATION_ERROR"
	ErrorCodeTurnActive      = "TURN_ACTIVE"
	ErrorCodeInternalError   = "INTERNAL_ERROR"
	ErrorCodeUnknownMethod   = "UNKNOWN_METHOD"
)
