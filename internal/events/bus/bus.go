// Package bus carries process-wide lifecycle announcements. Session state
// itself lives in the event log; the bus only tells interested consumers
// that something happened, so they can re-read the log if they care.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one announcement on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an announcement with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one announcement.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes announcements by subject. Subjects are dot-separated;
// subscriptions may use NATS-style wildcards: "*" matches one token, ">"
// matches the rest of the subject.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
