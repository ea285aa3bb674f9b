// Package notify is the session-scoped notification bus. Delivery is
// best-effort and at-most-once per subscriber; a slow subscriber loses its
// oldest queued notifications, never the publisher's time.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
)

// Notification kinds.
const (
	KindEvent      = "event"
	KindCatchingUp = "catching_up"
	KindDropped    = "dropped"
)

// DefaultBufferSize bounds a subscriber's queue unless it asks otherwise.
const DefaultBufferSize = 256

// Notification is one delivery to a session subscriber. Dropped is set only
// on KindDropped and counts notifications lost since the last delivery.
type Notification struct {
	Kind      string          `json:"kind"`
	SessionID event.SessionID `json:"session_id"`
	Event     *event.Event    `json:"event,omitempty"`
	Dropped   int             `json:"dropped,omitempty"`
}

// Subscription is one subscriber's queue. Read from C until it closes.
type Subscription struct {
	sessionID event.SessionID
	limit     int

	mu      sync.Mutex
	queue   []*Notification
	dropped int
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	out     chan *Notification

	remove func()
}

// C returns the delivery channel. It closes after Close.
func (s *Subscription) C() <-chan *Notification { return s.out }

// SessionID returns the session this subscription follows.
func (s *Subscription) SessionID() event.SessionID { return s.sessionID }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.remove()
}

// push enqueues without ever blocking, dropping the oldest entry on overflow.
func (s *Subscription) push(n *Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, n)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued notifications to the consumer channel, announcing drops
// before the next regular delivery.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			var n *Notification
			switch {
			case s.dropped > 0:
				n = &Notification{Kind: KindDropped, SessionID: s.sessionID, Dropped: s.dropped}
				s.dropped = 0
			case len(s.queue) > 0:
				n = s.queue[0]
				s.queue = s.queue[1:]
			}
			s.mu.Unlock()
			if n == nil {
				break
			}
			select {
			case s.out <- n:
			case <-s.done:
				return
			}
		}
	}
}

// Broadcaster fans notifications out to per-session subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[event.SessionID]map[*Subscription]struct{}
	logger *logger.Logger
}

// New creates an empty broadcaster.
func New(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[event.SessionID]map[*Subscription]struct{}),
		logger: log.WithFields(zap.String("component", "notify")),
	}
}

// Subscribe registers a subscriber for one session. bufferSize <= 0 selects
// the default.
func (b *Broadcaster) Subscribe(sessionID event.SessionID, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	sub := &Subscription{
		sessionID: sessionID,
		limit:     bufferSize,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan *Notification),
	}
	sub.remove = func() { b.unsubscribe(sessionID, sub) }

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

func (b *Broadcaster) unsubscribe(sessionID event.SessionID, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// PublishEvent delivers a persisted event to the session's subscribers.
func (b *Broadcaster) PublishEvent(ev *event.Event) {
	b.publish(ev.SessionID, &Notification{Kind: KindEvent, SessionID: ev.SessionID, Event: ev})
}

// PublishCatchingUp tells subscribers that a replay is in progress.
func (b *Broadcaster) PublishCatchingUp(sessionID event.SessionID) {
	b.publish(sessionID, &Notification{Kind: KindCatchingUp, SessionID: sessionID})
}

func (b *Broadcaster) publish(sessionID event.SessionID, n *Notification) {
	b.mu.RLock()
	set := b.subs[sessionID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.push(n)
	}
}

// SubscriberCount reports live subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID event.SessionID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
