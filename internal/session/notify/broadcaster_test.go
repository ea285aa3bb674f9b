package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
)

func newTestBroadcaster(t *testing.T) *Broadcaster {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(log)
}

func testEvent(sessionID event.SessionID, seq int64) *event.Event {
	return &event.Event{
		ID:        event.EventID(fmt.Sprintf("evt_%03d", seq)),
		SessionID: sessionID,
		Type:      event.TypeMessageUser,
		Sequence:  seq,
	}
}

func receive(t *testing.T, sub *Subscription) *Notification {
	t.Helper()
	select {
	case n := <-sub.C():
		require.NotNil(t, n)
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestDeliversEventsInOrder(t *testing.T) {
	b := newTestBroadcaster(t)
	sub := b.Subscribe("sess_a", 16)
	defer sub.Close()

	for i := int64(1); i <= 3; i++ {
		b.PublishEvent(testEvent("sess_a", i))
	}
	for i := int64(1); i <= 3; i++ {
		n := receive(t, sub)
		assert.Equal(t, KindEvent, n.Kind)
		assert.Equal(t, i, n.Event.Sequence)
	}
}

func TestSubscribersAreSessionScoped(t *testing.T) {
	b := newTestBroadcaster(t)
	subA := b.Subscribe("sess_a", 16)
	defer subA.Close()
	subB := b.Subscribe("sess_b", 16)
	defer subB.Close()

	b.PublishEvent(testEvent("sess_a", 1))

	n := receive(t, subA)
	assert.Equal(t, event.SessionID("sess_a"), n.SessionID)

	select {
	case n := <-subB.C():
		t.Fatalf("unexpected delivery to other session: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := newTestBroadcaster(t)
	sub := b.Subscribe("sess_a", 2)
	defer sub.Close()

	// Nothing is consumed while five events arrive, so the bounded queue
	// must shed its oldest entries and report how many were lost.
	for i := int64(1); i <= 5; i++ {
		b.PublishEvent(testEvent("sess_a", i))
	}

	var (
		delivered []int64
		dropped   int
	)
	for len(delivered)+dropped < 5 {
		n := receive(t, sub)
		switch n.Kind {
		case KindDropped:
			dropped += n.Dropped
		case KindEvent:
			delivered = append(delivered, n.Event.Sequence)
		}
	}

	assert.GreaterOrEqual(t, dropped, 2)
	// Whatever survived arrives in order and always includes the newest.
	for i := 1; i < len(delivered); i++ {
		assert.Less(t, delivered[i-1], delivered[i])
	}
	assert.Equal(t, int64(5), delivered[len(delivered)-1])
}

func TestPublishNeverBlocks(t *testing.T) {
	b := newTestBroadcaster(t)
	sub := b.Subscribe("sess_a", 1)
	defer sub.Close()

	donech := make(chan struct{})
	go func() {
		for i := int64(0); i < 1000; i++ {
			b.PublishEvent(testEvent("sess_a", i))
		}
		close(donech)
	}()

	select {
	case <-donech:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := newTestBroadcaster(t)
	sub := b.Subscribe("sess_a", 16)
	sub.Close()

	assert.Equal(t, 0, b.SubscriberCount("sess_a"))
	b.PublishEvent(testEvent("sess_a", 1))

	// The channel closes; no further values arrive.
	for range sub.C() {
	}
}

func TestCatchingUpNotification(t *testing.T) {
	b := newTestBroadcaster(t)
	sub := b.Subscribe("sess_a", 16)
	defer sub.Close()

	b.PublishCatchingUp("sess_a")
	n := receive(t, sub)
	assert.Equal(t, KindCatchingUp, n.Kind)
	assert.Nil(t, n.Event)
}
