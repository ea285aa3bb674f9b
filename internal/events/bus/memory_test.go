package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-dev/strand/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	b := NewMemoryEventBus(log)
	t.Cleanup(b.Close)
	return b
}

// collector gathers delivered events.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handle(_ context.Context, e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestPublishDeliversToExactSubject(t *testing.T) {
	b := newTestBus(t)
	var got collector

	_, err := b.Subscribe("strand.session.created", got.handle)
	require.NoError(t, err)

	ev := NewEvent("session.created", "test", map[string]any{"session_id": "sess_1"})
	require.NoError(t, b.Publish(context.Background(), "strand.session.created", ev))

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, "session.created", got.events[0].Type)
	assert.Equal(t, "test", got.events[0].Source)
	assert.Equal(t, "sess_1", got.events[0].Data["session_id"])
}

func TestWildcardSubscriptions(t *testing.T) {
	b := newTestBus(t)
	var single, tail collector

	_, err := b.Subscribe("strand.session.*", single.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("strand.>", tail.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "strand.session.created", NewEvent("session.created", "test", nil)))
	require.NoError(t, b.Publish(ctx, "strand.session.ended", NewEvent("session.ended", "test", nil)))
	require.NoError(t, b.Publish(ctx, "strand.turn.started", NewEvent("turn.started", "test", nil)))

	require.Eventually(t, func() bool { return tail.count() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return single.count() == 2 }, time.Second, 5*time.Millisecond)

	// "*" must not cross token boundaries.
	require.NoError(t, b.Publish(ctx, "strand.session.created.extra", NewEvent("x", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, single.count())
}

func TestNonMatchingSubjectNotDelivered(t *testing.T) {
	b := newTestBus(t)
	var got collector

	_, err := b.Subscribe("strand.session.created", got.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "strand.turn.started", NewEvent("turn.started", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, got.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	var got collector

	sub, err := b.Subscribe("strand.session.created", got.handle)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "strand.session.created", NewEvent("session.created", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, got.count())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := newTestBus(t)
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "strand.session.created", NewEvent("session.created", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("strand.session.created", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
