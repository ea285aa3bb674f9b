package persister

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/store"
	storesqlite "github.com/strand-dev/strand/internal/session/store/sqlite"
)

func newTestEnv(t *testing.T) (store.Store, event.SessionID, event.EventID, *logger.Logger) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	s, err := storesqlite.New(filepath.Join(t.TempDir(), "strand.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	session, root, err := s.CreateSession(context.Background(), store.CreateSessionParams{
		WorkspacePath: "/tmp/project",
		Model:         "claude-sonnet-4",
	})
	require.NoError(t, err)
	return s, session.ID, root.ID, log
}

func userPayload(t *testing.T, text string) []byte {
	t.Helper()
	raw, err := event.MarshalPayload(event.UserMessage{Content: event.TextContent(text)})
	require.NoError(t, err)
	return raw
}

func TestAppendAsyncAdvancesPendingHead(t *testing.T) {
	s, sessionID, head, log := newTestEnv(t)
	p := New(s, sessionID, head, log)
	defer p.Close()

	ev, err := p.AppendAsync(context.Background(), event.TypeMessageUser, userPayload(t, "hi"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, head, ev.ParentID)
	assert.Equal(t, ev.ID, p.PendingHeadEventID())
}

func TestFireAndForgetPreservesEnqueueOrder(t *testing.T) {
	s, sessionID, head, log := newTestEnv(t)
	p := New(s, sessionID, head, log)
	defer p.Close()

	const n = 25
	for i := 0; i < n; i++ {
		p.Append(event.TypeMessageUser, userPayload(t, fmt.Sprintf("msg-%02d", i)), nil)
	}
	require.NoError(t, p.Flush(context.Background()))

	events, err := s.GetEventsBySession(context.Background(), sessionID, store.HistoryFilter{Since: 0})
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		msg, perr := event.PayloadAs[event.UserMessage](ev)
		require.NoError(t, perr)
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), msg.Content.Text())
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestAppendMultipleIsAtomic(t *testing.T) {
	s, sessionID, head, log := newTestEnv(t)
	p := New(s, sessionID, head, log)
	defer p.Close()

	boundary, err := event.MarshalPayload(event.CompactBoundary{Trigger: "manual"})
	require.NoError(t, err)
	summary, err := event.MarshalPayload(event.CompactSummary{Summary: "s"})
	require.NoError(t, err)

	events, err := p.AppendMultiple(context.Background(), []store.AppendSpec{
		{Type: event.TypeCompactBoundary, Payload: boundary},
		{Type: event.TypeCompactSummary, Payload: summary},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, events[1].ID, p.PendingHeadEventID())
}

// failingStore fails every write after the first failAfter commits.
type failingStore struct {
	store.Store
	failAfter int
	commits   int
}

var errInjected = errors.New("disk full")

func (f *failingStore) Append(ctx context.Context, params store.AppendParams) (*event.Event, error) {
	if f.commits >= f.failAfter {
		return nil, errInjected
	}
	f.commits++
	return f.Store.Append(ctx, params)
}

func TestErrorLatchSkipsSubsequentWrites(t *testing.T) {
	s, sessionID, head, log := newTestEnv(t)
	fs := &failingStore{Store: s, failAfter: 1}
	p := New(fs, sessionID, head, log)
	defer p.Close()

	ctx := context.Background()

	first, err := p.AppendAsync(ctx, event.TypeMessageUser, userPayload(t, "ok"))
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = p.AppendAsync(ctx, event.TypeMessageUser, userPayload(t, "boom"))
	require.ErrorIs(t, err, errInjected)
	assert.True(t, p.HasError())
	assert.ErrorIs(t, p.Err(), errInjected)

	// Latched: returns nil with no error.
	skipped, err := p.AppendAsync(ctx, event.TypeMessageUser, userPayload(t, "after"))
	require.NoError(t, err)
	assert.Nil(t, skipped)

	// Fire-and-forget is silently skipped; onCreated never runs.
	called := false
	p.Append(event.TypeMessageUser, userPayload(t, "after2"), func(*event.Event) { called = true })
	require.NoError(t, p.Flush(ctx))
	assert.False(t, called)

	// Pending head stays at the last successful commit.
	assert.Equal(t, first.ID, p.PendingHeadEventID())

	events, err := s.GetEventsBySession(ctx, sessionID, store.HistoryFilter{Since: 0})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFlushWaitsForQueuedCommits(t *testing.T) {
	s, sessionID, head, log := newTestEnv(t)
	p := New(s, sessionID, head, log)
	defer p.Close()

	committed := make([]event.EventID, 0, 5)
	for i := 0; i < 5; i++ {
		p.Append(event.TypeMessageUser, userPayload(t, "x"), func(ev *event.Event) {
			committed = append(committed, ev.ID)
		})
	}
	require.NoError(t, p.Flush(context.Background()))
	assert.Len(t, committed, 5)
}

func TestCloseDrainsQueue(t *testing.T) {
	s, sessionID, head, log := newTestEnv(t)
	p := New(s, sessionID, head, log)

	for i := 0; i < 3; i++ {
		p.Append(event.TypeMessageUser, userPayload(t, "x"), nil)
	}
	p.Close()

	events, err := s.GetEventsBySession(context.Background(), sessionID, store.HistoryFilter{Since: 0})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
