package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	s, err := New(filepath.Join(t.TempDir(), "strand.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestSession(t *testing.T, s *Store) (*event.Event, event.SessionID) {
	t.Helper()
	session, root, err := s.CreateSession(context.Background(), store.CreateSessionParams{
		WorkspacePath: "/tmp/project",
		Model:         "claude-sonnet-4",
	})
	require.NoError(t, err)
	return root, session.ID
}

func appendUser(t *testing.T, s *Store, sessionID event.SessionID, text string) *event.Event {
	t.Helper()
	payload, err := event.MarshalPayload(event.UserMessage{Content: event.TextContent(text)})
	require.NoError(t, err)
	ev, err := s.Append(context.Background(), store.AppendParams{
		SessionID: sessionID,
		Type:      event.TypeMessageUser,
		Payload:   payload,
	})
	require.NoError(t, err)
	return ev
}

func TestCreateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, root, err := s.CreateSession(ctx, store.CreateSessionParams{
		WorkspacePath: "/tmp/project",
		Model:         "claude-sonnet-4",
		Title:         "first",
	})
	require.NoError(t, err)

	assert.Equal(t, event.TypeSessionStart, root.Type)
	assert.Equal(t, int64(0), root.Sequence)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, root.ID, session.RootEventID)
	assert.Equal(t, root.ID, session.HeadEventID)
	assert.Equal(t, int64(1), session.EventCount)

	ws, err := s.GetWorkspace(ctx, session.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/project", ws.Path)

	// Same path reuses the workspace.
	second, _, err := s.CreateSession(ctx, store.CreateSessionParams{WorkspacePath: "/tmp/project"})
	require.NoError(t, err)
	assert.Equal(t, session.WorkspaceID, second.WorkspaceID)
}

func TestAppendAdvancesHeadAndSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root, sessionID := createTestSession(t, s)

	first := appendUser(t, s, sessionID, "hello")
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, root.ID, first.ParentID)

	second := appendUser(t, s, sessionID, "again")
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, first.ID, second.ParentID)

	session, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, session.HeadEventID)
	assert.Equal(t, int64(3), session.EventCount)
	assert.Equal(t, int64(2), session.MessageCount)
}

func TestAppendRejectsUnknownTypeAndMissingParent(t *testing.T) {
	s := newTestStore(t)
	_, sessionID := createTestSession(t, s)

	_, err := s.Append(context.Background(), store.AppendParams{
		SessionID: sessionID,
		Type:      event.Type("message.bogus"),
	})
	assert.Error(t, err)

	_, err = s.Append(context.Background(), store.AppendParams{
		SessionID: sessionID,
		Type:      event.TypeMessageUser,
		ParentID:  event.EventID("evt_missing"),
	})
	assert.ErrorIs(t, err, store.ErrParentNotFound)
}

func TestAppendToUnknownSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Append(context.Background(), store.AppendParams{
		SessionID: event.SessionID("sess_missing"),
		Type:      event.TypeMessageUser,
	})
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestAppendMultipleIsChained(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root, sessionID := createTestSession(t, s)

	boundary, err := event.MarshalPayload(event.CompactBoundary{TokensRemoved: 900, Trigger: "manual"})
	require.NoError(t, err)
	summary, err := event.MarshalPayload(event.CompactSummary{Summary: "earlier work"})
	require.NoError(t, err)

	events, err := s.AppendMultiple(ctx, sessionID, []store.AppendSpec{
		{Type: event.TypeCompactBoundary, Payload: boundary},
		{Type: event.TypeCompactSummary, Payload: summary},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, root.ID, events[0].ParentID)
	assert.Equal(t, events[0].ID, events[1].ParentID)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)

	session, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, events[1].ID, session.HeadEventID)
}

func TestConcurrentAppendsStayMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, sessionID := createTestSession(t, s)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, _ := event.MarshalPayload(event.UserMessage{Content: event.TextContent("x")})
			_, err := s.Append(ctx, store.AppendParams{
				SessionID: sessionID,
				Type:      event.TypeMessageUser,
				Payload:   payload,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := s.GetEventsBySession(ctx, sessionID, store.HistoryFilter{Since: -1})
	require.NoError(t, err)
	require.Len(t, events, n+1)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Sequence)
	}
}

func TestGetAncestorsCrossesForkBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root, sessionID := createTestSession(t, s)
	msg := appendUser(t, s, sessionID, "shared prefix")

	forked, forkRoot, err := s.Fork(ctx, msg.ID, "experiment")
	require.NoError(t, err)
	assert.Equal(t, event.TypeSessionFork, forkRoot.Type)
	assert.Equal(t, int64(0), forkRoot.Sequence)
	assert.Equal(t, msg.ID, forkRoot.ParentID)
	assert.Equal(t, sessionID, forked.ParentSessionID)
	assert.Equal(t, msg.ID, forked.ForkEventID)
	assert.Equal(t, "claude-sonnet-4", forked.Model)

	forkedMsg := appendUser(t, s, forked.ID, "divergent")

	chain, err := s.GetAncestors(ctx, forkedMsg.ID)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, root.ID, chain[0].ID)
	assert.Equal(t, msg.ID, chain[1].ID)
	assert.Equal(t, forkRoot.ID, chain[2].ID)
	assert.Equal(t, forkedMsg.ID, chain[3].ID)

	// The source session's own history does not include forked events.
	events, err := s.GetEventsBySession(ctx, sessionID, store.HistoryFilter{Since: -1})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestGetChildrenShowsBranchPoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, sessionID := createTestSession(t, s)
	msg := appendUser(t, s, sessionID, "branch here")

	_, _, err := s.Fork(ctx, msg.ID, "a")
	require.NoError(t, err)
	_, _, err = s.Fork(ctx, msg.ID, "b")
	require.NoError(t, err)

	children, err := s.GetChildren(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestForkMissingEvent(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Fork(context.Background(), event.EventID("evt_missing"), "branch")
	assert.ErrorIs(t, err, store.ErrEventNotFound)
}

func TestDeleteMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root, sessionID := createTestSession(t, s)
	msg := appendUser(t, s, sessionID, "remove me")

	del, err := s.DeleteMessage(ctx, sessionID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, event.TypeMessageDeleted, del.Type)

	p, err := event.PayloadAs[event.MessageDeleted](del)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, p.TargetEventID)

	// session.start cannot be deleted.
	_, err = s.DeleteMessage(ctx, sessionID, root.ID)
	assert.ErrorIs(t, err, store.ErrNotDeletable)

	_, err = s.DeleteMessage(ctx, sessionID, event.EventID("evt_missing"))
	assert.ErrorIs(t, err, store.ErrEventNotFound)

	// Deleting again is idempotent at the log level: another marker appends.
	again, err := s.DeleteMessage(ctx, sessionID, msg.ID)
	require.NoError(t, err)
	assert.Greater(t, again.Sequence, del.Sequence)
}

func TestEndSessionRejectsFurtherAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, sessionID := createTestSession(t, s)

	end, err := s.EndSession(ctx, sessionID, event.EndCompleted)
	require.NoError(t, err)
	assert.Equal(t, event.TypeSessionEnd, end.Type)

	session, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, session.Ended)
	require.NotNil(t, session.EndedAt)

	_, err = s.Append(ctx, store.AppendParams{
		SessionID: sessionID,
		Type:      event.TypeMessageUser,
	})
	assert.ErrorIs(t, err, store.ErrSessionEnded)

	_, err = s.EndSession(ctx, sessionID, event.EndCompleted)
	assert.ErrorIs(t, err, store.ErrSessionEnded)
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, first := createTestSession(t, s)
	_, second := createTestSession(t, s)

	_, err := s.EndSession(ctx, first, event.EndCompleted)
	require.NoError(t, err)

	all, err := s.ListSessions(ctx, store.ListSessionsFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active := true
	onlyActive, err := s.ListSessions(ctx, store.ListSessionsFilter{IsActive: &active})
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	assert.Equal(t, second, onlyActive[0].ID)
}

func TestSearchFindsMessageText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, sessionID := createTestSession(t, s)
	target := appendUser(t, s, sessionID, "the flux capacitor hums")
	appendUser(t, s, sessionID, "unrelated chatter")

	results, err := s.Search(ctx, "capacitor", store.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, target.ID, results[0].EventID)
	assert.Equal(t, sessionID, results[0].SessionID)

	// Scoped to another session there is no hit.
	_, other := createTestSession(t, s)
	results, err = s.Search(ctx, "capacitor", store.SearchFilter{SessionID: other})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRebuildSessionIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, sessionID := createTestSession(t, s)
	appendUser(t, s, sessionID, "rebuild target phrase")

	require.NoError(t, s.RebuildSessionIndex(ctx, sessionID))

	results, err := s.Search(ctx, "rebuild", store.SearchFilter{SessionID: sessionID})
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	err = s.RebuildSessionIndex(ctx, event.SessionID("sess_missing"))
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestTokenCountersAccumulate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, sessionID := createTestSession(t, s)

	payload, err := event.MarshalPayload(event.AssistantMessage{
		Blocks: []event.ContentBlock{{Type: event.BlockText, Text: "done"}},
		Usage:  event.TokenUsage{InputTokens: 100, OutputTokens: 25},
	})
	require.NoError(t, err)
	_, err = s.Append(ctx, store.AppendParams{
		SessionID: sessionID,
		Type:      event.TypeMessageAssistant,
		Payload:   payload,
	})
	require.NoError(t, err)

	session, err := s.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), session.Tokens.InputTokens)
	assert.Equal(t, int64(25), session.Tokens.OutputTokens)
}
