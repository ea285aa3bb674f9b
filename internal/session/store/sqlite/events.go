package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/models"
	"github.com/strand-dev/strand/internal/session/store"
)

const eventColumns = `id, session_id, workspace_id, parent_id, type, sequence, created_at, payload`

// Append commits one event at the session head (or at params.ParentID when
// set). The per-session lock serialises the read-head / write-head window.
func (s *Store) Append(ctx context.Context, params store.AppendParams) (*event.Event, error) {
	if !params.Type.Known() {
		return nil, fmt.Errorf("unknown event type %q", params.Type)
	}

	mu := s.sessionLock(string(params.SessionID))
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	var ev *event.Event
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		session, err := s.getSessionForUpdate(ctx, tx, params.SessionID)
		if err != nil {
			return err
		}
		if params.ParentID != "" {
			if err := s.checkParentInTx(ctx, tx, params.ParentID); err != nil {
				return err
			}
		}
		ev, err = s.appendInTx(ctx, tx, session, params.Type, params.Payload, params.ParentID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// AppendMultiple commits a parent-chained batch in one transaction: event n+1
// points at event n, and the head moves once, to the last event.
func (s *Store) AppendMultiple(ctx context.Context, sessionID event.SessionID, specs []store.AppendSpec) ([]*event.Event, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	for _, spec := range specs {
		if !spec.Type.Known() {
			return nil, fmt.Errorf("unknown event type %q", spec.Type)
		}
	}

	mu := s.sessionLock(string(sessionID))
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	var events []*event.Event
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		session, err := s.getSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		for _, spec := range specs {
			ev, err := s.appendInTx(ctx, tx, session, spec.Type, spec.Payload, "", now)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// appendInTx inserts one event and advances the session head and cached
// counters. The caller holds the session lock and the write transaction;
// session is mutated in place so chained appends see the new head.
func (s *Store) appendInTx(ctx context.Context, tx *sqlx.Tx, session *models.Session, typ event.Type, payload json.RawMessage, parentID event.EventID, now time.Time) (*event.Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if parentID == "" {
		parentID = session.HeadEventID
	}

	var nextSeq int64
	err := tx.GetContext(ctx, &nextSeq, `
		SELECT COALESCE(MAX(sequence), -1) + 1 FROM events WHERE session_id = ?
	`, session.ID)
	if err != nil {
		return nil, err
	}

	ev := &event.Event{
		ID:          event.NewEventID(),
		SessionID:   session.ID,
		WorkspaceID: session.WorkspaceID,
		ParentID:    parentID,
		Type:        typ,
		Sequence:    nextSeq,
		CreatedAt:   now,
		Payload:     payload,
	}
	if err := s.insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}

	session.HeadEventID = ev.ID
	session.EventCount++
	if typ.IsMessage() {
		session.MessageCount++
	}
	if typ == event.TypeMessageAssistant {
		var msg event.AssistantMessage
		if err := json.Unmarshal(payload, &msg); err == nil {
			session.Tokens.Add(msg.Usage)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			head_event_id = ?, last_activity_at = ?,
			event_count = ?, message_count = ?,
			input_tokens = ?, output_tokens = ?,
			cache_read_tokens = ?, cache_creation_tokens = ?
		WHERE id = ?
	`, ev.ID, now, session.EventCount, session.MessageCount,
		session.Tokens.InputTokens, session.Tokens.OutputTokens,
		session.Tokens.CacheReadTokens, session.Tokens.CacheCreationTokens,
		session.ID)
	if err != nil {
		return nil, err
	}
	return ev, s.touchWorkspace(ctx, tx, session.WorkspaceID, now)
}

func (s *Store) insertEvent(ctx context.Context, tx *sqlx.Tx, ev *event.Event) error {
	var parentID any
	if ev.ParentID != "" {
		parentID = string(ev.ParentID)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, session_id, workspace_id, parent_id, type, sequence, created_at, payload, event_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SessionID, ev.WorkspaceID, parentID, ev.Type, ev.Sequence,
		ev.CreatedAt, string(ev.Payload), event.IndexText(ev))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) checkParentInTx(ctx context.Context, tx *sqlx.Tx, parentID event.EventID) error {
	var exists int
	err := tx.GetContext(ctx, &exists, `SELECT 1 FROM events WHERE id = ?`, parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrParentNotFound
	}
	return err
}

// GetEvent retrieves a single event by id.
func (s *Store) GetEvent(ctx context.Context, id event.EventID) (*event.Event, error) {
	row := s.ro.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrEventNotFound
	}
	return ev, err
}

// GetEventsBySession returns the session's own events in sequence order.
// Events inherited from a parent session via fork are not included.
func (s *Store) GetEventsBySession(ctx context.Context, sessionID event.SessionID, filter store.HistoryFilter) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`
	args := []any{sessionID, filter.Since}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

// GetAncestors walks parent links from the given event back to the root
// session.start, crossing fork boundaries, and returns the chain oldest
// first.
func (s *Store) GetAncestors(ctx context.Context, id event.EventID) ([]*event.Event, error) {
	rows, err := s.ro.QueryContext(ctx, `
		WITH RECURSIVE chain(id, session_id, workspace_id, parent_id, type, sequence, created_at, payload, depth) AS (
			SELECT id, session_id, workspace_id, parent_id, type, sequence, created_at, payload, 0
			FROM events WHERE id = ?
			UNION ALL
			SELECT e.id, e.session_id, e.workspace_id, e.parent_id, e.type, e.sequence, e.created_at, e.payload, chain.depth + 1
			FROM events e JOIN chain ON e.id = chain.parent_id
		)
		SELECT id, session_id, workspace_id, parent_id, type, sequence, created_at, payload
		FROM chain ORDER BY depth DESC
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrEventNotFound
	}
	return events, nil
}

// GetChildren returns the direct children of an event in sequence order.
// More than one child means the event is a branch point.
func (s *Store) GetChildren(ctx context.Context, id event.EventID) ([]*event.Event, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE parent_id = ? ORDER BY sequence ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

// DeleteMessage appends a message.deleted event referencing the target. The
// target itself is never removed; projection hides it. Deleting twice appends
// a second marker with the same observable effect.
func (s *Store) DeleteMessage(ctx context.Context, sessionID event.SessionID, targetEventID event.EventID) (*event.Event, error) {
	target, err := s.GetEvent(ctx, targetEventID)
	if err != nil {
		return nil, err
	}
	if !target.Type.Deletable() {
		return nil, fmt.Errorf("%w: %s", store.ErrNotDeletable, target.Type)
	}

	payload, err := event.MarshalPayload(event.MessageDeleted{
		TargetEventID: targetEventID,
		TargetType:    target.Type,
	})
	if err != nil {
		return nil, err
	}
	return s.Append(ctx, store.AppendParams{
		SessionID: sessionID,
		Type:      event.TypeMessageDeleted,
		Payload:   payload,
	})
}

func collectEvents(rows *sql.Rows) ([]*event.Event, error) {
	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*event.Event, error) {
	ev := &event.Event{}
	var (
		parentID sql.NullString
		payload  string
	)
	err := row.Scan(&ev.ID, &ev.SessionID, &ev.WorkspaceID, &parentID, &ev.Type,
		&ev.Sequence, &ev.CreatedAt, &payload)
	if err != nil {
		return nil, err
	}
	ev.ParentID = event.EventID(parentID.String)
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}
