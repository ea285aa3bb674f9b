package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	sqliteutil "github.com/strand-dev/strand/internal/common/sqlite"
	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/models"
	"github.com/strand-dev/strand/internal/session/store"
)

const sessionColumns = `
	id, workspace_id, root_event_id, head_event_id, parent_session_id, fork_event_id,
	model, reasoning_level, title, created_at, last_activity_at, ended, ended_at,
	event_count, message_count, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens`

// CreateSession finds or creates the workspace, inserts the session row and
// its session.start root event in a single transaction.
func (s *Store) CreateSession(ctx context.Context, params store.CreateSessionParams) (*models.Session, *event.Event, error) {
	now := time.Now().UTC()

	workingDir := params.WorkingDirectory
	if workingDir == "" {
		workingDir = params.WorkspacePath
	}

	var (
		session *models.Session
		root    *event.Event
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		ws, err := s.findOrCreateWorkspace(ctx, tx, params.WorkspacePath, now)
		if err != nil {
			return err
		}

		payload, err := event.MarshalPayload(event.SessionStart{
			WorkspacePath:    ws.Path,
			WorkingDirectory: workingDir,
			Model:            params.Model,
		})
		if err != nil {
			return err
		}

		root = &event.Event{
			ID:          event.NewEventID(),
			SessionID:   event.NewSessionID(),
			WorkspaceID: ws.ID,
			Type:        event.TypeSessionStart,
			Sequence:    0,
			CreatedAt:   now,
			Payload:     payload,
		}

		session = &models.Session{
			ID:             root.SessionID,
			WorkspaceID:    ws.ID,
			RootEventID:    root.ID,
			HeadEventID:    root.ID,
			Model:          params.Model,
			ReasoningLevel: "medium",
			Title:          params.Title,
			CreatedAt:      now,
			LastActivityAt: now,
			EventCount:     1,
		}

		if err := s.insertSession(ctx, tx, session); err != nil {
			return err
		}
		if err := s.insertEvent(ctx, tx, root); err != nil {
			return err
		}
		return s.touchWorkspace(ctx, tx, ws.ID, now)
	})
	if err != nil {
		return nil, nil, err
	}
	return session, root, nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id event.SessionID) (*models.Session, error) {
	row := s.ro.QueryRowContext(ctx, `SELECT`+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	return session, err
}

// ListSessions returns sessions ordered by last activity descending.
func (s *Store) ListSessions(ctx context.Context, filter store.ListSessionsFilter) ([]*models.Session, error) {
	query := `SELECT` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}

	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if filter.IsActive != nil {
		query += ` AND ended = ?`
		args = append(args, sqliteutil.BoolToInt(!*filter.IsActive))
	}
	query += ` ORDER BY last_activity_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// EndSession appends a session.end event and flips the end flag atomically.
func (s *Store) EndSession(ctx context.Context, sessionID event.SessionID, reason event.EndReason) (*event.Event, error) {
	payload, err := event.MarshalPayload(event.SessionEnd{Reason: reason})
	if err != nil {
		return nil, err
	}

	mu := s.sessionLock(string(sessionID))
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	var ev *event.Event
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		session, err := s.getSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		ev, err = s.appendInTx(ctx, tx, session, event.TypeSessionEnd, payload, "", now)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET ended = 1, ended_at = ? WHERE id = ?
		`, now, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Store) insertSession(ctx context.Context, tx *sqlx.Tx, session *models.Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, workspace_id, root_event_id, head_event_id, parent_session_id, fork_event_id,
			model, reasoning_level, title, created_at, last_activity_at, ended, ended_at,
			event_count, message_count, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID, session.WorkspaceID, session.RootEventID, session.HeadEventID,
		session.ParentSessionID, session.ForkEventID,
		session.Model, session.ReasoningLevel, session.Title,
		session.CreatedAt, session.LastActivityAt,
		sqliteutil.BoolToInt(session.Ended), session.EndedAt,
		session.EventCount, session.MessageCount,
		session.Tokens.InputTokens, session.Tokens.OutputTokens,
		session.Tokens.CacheReadTokens, session.Tokens.CacheCreationTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// getSessionForUpdate loads the session row inside a write transaction and
// rejects ended sessions.
func (s *Store) getSessionForUpdate(ctx context.Context, tx *sqlx.Tx, id event.SessionID) (*models.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT`+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if session.Ended {
		return nil, store.ErrSessionEnded
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var (
		parentSessionID sql.NullString
		forkEventID     sql.NullString
		title           sql.NullString
		ended           int
		endedAt         sql.NullTime
	)
	err := row.Scan(
		&session.ID, &session.WorkspaceID, &session.RootEventID, &session.HeadEventID,
		&parentSessionID, &forkEventID,
		&session.Model, &session.ReasoningLevel, &title,
		&session.CreatedAt, &session.LastActivityAt, &ended, &endedAt,
		&session.EventCount, &session.MessageCount,
		&session.Tokens.InputTokens, &session.Tokens.OutputTokens,
		&session.Tokens.CacheReadTokens, &session.Tokens.CacheCreationTokens,
	)
	if err != nil {
		return nil, err
	}
	session.ParentSessionID = event.SessionID(parentSessionID.String)
	session.ForkEventID = event.EventID(forkEventID.String)
	session.Title = title.String
	session.Ended = ended != 0
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	return session, nil
}
