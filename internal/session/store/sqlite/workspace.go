package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/models"
	"github.com/strand-dev/strand/internal/session/store"
)

// GetWorkspace retrieves a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id event.WorkspaceID) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.ro.GetContext(ctx, &ws, `
		SELECT id, path, name, created_at, last_activity_at
		FROM workspaces WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrWorkspaceInvalid
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// GetWorkspaceByPath retrieves a workspace by its canonical path.
func (s *Store) GetWorkspaceByPath(ctx context.Context, path string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.ro.GetContext(ctx, &ws, `
		SELECT id, path, name, created_at, last_activity_at
		FROM workspaces WHERE path = ?
	`, canonicalPath(path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrWorkspaceInvalid
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// findOrCreateWorkspace resolves the workspace row for a path, creating it on
// first use. Runs inside the caller's transaction.
func (s *Store) findOrCreateWorkspace(ctx context.Context, tx *sqlx.Tx, path string, now time.Time) (*models.Workspace, error) {
	canonical := canonicalPath(path)
	if canonical == "" {
		return nil, fmt.Errorf("%w: empty path", store.ErrWorkspaceInvalid)
	}

	var ws models.Workspace
	err := tx.GetContext(ctx, &ws, `
		SELECT id, path, name, created_at, last_activity_at
		FROM workspaces WHERE path = ?
	`, canonical)
	if err == nil {
		return &ws, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	ws = models.Workspace{
		ID:             event.NewWorkspaceID(),
		Path:           canonical,
		Name:           filepath.Base(canonical),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, path, name, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
	`, ws.ID, ws.Path, ws.Name, ws.CreatedAt, ws.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &ws, nil
}

// touchWorkspace bumps last_activity_at inside the caller's transaction.
func (s *Store) touchWorkspace(ctx context.Context, tx *sqlx.Tx, id event.WorkspaceID, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE workspaces SET last_activity_at = ? WHERE id = ?
	`, now, id)
	return err
}

func canonicalPath(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}
