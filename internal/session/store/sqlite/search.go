package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/strand-dev/strand/internal/event"
	"github.com/strand-dev/strand/internal/session/models"
	"github.com/strand-dev/strand/internal/session/store"
)

const defaultSearchLimit = 20

// Search runs a full-text query over the event text index. With FTS5
// unavailable it degrades to substring matching over event_text; results then
// carry a zero rank.
func (s *Store) Search(ctx context.Context, query string, filter store.SearchFilter) ([]*models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if s.ftsEnabled {
		return s.searchFTS(ctx, query, filter, limit)
	}
	return s.searchLike(ctx, query, filter, limit)
}

func (s *Store) searchFTS(ctx context.Context, query string, filter store.SearchFilter, limit int) ([]*models.SearchResult, error) {
	sqlQuery := `
		SELECT e.id, e.session_id, e.workspace_id, e.type,
			snippet(events_fts, 0, '[', ']', '…', 12) AS snippet,
			bm25(events_fts) AS rank
		FROM events_fts
		JOIN events e ON e.rowid = events_fts.rowid
		WHERE events_fts MATCH ?`
	args := []any{ftsQuery(query)}
	sqlQuery, args = applySearchFilter(sqlQuery, args, filter)
	sqlQuery += ` ORDER BY rank ASC LIMIT ?`
	args = append(args, limit)

	return s.collectSearchResults(ctx, sqlQuery, args)
}

func (s *Store) searchLike(ctx context.Context, query string, filter store.SearchFilter, limit int) ([]*models.SearchResult, error) {
	sqlQuery := `
		SELECT e.id, e.session_id, e.workspace_id, e.type,
			substr(e.event_text, 1, 120) AS snippet,
			0.0 AS rank
		FROM events e
		WHERE e.event_text LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	sqlQuery, args = applySearchFilter(sqlQuery, args, filter)
	sqlQuery += ` ORDER BY e.created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.collectSearchResults(ctx, sqlQuery, args)
}

func applySearchFilter(sqlQuery string, args []any, filter store.SearchFilter) (string, []any) {
	if filter.WorkspaceID != "" {
		sqlQuery += ` AND e.workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if filter.SessionID != "" {
		sqlQuery += ` AND e.session_id = ?`
		args = append(args, filter.SessionID)
	}
	if len(filter.Types) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Types))
		sqlQuery += ` AND e.type IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	return sqlQuery, args
}

func (s *Store) collectSearchResults(ctx context.Context, sqlQuery string, args []any) ([]*models.SearchResult, error) {
	rows, err := s.ro.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*models.SearchResult
	for rows.Next() {
		r := &models.SearchResult{}
		if err := rows.Scan(&r.EventID, &r.SessionID, &r.Workspace, &r.Type, &r.Snippet, &r.Rank); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// RebuildSessionIndex re-derives event_text (and the FTS rows) for every
// event a session owns. Only needed after recovering a database written by a
// build with a different text-extraction scheme.
func (s *Store) RebuildSessionIndex(ctx context.Context, sessionID event.SessionID) error {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}

	type indexRow struct {
		rowid   int64
		oldText string
		ev      *event.Event
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, event_text, `+eventColumns+` FROM events WHERE session_id = ? ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return err
	}
	var entries []indexRow
	for rows.Next() {
		entry := indexRow{ev: &event.Event{}}
		var (
			parentID sql.NullString
			payload  string
		)
		err := rows.Scan(&entry.rowid, &entry.oldText,
			&entry.ev.ID, &entry.ev.SessionID, &entry.ev.WorkspaceID, &parentID,
			&entry.ev.Type, &entry.ev.Sequence, &entry.ev.CreatedAt, &payload)
		if err != nil {
			_ = rows.Close()
			return err
		}
		entry.ev.ParentID = event.EventID(parentID.String)
		entry.ev.Payload = []byte(payload)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, entry := range entries {
			text := event.IndexText(entry.ev)
			if text == entry.oldText {
				continue
			}
			if s.ftsEnabled {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO events_fts(events_fts, rowid, event_text) VALUES ('delete', ?, ?)
				`, entry.rowid, entry.oldText)
				if err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, `UPDATE events SET event_text = ? WHERE rowid = ?`, text, entry.rowid); err != nil {
				return err
			}
			if s.ftsEnabled {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO events_fts(rowid, event_text) VALUES (?, ?)
				`, entry.rowid, text)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ftsQuery quotes each whitespace token so user input never hits FTS5 query
// syntax errors.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
