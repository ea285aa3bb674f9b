// Package sqlite implements the event store on SQLite.
//
// The writer connection is a single-connection pool (see internal/db), so all
// writes are serialised at the driver level; a per-session mutex additionally
// guards the sequence-increment + head-update critical section so that no
// other operation can interleave between reading the head and committing.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/strand-dev/strand/internal/common/logger"
	"github.com/strand-dev/strand/internal/db"
)

// Store provides SQLite-backed event log storage.
type Store struct {
	db     *sqlx.DB // writer (single connection)
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool

	// Per-session append locks.
	locks sync.Map // event.SessionID -> *sync.Mutex

	// ftsEnabled is false when the driver was built without FTS5; search
	// then falls back to LIKE over event_text.
	ftsEnabled bool

	logger *logger.Logger
}

// New opens the database at path and initialises the schema.
func New(path string, log *logger.Logger) (*Store, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return newStore(writer, reader, true, log)
}

// NewWithDB creates a store over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB, log *logger.Logger) (*Store, error) {
	return newStore(writer, reader, false, log)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:     writer,
		ro:     reader,
		ownsDB: ownsDB,
		logger: log.WithFields(zap.String("component", "event_store")),
	}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
			_ = reader.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections when the store owns them.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return s.ro.Close()
}

// DB returns the underlying writer for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// sessionLock returns the append mutex for a session.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// withTx runs fn inside a write transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	if err := s.initCoreSchema(); err != nil {
		return err
	}
	return s.initSearchSchema()
}

func (s *Store) initCoreSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		root_event_id TEXT NOT NULL,
		head_event_id TEXT NOT NULL,
		parent_session_id TEXT DEFAULT '',
		fork_event_id TEXT DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		reasoning_level TEXT NOT NULL DEFAULT 'medium',
		title TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		ended INTEGER NOT NULL DEFAULT 0,
		ended_at TIMESTAMP,
		event_count INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_workspace_id ON sessions(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity_at DESC);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		parent_id TEXT,
		type TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		event_text TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (session_id) REFERENCES sessions(id),
		UNIQUE (session_id, sequence)
	);

	CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`)
	return err
}

// initSearchSchema creates the FTS5 index and its maintenance triggers. The
// index is kept current by triggers so that rebuilding is never required
// during normal operation.
func (s *Store) initSearchSchema() error {
	_, err := s.db.Exec(`
	CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
		event_text,
		content='events',
		content_rowid='rowid'
	);
	`)
	if err != nil {
		// FTS5 is a compile-time SQLite option (build tag sqlite_fts5 for
		// mattn/go-sqlite3). Degrade to LIKE search when missing.
		s.logger.Warn("FTS5 unavailable, falling back to substring search", zap.Error(err))
		s.ftsEnabled = false
		return nil
	}
	s.ftsEnabled = true

	_, err = s.db.Exec(`
	CREATE TRIGGER IF NOT EXISTS events_fts_after_insert AFTER INSERT ON events BEGIN
		INSERT INTO events_fts(rowid, event_text) VALUES (new.rowid, new.event_text);
	END;

	CREATE TRIGGER IF NOT EXISTS events_fts_after_delete AFTER DELETE ON events BEGIN
		INSERT INTO events_fts(events_fts, rowid, event_text) VALUES ('delete', old.rowid, old.event_text);
	END;
	`)
	return err
}
