// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: WAL mode for concurrent reads, schema created automatically on open.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema is
// created if it doesn't exist; parent directories are created if needed.
// Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps the in-memory database coherent and keeps
	// writers serialized; WAL handles concurrent readers for file databases.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connectors (
			id            TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL DEFAULT '',
			name          TEXT NOT NULL,
			kind          TEXT NOT NULL,
			launch_json   TEXT NOT NULL,
			auth_method   TEXT NOT NULL,
			active        INTEGER NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL,

			CHECK (kind IN ('stdio_process', 'http_remote')),
			CHECK (auth_method IN ('none', 'api_key', 'oauth2'))
		);

		CREATE INDEX IF NOT EXISTS idx_connectors_owner ON connectors(owner_user_id, active);

		CREATE TABLE IF NOT EXISTS credentials (
			connector_id     TEXT PRIMARY KEY,
			encrypted_secret TEXT NOT NULL,
			secret_kind      TEXT NOT NULL,
			expires_at       TEXT,
			updated_at       TEXT NOT NULL,

			FOREIGN KEY (connector_id) REFERENCES connectors(id) ON DELETE CASCADE,
			CHECK (secret_kind IN ('api_key', 'oauth_token'))
		);

		CREATE TABLE IF NOT EXISTS discovered_tools (
			connector_id  TEXT NOT NULL,
			tool_name     TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			json_schema   TEXT,
			discovered_at TEXT NOT NULL,

			PRIMARY KEY (connector_id, tool_name),
			FOREIGN KEY (connector_id) REFERENCES connectors(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS session_attachments (
			session_id           TEXT NOT NULL,
			connector_id         TEXT NOT NULL,
			status               TEXT NOT NULL,
			tool_names_json      TEXT NOT NULL DEFAULT '[]',
			last_health_check_at TEXT,
			updated_at           TEXT NOT NULL,

			PRIMARY KEY (session_id, connector_id),
			CHECK (status IN ('attaching', 'active', 'degraded', 'detached'))
		);

		CREATE INDEX IF NOT EXISTS idx_attachments_session ON session_attachments(session_id, status);

		CREATE TABLE IF NOT EXISTS stream_events (
			session_id  TEXT NOT NULL,
			sequence_no INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			payload     TEXT NOT NULL,
			emitted_at  TEXT NOT NULL,

			PRIMARY KEY (session_id, sequence_no),
			CHECK (kind IN ('progress', 'tool_call_started', 'tool_call_result', 'error', 'final_message'))
		);

		CREATE INDEX IF NOT EXISTS idx_stream_events_emitted ON stream_events(emitted_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation reports whether err is a SQLite uniqueness or check
// constraint failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint")
}

// Ensure SQLiteStore implements the full contract.
var _ Store = (*SQLiteStore)(nil)
