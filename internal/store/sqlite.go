// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent, command and file persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so that TEXT ordering matches chronological ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: writes serialize and an in-memory database stays a single database.
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

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			os           TEXT NOT NULL DEFAULT '',
			username     TEXT NOT NULL DEFAULT '',
			hostname     TEXT NOT NULL DEFAULT '',
			ip_address   TEXT NOT NULL DEFAULT '',
			tags_json    TEXT,
			online       INTEGER NOT NULL DEFAULT 0,
			last_contact TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_last_contact ON agents(last_contact DESC);

		CREATE TABLE IF NOT EXISTS commands (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			text         TEXT NOT NULL,
			status       TEXT NOT NULL,
			result       TEXT,
			created_at   TEXT NOT NULL,
			completed_at TEXT,
			FOREIGN KEY (agent_id) REFERENCES agents(id),

			CHECK (status IN ('pending', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_agent_created ON commands(agent_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_commands_agent_status ON commands(agent_id, status);

		CREATE TABLE IF NOT EXISTS files (
			id          TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			filename    TEXT NOT NULL,
			category    TEXT NOT NULL,
			size_bytes  INTEGER NOT NULL,
			stored_path TEXT NOT NULL,
			digest      TEXT NOT NULL DEFAULT '',
			uploaded_at TEXT NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id),

			CHECK (category IN ('screenshot', 'video', 'document', 'other'))
		);

		CREATE INDEX IF NOT EXISTS idx_files_agent_uploaded ON files(agent_id, uploaded_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping reports whether the database answers a trivial query
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Stats returns aggregate counts across agents, commands and files
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM agents WHERE online = 1),
			(SELECT COUNT(*) FROM commands),
			(SELECT COUNT(*) FROM commands WHERE status = 'pending'),
			(SELECT COUNT(*) FROM files),
			(SELECT COALESCE(SUM(size_bytes), 0) FROM files)
	`

	var st Stats
	err := s.db.QueryRowContext(ctx, query).Scan(
		&st.TotalAgents,
		&st.OnlineAgents,
		&st.TotalCommands,
		&st.PendingCommands,
		&st.TotalFiles,
		&st.TotalBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	return &st, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// isForeignKeyError reports whether err is a foreign key violation, which for
// commands and files means the referenced agent does not exist.
func isForeignKeyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// Compile-time check that SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
