package db

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the journal created next to the registry when no path is given.
const FileName = ".pipeline.db"

const schema = `
CREATE TABLE IF NOT EXISTS upserts (
	id TEXT PRIMARY KEY,
	node_id TEXT NOT NULL,
	match_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	inserted INTEGER NOT NULL,
	columns INTEGER NOT NULL,
	source TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upserts_node ON upserts(node_id, created_at);
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	node_id TEXT NOT NULL,
	command TEXT NOT NULL,
	working_dir TEXT NOT NULL,
	status TEXT NOT NULL,
	exit_code INTEGER,
	output TEXT,
	started_at INTEGER NOT NULL,
	finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_node ON runs(node_id, started_at);
`

// DB wraps a SQLite database connection
type DB struct {
	conn *sql.DB
	Path string
}

// DefaultPath returns the journal location for a registry file.
func DefaultPath(registryPath string) string {
	return filepath.Join(filepath.Dir(registryPath), FileName)
}

// OpenDB opens (creating if needed) the journal with WAL mode and the schema
// applied
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: the tool is a single writer, and ":memory:" databases
	// are per connection.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{conn: conn, Path: path}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.conn.Close()
}
