// Package db provides SQLite-based persistence for the orchestrator.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &DB{DB: db, path: dbPath}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

// migrate runs database migrations.
func (d *DB) migrate() error {
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	row := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
		{2, migration2},
		{3, migration3},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}

		if _, err := d.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// Migration 1: tickets table
const migration1 = `
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    summary TEXT NOT NULL,
    area TEXT,
    priority TEXT NOT NULL DEFAULT 'medium',
    entity TEXT,
    op TEXT,
    auth TEXT,
    trigger_op TEXT,
    plan_status TEXT NOT NULL DEFAULT 'none',
    build_status TEXT NOT NULL DEFAULT 'none',
    pr_status TEXT NOT NULL DEFAULT 'none',
    pr_number INTEGER DEFAULT 0,
    retry_count INTEGER DEFAULT 0,
    needs_manual_rebase INTEGER DEFAULT 0,
    phase INTEGER DEFAULT 0,
    est_files INTEGER DEFAULT 0,
    est_lines INTEGER DEFAULT 0,
    est_tests INTEGER DEFAULT 0,
    est_duration_ns INTEGER DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickets_build_status ON tickets(build_status);
CREATE INDEX IF NOT EXISTS idx_tickets_area ON tickets(area);
`

// Migration 2: declared dependency edges
const migration2 = `
CREATE TABLE IF NOT EXISTS dependencies (
    ticket_id TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    blocked_by TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    PRIMARY KEY (ticket_id, blocked_by)
);
CREATE INDEX IF NOT EXISTS idx_dependencies_blocked_by ON dependencies(blocked_by);
`

// Migration 3: status transition history
const migration3 = `
CREATE TABLE IF NOT EXISTS history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ticket_id TEXT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
    field TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    at DATETIME NOT NULL,
    actor TEXT,
    note TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_ticket ON history(ticket_id);
`
