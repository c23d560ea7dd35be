package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	// SQLite driver
	_ "modernc.org/sqlite"
)

// Registry is the SQLite-backed metadata store.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database at path and
// initializes the schema. Use ":memory:" for an ephemeral database.
func Open(path string) (*Registry, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent publishes.
	db.SetMaxOpenConns(1)

	r := &Registry{db: db}
	if err := r.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			login TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			token_prefix TEXT NOT NULL,
			can_write INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			expires_at TEXT,
			last_used_at TEXT,
			revoked INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(token_hash)`,
		`CREATE TABLE IF NOT EXISTS packages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE COLLATE NOCASE,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS owners (
			package_id INTEGER NOT NULL REFERENCES packages(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			added_at TEXT NOT NULL,
			UNIQUE(package_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			package_id INTEGER NOT NULL REFERENCES packages(id),
			version TEXT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			deps_json TEXT NOT NULL DEFAULT '[]',
			features_json TEXT NOT NULL DEFAULT '{}',
			links TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'reserved',
			yanked INTEGER NOT NULL DEFAULT 0,
			downloads INTEGER NOT NULL DEFAULT 0,
			published_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(package_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_status ON versions(status)`,
		`CREATE TABLE IF NOT EXISTS build_jobs (
			id TEXT PRIMARY KEY,
			package TEXT NOT NULL,
			version TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'queued',
			attempts INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_build_jobs_state ON build_jobs(state)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// timeStr and parseTime convert timestamps to the TEXT column format.

func timeStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableTimeStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

func nullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// isUniqueViolation detects SQLite UNIQUE constraint failures. The
// modernc driver surfaces them as plain errors with a stable message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
