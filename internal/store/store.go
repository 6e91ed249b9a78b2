// Package store owns the SQLite database that backs ctrlproxy: sessions,
// filter profiles, and captured requests. It is the single shared resource
// handed to every pipeline by reference (design doc Section 5: "the SQLite
// connection pool; initialize once at startup, handed to pipelines by
// reference").
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// DB wraps the SQLite connection pool plus the migration state.
//
// WAL mode gives concurrent readers alongside the single writer that
// database/sql's pool already serializes, the same tradeoff the audit
// index made for this exact driver.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Safe to call from a single process at a time.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating sqlite store %s: %w", path, err)
	}

	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw *sql.DB for packages (session resolution, CLI
// management commands) that need direct query access.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

type migration struct {
	name string
	sql  string
}

// migrations are numbered and applied in order, tracked in
// schema_migrations so restarts don't re-run them (design doc Section 6:
// "Migrations are numbered and applied in order on startup").
var migrations = []migration{
	{
		name: "0001_init",
		sql: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				name TEXT PRIMARY KEY,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE IF NOT EXISTS filter_profiles (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				is_default INTEGER NOT NULL DEFAULT 0,
				system_filters_json TEXT NOT NULL DEFAULT '[]',
				tool_filters_json TEXT NOT NULL DEFAULT '[]',
				keep_tool_pairs INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				target_url TEXT NOT NULL,
				tls_verify_disabled INTEGER NOT NULL DEFAULT 0,
				auth_header TEXT,
				x_api_key TEXT,
				profile_id TEXT REFERENCES filter_profiles(id),
				error_inject_json TEXT,
				created_at TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE IF NOT EXISTS requests (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				method TEXT NOT NULL,
				path TEXT NOT NULL,
				client_timestamp TEXT NOT NULL,
				request_headers_json TEXT,
				request_body_json TEXT,
				truncated_body_json TEXT,
				model TEXT,
				tools_json TEXT,
				messages_json TEXT,
				system_json TEXT,
				params_json TEXT,
				note TEXT,
				response_status INTEGER,
				response_headers_json TEXT,
				response_body TEXT,
				response_events_json TEXT,
				created_at TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX IF NOT EXISTS idx_requests_session ON requests(session_id);
			CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
		`,
	},
	{
		name: "0002_webfetch_fields",
		sql: `
			ALTER TABLE sessions ADD COLUMN webfetch_intercept INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE sessions ADD COLUMN webfetch_whitelist_json TEXT;
			ALTER TABLE sessions ADD COLUMN webfetch_tool_names_json TEXT NOT NULL DEFAULT '["WebFetch"]';

			ALTER TABLE requests ADD COLUMN webfetch_first_response_body TEXT;
			ALTER TABLE requests ADD COLUMN webfetch_first_response_events_json TEXT;
			ALTER TABLE requests ADD COLUMN webfetch_followup_body_json TEXT;
			ALTER TABLE requests ADD COLUMN webfetch_rounds_json TEXT;
		`,
	},
}

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", m.name, err)
		}
		if applied > 0 {
			continue
		}

		if _, err := db.conn.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration %s: %w", m.name, err)
		}
		if _, err := db.conn.Exec(`INSERT INTO schema_migrations (name) VALUES (?)`, m.name); err != nil {
			return fmt.Errorf("recording migration %s: %w", m.name, err)
		}
		slog.Info("applied migration", "name", m.name)
	}

	return nil
}
