package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; the downloader writes from many goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Per-node lifecycle state of the current sync session
	CREATE TABLE IF NOT EXISTS course_sync_state_progress (
		session_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		selection_kind TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		child_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		progress REAL,
		message TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_state_progress_state ON course_sync_state_progress(session_id, state);

	-- Aggregate byte counter, one row per session
	CREATE TABLE IF NOT EXISTS course_sync_download_progress (
		session_id TEXT PRIMARY KEY,
		bytes_to_download INTEGER NOT NULL DEFAULT 0,
		bytes_downloaded INTEGER NOT NULL DEFAULT 0,
		is_finished INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		course_ids TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- User-scoped settings (offline sync selections)
	CREATE TABLE IF NOT EXISTS session_settings (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, key)
	);

	-- Cached LMS API responses
	CREATE TABLE IF NOT EXISTS api_cache (
		session_id TEXT NOT NULL,
		cache_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, cache_key)
	);
	`

	_, err := db.Exec(schema)
	return err
}
