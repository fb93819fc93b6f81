package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS course_sync_state_progress (
		session_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		selection_kind TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		child_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		progress REAL,
		message TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_id, node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_state_progress_state ON course_sync_state_progress(session_id, state);

	CREATE TABLE IF NOT EXISTS course_sync_download_progress (
		session_id TEXT PRIMARY KEY,
		bytes_to_download BIGINT NOT NULL DEFAULT 0,
		bytes_downloaded BIGINT NOT NULL DEFAULT 0,
		is_finished BOOLEAN NOT NULL DEFAULT FALSE,
		error TEXT,
		course_ids TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS session_settings (
		session_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_id, key)
	);

	CREATE TABLE IF NOT EXISTS api_cache (
		session_id TEXT NOT NULL,
		cache_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_id, cache_key)
	);
	`

	_, err := db.Exec(schema)
	return err
}
