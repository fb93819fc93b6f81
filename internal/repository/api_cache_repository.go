package repository

import (
	"context"
	"database/sql"
	"time"
)

type apiCacheRepository struct {
	db        DBTX
	sessionID string
}

// NewAPICacheRepository creates the LMS response cache for a session
func NewAPICacheRepository(db DBTX, sessionID string) APICacheRepo {
	return &apiCacheRepository{db: db, sessionID: sessionID}
}

// Get returns the cached payload and whether it was present
func (r *apiCacheRepository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := `SELECT payload FROM api_cache WHERE session_id = $1 AND cache_key = $2`

	var payload string
	err := r.db.QueryRowContext(ctx, query, r.sessionID, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

// Put stores or replaces a payload
func (r *apiCacheRepository) Put(ctx context.Context, key string, payload []byte) error {
	query := `
		INSERT INTO api_cache (session_id, cache_key, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, cache_key) DO UPDATE
		SET payload = excluded.payload,
		    updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, query, r.sessionID, key, string(payload), time.Now().UTC())
	return err
}

// Delete removes one payload
func (r *apiCacheRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM api_cache WHERE session_id = $1 AND cache_key = $2`, r.sessionID, key)
	return err
}

// DeletePrefix removes every payload whose key starts with prefix
func (r *apiCacheRepository) DeletePrefix(ctx context.Context, prefix string) error {
	query := `
		DELETE FROM api_cache
		WHERE session_id = $1 AND substr(cache_key, 1, length(CAST($2 AS TEXT))) = $2
	`

	_, err := r.db.ExecContext(ctx, query, r.sessionID, prefix)
	return err
}
