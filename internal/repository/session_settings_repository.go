package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type sessionSettingsRepository struct {
	db        DBTX
	sessionID string
}

// NewSessionSettingsRepository creates a settings store scoped to a session
func NewSessionSettingsRepository(db DBTX, sessionID string) SettingsRepo {
	return &sessionSettingsRepository{db: db, sessionID: sessionID}
}

// GetStrings returns the list stored under key, or nil if unset
func (r *sessionSettingsRepository) GetStrings(ctx context.Context, key string) ([]string, error) {
	query := `SELECT value FROM session_settings WHERE session_id = $1 AND key = $2`

	var raw string
	err := r.db.QueryRowContext(ctx, query, r.sessionID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

// SetStrings replaces the list stored under key
func (r *sessionSettingsRepository) SetStrings(ctx context.Context, key string, values []string) error {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO session_settings (session_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, key) DO UPDATE
		SET value = excluded.value,
		    updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, query, r.sessionID, key, string(raw), time.Now().UTC())
	return err
}
