package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coursesync/server/internal/models"
)

type stateProgressRepository struct {
	db        DBTX
	sessionID string
}

// NewStateProgressRepository creates a state progress repository scoped to a session
func NewStateProgressRepository(db DBTX, sessionID string) StateProgressRepo {
	return &stateProgressRepository{db: db, sessionID: sessionID}
}

const stateProgressColumns = `node_id, selection_kind, entry_id, child_id, state, progress, message, updated_at`

// GetAll returns every record of the session ordered by node id
func (r *stateProgressRepository) GetAll(ctx context.Context) ([]models.CourseSyncStateProgress, error) {
	query := `
		SELECT ` + stateProgressColumns + `
		FROM course_sync_state_progress
		WHERE session_id = $1
		ORDER BY node_id
	`

	rows, err := r.db.QueryContext(ctx, query, r.sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CourseSyncStateProgress
	for rows.Next() {
		p, err := scanStateProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}

	return out, rows.Err()
}

// Get returns one record by node id
func (r *stateProgressRepository) Get(ctx context.Context, nodeID string) (*models.CourseSyncStateProgress, error) {
	query := `
		SELECT ` + stateProgressColumns + `
		FROM course_sync_state_progress
		WHERE session_id = $1 AND node_id = $2
	`

	p, err := scanStateProgress(r.db.QueryRowContext(ctx, query, r.sessionID, nodeID))
	if err == sql.ErrNoRows {
		return nil, models.ErrNodeNotFound
	}
	return p, err
}

// Upsert inserts or replaces one record
func (r *stateProgressRepository) Upsert(ctx context.Context, progress models.CourseSyncStateProgress) error {
	return upsertStateProgress(ctx, r.db, r.sessionID, progress)
}

// UpsertMany writes all records in one transaction
func (r *stateProgressRepository) UpsertMany(ctx context.Context, progress []models.CourseSyncStateProgress) error {
	if len(progress) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range progress {
		if err := upsertStateProgress(ctx, tx, r.sessionID, p); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DeleteAll clears the session's records
func (r *stateProgressRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM course_sync_state_progress WHERE session_id = $1`, r.sessionID)
	return err
}

// MarkUnfinishedAsFailed turns pending and loading records into errors
func (r *stateProgressRepository) MarkUnfinishedAsFailed(ctx context.Context, message string) (int64, error) {
	query := `
		UPDATE course_sync_state_progress
		SET state = $1, message = $2, progress = NULL, updated_at = $3
		WHERE session_id = $4 AND state IN ($5, $6)
	`

	result, err := r.db.ExecContext(ctx, query,
		string(models.SyncStateError),
		message,
		time.Now().UTC(),
		r.sessionID,
		string(models.SyncStatePending),
		string(models.SyncStateLoading),
	)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertStateProgress(ctx context.Context, db execer, sessionID string, p models.CourseSyncStateProgress) error {
	if err := p.Selection.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = p.Selection.NodeID()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	var progress sql.NullFloat64
	if p.State.Progress != nil {
		progress = sql.NullFloat64{Float64: float64(*p.State.Progress), Valid: true}
	}

	query := `
		INSERT INTO course_sync_state_progress (session_id, ` + stateProgressColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, node_id) DO UPDATE
		SET selection_kind = excluded.selection_kind,
		    entry_id = excluded.entry_id,
		    child_id = excluded.child_id,
		    state = excluded.state,
		    progress = excluded.progress,
		    message = excluded.message,
		    updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, query,
		sessionID,
		p.ID,
		string(p.Selection.Kind),
		p.Selection.EntryID,
		p.Selection.ChildID,
		string(p.State.Kind),
		progress,
		p.State.Message,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert state progress %s: %w", p.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStateProgress(row rowScanner) (*models.CourseSyncStateProgress, error) {
	var (
		p        models.CourseSyncStateProgress
		kind     string
		state    string
		progress sql.NullFloat64
	)

	err := row.Scan(
		&p.ID,
		&kind,
		&p.Selection.EntryID,
		&p.Selection.ChildID,
		&state,
		&progress,
		&p.State.Message,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Selection.Kind = models.SelectionKind(kind)
	p.State.Kind = models.SyncStateKind(state)
	if progress.Valid {
		v := float32(progress.Float64)
		p.State.Progress = &v
	}

	return &p, nil
}
