package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/coursesync/server/internal/models"
)

type downloadProgressRepository struct {
	db        DBTX
	sessionID string
}

// NewDownloadProgressRepository creates the aggregate progress repository for a session
func NewDownloadProgressRepository(db DBTX, sessionID string) DownloadProgressRepo {
	return &downloadProgressRepository{db: db, sessionID: sessionID}
}

// Get returns the session's record or ErrDownloadProgressNotFound
func (r *downloadProgressRepository) Get(ctx context.Context) (*models.CourseSyncDownloadProgress, error) {
	query := `
		SELECT bytes_to_download, bytes_downloaded, is_finished, error, course_ids, updated_at
		FROM course_sync_download_progress
		WHERE session_id = $1
	`

	var (
		p             models.CourseSyncDownloadProgress
		errMsg        sql.NullString
		courseIDsJSON string
	)
	err := r.db.QueryRowContext(ctx, query, r.sessionID).Scan(
		&p.BytesToDownload,
		&p.BytesDownloaded,
		&p.IsFinished,
		&errMsg,
		&courseIDsJSON,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrDownloadProgressNotFound
	}
	if err != nil {
		return nil, err
	}

	if errMsg.Valid {
		p.Error = &errMsg.String
	}
	if err := json.Unmarshal([]byte(courseIDsJSON), &p.CourseIDs); err != nil {
		return nil, err
	}

	return &p, nil
}

// Save overwrites the session's record
func (r *downloadProgressRepository) Save(ctx context.Context, p *models.CourseSyncDownloadProgress) error {
	p.UpdatedAt = time.Now().UTC()
	if p.CourseIDs == nil {
		p.CourseIDs = []string{}
	}

	courseIDsJSON, err := json.Marshal(p.CourseIDs)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO course_sync_download_progress
			(session_id, bytes_to_download, bytes_downloaded, is_finished, error, course_ids, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE
		SET bytes_to_download = excluded.bytes_to_download,
		    bytes_downloaded = excluded.bytes_downloaded,
		    is_finished = excluded.is_finished,
		    error = excluded.error,
		    course_ids = excluded.course_ids,
		    updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		r.sessionID,
		p.BytesToDownload,
		p.BytesDownloaded,
		p.IsFinished,
		p.Error,
		string(courseIDsJSON),
		p.UpdatedAt,
	)
	return err
}

// AddBytesDownloaded increments the byte counter in place
func (r *downloadProgressRepository) AddBytesDownloaded(ctx context.Context, bytes int64) error {
	query := `
		UPDATE course_sync_download_progress
		SET bytes_downloaded = bytes_downloaded + $1, updated_at = $2
		WHERE session_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, bytes, time.Now().UTC(), r.sessionID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SetResult records the terminal outcome of the session
func (r *downloadProgressRepository) SetResult(ctx context.Context, isFinished bool, errMsg *string) error {
	query := `
		UPDATE course_sync_download_progress
		SET is_finished = $1, error = $2, updated_at = $3
		WHERE session_id = $4
	`

	result, err := r.db.ExecContext(ctx, query, isFinished, errMsg, time.Now().UTC(), r.sessionID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// MarkUnfinishedAsFailed finishes a record left running by a killed
// process. It reports whether a record was changed.
func (r *downloadProgressRepository) MarkUnfinishedAsFailed(ctx context.Context, message string) (bool, error) {
	query := `
		UPDATE course_sync_download_progress
		SET is_finished = $1, error = $2, updated_at = $3
		WHERE session_id = $4 AND is_finished = $5
	`

	result, err := r.db.ExecContext(ctx, query, true, message, time.Now().UTC(), r.sessionID, false)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes the session's record
func (r *downloadProgressRepository) Delete(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM course_sync_download_progress WHERE session_id = $1`, r.sessionID)
	return err
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrDownloadProgressNotFound
	}
	return nil
}
