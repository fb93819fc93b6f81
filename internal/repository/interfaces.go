package repository

import (
	"context"
	"database/sql"

	"github.com/coursesync/server/internal/models"
)

// DBTX is the subset of *sql.DB the repositories use. It is satisfied by
// *sql.DB and by the traced wrapper in observability.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// StateProgressRepo persists per-node lifecycle records of a session
type StateProgressRepo interface {
	GetAll(ctx context.Context) ([]models.CourseSyncStateProgress, error)
	Get(ctx context.Context, nodeID string) (*models.CourseSyncStateProgress, error)
	Upsert(ctx context.Context, progress models.CourseSyncStateProgress) error
	UpsertMany(ctx context.Context, progress []models.CourseSyncStateProgress) error
	DeleteAll(ctx context.Context) error
	MarkUnfinishedAsFailed(ctx context.Context, message string) (int64, error)
}

// DownloadProgressRepo persists the single aggregate record of a session
type DownloadProgressRepo interface {
	Get(ctx context.Context) (*models.CourseSyncDownloadProgress, error)
	Save(ctx context.Context, progress *models.CourseSyncDownloadProgress) error
	AddBytesDownloaded(ctx context.Context, bytes int64) error
	SetResult(ctx context.Context, isFinished bool, errMsg *string) error
	MarkUnfinishedAsFailed(ctx context.Context, message string) (bool, error)
	Delete(ctx context.Context) error
}

// SettingsRepo is the user-scoped settings store
type SettingsRepo interface {
	GetStrings(ctx context.Context, key string) ([]string, error)
	SetStrings(ctx context.Context, key string, values []string) error
}

// APICacheRepo stores raw LMS API responses
type APICacheRepo interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
