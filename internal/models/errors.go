package models

// SyncError is returned by selection and sync operations
type SyncError struct {
	Message string
}

func (e SyncError) Error() string {
	return e.Message
}

var (
	ErrInvalidSelection         = SyncError{"invalid course entry selection"}
	ErrInvalidSelectionState    = SyncError{"selection state must be 'selected' or 'deselected'"}
	ErrEntryNotFound            = SyncError{"course sync entry not found"}
	ErrNodeNotFound             = SyncError{"tab or file not found in course sync entry"}
	ErrNoSyncPlan               = SyncError{"no previous sync to retry"}
	ErrSyncNotRunning           = SyncError{"no sync is running"}
	ErrDownloadProgressNotFound = SyncError{"download progress not found"}
)

// StorageError is returned by the offline file store
type StorageError struct {
	Message string
}

func (e StorageError) Error() string {
	return e.Message
}

var (
	ErrEmptyFilename = StorageError{"filename cannot be empty"}
	ErrEmptyCourseID = StorageError{"course id cannot be empty"}
	ErrPathTraversal = StorageError{"invalid path - path traversal detected"}
)
