package models

import (
	"time"
)

// SyncStateKind is the lifecycle stage of one node in a sync session
type SyncStateKind string

const (
	SyncStatePending    SyncStateKind = "pending"
	SyncStateLoading    SyncStateKind = "loading"
	SyncStateDownloaded SyncStateKind = "downloaded"
	SyncStateError      SyncStateKind = "error"
)

// CourseSyncState is the value half of a state progress record.
// Progress is only meaningful for loading, Message only for error.
type CourseSyncState struct {
	Kind     SyncStateKind `json:"kind"`
	Progress *float32      `json:"progress,omitempty"`
	Message  string        `json:"message,omitempty"`
}

func PendingState() CourseSyncState {
	return CourseSyncState{Kind: SyncStatePending}
}

func LoadingState(progress *float32) CourseSyncState {
	return CourseSyncState{Kind: SyncStateLoading, Progress: progress}
}

func DownloadedState() CourseSyncState {
	return CourseSyncState{Kind: SyncStateDownloaded}
}

func ErrorState(message string) CourseSyncState {
	return CourseSyncState{Kind: SyncStateError, Message: message}
}

// IsTerminal reports whether the node finished, successfully or not
func (s CourseSyncState) IsTerminal() bool {
	return s.Kind == SyncStateDownloaded || s.Kind == SyncStateError
}

// CourseSyncStateProgress is the persisted lifecycle record of one node
type CourseSyncStateProgress struct {
	ID        string               `json:"id"`
	Selection CourseEntrySelection `json:"selection"`
	State     CourseSyncState      `json:"state"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// NewCourseSyncStateProgress keys a record by the selection's node id
func NewCourseSyncStateProgress(selection CourseEntrySelection, state CourseSyncState) CourseSyncStateProgress {
	return CourseSyncStateProgress{
		ID:        selection.NodeID(),
		Selection: selection,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
}

// CourseSyncDownloadProgress is the single aggregate byte counter of a session
type CourseSyncDownloadProgress struct {
	BytesToDownload int64     `json:"bytesToDownload"`
	BytesDownloaded int64     `json:"bytesDownloaded"`
	IsFinished      bool      `json:"isFinished"`
	Error           *string   `json:"error,omitempty"`
	CourseIDs       []string  `json:"courseIds"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ClampedBytesDownloaded never exceeds BytesToDownload
func (p CourseSyncDownloadProgress) ClampedBytesDownloaded() int64 {
	if p.BytesDownloaded < 0 {
		return 0
	}
	if p.BytesDownloaded > p.BytesToDownload {
		return p.BytesToDownload
	}
	return p.BytesDownloaded
}

// Fraction is the completed share in [0, 1]. A session with nothing to
// download counts as complete once finished.
func (p CourseSyncDownloadProgress) Fraction() float64 {
	if p.BytesToDownload <= 0 {
		if p.IsFinished {
			return 1
		}
		return 0
	}
	f := float64(p.ClampedBytesDownloaded()) / float64(p.BytesToDownload)
	if f > 1 {
		return 1
	}
	return f
}

func (p CourseSyncDownloadProgress) IsSuccess() bool {
	return p.IsFinished && p.Error == nil
}

func (p CourseSyncDownloadProgress) IsFailure() bool {
	return p.IsFinished && p.Error != nil
}
