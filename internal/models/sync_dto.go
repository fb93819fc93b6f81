package models

import "strings"

// SyncEntriesResponse for GET /api/sync/entries and GET /api/sync/selected
type SyncEntriesResponse struct {
	Entries    []CourseSyncEntry `json:"entries"`
	CourseName string            `json:"courseName,omitempty"`
}

// CourseNameResponse for GET /api/sync/course-name
type CourseNameResponse struct {
	Name string `json:"name"`
}

// UpdateSelectionRequest for PUT /api/sync/selections.
// Selection is a persisted selection record, either versioned or a bare node id.
type UpdateSelectionRequest struct {
	Selection string         `json:"selection"`
	State     SelectionState `json:"state"`
}

// Validate parses the selection and checks the target state
func (r UpdateSelectionRequest) Validate() (CourseEntrySelection, error) {
	if strings.TrimSpace(r.Selection) == "" {
		return CourseEntrySelection{}, ErrInvalidSelection
	}
	sel, err := ParseSelection(r.Selection)
	if err != nil {
		return CourseEntrySelection{}, err
	}
	if r.State != SelectionSelected && r.State != SelectionDeselected {
		return CourseEntrySelection{}, ErrInvalidSelectionState
	}
	return sel, nil
}

// StartSyncRequest for POST /api/sync/start. An empty list syncs every
// course with a persisted selection.
type StartSyncRequest struct {
	CourseIDs []string `json:"courseIds,omitempty"`
}

// SyncProgressResponse for GET /api/sync/progress
type SyncProgressResponse struct {
	Download   *CourseSyncDownloadProgress `json:"download,omitempty"`
	States     []CourseSyncStateProgress   `json:"states"`
	Fraction   float64                     `json:"fraction"`
	StatusText string                      `json:"statusText"`
	DetailText string                      `json:"detailText"`
	Card       ProgressCardState           `json:"card"`
	Running    bool                        `json:"running"`
}

// CardStatus is the stage of the progress card state machine
type CardStatus string

const (
	CardHidden   CardStatus = "hidden"
	CardProgress CardStatus = "progress"
	CardSuccess  CardStatus = "success"
	CardError    CardStatus = "error"
)

// ProgressCardState is what a dashboard renders for the running sync
type ProgressCardState struct {
	Status   CardStatus `json:"status"`
	Fraction float64    `json:"fraction,omitempty"`
	Text     string     `json:"text,omitempty"`
}

// HiddenCard is the initial card state
func HiddenCard() ProgressCardState {
	return ProgressCardState{Status: CardHidden}
}
