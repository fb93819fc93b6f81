package models

import (
	"fmt"
	"strings"
)

// SelectionState is the tri-state sync intent of a course, tab or file
type SelectionState string

const (
	SelectionDeselected        SelectionState = "deselected"
	SelectionSelected          SelectionState = "selected"
	SelectionPartiallySelected SelectionState = "partiallySelected"
)

// IsSelected reports whether the node takes part in a download plan.
func (s SelectionState) IsSelected() bool {
	return s == SelectionSelected || s == SelectionPartiallySelected
}

// Valid reports whether s is one of the known states
func (s SelectionState) Valid() bool {
	switch s {
	case SelectionDeselected, SelectionSelected, SelectionPartiallySelected:
		return true
	}
	return false
}

// aggregateSelection folds child states into a parent state.
// No children means deselected.
func aggregateSelection(states []SelectionState) SelectionState {
	if len(states) == 0 {
		return SelectionDeselected
	}
	selected, deselected := 0, 0
	for _, s := range states {
		switch s {
		case SelectionSelected:
			selected++
		case SelectionDeselected:
			deselected++
		}
	}
	switch {
	case selected == len(states):
		return SelectionSelected
	case deselected == len(states):
		return SelectionDeselected
	default:
		return SelectionPartiallySelected
	}
}

// TabName is the LMS tab type, e.g. "files" or "assignments"
type TabName string

const (
	TabAssignments    TabName = "assignments"
	TabDiscussions    TabName = "discussions"
	TabAnnouncements  TabName = "announcements"
	TabPages          TabName = "pages"
	TabFiles          TabName = "files"
	TabSyllabus       TabName = "syllabus"
	TabQuizzes        TabName = "quizzes"
	TabModules        TabName = "modules"
	TabGrades         TabName = "grades"
	TabPeople         TabName = "people"
	TabConferences    TabName = "conferences"
	TabCollaborations TabName = "collaborations"
)

// DefaultOfflineTabs is the allow-list used when none is configured
func DefaultOfflineTabs() []TabName {
	return []TabName{
		TabAssignments, TabDiscussions, TabAnnouncements, TabPages, TabFiles, TabSyllabus,
		TabQuizzes, TabModules, TabGrades, TabPeople, TabConferences, TabCollaborations,
	}
}

// Tab is one course navigation section that can be synced
type Tab struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           TabName        `json:"type"`
	SelectionState SelectionState `json:"selectionState"`
}

// File is one downloadable course file
type File struct {
	ID              string         `json:"id"`
	FileID          string         `json:"fileId"`
	DisplayName     string         `json:"displayName"`
	FileName        string         `json:"fileName"`
	URL             string         `json:"url"`
	MimeClass       string         `json:"mimeClass"`
	BytesToDownload int64          `json:"bytesToDownload"`
	SelectionState  SelectionState `json:"selectionState"`
}

// CourseSyncEntry is the selectable root of one course
type CourseSyncEntry struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Tabs           []Tab          `json:"tabs"`
	Files          []File         `json:"files"`
	SelectionState SelectionState `json:"selectionState"`
}

// EntryID builds the node id of a course
func EntryID(courseID string) string {
	return "courses/" + courseID
}

// TabNodeID builds the node id of a course tab
func TabNodeID(courseID, tabID string) string {
	return fmt.Sprintf("courses/%s/tabs/%s", courseID, tabID)
}

// FileNodeID builds the node id of a course file
func FileNodeID(courseID, fileID string) string {
	return fmt.Sprintf("courses/%s/files/%s", courseID, fileID)
}

// CourseIDFromEntryID strips the "courses/" prefix
func CourseIDFromEntryID(entryID string) string {
	return strings.TrimPrefix(entryID, "courses/")
}

// CourseID returns the LMS id of the course
func (e *CourseSyncEntry) CourseID() string {
	return CourseIDFromEntryID(e.ID)
}

// FilesTab returns the Files tab, if the course has one
func (e *CourseSyncEntry) FilesTab() (*Tab, bool) {
	for i := range e.Tabs {
		if e.Tabs[i].Type == TabFiles {
			return &e.Tabs[i], true
		}
	}
	return nil, false
}

// SelectCourse sets the course and every child to state
func (e *CourseSyncEntry) SelectCourse(state SelectionState) {
	for i := range e.Tabs {
		e.Tabs[i].SelectionState = state
	}
	for i := range e.Files {
		e.Files[i].SelectionState = state
	}
	e.recompute()
}

// SelectTab sets one tab. Selecting the Files tab cascades to every file.
func (e *CourseSyncEntry) SelectTab(tabID string, state SelectionState) bool {
	for i := range e.Tabs {
		if e.Tabs[i].ID != tabID {
			continue
		}
		e.Tabs[i].SelectionState = state
		if e.Tabs[i].Type == TabFiles {
			for j := range e.Files {
				e.Files[j].SelectionState = state
			}
		}
		e.recompute()
		return true
	}
	return false
}

// SelectFile sets one file and rederives the Files tab and the course.
func (e *CourseSyncEntry) SelectFile(fileID string, state SelectionState) bool {
	for i := range e.Files {
		if e.Files[i].ID != fileID {
			continue
		}
		e.Files[i].SelectionState = state
		e.recompute()
		return true
	}
	return false
}

// Recompute rederives aggregate states bottom-up after the children were
// edited directly.
func (e *CourseSyncEntry) Recompute() {
	e.recompute()
}

func (e *CourseSyncEntry) recompute() {
	if len(e.Files) > 0 {
		if tab, ok := e.FilesTab(); ok {
			fileStates := make([]SelectionState, len(e.Files))
			for i, f := range e.Files {
				fileStates[i] = f.SelectionState
			}
			tab.SelectionState = aggregateSelection(fileStates)
		}
	}

	states := make([]SelectionState, 0, len(e.Tabs)+len(e.Files))
	for _, t := range e.Tabs {
		states = append(states, t.SelectionState)
	}
	for _, f := range e.Files {
		states = append(states, f.SelectionState)
	}
	e.SelectionState = aggregateSelection(states)
}

// SelectedOnly returns a copy without deselected tabs and files.
// The second value is false when the entry itself is deselected.
func (e CourseSyncEntry) SelectedOnly() (CourseSyncEntry, bool) {
	if !e.SelectionState.IsSelected() {
		return CourseSyncEntry{}, false
	}
	out := e
	out.Tabs = make([]Tab, 0, len(e.Tabs))
	for _, t := range e.Tabs {
		if t.SelectionState.IsSelected() {
			out.Tabs = append(out.Tabs, t)
		}
	}
	out.Files = make([]File, 0, len(e.Files))
	for _, f := range e.Files {
		if f.SelectionState.IsSelected() {
			out.Files = append(out.Files, f)
		}
	}
	return out, true
}

// SelectedFiles returns the files marked selected
func (e *CourseSyncEntry) SelectedFiles() []File {
	var files []File
	for _, f := range e.Files {
		if f.SelectionState == SelectionSelected {
			files = append(files, f)
		}
	}
	return files
}

// TotalSelectedSize sums the download size of selected files
func (e *CourseSyncEntry) TotalSelectedSize() int64 {
	var total int64
	for _, f := range e.SelectedFiles() {
		total += f.BytesToDownload
	}
	return total
}

// FindEntry returns the index of the entry with id, or -1
func FindEntry(entries []CourseSyncEntry, entryID string) int {
	for i := range entries {
		if entries[i].ID == entryID {
			return i
		}
	}
	return -1
}
