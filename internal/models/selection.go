package models

import (
	"fmt"
	"net/url"
	"strings"
)

// SelectionKind tags which node a CourseEntrySelection addresses
type SelectionKind string

const (
	SelectionKindCourse SelectionKind = "course"
	SelectionKindTab    SelectionKind = "tab"
	SelectionKindFile   SelectionKind = "file"
)

const (
	selectionCodecVersion = "v1"
	selectionDelimiter    = "|"
)

// CourseEntrySelection addresses exactly one course, tab or file node.
// ChildID is empty for course selections.
type CourseEntrySelection struct {
	Kind    SelectionKind `json:"kind"`
	EntryID string        `json:"entryId"`
	ChildID string        `json:"childId,omitempty"`
}

func CourseSelection(entryID string) CourseEntrySelection {
	return CourseEntrySelection{Kind: SelectionKindCourse, EntryID: entryID}
}

func TabSelection(entryID, tabID string) CourseEntrySelection {
	return CourseEntrySelection{Kind: SelectionKindTab, EntryID: entryID, ChildID: tabID}
}

func FileSelection(entryID, fileID string) CourseEntrySelection {
	return CourseEntrySelection{Kind: SelectionKindFile, EntryID: entryID, ChildID: fileID}
}

// NodeID is the id of the addressed node
func (s CourseEntrySelection) NodeID() string {
	if s.Kind == SelectionKindCourse {
		return s.EntryID
	}
	return s.ChildID
}

// CourseID is the LMS course id the selection belongs to
func (s CourseEntrySelection) CourseID() string {
	return CourseIDFromEntryID(s.EntryID)
}

// Validate checks the selection is well formed
func (s CourseEntrySelection) Validate() error {
	if s.EntryID == "" {
		return ErrInvalidSelection
	}
	switch s.Kind {
	case SelectionKindCourse:
		if s.ChildID != "" {
			return ErrInvalidSelection
		}
	case SelectionKindTab, SelectionKindFile:
		if s.ChildID == "" {
			return ErrInvalidSelection
		}
	default:
		return ErrInvalidSelection
	}
	return nil
}

// Encode renders the versioned persisted record. Each component is
// path-escaped so ids may contain the delimiter.
func (s CourseEntrySelection) Encode() string {
	parts := []string{selectionCodecVersion, string(s.Kind), url.PathEscape(s.EntryID)}
	if s.Kind != SelectionKindCourse {
		parts = append(parts, url.PathEscape(s.ChildID))
	}
	return strings.Join(parts, selectionDelimiter)
}

func (s CourseEntrySelection) String() string {
	return s.Encode()
}

// ParseSelection decodes a persisted record. Bare node ids written by
// older clients ("courses/1", "courses/1/tabs/x", "courses/1/files/y")
// are accepted too.
func ParseSelection(record string) (CourseEntrySelection, error) {
	if record == "" {
		return CourseEntrySelection{}, ErrInvalidSelection
	}
	if !strings.HasPrefix(record, selectionCodecVersion+selectionDelimiter) {
		return parseLegacySelection(record)
	}

	parts := strings.Split(record, selectionDelimiter)
	if len(parts) < 3 {
		return CourseEntrySelection{}, fmt.Errorf("%w: %q", ErrInvalidSelection, record)
	}
	decoded := make([]string, 0, len(parts)-2)
	for _, p := range parts[2:] {
		v, err := url.PathUnescape(p)
		if err != nil {
			return CourseEntrySelection{}, fmt.Errorf("%w: %q: %v", ErrInvalidSelection, record, err)
		}
		decoded = append(decoded, v)
	}

	sel := CourseEntrySelection{Kind: SelectionKind(parts[1]), EntryID: decoded[0]}
	switch {
	case sel.Kind == SelectionKindCourse && len(decoded) == 1:
	case (sel.Kind == SelectionKindTab || sel.Kind == SelectionKindFile) && len(decoded) == 2:
		sel.ChildID = decoded[1]
	default:
		return CourseEntrySelection{}, fmt.Errorf("%w: %q", ErrInvalidSelection, record)
	}
	if err := sel.Validate(); err != nil {
		return CourseEntrySelection{}, fmt.Errorf("%w: %q", err, record)
	}
	return sel, nil
}

func parseLegacySelection(record string) (CourseEntrySelection, error) {
	parts := strings.Split(record, "/")
	if len(parts) < 2 || parts[0] != "courses" || parts[1] == "" {
		return CourseEntrySelection{}, fmt.Errorf("%w: %q", ErrInvalidSelection, record)
	}
	entryID := EntryID(parts[1])
	if len(parts) == 2 {
		return CourseSelection(entryID), nil
	}
	if len(parts) < 4 || parts[3] == "" {
		return CourseEntrySelection{}, fmt.Errorf("%w: %q", ErrInvalidSelection, record)
	}
	switch parts[2] {
	case "tabs":
		return TabSelection(entryID, record), nil
	case "files":
		return FileSelection(entryID, record), nil
	}
	return CourseEntrySelection{}, fmt.Errorf("%w: %q", ErrInvalidSelection, record)
}
