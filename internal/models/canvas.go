package models

import (
	"sort"
	"strings"
	"time"
)

// APICourse is a course as returned by the LMS
type APICourse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	CourseCode    string   `json:"course_code"`
	WorkflowState string   `json:"workflow_state"`
	Tabs          []APITab `json:"tabs,omitempty"`
}

// IsPublished reports whether students can see the course
func (c APICourse) IsPublished() bool {
	return c.WorkflowState != "unpublished" && c.WorkflowState != "deleted"
}

// APITab is a course navigation tab
type APITab struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Type    string `json:"type"`
	HTMLURL string `json:"html_url"`
	Hidden  bool   `json:"hidden,omitempty"`
}

// APIFolder is a course folder
type APIFolder struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	FullName       string `json:"full_name"`
	ParentFolderID string `json:"parent_folder_id,omitempty"`
	FilesCount     int    `json:"files_count"`
	FoldersCount   int    `json:"folders_count"`
	LockedForUser  bool   `json:"locked_for_user"`
	HiddenForUser  bool   `json:"hidden_for_user"`
}

// APIFile is a course file
type APIFile struct {
	ID            string     `json:"id"`
	FolderID      string     `json:"folder_id"`
	DisplayName   string     `json:"display_name"`
	Filename      string     `json:"filename"`
	ContentType   string     `json:"content-type"`
	URL           string     `json:"url"`
	MimeClass     string     `json:"mime_class"`
	Size          int64      `json:"size"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	LockedForUser bool       `json:"locked_for_user"`
	HiddenForUser bool       `json:"hidden_for_user"`
}

// FolderItemKind tags a FolderItem
type FolderItemKind string

const (
	FolderItemFile   FolderItemKind = "file"
	FolderItemFolder FolderItemKind = "folder"
)

// FolderItem is one immediate child of a folder
type FolderItem struct {
	Kind   FolderItemKind `json:"kind"`
	File   *APIFile       `json:"file,omitempty"`
	Folder *APIFolder     `json:"folder,omitempty"`
}

func FileItem(f APIFile) FolderItem {
	return FolderItem{Kind: FolderItemFile, File: &f}
}

func FolderItemOf(f APIFolder) FolderItem {
	return FolderItem{Kind: FolderItemFolder, Folder: &f}
}

func (i FolderItem) LockedForUser() bool {
	switch i.Kind {
	case FolderItemFile:
		return i.File != nil && i.File.LockedForUser
	case FolderItemFolder:
		return i.Folder != nil && i.Folder.LockedForUser
	}
	return false
}

func (i FolderItem) HiddenForUser() bool {
	switch i.Kind {
	case FolderItemFile:
		return i.File != nil && i.File.HiddenForUser
	case FolderItemFolder:
		return i.Folder != nil && i.Folder.HiddenForUser
	}
	return false
}

// CourseQuery selects and orders courses for a listing
type CourseQuery struct {
	CourseIDs          []string
	ExcludeUnpublished bool
}

// Matches reports whether the course passes the query's predicate
func (q CourseQuery) Matches(c APICourse) bool {
	if q.ExcludeUnpublished && !c.IsPublished() {
		return false
	}
	if len(q.CourseIDs) == 0 {
		return true
	}
	for _, id := range q.CourseIDs {
		if id == c.ID {
			return true
		}
	}
	return false
}

// Apply filters courses and sorts them by name, case-insensitively, with
// the id as tiebreak.
func (q CourseQuery) Apply(courses []APICourse) []APICourse {
	out := make([]APICourse, 0, len(courses))
	for _, c := range courses {
		if q.Matches(c) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
