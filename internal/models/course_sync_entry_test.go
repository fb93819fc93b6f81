package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry() CourseSyncEntry {
	return CourseSyncEntry{
		ID:   "courses/1",
		Name: "Biology",
		Tabs: []Tab{
			{ID: "courses/1/tabs/assignments", Name: "Assignments", Type: TabAssignments, SelectionState: SelectionDeselected},
			{ID: "courses/1/tabs/files", Name: "Files", Type: TabFiles, SelectionState: SelectionDeselected},
		},
		Files: []File{
			{ID: "courses/1/files/10", FileID: "10", DisplayName: "a.pdf", URL: "https://x/a", MimeClass: "pdf", BytesToDownload: 100, SelectionState: SelectionDeselected},
			{ID: "courses/1/files/11", FileID: "11", DisplayName: "b.pdf", URL: "https://x/b", MimeClass: "pdf", BytesToDownload: 250, SelectionState: SelectionDeselected},
		},
		SelectionState: SelectionDeselected,
	}
}

// checkAggregation asserts the course state matches its children.
func checkAggregation(t *testing.T, e CourseSyncEntry) {
	t.Helper()
	total, selected, deselected := 0, 0, 0
	for _, tab := range e.Tabs {
		total++
		switch tab.SelectionState {
		case SelectionSelected:
			selected++
		case SelectionDeselected:
			deselected++
		}
	}
	for _, f := range e.Files {
		total++
		switch f.SelectionState {
		case SelectionSelected:
			selected++
		case SelectionDeselected:
			deselected++
		}
	}
	switch {
	case total == 0 || deselected == total:
		assert.Equal(t, SelectionDeselected, e.SelectionState)
	case selected == total:
		assert.Equal(t, SelectionSelected, e.SelectionState)
	default:
		assert.Equal(t, SelectionPartiallySelected, e.SelectionState)
	}
}

func TestCourseSyncEntry_SelectCourse(t *testing.T) {
	t.Run("selecting the course selects every child", func(t *testing.T) {
		e := newTestEntry()
		e.SelectCourse(SelectionSelected)

		assert.Equal(t, SelectionSelected, e.SelectionState)
		for _, tab := range e.Tabs {
			assert.Equal(t, SelectionSelected, tab.SelectionState)
		}
		for _, f := range e.Files {
			assert.Equal(t, SelectionSelected, f.SelectionState)
		}
		checkAggregation(t, e)
	})

	t.Run("deselecting the course deselects every child", func(t *testing.T) {
		e := newTestEntry()
		e.SelectCourse(SelectionSelected)
		e.SelectCourse(SelectionDeselected)

		assert.Equal(t, SelectionDeselected, e.SelectionState)
		assert.Empty(t, e.SelectedFiles())
		checkAggregation(t, e)
	})

	t.Run("course without children stays deselected", func(t *testing.T) {
		e := CourseSyncEntry{ID: "courses/9", Name: "Empty"}
		e.SelectCourse(SelectionSelected)

		assert.Equal(t, SelectionDeselected, e.SelectionState)
	})
}

func TestCourseSyncEntry_SelectTab(t *testing.T) {
	t.Run("non-file tab makes the course partial", func(t *testing.T) {
		e := newTestEntry()
		ok := e.SelectTab("courses/1/tabs/assignments", SelectionSelected)

		require.True(t, ok)
		assert.Equal(t, SelectionPartiallySelected, e.SelectionState)
		checkAggregation(t, e)
	})

	t.Run("files tab cascades to every file", func(t *testing.T) {
		e := newTestEntry()
		ok := e.SelectTab("courses/1/tabs/files", SelectionSelected)

		require.True(t, ok)
		assert.Len(t, e.SelectedFiles(), 2)
		assert.Equal(t, SelectionPartiallySelected, e.SelectionState)
		checkAggregation(t, e)
	})

	t.Run("unknown tab is reported", func(t *testing.T) {
		e := newTestEntry()
		assert.False(t, e.SelectTab("courses/1/tabs/nope", SelectionSelected))
		assert.Equal(t, SelectionDeselected, e.SelectionState)
	})
}

func TestCourseSyncEntry_SelectFile(t *testing.T) {
	t.Run("one file makes the files tab partial", func(t *testing.T) {
		e := newTestEntry()
		require.True(t, e.SelectFile("courses/1/files/10", SelectionSelected))

		tab, ok := e.FilesTab()
		require.True(t, ok)
		assert.Equal(t, SelectionPartiallySelected, tab.SelectionState)
		assert.Equal(t, SelectionPartiallySelected, e.SelectionState)
		checkAggregation(t, e)
	})

	t.Run("all files select the files tab", func(t *testing.T) {
		e := newTestEntry()
		e.SelectFile("courses/1/files/10", SelectionSelected)
		e.SelectFile("courses/1/files/11", SelectionSelected)

		tab, _ := e.FilesTab()
		assert.Equal(t, SelectionSelected, tab.SelectionState)
		assert.Equal(t, SelectionPartiallySelected, e.SelectionState)

		e.SelectTab("courses/1/tabs/assignments", SelectionSelected)
		assert.Equal(t, SelectionSelected, e.SelectionState)
		checkAggregation(t, e)
	})

	t.Run("deselecting the last file deselects the files tab", func(t *testing.T) {
		e := newTestEntry()
		e.SelectTab("courses/1/tabs/files", SelectionSelected)
		e.SelectFile("courses/1/files/10", SelectionDeselected)
		e.SelectFile("courses/1/files/11", SelectionDeselected)

		tab, _ := e.FilesTab()
		assert.Equal(t, SelectionDeselected, tab.SelectionState)
		assert.Equal(t, SelectionDeselected, e.SelectionState)
	})
}

func TestCourseSyncEntry_AggregationInvariant(t *testing.T) {
	ops := []func(e *CourseSyncEntry){
		func(e *CourseSyncEntry) { e.SelectFile("courses/1/files/10", SelectionSelected) },
		func(e *CourseSyncEntry) { e.SelectTab("courses/1/tabs/assignments", SelectionSelected) },
		func(e *CourseSyncEntry) { e.SelectFile("courses/1/files/11", SelectionSelected) },
		func(e *CourseSyncEntry) { e.SelectTab("courses/1/tabs/files", SelectionDeselected) },
		func(e *CourseSyncEntry) { e.SelectCourse(SelectionSelected) },
		func(e *CourseSyncEntry) { e.SelectFile("courses/1/files/10", SelectionDeselected) },
		func(e *CourseSyncEntry) { e.SelectTab("courses/1/tabs/assignments", SelectionDeselected) },
	}

	e := newTestEntry()
	for _, op := range ops {
		op(&e)
		checkAggregation(t, e)
	}
}

func TestCourseSyncEntry_SelectedOnly(t *testing.T) {
	t.Run("deselected entry is dropped", func(t *testing.T) {
		_, ok := newTestEntry().SelectedOnly()
		assert.False(t, ok)
	})

	t.Run("strips deselected children and keeps partial state", func(t *testing.T) {
		e := newTestEntry()
		e.SelectFile("courses/1/files/11", SelectionSelected)

		out, ok := e.SelectedOnly()
		require.True(t, ok)
		assert.Equal(t, SelectionPartiallySelected, out.SelectionState)
		require.Len(t, out.Tabs, 1)
		assert.Equal(t, TabFiles, out.Tabs[0].Type)
		require.Len(t, out.Files, 1)
		assert.Equal(t, "courses/1/files/11", out.Files[0].ID)

		// source entry untouched
		assert.Len(t, e.Files, 2)
	})

	t.Run("total selected size", func(t *testing.T) {
		e := newTestEntry()
		e.SelectCourse(SelectionSelected)
		assert.Equal(t, int64(350), e.TotalSelectedSize())
	})
}

func TestCourseSyncEntry_CourseID(t *testing.T) {
	e := CourseSyncEntry{ID: EntryID("42")}
	assert.Equal(t, "42", e.CourseID())
	assert.Equal(t, "courses/42/tabs/files", TabNodeID("42", "files"))
	assert.Equal(t, "courses/42/files/7", FileNodeID("42", "7"))
}
