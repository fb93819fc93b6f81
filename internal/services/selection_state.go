package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/repository"
)

// SelectionsSettingKey is the settings key holding persisted selection records
const SelectionsSettingKey = "offlineSyncSelections"

// SetSelected marks the addressed node selected. See SetSelectionState.
func SetSelected(entries []models.CourseSyncEntry, selection models.CourseEntrySelection) ([]models.CourseSyncEntry, error) {
	return SetSelectionState(entries, selection, models.SelectionSelected)
}

// SetSelectionState returns a copy of entries with the addressed node set
// to state. The change cascades down to children and is aggregated back up
// to the Files tab and the course.
func SetSelectionState(entries []models.CourseSyncEntry, selection models.CourseEntrySelection, state models.SelectionState) ([]models.CourseSyncEntry, error) {
	if err := selection.Validate(); err != nil {
		return nil, err
	}

	out := cloneEntries(entries)
	i := models.FindEntry(out, selection.EntryID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrEntryNotFound, selection.EntryID)
	}

	entry := &out[i]
	switch selection.Kind {
	case models.SelectionKindCourse:
		entry.SelectCourse(state)
	case models.SelectionKindTab:
		if !entry.SelectTab(selection.ChildID, state) {
			return nil, fmt.Errorf("%w: %s", models.ErrNodeNotFound, selection.ChildID)
		}
	case models.SelectionKindFile:
		if !entry.SelectFile(selection.ChildID, state) {
			return nil, fmt.Errorf("%w: %s", models.ErrNodeNotFound, selection.ChildID)
		}
	}

	return out, nil
}

// SelectedEntries keeps selected and partially selected entries and strips
// their deselected tabs and files. Applying it twice changes nothing.
func SelectedEntries(entries []models.CourseSyncEntry) []models.CourseSyncEntry {
	out := make([]models.CourseSyncEntry, 0, len(entries))
	for _, e := range entries {
		if selected, ok := e.SelectedOnly(); ok {
			out = append(out, selected)
		}
	}
	return out
}

// SelectionRecords lists the minimal records that reproduce the selection
// of entries: one course record for a fully selected course, otherwise one
// record per selected tab, and per selected file when the Files tab is
// only partially selected.
func SelectionRecords(entries []models.CourseSyncEntry) []models.CourseEntrySelection {
	var records []models.CourseEntrySelection
	for _, e := range entries {
		switch e.SelectionState {
		case models.SelectionSelected:
			records = append(records, models.CourseSelection(e.ID))
			continue
		case models.SelectionDeselected:
			continue
		}

		for _, t := range e.Tabs {
			switch {
			case t.SelectionState == models.SelectionSelected:
				records = append(records, models.TabSelection(e.ID, t.ID))
			case t.Type == models.TabFiles && t.SelectionState == models.SelectionPartiallySelected:
				for _, f := range e.SelectedFiles() {
					records = append(records, models.FileSelection(e.ID, f.ID))
				}
			}
		}
	}
	return records
}

// applySelections selects every node named by records. Records pointing at
// nodes that no longer exist are ignored.
func applySelections(entries []models.CourseSyncEntry, records []models.CourseEntrySelection) []models.CourseSyncEntry {
	out := cloneEntries(entries)
	for _, r := range records {
		i := models.FindEntry(out, r.EntryID)
		if i < 0 {
			continue
		}
		switch r.Kind {
		case models.SelectionKindCourse:
			out[i].SelectCourse(models.SelectionSelected)
		case models.SelectionKindTab:
			out[i].SelectTab(r.ChildID, models.SelectionSelected)
		case models.SelectionKindFile:
			out[i].SelectFile(r.ChildID, models.SelectionSelected)
		}
	}
	return out
}

func cloneEntries(entries []models.CourseSyncEntry) []models.CourseSyncEntry {
	out := make([]models.CourseSyncEntry, len(entries))
	for i, e := range entries {
		out[i] = e
		out[i].Tabs = make([]models.Tab, len(e.Tabs))
		copy(out[i].Tabs, e.Tabs)
		out[i].Files = make([]models.File, len(e.Files))
		copy(out[i].Files, e.Files)
	}
	return out
}

// SelectionStore persists selection records in the session settings.
// Writes through one store are serialised.
type SelectionStore struct {
	settings repository.SettingsRepo
	logger   *observability.Logger

	mu sync.Mutex
}

// NewSelectionStore creates a selection store
func NewSelectionStore(settings repository.SettingsRepo, logger *observability.Logger) *SelectionStore {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &SelectionStore{settings: settings, logger: logger}
}

// Load returns the persisted records. Unreadable records are skipped.
func (s *SelectionStore) Load(ctx context.Context) ([]models.CourseEntrySelection, error) {
	raw, err := s.settings.GetStrings(ctx, SelectionsSettingKey)
	if err != nil {
		return nil, fmt.Errorf("load selections: %w", err)
	}

	records := make([]models.CourseEntrySelection, 0, len(raw))
	for _, r := range raw {
		sel, err := models.ParseSelection(r)
		if err != nil {
			s.logger.WithField("record", r).Warn("Skipping unreadable selection record")
			continue
		}
		records = append(records, sel)
	}
	return records, nil
}

// Save replaces the persisted records, dropping duplicates
func (s *SelectionStore) Save(ctx context.Context, records []models.CourseEntrySelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, records)
}

// Update loads the records, passes them to fn and saves what fn returns.
// Nothing is written when fn fails. No other Save or Update of the store
// runs in between.
func (s *SelectionStore) Update(ctx context.Context, fn func([]models.CourseEntrySelection) ([]models.CourseEntrySelection, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.Load(ctx)
	if err != nil {
		return err
	}
	next, err := fn(records)
	if err != nil {
		return err
	}
	return s.save(ctx, next)
}

func (s *SelectionStore) save(ctx context.Context, records []models.CourseEntrySelection) error {
	encoded := make([]string, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		e := r.Encode()
		if seen[e] {
			continue
		}
		seen[e] = true
		encoded = append(encoded, e)
	}

	if err := s.settings.SetStrings(ctx, SelectionsSettingKey, encoded); err != nil {
		return fmt.Errorf("save selections: %w", err)
	}
	return nil
}
