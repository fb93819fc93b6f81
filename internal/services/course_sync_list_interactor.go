package services

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/repository"
)

// AllCoursesName is the title used when listing every course
const AllCoursesName = "All Courses"

// CourseSyncFilterKind selects which courses a listing covers
type CourseSyncFilterKind string

const (
	FilterAllCourses CourseSyncFilterKind = "all"
	FilterCourseID   CourseSyncFilterKind = "courseId"
	FilterCourseIDs  CourseSyncFilterKind = "courseIds"
)

// CourseSyncFilter scopes GetCourseSyncEntries. The all and single course
// filters always read the network. The course ids filter may be served
// from the cache and only returns the selected part of the tree, which
// makes it the input of a download.
type CourseSyncFilter struct {
	Kind      CourseSyncFilterKind
	CourseIDs []string
}

func AllCoursesFilter() CourseSyncFilter {
	return CourseSyncFilter{Kind: FilterAllCourses}
}

func CourseIDFilter(courseID string) CourseSyncFilter {
	return CourseSyncFilter{Kind: FilterCourseID, CourseIDs: []string{courseID}}
}

func CourseIDsFilter(courseIDs ...string) CourseSyncFilter {
	return CourseSyncFilter{Kind: FilterCourseIDs, CourseIDs: courseIDs}
}

func (f CourseSyncFilter) useCache() bool {
	return f.Kind == FilterCourseIDs
}

func (f CourseSyncFilter) query() models.CourseQuery {
	q := models.CourseQuery{ExcludeUnpublished: true}
	if f.Kind != FilterAllCourses {
		q.CourseIDs = f.CourseIDs
	}
	return q
}

// CourseSyncListInteractor lists course sync entries with the persisted
// selection applied and saves selection changes.
type CourseSyncListInteractor struct {
	composer      *CourseSyncEntryComposer
	api           CourseAPI
	cache         repository.APICacheRepo
	selections    *SelectionStore
	maxConcurrent int
	logger        *observability.Logger
}

// NewCourseSyncListInteractor creates a lister composing at most
// maxConcurrent courses at a time
func NewCourseSyncListInteractor(
	composer *CourseSyncEntryComposer,
	courseAPI CourseAPI,
	cache repository.APICacheRepo,
	selections *SelectionStore,
	maxConcurrent int,
	logger *observability.Logger,
) *CourseSyncListInteractor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &CourseSyncListInteractor{
		composer:      composer,
		api:           courseAPI,
		cache:         cache,
		selections:    selections,
		maxConcurrent: maxConcurrent,
		logger:        logger.WithField("component", "lister"),
	}
}

// GetCourseSyncEntries composes the courses matching filter, ordered by
// name. Listing every course also drops persisted selections of courses
// that are no longer selected or no longer exist.
func (l *CourseSyncListInteractor) GetCourseSyncEntries(ctx context.Context, filter CourseSyncFilter) (entries []models.CourseSyncEntry, err error) {
	ctx, span := observability.StartServiceSpan(ctx, "lister", "GetCourseSyncEntries")
	defer func() {
		if err != nil {
			observability.RecordError(span, err)
		} else {
			observability.SetSuccess(span)
		}
		span.End()
	}()

	entries, records, err := l.list(ctx, filter.query(), filter.useCache())
	if err != nil {
		return nil, err
	}

	switch filter.Kind {
	case FilterAllCourses:
		if err := l.pruneSelections(ctx, entries, records); err != nil {
			return nil, err
		}
	case FilterCourseIDs:
		return SelectedEntries(entries), nil
	}

	return entries, nil
}

// GetSelectedCourseEntries returns the download plan built from the
// persisted selections, served from the cache where possible
func (l *CourseSyncListInteractor) GetSelectedCourseEntries(ctx context.Context) ([]models.CourseSyncEntry, error) {
	records, err := l.selections.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []models.CourseSyncEntry{}, nil
	}

	var courseIDs []string
	seen := make(map[string]bool)
	for _, r := range records {
		id := r.CourseID()
		if !seen[id] {
			seen[id] = true
			courseIDs = append(courseIDs, id)
		}
	}

	return l.GetCourseSyncEntries(ctx, CourseIDsFilter(courseIDs...))
}

// GetCourseName names the listing: "All Courses" for every course,
// otherwise the name of the filtered course
func (l *CourseSyncListInteractor) GetCourseName(ctx context.Context, filter CourseSyncFilter) (string, error) {
	if filter.Kind == FilterAllCourses {
		return AllCoursesName, nil
	}

	courses, err := l.courses(ctx, filter.query(), true)
	if err != nil {
		return "", err
	}
	switch len(courses) {
	case 0:
		return "", models.ErrEntryNotFound
	case 1:
		return courses[0].Name, nil
	}
	return fmt.Sprintf("%d Courses", len(courses)), nil
}

// SetSelected applies one selection change to entries and persists the
// result. Records of courses outside entries are kept as they are.
func (l *CourseSyncListInteractor) SetSelected(ctx context.Context, entries []models.CourseSyncEntry, selection models.CourseEntrySelection, state models.SelectionState) ([]models.CourseSyncEntry, error) {
	return l.saveSelection(ctx, entries, false, selection, state)
}

// saveSelection runs SetSelected as one store update. With reapply the
// persisted records are applied to entries first, so entries composed
// before the update see changes saved in the meantime.
func (l *CourseSyncListInteractor) saveSelection(ctx context.Context, entries []models.CourseSyncEntry, reapply bool, selection models.CourseEntrySelection, state models.SelectionState) ([]models.CourseSyncEntry, error) {
	var updated []models.CourseSyncEntry
	err := l.selections.Update(ctx, func(existing []models.CourseEntrySelection) ([]models.CourseEntrySelection, error) {
		base := entries
		if reapply {
			base = applySelections(entries, existing)
		}
		var err error
		updated, err = SetSelectionState(base, selection, state)
		if err != nil {
			return nil, err
		}

		listed := make(map[string]bool, len(updated))
		for _, e := range updated {
			listed[e.ID] = true
		}

		records := make([]models.CourseEntrySelection, 0, len(existing))
		for _, r := range existing {
			if !listed[r.EntryID] {
				records = append(records, r)
			}
		}
		return append(records, SelectionRecords(updated)...), nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateSelection loads the course a selection belongs to and applies the
// change to it. The returned entry carries the new selection.
func (l *CourseSyncListInteractor) UpdateSelection(ctx context.Context, selection models.CourseEntrySelection, state models.SelectionState) (*models.CourseSyncEntry, error) {
	if err := selection.Validate(); err != nil {
		return nil, err
	}

	entries, err := l.compose(ctx, CourseIDFilter(selection.CourseID()).query(), true)
	if err != nil {
		return nil, err
	}

	updated, err := l.saveSelection(ctx, entries, true, selection, state)
	if err != nil {
		return nil, err
	}

	i := models.FindEntry(updated, selection.EntryID)
	if i < 0 {
		return nil, models.ErrEntryNotFound
	}
	return &updated[i], nil
}

// list composes the courses of q and applies the persisted selections.
// It also returns the records it applied.
func (l *CourseSyncListInteractor) list(ctx context.Context, q models.CourseQuery, useCache bool) ([]models.CourseSyncEntry, []models.CourseEntrySelection, error) {
	entries, err := l.compose(ctx, q, useCache)
	if err != nil {
		return nil, nil, err
	}

	records, err := l.selections.Load(ctx)
	if err != nil {
		return nil, nil, err
	}

	return applySelections(entries, records), records, nil
}

// compose builds the entries of q with nothing selected
func (l *CourseSyncListInteractor) compose(ctx context.Context, q models.CourseQuery, useCache bool) ([]models.CourseSyncEntry, error) {
	courses, err := l.courses(ctx, q, useCache)
	if err != nil {
		return nil, err
	}

	entries := make([]models.CourseSyncEntry, len(courses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.maxConcurrent)
	for i, course := range courses {
		g.Go(func() error {
			entry, err := l.composer.ComposeEntry(gctx, course, useCache)
			if err != nil {
				return fmt.Errorf("compose course %s: %w", course.ID, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *CourseSyncListInteractor) courses(ctx context.Context, q models.CourseQuery, useCache bool) ([]models.APICourse, error) {
	courses, err := cachedFetch(ctx, l.cache, coursesCacheKey, useCache, l.api.ListCourses)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	return q.Apply(courses), nil
}

// pruneSelections drops records whose course is not selected in entries.
// Records saved since entries were listed are applied before deciding.
func (l *CourseSyncListInteractor) pruneSelections(ctx context.Context, entries []models.CourseSyncEntry, records []models.CourseEntrySelection) error {
	if len(records) == 0 {
		return nil
	}

	return l.selections.Update(ctx, func(current []models.CourseEntrySelection) ([]models.CourseEntrySelection, error) {
		selectedEntries := make(map[string]bool, len(entries))
		for _, e := range applySelections(entries, current) {
			if e.SelectionState.IsSelected() {
				selectedEntries[e.ID] = true
			}
		}

		kept := make([]models.CourseEntrySelection, 0, len(current))
		for _, r := range current {
			if selectedEntries[r.EntryID] {
				kept = append(kept, r)
			}
		}
		if len(kept) < len(current) {
			l.logger.WithContext(ctx).Infof("Pruning %d stale selection records", len(current)-len(kept))
		}
		return kept, nil
	})
}
