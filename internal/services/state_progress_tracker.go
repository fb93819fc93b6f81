package services

import (
	"context"
	"fmt"
	"time"

	"github.com/coursesync/server/internal/events"
	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/repository"
)

// InterruptedSyncMessage is stored on nodes a killed process left unfinished
const InterruptedSyncMessage = "Sync interrupted."

// StateProgressTracker persists the per-node lifecycle of a sync session
// and streams it to observers
type StateProgressTracker struct {
	states       repository.StateProgressRepo
	downloads    repository.DownloadProgressRepo
	bus          *events.EventBus
	pollInterval time.Duration
	logger       *observability.Logger
}

// NewStateProgressTracker creates a tracker. A zero pollInterval only
// reacts to bus events, which misses writes by other processes.
func NewStateProgressTracker(
	states repository.StateProgressRepo,
	downloads repository.DownloadProgressRepo,
	bus *events.EventBus,
	pollInterval time.Duration,
	logger *observability.Logger,
) *StateProgressTracker {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &StateProgressTracker{
		states:       states,
		downloads:    downloads,
		bus:          bus,
		pollInterval: pollInterval,
		logger:       logger.WithField("component", "state_tracker"),
	}
}

// GetStateProgress returns every record of the session
func (t *StateProgressTracker) GetStateProgress(ctx context.Context) ([]models.CourseSyncStateProgress, error) {
	return t.states.GetAll(ctx)
}

// ObserveStateProgress streams the full record list, current value first
func (t *StateProgressTracker) ObserveStateProgress(ctx context.Context) <-chan []models.CourseSyncStateProgress {
	return observeStore(ctx, t.bus, events.EventStateProgressChanged, t.pollInterval, t.logger,
		func(ctx context.Context) ([]models.CourseSyncStateProgress, bool, error) {
			all, err := t.states.GetAll(ctx)
			if all == nil {
				all = []models.CourseSyncStateProgress{}
			}
			return all, err == nil, err
		})
}

// SaveStateProgress records the state of one node
func (t *StateProgressTracker) SaveStateProgress(ctx context.Context, id string, selection models.CourseEntrySelection, state models.CourseSyncState) error {
	p := models.NewCourseSyncStateProgress(selection, state)
	if id != "" {
		p.ID = id
	}
	if err := t.states.Upsert(ctx, p); err != nil {
		return err
	}
	t.notify(events.EventStateProgressChanged)
	return nil
}

// SetInitialLoadingState stamps every selected course, tab and file of
// entries as pending
func (t *StateProgressTracker) SetInitialLoadingState(ctx context.Context, entries []models.CourseSyncEntry) error {
	var records []models.CourseSyncStateProgress
	for _, e := range SelectedEntries(entries) {
		records = append(records, models.NewCourseSyncStateProgress(models.CourseSelection(e.ID), models.PendingState()))
		for _, tab := range e.Tabs {
			records = append(records, models.NewCourseSyncStateProgress(models.TabSelection(e.ID, tab.ID), models.PendingState()))
		}
		for _, f := range e.Files {
			records = append(records, models.NewCourseSyncStateProgress(models.FileSelection(e.ID, f.ID), models.PendingState()))
		}
	}
	if len(records) == 0 {
		return nil
	}

	if err := t.states.UpsertMany(ctx, records); err != nil {
		return fmt.Errorf("set initial loading state: %w", err)
	}
	t.notify(events.EventStateProgressChanged)
	return nil
}

// CleanUpPreviousDownloadProgress clears the node states and the
// aggregate download record
func (t *StateProgressTracker) CleanUpPreviousDownloadProgress(ctx context.Context) error {
	if err := t.states.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clear state progress: %w", err)
	}
	if err := t.downloads.Delete(ctx); err != nil {
		return fmt.Errorf("clear download progress: %w", err)
	}
	t.notify(events.EventStateProgressChanged)
	t.notify(events.EventDownloadProgressChanged)
	return nil
}

// MarkInProgressDownloadsAsFailed turns every unfinished node and an
// unfinished aggregate record into errors. Run at startup, before any
// sync can begin.
func (t *StateProgressTracker) MarkInProgressDownloadsAsFailed(ctx context.Context) error {
	n, err := t.states.MarkUnfinishedAsFailed(ctx, InterruptedSyncMessage)
	if err != nil {
		return fmt.Errorf("mark unfinished states as failed: %w", err)
	}
	changed, err := t.downloads.MarkUnfinishedAsFailed(ctx, FileDownloadFailedMessage)
	if err != nil {
		return fmt.Errorf("mark unfinished download as failed: %w", err)
	}

	if n > 0 || changed {
		t.logger.WithContext(ctx).Warnf("Recovered interrupted sync: %d nodes marked as failed", n)
		t.notify(events.EventStateProgressChanged)
		t.notify(events.EventDownloadProgressChanged)
	}
	return nil
}

func (t *StateProgressTracker) notify(eventType events.EventType) {
	if t.bus != nil {
		t.bus.PublishStoreChanged(eventType)
	}
}
