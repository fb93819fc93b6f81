package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/coursesync/server/internal/events"
	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/repository"
)

const (
	// FileDownloadFailedMessage is the aggregate error of a failed session
	FileDownloadFailedMessage = "File download failed."

	SyncSuccessText = "Offline content sync success"
	SyncFailureText = "Offline content sync failed"
)

// DownloadProgressAggregator owns the single aggregate byte counter of a
// session
type DownloadProgressAggregator struct {
	repo         repository.DownloadProgressRepo
	bus          *events.EventBus
	pollInterval time.Duration
	logger       *observability.Logger
}

// NewDownloadProgressAggregator creates an aggregator
func NewDownloadProgressAggregator(
	repo repository.DownloadProgressRepo,
	bus *events.EventBus,
	pollInterval time.Duration,
	logger *observability.Logger,
) *DownloadProgressAggregator {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &DownloadProgressAggregator{
		repo:         repo,
		bus:          bus,
		pollInterval: pollInterval,
		logger:       logger.WithField("component", "download_aggregator"),
	}
}

// Get returns the current aggregate record or models.ErrDownloadProgressNotFound
func (a *DownloadProgressAggregator) Get(ctx context.Context) (*models.CourseSyncDownloadProgress, error) {
	return a.repo.Get(ctx)
}

// ObserveDownloadProgress streams the aggregate record. Nothing is emitted
// while no session has been started.
func (a *DownloadProgressAggregator) ObserveDownloadProgress(ctx context.Context) <-chan models.CourseSyncDownloadProgress {
	return observeStore(ctx, a.bus, events.EventDownloadProgressChanged, a.pollInterval, a.logger,
		func(ctx context.Context) (models.CourseSyncDownloadProgress, bool, error) {
			p, err := a.repo.Get(ctx)
			if errors.Is(err, models.ErrDownloadProgressNotFound) {
				return models.CourseSyncDownloadProgress{}, false, nil
			}
			if err != nil {
				return models.CourseSyncDownloadProgress{}, false, err
			}
			return *p, true, nil
		})
}

// SaveDownloadProgress starts a new aggregate record sized for the
// selected files of entries
func (a *DownloadProgressAggregator) SaveDownloadProgress(ctx context.Context, entries []models.CourseSyncEntry) error {
	p := &models.CourseSyncDownloadProgress{CourseIDs: []string{}}
	for _, e := range SelectedEntries(entries) {
		p.BytesToDownload += e.TotalSelectedSize()
		p.CourseIDs = append(p.CourseIDs, e.CourseID())
	}

	if err := a.repo.Save(ctx, p); err != nil {
		return fmt.Errorf("save download progress: %w", err)
	}
	a.notify()
	return nil
}

// AddBytesDownloaded adds n to the downloaded counter
func (a *DownloadProgressAggregator) AddBytesDownloaded(ctx context.Context, n int64) error {
	if n == 0 {
		return nil
	}
	if err := a.repo.AddBytesDownloaded(ctx, n); err != nil {
		return err
	}
	a.notify()
	return nil
}

// SaveDownloadResult stores the terminal outcome of the session
func (a *DownloadProgressAggregator) SaveDownloadResult(ctx context.Context, isFinished bool, errMsg *string) error {
	if err := a.repo.SetResult(ctx, isFinished, errMsg); err != nil {
		return err
	}
	a.notify()
	return nil
}

func (a *DownloadProgressAggregator) notify() {
	if a.bus != nil {
		a.bus.PublishStoreChanged(events.EventDownloadProgressChanged)
	}
}

// StatusText summarizes a running session, e.g. "45% · 1 course is syncing."
func StatusText(p models.CourseSyncDownloadProgress, states []models.CourseSyncStateProgress) string {
	percent := int(math.Round(p.Fraction() * 100))
	return fmt.Sprintf("%d%% · %s", percent, syncingCoursesText(syncingCourseCount(p, states)))
}

// DetailText renders the byte counters, e.g. "450 kB of 1.0 MB"
func DetailText(p models.CourseSyncDownloadProgress) string {
	return fmt.Sprintf("%s of %s",
		humanize.Bytes(uint64(p.ClampedBytesDownloaded())),
		humanize.Bytes(uint64(max(p.BytesToDownload, 0))))
}

func syncingCoursesText(n int) string {
	if n == 1 {
		return "1 course is syncing."
	}
	return fmt.Sprintf("%d courses are syncing.", n)
}

// syncingCourseCount counts course nodes of the session. States of other
// courses are ignored when the session lists its courses.
func syncingCourseCount(p models.CourseSyncDownloadProgress, states []models.CourseSyncStateProgress) int {
	inSession := make(map[string]bool, len(p.CourseIDs))
	for _, id := range p.CourseIDs {
		inSession[id] = true
	}

	n := 0
	for _, s := range states {
		if s.Selection.Kind != models.SelectionKindCourse {
			continue
		}
		if len(inSession) > 0 && !inSession[s.Selection.CourseID()] {
			continue
		}
		n++
	}
	if n == 0 {
		return len(p.CourseIDs)
	}
	return n
}
