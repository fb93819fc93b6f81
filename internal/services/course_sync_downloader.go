package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/coursesync/server/internal/api"
	"github.com/coursesync/server/internal/events"
	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/repository"
)

const (
	// TabDownloadFailedMessage is stored on a tab whose content could not be fetched
	TabDownloadFailedMessage = "Tab download failed."

	// progressFlushBytes is how many streamed bytes are reported at once
	progressFlushBytes = 256 * 1024
)

// DownloaderConfig tunes a CourseSyncDownloader
type DownloaderConfig struct {
	MaxConcurrentCourses int
	MaxConcurrentFiles   int
	// PlanSource rebuilds the plan for Retry after a restart lost it
	PlanSource func(ctx context.Context) ([]models.CourseSyncEntry, error)
}

// CourseSyncDownloader executes a download plan: tab content goes to the
// content cache, files to offline storage. Progress is reported through
// the state tracker and the download aggregator. One session runs at a
// time.
type CourseSyncDownloader struct {
	content    ContentAPI
	cache      repository.APICacheRepo
	storage    *OfflineStorageService
	tracker    *StateProgressTracker
	aggregator *DownloadProgressAggregator
	bus        *events.EventBus
	metrics    *observability.SyncMetrics
	cfg        DownloaderConfig
	logger     *observability.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	lastPlan []models.CourseSyncEntry
}

// NewCourseSyncDownloader creates a downloader
func NewCourseSyncDownloader(
	content ContentAPI,
	cache repository.APICacheRepo,
	storage *OfflineStorageService,
	tracker *StateProgressTracker,
	aggregator *DownloadProgressAggregator,
	bus *events.EventBus,
	metrics *observability.SyncMetrics,
	cfg DownloaderConfig,
	logger *observability.Logger,
) *CourseSyncDownloader {
	if cfg.MaxConcurrentCourses <= 0 {
		cfg.MaxConcurrentCourses = 1
	}
	if cfg.MaxConcurrentFiles <= 0 {
		cfg.MaxConcurrentFiles = 1
	}
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &CourseSyncDownloader{
		content:    content,
		cache:      cache,
		storage:    storage,
		tracker:    tracker,
		aggregator: aggregator,
		bus:        bus,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger.WithField("component", "downloader"),
	}
}

// Start replaces any running session with one for the selected part of
// entries and returns once its initial state is stored. The download
// itself outlives ctx; use Cancel to stop it.
func (d *CourseSyncDownloader) Start(ctx context.Context, entries []models.CourseSyncEntry) error {
	plan := SelectedEntries(entries)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()

	if err := d.tracker.CleanUpPreviousDownloadProgress(ctx); err != nil {
		return err
	}
	if err := d.tracker.SetInitialLoadingState(ctx, plan); err != nil {
		return err
	}
	if err := d.aggregator.SaveDownloadProgress(ctx, plan); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	d.cancel, d.done, d.lastPlan = cancel, done, plan

	courseIDs := planCourseIDs(plan)
	d.publish(events.EventSyncTriggered, courseIDs, "")
	d.metrics.SessionStarted(runCtx, len(plan))
	d.logger.WithContext(ctx).Infof("Starting offline sync of %d courses", len(plan))

	go func() {
		defer close(done)
		defer cancel()
		d.run(runCtx, plan)
	}()

	return nil
}

// DownloadContent runs a session to completion and returns its final
// aggregate record. Cancelling ctx cancels the session.
func (d *CourseSyncDownloader) DownloadContent(ctx context.Context, entries []models.CourseSyncEntry) (*models.CourseSyncDownloadProgress, error) {
	if err := d.Start(ctx, entries); err != nil {
		return nil, err
	}

	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		if err := d.Cancel(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, models.ErrSyncNotRunning) {
			d.logger.WithError(err).Warn("Failed to cancel sync")
		}
		return nil, ctx.Err()
	}

	return d.aggregator.Get(ctx)
}

// Cancel stops the running session and clears its progress
func (d *CourseSyncDownloader) Cancel(ctx context.Context) error {
	d.mu.Lock()
	if !d.runningLocked() {
		d.mu.Unlock()
		return models.ErrSyncNotRunning
	}
	courseIDs := planCourseIDs(d.lastPlan)
	d.stopLocked()
	d.mu.Unlock()

	if err := d.tracker.CleanUpPreviousDownloadProgress(ctx); err != nil {
		return err
	}
	d.publish(events.EventSyncCancelled, courseIDs, "")
	d.logger.WithContext(ctx).Info("Offline sync cancelled")
	return nil
}

// Stop ends the running session and keeps its progress as it is. The next
// start-up marks the unfinished nodes as interrupted.
func (d *CourseSyncDownloader) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Retry starts the last plan again. After a restart the plan is rebuilt
// from PlanSource.
func (d *CourseSyncDownloader) Retry(ctx context.Context) error {
	d.mu.Lock()
	plan := d.lastPlan
	d.mu.Unlock()

	if len(plan) == 0 && d.cfg.PlanSource != nil {
		var err error
		if plan, err = d.cfg.PlanSource(ctx); err != nil {
			return err
		}
	}
	if len(plan) == 0 {
		return models.ErrNoSyncPlan
	}
	return d.Start(ctx, plan)
}

// CleanContent removes the offline files and cached tab content of courses
func (d *CourseSyncDownloader) CleanContent(ctx context.Context, courseIDs []string) error {
	for _, id := range courseIDs {
		if err := d.storage.RemoveCourse(id); err != nil {
			return fmt.Errorf("remove offline files of course %s: %w", id, err)
		}
		if err := d.cache.DeletePrefix(ctx, courseContentPrefix(id)); err != nil {
			return fmt.Errorf("remove cached content of course %s: %w", id, err)
		}
	}
	return nil
}

// IsRunning reports whether a session is in progress
func (d *CourseSyncDownloader) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runningLocked()
}

// Wait blocks until the current session, if any, ends
func (d *CourseSyncDownloader) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (d *CourseSyncDownloader) runningLocked() bool {
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *CourseSyncDownloader) stopLocked() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel = nil
}

func (d *CourseSyncDownloader) run(ctx context.Context, plan []models.CourseSyncEntry) {
	ctx, span := observability.StartServiceSpan(ctx, "downloader", "run")
	defer span.End()

	var failed atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.MaxConcurrentCourses)
	for _, entry := range plan {
		g.Go(func() error {
			if !d.syncCourse(ctx, entry) {
				failed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		d.metrics.SessionFinished(ctx, "cancelled")
		return
	}

	// The session is over even if the caller went away
	finishCtx := context.WithoutCancel(ctx)
	var errMsg *string
	outcome := "success"
	if failed.Load() {
		msg := FileDownloadFailedMessage
		errMsg = &msg
		outcome = "error"
		observability.RecordError(span, errors.New(msg))
	} else {
		observability.SetSuccess(span)
	}

	if err := d.aggregator.SaveDownloadResult(finishCtx, true, errMsg); err != nil {
		d.logger.WithError(err).Error("Failed to save download result")
	}
	d.metrics.SessionFinished(finishCtx, outcome)

	var published string
	if errMsg != nil {
		published = *errMsg
	}
	d.publish(events.EventSyncCompleted, planCourseIDs(plan), published)
	d.logger.WithContext(ctx).WithField("outcome", outcome).Info("Offline sync finished")
}

// syncCourse downloads one course and reports whether everything succeeded
func (d *CourseSyncDownloader) syncCourse(ctx context.Context, entry models.CourseSyncEntry) bool {
	ctx, span := observability.StartServiceSpan(ctx, "downloader", "syncCourse")
	defer span.End()

	courseID := entry.CourseID()
	span.SetAttributes(observability.CourseID(courseID))
	courseSel := models.CourseSelection(entry.ID)
	d.saveState(ctx, courseSel, models.LoadingState(nil))

	ok := true
	selectedTabs := make(map[models.TabName]bool, len(entry.Tabs))
	for _, tab := range entry.Tabs {
		if !tab.SelectionState.IsSelected() || tab.Type == models.TabFiles {
			continue
		}
		selectedTabs[tab.Type] = true
		if !d.syncTab(ctx, entry, tab) {
			ok = false
		}
	}
	d.removeDeselectedTabContent(ctx, courseID, selectedTabs)

	if filesTab, hasFiles := entry.FilesTab(); hasFiles && filesTab.SelectionState.IsSelected() {
		if !d.syncFiles(ctx, entry, *filesTab) {
			ok = false
		}
	} else if err := d.storage.RemoveCourseFiles(courseID); err != nil {
		d.logger.WithError(err).WithField("course_id", courseID).Warn("Failed to remove deselected files")
	}

	if ctx.Err() != nil {
		return false
	}

	if ok {
		d.saveState(ctx, courseSel, models.DownloadedState())
		observability.SetSuccess(span)
	} else {
		d.saveState(ctx, courseSel, models.ErrorState(FileDownloadFailedMessage))
		observability.RecordError(span, errors.New(FileDownloadFailedMessage))
	}
	return ok
}

func (d *CourseSyncDownloader) syncTab(ctx context.Context, entry models.CourseSyncEntry, tab models.Tab) bool {
	sel := models.TabSelection(entry.ID, tab.ID)
	courseID := entry.CourseID()
	d.saveState(ctx, sel, models.LoadingState(nil))

	content, err := d.content.GetTabContent(ctx, courseID, tab.Type)
	if err == nil && content != nil {
		err = d.cache.Put(ctx, tabContentCacheKey(courseID, tab.Type), content)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		d.logger.WithError(err).WithFields(map[string]interface{}{
			"course_id": courseID,
			"tab":       string(tab.Type),
		}).Warn("Tab download failed")
		d.metrics.RecordTabFailure(ctx, courseID, string(tab.Type))
		d.saveState(ctx, sel, models.ErrorState(TabDownloadFailedMessage))
		return false
	}

	d.saveState(ctx, sel, models.DownloadedState())
	return true
}

func (d *CourseSyncDownloader) removeDeselectedTabContent(ctx context.Context, courseID string, selected map[models.TabName]bool) {
	for _, tab := range models.DefaultOfflineTabs() {
		if selected[tab] || !api.HasTabContent(tab) {
			continue
		}
		if err := d.cache.Delete(ctx, tabContentCacheKey(courseID, tab)); err != nil {
			d.logger.WithError(err).WithField("course_id", courseID).Warn("Failed to remove deselected tab content")
		}
	}
}

func (d *CourseSyncDownloader) syncFiles(ctx context.Context, entry models.CourseSyncEntry, filesTab models.Tab) bool {
	sel := models.TabSelection(entry.ID, filesTab.ID)
	courseID := entry.CourseID()
	d.saveState(ctx, sel, models.LoadingState(nil))

	files := entry.SelectedFiles()
	keep := make([]string, len(files))
	for i, f := range files {
		keep[i] = f.FileID
	}
	if err := d.storage.RemoveUnavailableFiles(courseID, keep); err != nil {
		d.logger.WithError(err).WithField("course_id", courseID).Warn("Failed to remove deselected files")
	}

	var failed atomic.Bool
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.MaxConcurrentFiles)
	for _, f := range files {
		g.Go(func() error {
			if !d.downloadFile(ctx, entry, f) {
				failed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return false
	}
	if failed.Load() {
		d.saveState(ctx, sel, models.ErrorState(FileDownloadFailedMessage))
		return false
	}
	d.saveState(ctx, sel, models.DownloadedState())
	return true
}

func (d *CourseSyncDownloader) downloadFile(ctx context.Context, entry models.CourseSyncEntry, file models.File) bool {
	sel := models.FileSelection(entry.ID, file.ID)
	courseID := entry.CourseID()
	zero := float32(0)
	d.saveState(ctx, sel, models.LoadingState(&zero))

	reporter := &progressReporter{ctx: ctx, downloader: d, selection: sel, total: file.BytesToDownload}
	err := d.fetchFile(ctx, courseID, file, reporter)
	reporter.flush()

	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		d.logger.WithError(err).WithFields(map[string]interface{}{
			"course_id": courseID,
			"file_id":   file.FileID,
		}).Warn("File download failed")
		d.metrics.RecordFileDownload(ctx, courseID, reporter.written, false)
		d.saveState(ctx, sel, models.ErrorState(FileDownloadFailedMessage))
		return false
	}

	// Sizes reported by the API can be off; a finished file counts in full
	if short := file.BytesToDownload - reporter.written; short > 0 {
		if err := d.aggregator.AddBytesDownloaded(ctx, short); err != nil {
			d.logger.WithError(err).Warn("Failed to report download progress")
		}
	}

	d.metrics.RecordFileDownload(ctx, courseID, reporter.written, true)
	d.saveState(ctx, sel, models.DownloadedState())
	return true
}

func (d *CourseSyncDownloader) fetchFile(ctx context.Context, courseID string, file models.File, reporter *progressReporter) error {
	body, err := d.content.OpenFile(ctx, file.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	name := file.FileName
	if name == "" {
		name = file.DisplayName
	}
	_, err = d.storage.StoreFile(io.TeeReader(body, reporter), courseID, file.FileID, name)
	return err
}

func (d *CourseSyncDownloader) saveState(ctx context.Context, sel models.CourseEntrySelection, state models.CourseSyncState) {
	if ctx.Err() != nil {
		return
	}
	if err := d.tracker.SaveStateProgress(ctx, sel.NodeID(), sel, state); err != nil && ctx.Err() == nil {
		d.logger.WithError(err).WithField("node_id", sel.NodeID()).Warn("Failed to save state progress")
	}
}

func (d *CourseSyncDownloader) publish(eventType events.EventType, courseIDs []string, errMsg string) {
	if d.bus != nil {
		d.bus.PublishSync(eventType, courseIDs, errMsg)
	}
}

func planCourseIDs(plan []models.CourseSyncEntry) []string {
	ids := make([]string, len(plan))
	for i, e := range plan {
		ids[i] = e.CourseID()
	}
	return ids
}

// progressReporter counts streamed bytes and reports them in chunks
type progressReporter struct {
	ctx        context.Context
	downloader *CourseSyncDownloader
	selection  models.CourseEntrySelection
	total      int64
	written    int64
	pending    int64
}

func (r *progressReporter) Write(p []byte) (int, error) {
	r.written += int64(len(p))
	r.pending += int64(len(p))
	if r.pending >= progressFlushBytes {
		r.flush()
	}
	return len(p), nil
}

func (r *progressReporter) flush() {
	if r.pending == 0 || r.ctx.Err() != nil {
		return
	}
	if err := r.downloader.aggregator.AddBytesDownloaded(r.ctx, r.pending); err != nil {
		r.downloader.logger.WithError(err).Warn("Failed to report download progress")
	}
	r.pending = 0

	if r.total > 0 {
		fraction := float32(min(float64(r.written)/float64(r.total), 1))
		r.downloader.saveState(r.ctx, r.selection, models.LoadingState(&fraction))
	}
}
