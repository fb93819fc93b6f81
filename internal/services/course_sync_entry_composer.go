package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coursesync/server/internal/api"
	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/repository"
)

// CourseSyncEntryComposer turns one LMS course into a selectable
// CourseSyncEntry: its offline tabs plus a flat list of every downloadable
// file reachable from the course's root folder.
type CourseSyncEntryComposer struct {
	api         CourseAPI
	cache       repository.APICacheRepo
	offlineTabs map[models.TabName]bool
	logger      *observability.Logger
	metrics     *observability.SyncMetrics
}

// NewCourseSyncEntryComposer creates a composer. An empty offlineTabs
// falls back to models.DefaultOfflineTabs.
func NewCourseSyncEntryComposer(
	courseAPI CourseAPI,
	cache repository.APICacheRepo,
	offlineTabs []models.TabName,
	logger *observability.Logger,
	metrics *observability.SyncMetrics,
) *CourseSyncEntryComposer {
	if len(offlineTabs) == 0 {
		offlineTabs = models.DefaultOfflineTabs()
	}
	allowed := make(map[models.TabName]bool, len(offlineTabs))
	for _, t := range offlineTabs {
		allowed[t] = true
	}
	if logger == nil {
		logger = observability.GetLogger()
	}

	return &CourseSyncEntryComposer{
		api:         courseAPI,
		cache:       cache,
		offlineTabs: allowed,
		logger:      logger.WithField("component", "composer"),
		metrics:     metrics,
	}
}

// ComposeEntry builds the entry of a course. Every node starts deselected.
// Finding no tabs or files is not an error.
func (c *CourseSyncEntryComposer) ComposeEntry(ctx context.Context, course models.APICourse, useCache bool) (entry models.CourseSyncEntry, err error) {
	start := time.Now()
	ctx, span := observability.StartServiceSpan(ctx, "composer", "ComposeEntry")
	span.SetAttributes(observability.CourseID(course.ID))
	defer func() {
		c.metrics.RecordCompose(ctx, course.ID, time.Since(start), err)
		if err != nil {
			observability.RecordError(span, err)
		} else {
			observability.SetSuccess(span)
		}
		span.End()
	}()

	apiTabs := course.Tabs
	if apiTabs == nil {
		apiTabs, err = cachedFetch(ctx, c.cache, tabsCacheKey(course.ID), useCache, func(ctx context.Context) ([]models.APITab, error) {
			return c.api.ListTabs(ctx, course.ID)
		})
		if err != nil {
			return models.CourseSyncEntry{}, fmt.Errorf("list tabs of course %s: %w", course.ID, err)
		}
	}

	entry = models.CourseSyncEntry{
		ID:             models.EntryID(course.ID),
		Name:           course.Name,
		Tabs:           c.offlineTabsOf(course.ID, apiTabs),
		Files:          []models.File{},
		SelectionState: models.SelectionDeselected,
	}

	if _, ok := entry.FilesTab(); ok {
		files, err := c.composeFiles(ctx, course.ID, useCache)
		if err != nil {
			return models.CourseSyncEntry{}, err
		}
		entry.Files = files
	}

	c.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"course_id": course.ID,
		"tabs":      len(entry.Tabs),
		"files":     len(entry.Files),
	}).Debug("Composed course sync entry")

	return entry, nil
}

func (c *CourseSyncEntryComposer) offlineTabsOf(courseID string, apiTabs []models.APITab) []models.Tab {
	tabs := make([]models.Tab, 0, len(apiTabs))
	seen := make(map[string]bool, len(apiTabs))
	for _, t := range apiTabs {
		tabType := models.TabName(t.ID)
		if !c.offlineTabs[tabType] || seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		tabs = append(tabs, models.Tab{
			ID:             models.TabNodeID(courseID, t.ID),
			Name:           t.Label,
			Type:           tabType,
			SelectionState: models.SelectionDeselected,
		})
	}
	return tabs
}

// composeFiles walks the folder tree breadth first from the course root.
// Folders the user may not read contribute nothing, and each folder is
// visited once even if the API reports a cycle.
func (c *CourseSyncEntryComposer) composeFiles(ctx context.Context, courseID string, useCache bool) ([]models.File, error) {
	root, err := cachedFetch(ctx, c.cache, rootFolderCacheKey(courseID), useCache, func(ctx context.Context) (*models.APIFolder, error) {
		return c.api.GetRootFolder(ctx, courseID)
	})
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return []models.File{}, nil
		}
		return nil, fmt.Errorf("get root folder of course %s: %w", courseID, err)
	}
	if root == nil {
		return []models.File{}, nil
	}

	var apiFiles []models.APIFile
	visited := map[string]bool{root.ID: true}
	queue := []string{root.ID}

	for len(queue) > 0 {
		folderID := queue[0]
		queue = queue[1:]

		items, err := cachedFetch(ctx, c.cache, folderItemsCacheKey(folderID), useCache, func(ctx context.Context) ([]models.FolderItem, error) {
			return c.api.ListFolderItems(ctx, folderID)
		})
		if err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				c.logger.WithField("folder_id", folderID).Debug("Skipping unauthorized folder")
				continue
			}
			return nil, fmt.Errorf("list items of folder %s: %w", folderID, err)
		}

		for _, item := range items {
			if item.LockedForUser() || item.HiddenForUser() {
				continue
			}
			switch {
			case item.Kind == models.FolderItemFolder && item.Folder != nil:
				if !visited[item.Folder.ID] {
					visited[item.Folder.ID] = true
					queue = append(queue, item.Folder.ID)
				}
			case item.Kind == models.FolderItemFile && item.File != nil:
				apiFiles = append(apiFiles, *item.File)
			}
		}
	}

	files := make([]models.File, 0, len(apiFiles))
	seen := make(map[string]bool, len(apiFiles))
	for _, f := range apiFiles {
		if f.URL == "" || f.MimeClass == "" {
			continue
		}
		fileID := f.ID
		if fileID == "" {
			fileID = uuid.NewString()
		}
		nodeID := models.FileNodeID(courseID, fileID)
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		files = append(files, models.File{
			ID:              nodeID,
			FileID:          fileID,
			DisplayName:     f.DisplayName,
			FileName:        f.Filename,
			URL:             f.URL,
			MimeClass:       f.MimeClass,
			BytesToDownload: f.Size,
			SelectionState:  models.SelectionDeselected,
		})
	}

	return files, nil
}
