package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coursesync/server/internal/api"
	"github.com/coursesync/server/internal/events"
	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/repository"
)

func testLogger() *observability.Logger {
	return observability.NewConsoleLogger(io.Discard, "coursesync-test", observability.LevelError)
}

// testEnv wires the repositories of one session onto a temporary database
type testEnv struct {
	cache     repository.APICacheRepo
	states    repository.StateProgressRepo
	downloads repository.DownloadProgressRepo
	settings  repository.SettingsRepo
	bus       *events.EventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "services-test.db"))
	require.NoError(t, err)
	bus := events.NewEventBus(events.DefaultBufferSize)
	t.Cleanup(func() {
		bus.Close()
		db.Close()
	})

	return &testEnv{
		cache:     repository.NewAPICacheRepository(db, "session-1"),
		states:    repository.NewStateProgressRepository(db, "session-1"),
		downloads: repository.NewDownloadProgressRepository(db, "session-1"),
		settings:  repository.NewSessionSettingsRepository(db, "session-1"),
		bus:       bus,
	}
}

func (e *testEnv) tracker() *StateProgressTracker {
	return NewStateProgressTracker(e.states, e.downloads, e.bus, 0, testLogger())
}

func (e *testEnv) aggregator() *DownloadProgressAggregator {
	return NewDownloadProgressAggregator(e.downloads, e.bus, 0, testLogger())
}

func (e *testEnv) selectionStore() *SelectionStore {
	return NewSelectionStore(e.settings, testLogger())
}

// fakeCourseAPI serves canned courses, tabs and folder trees and counts calls
type fakeCourseAPI struct {
	mu         sync.Mutex
	courses    []models.APICourse
	coursesErr error
	tabs       map[string][]models.APITab
	roots      map[string]*models.APIFolder
	items      map[string][]models.FolderItem
	folderErrs map[string]error
	calls      map[string]int
}

func newFakeCourseAPI() *fakeCourseAPI {
	return &fakeCourseAPI{
		tabs:       make(map[string][]models.APITab),
		roots:      make(map[string]*models.APIFolder),
		items:      make(map[string][]models.FolderItem),
		folderErrs: make(map[string]error),
		calls:      make(map[string]int),
	}
}

func (f *fakeCourseAPI) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[call]++
}

func (f *fakeCourseAPI) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call]
}

func (f *fakeCourseAPI) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeCourseAPI) ListCourses(ctx context.Context) ([]models.APICourse, error) {
	f.record("courses")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.coursesErr != nil {
		return nil, f.coursesErr
	}
	return append([]models.APICourse(nil), f.courses...), nil
}

func (f *fakeCourseAPI) ListTabs(ctx context.Context, courseID string) ([]models.APITab, error) {
	f.record("tabs:" + courseID)
	return f.tabs[courseID], nil
}

func (f *fakeCourseAPI) GetRootFolder(ctx context.Context, courseID string) (*models.APIFolder, error) {
	f.record("root:" + courseID)
	return f.roots[courseID], nil
}

func (f *fakeCourseAPI) ListFolderItems(ctx context.Context, folderID string) ([]models.FolderItem, error) {
	f.record("items:" + folderID)
	if err := f.folderErrs[folderID]; err != nil {
		return nil, err
	}
	return f.items[folderID], nil
}

func unauthorizedErr() error {
	return &api.Error{StatusCode: 401, Method: "GET", Path: "/api/v1/folders/x/files"}
}

func apiFile(id, name string, size int64) models.FolderItem {
	return models.FileItem(models.APIFile{
		ID:          id,
		DisplayName: name,
		Filename:    name,
		URL:         "https://files.example.com/" + id,
		MimeClass:   "pdf",
		Size:        size,
	})
}

func apiFolder(id string) models.FolderItem {
	return models.FolderItemOf(models.APIFolder{ID: id, Name: "folder-" + id})
}

// addCourse registers a published course with the given tabs and, when the
// files tab is among them, a root folder "root-<id>" holding items
func (f *fakeCourseAPI) addCourse(id, name string, tabs []string, rootItems ...models.FolderItem) {
	course := models.APICourse{ID: id, Name: name, WorkflowState: "available"}
	for _, t := range tabs {
		course.Tabs = append(course.Tabs, models.APITab{ID: t, Label: t})
	}
	f.courses = append(f.courses, course)
	rootID := "root-" + id
	f.roots[id] = &models.APIFolder{ID: rootID, Name: "course files"}
	f.items[rootID] = rootItems
}

// fakeContentAPI serves tab payloads and file bodies
type fakeContentAPI struct {
	mu        sync.Mutex
	files     map[string][]byte
	fileErrs  map[string]error
	tabErrs   map[models.TabName]error
	block     chan struct{}
	fileCalls int
}

func newFakeContentAPI() *fakeContentAPI {
	return &fakeContentAPI{
		files:    make(map[string][]byte),
		fileErrs: make(map[string]error),
		tabErrs:  make(map[models.TabName]error),
	}
}

func (f *fakeContentAPI) GetTabContent(ctx context.Context, courseID string, tab models.TabName) (json.RawMessage, error) {
	if err := f.tabErrs[tab]; err != nil {
		return nil, err
	}
	if !api.HasTabContent(tab) {
		return nil, nil
	}
	return json.RawMessage(`[{"course":"` + courseID + `","tab":"` + string(tab) + `"}]`), nil
}

func (f *fakeContentAPI) OpenFile(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.fileCalls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.fileErrs[rawURL]; err != nil {
		return nil, err
	}
	body, ok := f.files[rawURL]
	if !ok {
		return nil, errors.New("unexpected url " + rawURL)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// receive waits for one value from ch
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}
