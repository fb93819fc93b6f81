package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursesync/server/internal/api"
	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/services"
)

type fakeLister struct {
	entries  []models.CourseSyncEntry
	selected []models.CourseSyncEntry
	name     string
	err      error

	lastFilter services.CourseSyncFilter
	lastSel    models.CourseEntrySelection
	lastState  models.SelectionState
}

func (f *fakeLister) GetCourseSyncEntries(ctx context.Context, filter services.CourseSyncFilter) ([]models.CourseSyncEntry, error) {
	f.lastFilter = filter
	return f.entries, f.err
}

func (f *fakeLister) GetSelectedCourseEntries(ctx context.Context) ([]models.CourseSyncEntry, error) {
	return f.selected, f.err
}

func (f *fakeLister) GetCourseName(ctx context.Context, filter services.CourseSyncFilter) (string, error) {
	f.lastFilter = filter
	return f.name, f.err
}

func (f *fakeLister) UpdateSelection(ctx context.Context, sel models.CourseEntrySelection, state models.SelectionState) (*models.CourseSyncEntry, error) {
	f.lastSel, f.lastState = sel, state
	if f.err != nil {
		return nil, f.err
	}
	return &models.CourseSyncEntry{ID: sel.EntryID, Name: "Biology", SelectionState: state}, nil
}

type fakeRunner struct {
	started   []models.CourseSyncEntry
	cleaned   []string
	running   bool
	cancelErr error
}

func (f *fakeRunner) Start(ctx context.Context, entries []models.CourseSyncEntry) error {
	f.started = entries
	f.running = true
	return nil
}

func (f *fakeRunner) Cancel(ctx context.Context) error {
	return f.cancelErr
}

func (f *fakeRunner) CleanContent(ctx context.Context, courseIDs []string) error {
	f.cleaned = courseIDs
	return nil
}

func (f *fakeRunner) IsRunning() bool { return f.running }

type fakeProgress struct {
	states   []models.CourseSyncStateProgress
	download *models.CourseSyncDownloadProgress
}

func (f *fakeProgress) GetStateProgress(ctx context.Context) ([]models.CourseSyncStateProgress, error) {
	return f.states, nil
}

func (f *fakeProgress) Get(ctx context.Context) (*models.CourseSyncDownloadProgress, error) {
	if f.download == nil {
		return nil, models.ErrDownloadProgressNotFound
	}
	return f.download, nil
}

type fakeCard struct {
	state     models.ProgressCardState
	retryErr  error
	dismissed bool
	retried   bool
}

func (f *fakeCard) State() models.ProgressCardState { return f.state }

func (f *fakeCard) Dismiss(ctx context.Context) error {
	f.dismissed = true
	return nil
}

func (f *fakeCard) Retry(ctx context.Context) error {
	f.retried = true
	return f.retryErr
}

type handlerEnv struct {
	lister   *fakeLister
	runner   *fakeRunner
	progress *fakeProgress
	card     *fakeCard
	handler  *SyncHandler
}

func newHandlerEnv() *handlerEnv {
	env := &handlerEnv{
		lister:   &fakeLister{},
		runner:   &fakeRunner{},
		progress: &fakeProgress{},
		card:     &fakeCard{state: models.HiddenCard()},
	}
	logger := observability.NewConsoleLogger(io.Discard, "test", observability.LevelError)
	env.handler = NewSyncHandler(env.lister, env.runner, env.progress, env.card, logger)
	return env
}

func do(h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSyncHandler_ListEntries(t *testing.T) {
	t.Run("all courses by default", func(t *testing.T) {
		env := newHandlerEnv()
		env.lister.entries = []models.CourseSyncEntry{{ID: "courses/1", Name: "Biology"}}

		rec := do(env.handler.ListEntries, http.MethodGet, "/api/sync/entries", "")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[models.SyncEntriesResponse](t, rec)
		require.Len(t, resp.Entries, 1)
		assert.Equal(t, "Biology", resp.Entries[0].Name)
		assert.Equal(t, services.FilterAllCourses, env.lister.lastFilter.Kind)
	})

	t.Run("filters from query", func(t *testing.T) {
		env := newHandlerEnv()

		do(env.handler.ListEntries, http.MethodGet, "/api/sync/entries?courseId=7", "")
		assert.Equal(t, services.CourseIDFilter("7"), env.lister.lastFilter)

		do(env.handler.ListEntries, http.MethodGet, "/api/sync/entries?courseIds=1,%202,,3", "")
		assert.Equal(t, services.CourseIDsFilter("1", "2", "3"), env.lister.lastFilter)
	})

	t.Run("upstream errors", func(t *testing.T) {
		env := newHandlerEnv()
		env.lister.err = fmt.Errorf("list: %w", &api.Error{StatusCode: http.StatusUnauthorized, Method: "GET", Path: "/courses"})

		rec := do(env.handler.ListEntries, http.MethodGet, "/api/sync/entries", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)

		env.lister.err = fmt.Errorf("boom")
		rec = do(env.handler.ListEntries, http.MethodGet, "/api/sync/entries", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Internal server error", decode[models.ErrorResponse](t, rec).Error)
	})
}

func TestSyncHandler_GetCourseName(t *testing.T) {
	env := newHandlerEnv()
	env.lister.name = "Biology"

	rec := do(env.handler.GetCourseName, http.MethodGet, "/api/sync/course-name?courseId=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Biology", decode[models.CourseNameResponse](t, rec).Name)

	env.lister.err = models.ErrEntryNotFound
	rec = do(env.handler.GetCourseName, http.MethodGet, "/api/sync/course-name?courseId=404", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncHandler_UpdateSelection(t *testing.T) {
	t.Run("applies the change", func(t *testing.T) {
		env := newHandlerEnv()
		body := `{"selection": "courses/1/tabs/files", "state": "selected"}`

		rec := do(env.handler.UpdateSelection, http.MethodPut, "/api/sync/selections", body)
		require.Equal(t, http.StatusOK, rec.Code)

		assert.Equal(t, models.TabSelection("courses/1", "courses/1/tabs/files"), env.lister.lastSel)
		assert.Equal(t, models.SelectionSelected, env.lister.lastState)
		assert.Equal(t, "courses/1", decode[models.CourseSyncEntry](t, rec).ID)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		env := newHandlerEnv()

		for _, body := range []string{
			`not json`,
			`{"selection": "", "state": "selected"}`,
			`{"selection": "users/1", "state": "selected"}`,
			`{"selection": "courses/1", "state": "partiallySelected"}`,
		} {
			rec := do(env.handler.UpdateSelection, http.MethodPut, "/api/sync/selections", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		}
	})

	t.Run("unknown node", func(t *testing.T) {
		env := newHandlerEnv()
		env.lister.err = fmt.Errorf("select: %w", models.ErrNodeNotFound)

		rec := do(env.handler.UpdateSelection, http.MethodPut, "/api/sync/selections", `{"selection": "courses/1/files/9", "state": "selected"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSyncHandler_StartSync(t *testing.T) {
	t.Run("persisted selections", func(t *testing.T) {
		env := newHandlerEnv()
		env.lister.selected = []models.CourseSyncEntry{{ID: "courses/1"}}

		rec := do(env.handler.StartSync, http.MethodPost, "/api/sync/start", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, env.lister.selected, env.runner.started)
	})

	t.Run("explicit courses", func(t *testing.T) {
		env := newHandlerEnv()
		env.lister.entries = []models.CourseSyncEntry{{ID: "courses/2"}}

		rec := do(env.handler.StartSync, http.MethodPost, "/api/sync/start", `{"courseIds": ["2"]}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, services.CourseIDsFilter("2"), env.lister.lastFilter)
		assert.Equal(t, env.lister.entries, env.runner.started)
	})

	t.Run("nothing selected", func(t *testing.T) {
		env := newHandlerEnv()
		rec := do(env.handler.StartSync, http.MethodPost, "/api/sync/start", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Nil(t, env.runner.started)
	})
}

func TestSyncHandler_SessionControls(t *testing.T) {
	t.Run("cancel without a session", func(t *testing.T) {
		env := newHandlerEnv()
		env.runner.cancelErr = models.ErrSyncNotRunning

		rec := do(env.handler.CancelSync, http.MethodPost, "/api/sync/cancel", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("retry goes through the card", func(t *testing.T) {
		env := newHandlerEnv()
		rec := do(env.handler.RetrySync, http.MethodPost, "/api/sync/retry", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.True(t, env.card.retried)

		env.card.retryErr = models.ErrNoSyncPlan
		rec = do(env.handler.RetrySync, http.MethodPost, "/api/sync/retry", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("dismiss", func(t *testing.T) {
		env := newHandlerEnv()
		rec := do(env.handler.DismissCard, http.MethodPost, "/api/sync/dismiss", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, env.card.dismissed)
	})

	t.Run("clean content", func(t *testing.T) {
		env := newHandlerEnv()

		rec := do(env.handler.CleanContent, http.MethodDelete, "/api/sync/content", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(env.handler.CleanContent, http.MethodDelete, "/api/sync/content?courseIds=1,2", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"1", "2"}, env.runner.cleaned)
	})
}

func TestSyncHandler_GetProgress(t *testing.T) {
	t.Run("no session yet", func(t *testing.T) {
		env := newHandlerEnv()

		rec := do(env.handler.GetProgress, http.MethodGet, "/api/sync/progress", "")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[models.SyncProgressResponse](t, rec)
		assert.Nil(t, resp.Download)
		assert.NotNil(t, resp.States)
		assert.Equal(t, models.CardHidden, resp.Card.Status)
		assert.False(t, resp.Running)
	})

	t.Run("running session", func(t *testing.T) {
		env := newHandlerEnv()
		env.runner.running = true
		env.card.state = models.ProgressCardState{Status: models.CardProgress, Fraction: 0.5}
		env.progress.download = &models.CourseSyncDownloadProgress{
			BytesToDownload: 1000,
			BytesDownloaded: 500,
			CourseIDs:       []string{"1"},
		}

		rec := do(env.handler.GetProgress, http.MethodGet, "/api/sync/progress", "")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[models.SyncProgressResponse](t, rec)
		require.NotNil(t, resp.Download)
		assert.InDelta(t, 0.5, resp.Fraction, 1e-9)
		assert.Contains(t, resp.StatusText, "50%")
		assert.NotEmpty(t, resp.DetailText)
		assert.Equal(t, models.CardProgress, resp.Card.Status)
		assert.True(t, resp.Running)
	})
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	t.Run("healthy store reports sync activity", func(t *testing.T) {
		rec := do(NewHealthHandler(fakePinger{}, &fakeRunner{running: true}).HealthCheck, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[models.HealthResponse](t, rec)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "ok", resp.Database)
		assert.True(t, resp.SyncRunning)
	})

	t.Run("unreachable store", func(t *testing.T) {
		rec := do(NewHealthHandler(fakePinger{err: errors.New("database is closed")}, nil).HealthCheck, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		resp := decode[models.HealthResponse](t, rec)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "database is closed", resp.Database)
		assert.False(t, resp.SyncRunning)
	})

	t.Run("no dependencies", func(t *testing.T) {
		rec := do(NewHealthHandler(nil, nil).HealthCheck, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
