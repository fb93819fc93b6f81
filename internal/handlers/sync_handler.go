package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/coursesync/server/internal/api"
	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/services"
)

// EntryLister lists course sync entries and edits their selection
type EntryLister interface {
	GetCourseSyncEntries(ctx context.Context, filter services.CourseSyncFilter) ([]models.CourseSyncEntry, error)
	GetSelectedCourseEntries(ctx context.Context) ([]models.CourseSyncEntry, error)
	GetCourseName(ctx context.Context, filter services.CourseSyncFilter) (string, error)
	UpdateSelection(ctx context.Context, selection models.CourseEntrySelection, state models.SelectionState) (*models.CourseSyncEntry, error)
}

// SyncRunner starts, stops and cleans up download sessions
type SyncRunner interface {
	Start(ctx context.Context, entries []models.CourseSyncEntry) error
	Cancel(ctx context.Context) error
	CleanContent(ctx context.Context, courseIDs []string) error
	IsRunning() bool
}

// ProgressSource reads the persisted progress of the current session
type ProgressSource interface {
	GetStateProgress(ctx context.Context) ([]models.CourseSyncStateProgress, error)
	Get(ctx context.Context) (*models.CourseSyncDownloadProgress, error)
}

// ProgressCard is the dashboard card of the current session
type ProgressCard interface {
	State() models.ProgressCardState
	Dismiss(ctx context.Context) error
	Retry(ctx context.Context) error
}

// SyncHandler handles course sync endpoints
type SyncHandler struct {
	lister   EntryLister
	runner   SyncRunner
	progress ProgressSource
	card     ProgressCard
	logger   *observability.Logger
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(lister EntryLister, runner SyncRunner, progress ProgressSource, card ProgressCard, logger *observability.Logger) *SyncHandler {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &SyncHandler{
		lister:   lister,
		runner:   runner,
		progress: progress,
		card:     card,
		logger:   logger.WithField("component", "sync_handler"),
	}
}

// ListEntries returns the course sync entries matching the query filter
// @Summary List course sync entries
// @Tags sync
// @Produce json
// @Param courseId query string false "Single course"
// @Param courseIds query string false "Comma separated courses, selected content only"
// @Success 200 {object} models.SyncEntriesResponse
// @Failure 502 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/entries [get]
func (h *SyncHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter := filterFromQuery(r)

	entries, err := h.lister.GetCourseSyncEntries(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SyncEntriesResponse{Entries: entries})
}

// GetCourseName returns the heading for a filtered listing
// @Summary Get course name
// @Tags sync
// @Produce json
// @Success 200 {object} models.CourseNameResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/course-name [get]
func (h *SyncHandler) GetCourseName(w http.ResponseWriter, r *http.Request) {
	name, err := h.lister.GetCourseName(r.Context(), filterFromQuery(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.CourseNameResponse{Name: name})
}

// UpdateSelection applies one selection change and returns the updated course
// @Summary Update selection
// @Tags sync
// @Accept json
// @Produce json
// @Param request body models.UpdateSelectionRequest true "Selection change"
// @Success 200 {object} models.CourseSyncEntry
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/selections [put]
func (h *SyncHandler) UpdateSelection(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateSelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	sel, err := req.Validate()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entry, err := h.lister.UpdateSelection(r.Context(), sel, req.State)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ListSelected returns the download plan built from the persisted selections
// @Summary List selected content
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncEntriesResponse
// @Security ApiKeyAuth
// @Router /api/sync/selected [get]
func (h *SyncHandler) ListSelected(w http.ResponseWriter, r *http.Request) {
	entries, err := h.lister.GetSelectedCourseEntries(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SyncEntriesResponse{Entries: entries})
}

// StartSync starts a download session for the selected content
// @Summary Start sync
// @Tags sync
// @Accept json
// @Produce json
// @Param request body models.StartSyncRequest false "Courses to sync"
// @Success 202 {object} models.StatusResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/start [post]
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	var req models.StartSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	var (
		entries []models.CourseSyncEntry
		err     error
	)
	if len(req.CourseIDs) > 0 {
		entries, err = h.lister.GetCourseSyncEntries(r.Context(), services.CourseIDsFilter(req.CourseIDs...))
	} else {
		entries, err = h.lister.GetSelectedCourseEntries(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Nothing is selected for offline use"})
		return
	}

	if err := h.runner.Start(r.Context(), entries); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, models.StatusResponse{Status: "started"})
}

// CancelSync stops the running session
// @Summary Cancel sync
// @Tags sync
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/cancel [post]
func (h *SyncHandler) CancelSync(w http.ResponseWriter, r *http.Request) {
	if err := h.runner.Cancel(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "cancelled"})
}

// RetrySync re-runs the last session from the progress card
// @Summary Retry sync
// @Tags sync
// @Produce json
// @Success 202 {object} models.StatusResponse
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/retry [post]
func (h *SyncHandler) RetrySync(w http.ResponseWriter, r *http.Request) {
	if err := h.card.Retry(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, models.StatusResponse{Status: "started"})
}

// DismissCard hides the progress card and clears the finished session
// @Summary Dismiss progress card
// @Tags sync
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Security ApiKeyAuth
// @Router /api/sync/dismiss [post]
func (h *SyncHandler) DismissCard(w http.ResponseWriter, r *http.Request) {
	if err := h.card.Dismiss(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "dismissed"})
}

// GetProgress returns the persisted progress of the current session
// @Summary Get sync progress
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncProgressResponse
// @Security ApiKeyAuth
// @Router /api/sync/progress [get]
func (h *SyncHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	states, err := h.progress.GetStateProgress(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if states == nil {
		states = []models.CourseSyncStateProgress{}
	}

	resp := models.SyncProgressResponse{
		States:  states,
		Card:    h.card.State(),
		Running: h.runner.IsRunning(),
	}

	download, err := h.progress.Get(r.Context())
	switch {
	case err == nil:
		resp.Download = download
		resp.Fraction = download.Fraction()
		resp.StatusText = services.StatusText(*download, states)
		resp.DetailText = services.DetailText(*download)
	case errors.Is(err, models.ErrDownloadProgressNotFound):
	default:
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// CleanContent removes offline content of the given courses
// @Summary Remove offline content
// @Tags sync
// @Produce json
// @Param courseIds query string true "Comma separated courses"
// @Success 200 {object} models.StatusResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/content [delete]
func (h *SyncHandler) CleanContent(w http.ResponseWriter, r *http.Request) {
	courseIDs := splitIDs(r.URL.Query().Get("courseIds"))
	if len(courseIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "courseIds query parameter required"})
		return
	}

	if err := h.runner.CleanContent(r.Context(), courseIDs); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "removed"})
}

func filterFromQuery(r *http.Request) services.CourseSyncFilter {
	q := r.URL.Query()
	if ids := splitIDs(q.Get("courseIds")); len(ids) > 0 {
		return services.CourseIDsFilter(ids...)
	}
	if id := strings.TrimSpace(q.Get("courseId")); id != "" {
		return services.CourseIDFilter(id)
	}
	return services.AllCoursesFilter()
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// writeError maps domain errors to status codes. Anything unknown is
// logged and reported as a 500.
func (h *SyncHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "Internal server error"

	switch {
	case errors.Is(err, models.ErrInvalidSelection), errors.Is(err, models.ErrInvalidSelectionState):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrEntryNotFound), errors.Is(err, models.ErrNodeNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, models.ErrSyncNotRunning), errors.Is(err, models.ErrNoSyncPlan):
		status, msg = http.StatusConflict, err.Error()
	case api.IsUnauthorized(err):
		status, msg = http.StatusBadGateway, "LMS denied access"
	case errors.Is(err, api.ErrNotFound):
		status, msg = http.StatusNotFound, "Not found in LMS"
	default:
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			status, msg = http.StatusBadGateway, "LMS request failed"
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).WithError(err).Errorf("%s %s failed", r.Method, r.URL.Path)
	}
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
