package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coursesync/server/internal/models"
)

const healthPingTimeout = 2 * time.Second

// Pinger reports whether the sync store is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SyncStatus reports whether a download session is running
type SyncStatus interface {
	IsRunning() bool
}

// HealthHandler reports store reachability and sync activity
type HealthHandler struct {
	store Pinger
	sync  SyncStatus
}

// NewHealthHandler creates a HealthHandler. Either dependency may be nil.
func NewHealthHandler(store Pinger, sync SyncStatus) *HealthHandler {
	return &HealthHandler{store: store, sync: sync}
}

// HealthCheck returns 503 when the sync store cannot be reached
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} models.HealthResponse "Server is healthy"
// @Failure 503 {object} models.HealthResponse "Sync store unreachable"
// @Router /api/health [get]
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:    "healthy",
		Database:  "ok",
		Timestamp: time.Now().UTC(),
	}
	status := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := h.store.PingContext(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.sync != nil {
		resp.SyncRunning = h.sync.IsRunning()
	}

	writeJSON(w, status, resp)
}
