package app

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coursesync/server/internal/handlers"
	custommw "github.com/coursesync/server/internal/middleware"
	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
)

// NewRouter mounts the sync API and the progress WebSocket. httpMetrics may
// be nil when telemetry is off.
func (a *App) NewRouter(serviceName string, httpMetrics *observability.HTTPMetrics) http.Handler {
	syncHandler := handlers.NewSyncHandler(a.Lister, a.Downloader, progressSource{a}, a.Card, a.logger)
	wsHandler := handlers.NewWebSocketHandler(a.Hub, a.Card, a.logger)
	healthHandler := handlers.NewHealthHandler(a.DB, a.Downloader)

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware(serviceName))
	if httpMetrics != nil {
		r.Use(observability.MetricsMiddleware(httpMetrics))
	}
	sec := a.Config.Security
	r.Use(custommw.APIKeyAuth(sec.APIKey, sec.APIKeyHash, sec.APIKeyHeader))

	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/entries", syncHandler.ListEntries)
		r.Get("/course-name", syncHandler.GetCourseName)
		r.Put("/selections", syncHandler.UpdateSelection)
		r.Get("/selected", syncHandler.ListSelected)
		r.Post("/start", syncHandler.StartSync)
		r.Post("/cancel", syncHandler.CancelSync)
		r.Post("/retry", syncHandler.RetrySync)
		r.Post("/dismiss", syncHandler.DismissCard)
		r.Get("/progress", syncHandler.GetProgress)
		r.Delete("/content", syncHandler.CleanContent)
	})

	r.Get("/ws/sync", wsHandler.HandleSyncConnection)

	return r
}

// progressSource joins the two progress stores for the handlers
type progressSource struct {
	app *App
}

func (p progressSource) GetStateProgress(ctx context.Context) ([]models.CourseSyncStateProgress, error) {
	return p.app.Tracker.GetStateProgress(ctx)
}

func (p progressSource) Get(ctx context.Context) (*models.CourseSyncDownloadProgress, error) {
	return p.app.Aggregator.Get(ctx)
}
