package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/coursesync/server/internal/api"
	"github.com/coursesync/server/internal/config"
	"github.com/coursesync/server/internal/events"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/repository"
	"github.com/coursesync/server/internal/services"
)

// App is the wired sync engine shared by the server and the CLI
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Bus         *events.EventBus
	Client      *api.Client
	Storage     *services.OfflineStorageService
	Lister      *services.CourseSyncListInteractor
	Tracker     *services.StateProgressTracker
	Aggregator  *services.DownloadProgressAggregator
	Downloader  *services.CourseSyncDownloader
	Card        *services.ProgressCardModel
	Hub         *services.WebSocketHub
	Broadcaster *services.SyncBroadcaster

	logger *observability.Logger
	wg     sync.WaitGroup
}

// Build opens the database and wires every service. traced wraps the
// database in the OpenTelemetry query tracer.
func Build(cfg *config.Config, logger *observability.Logger, traced bool) (*App, error) {
	if logger == nil {
		logger = observability.GetLogger()
	}

	db, system, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	var conn repository.DBTX = db
	if traced {
		traceDB, err := observability.NewTraceDB(db, system)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("trace database: %w", err)
		}
		conn = traceDB
	}

	client, err := api.NewClient(api.Config{
		BaseURL:      cfg.Canvas.BaseURL,
		AccessToken:  cfg.Canvas.AccessToken,
		RefreshToken: cfg.Canvas.RefreshToken,
		ClientID:     cfg.Canvas.ClientID,
		ClientSecret: cfg.Canvas.ClientSecret,
		Timeout:      cfg.Canvas.Timeout(),
		RetryMax:     cfg.Canvas.RetryMax,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	storage, err := services.NewOfflineStorageService(cfg.OfflineStorage.BasePath, cfg.SessionID)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("offline storage: %w", err)
	}

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		logger.WithError(err).Warn("Sync metrics unavailable")
		metrics = nil
	}

	sessionLogger := logger.WithField("session_id", cfg.SessionID)

	states := repository.NewStateProgressRepository(conn, cfg.SessionID)
	downloads := repository.NewDownloadProgressRepository(conn, cfg.SessionID)
	settings := repository.NewSessionSettingsRepository(conn, cfg.SessionID)
	cache := repository.NewAPICacheRepository(conn, cfg.SessionID)

	bus := events.NewEventBus(events.DefaultBufferSize)
	poll := cfg.Sync.PollInterval()

	composer := services.NewCourseSyncEntryComposer(client, cache, cfg.Sync.Tabs(), sessionLogger, metrics)
	selections := services.NewSelectionStore(settings, sessionLogger)
	lister := services.NewCourseSyncListInteractor(composer, client, cache, selections, cfg.Sync.MaxConcurrentCourses, sessionLogger)
	tracker := services.NewStateProgressTracker(states, downloads, bus, poll, sessionLogger)
	aggregator := services.NewDownloadProgressAggregator(downloads, bus, poll, sessionLogger)

	downloader := services.NewCourseSyncDownloader(client, cache, storage, tracker, aggregator, bus, metrics,
		services.DownloaderConfig{
			MaxConcurrentCourses: cfg.Sync.MaxConcurrentCourses,
			MaxConcurrentFiles:   cfg.Sync.MaxConcurrentFiles,
			PlanSource:           lister.GetSelectedCourseEntries,
		}, sessionLogger)

	card := services.NewProgressCardModel(aggregator, tracker, bus, downloader, cfg.Sync.DismissDelay(), sessionLogger)
	hub := services.NewWebSocketHub(sessionLogger)

	return &App{
		Config:      cfg,
		DB:          db,
		Bus:         bus,
		Client:      client,
		Storage:     storage,
		Lister:      lister,
		Tracker:     tracker,
		Aggregator:  aggregator,
		Downloader:  downloader,
		Card:        card,
		Hub:         hub,
		Broadcaster: services.NewSyncBroadcaster(hub, tracker, aggregator, card, bus),
		logger:      sessionLogger,
	}, nil
}

func openDB(cfg *config.Config, logger *observability.Logger) (*sql.DB, string, error) {
	if cfg.UsePostgres() {
		logger.Info("Using PostgreSQL database")
		db, err := repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("initialize PostgreSQL database: %w", err)
		}
		return db, "postgresql", nil
	}

	logger.Infof("Using SQLite database at %s", cfg.DatabasePath)
	db, err := repository.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		return nil, "", fmt.Errorf("initialize SQLite database: %w", err)
	}
	return db, "sqlite", nil
}

// Recover fails whatever a previous process left unfinished. It must run
// before a new session can start.
func (a *App) Recover(ctx context.Context) error {
	return a.Tracker.MarkInProgressDownloadsAsFailed(ctx)
}

// RunBackground starts the card model, the WebSocket hub and the
// broadcaster. They stop when ctx ends; Close waits for them.
func (a *App) RunBackground(ctx context.Context) {
	for _, run := range []func(context.Context){a.Card.Run, a.Hub.Run, a.Broadcaster.Run} {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			run(ctx)
		}()
	}
}

// Close interrupts a running session and releases the database. Cancel
// the ctx passed to RunBackground first.
func (a *App) Close() error {
	if a.Downloader.IsRunning() {
		a.logger.Warn("Interrupting running sync")
	}
	a.Downloader.Stop()
	a.wg.Wait()
	a.Bus.Close()
	return a.DB.Close()
}
