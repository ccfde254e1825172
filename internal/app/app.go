package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/handlers"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
	"github.com/ternarybob/marketfinder/internal/services/browser"
	"github.com/ternarybob/marketfinder/internal/services/events"
	"github.com/ternarybob/marketfinder/internal/services/extractor"
	"github.com/ternarybob/marketfinder/internal/services/mailer"
	"github.com/ternarybob/marketfinder/internal/services/pushover"
	"github.com/ternarybob/marketfinder/internal/services/scanner"
	"github.com/ternarybob/marketfinder/internal/services/scheduler"
	"github.com/ternarybob/marketfinder/internal/services/session"
	"github.com/ternarybob/marketfinder/internal/services/status"
	"github.com/ternarybob/marketfinder/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService     interfaces.EventService
	SchedulerService interfaces.SchedulerService
	StatusService    *status.Service

	// Marketplace services
	Browser          *browser.Driver
	SessionService   *session.Service
	ExtractorService *extractor.Service
	ScannerService   *scanner.Service

	// Notification senders
	MailerService  *mailer.Service
	PushoverClient *pushover.Client

	// HTTP handlers
	APIHandler         *handlers.APIHandler
	AuthHandler        *handlers.AuthHandler
	WSHandler          *handlers.WebSocketHandler
	SearchHandler      *handlers.SearchHandler
	SavedSearchHandler *handlers.SavedSearchHandler
	SchedulerHandler   *handlers.SchedulerHandler
	StatusHandler      *handlers.StatusHandler
}

// New initializes the application with all dependencies
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Event bus first: the websocket feed and status service subscribe to it
	app.EventService = events.NewService(app.Logger)

	if err := app.initServices(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Bool("scanner_enabled", cfg.Scanner.Enabled).
		Str("schedule", cfg.Scanner.Schedule).
		Bool("session_present", app.SessionService.HasSession()).
		Bool("email_configured", app.MailerService.IsConfigured(ctx)).
		Bool("push_configured", app.PushoverClient.IsConfigured()).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger, plus Postgres for sessions when configured)
func (a *App) initDatabase(ctx context.Context) error {
	storageManager, err := storage.NewStorageManager(ctx, a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager

	durable := "badger"
	if a.Config.Storage.Postgres.DSN != "" {
		durable = "postgres"
	}
	a.Logger.Debug().
		Str("path", a.Config.Storage.Badger.Path).
		Str("session_store", durable).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order
func (a *App) initServices(ctx context.Context) error {
	// Browser driver doubles as the credential login tier
	a.Browser = browser.NewDriver(&a.Config.Marketplace, a.Logger)

	a.SessionService = session.NewService(
		a.Config,
		a.StorageManager.SessionStore(),
		a.Browser,
		a.Logger,
	)
	a.SessionService.SetListener(a.publishSessionChange)

	a.ExtractorService = extractor.NewService(
		a.Browser,
		a.SessionService,
		&a.Config.Marketplace,
		a.Logger,
	)

	a.MailerService = mailer.NewService(a.StorageManager.KeyValueStorage(), a.Logger)
	if err := a.MailerService.SeedFromConfig(ctx, a.Config.Email); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to seed SMTP settings from config")
	}

	a.PushoverClient = pushover.NewClientFromConfig(&a.Config.Pushover, a.Logger)

	a.ScannerService = scanner.NewService(scanner.Dependencies{
		Sessions:  a.SessionService,
		Extractor: a.ExtractorService,
		Searches:  a.StorageManager.SavedSearchStorage(),
		KV:        a.StorageManager.KeyValueStorage(),
		Email:     a.MailerService,
		Push:      a.PushoverClient,
		Events:    a.EventService,
	}, a.Config, a.Logger)

	a.StatusService = status.NewService(a.EventService, a.Logger)
	a.StatusService.SetAuthenticated(a.SessionService.HasSession())
	if err := a.StatusService.SubscribeToEvents(); err != nil {
		return fmt.Errorf("failed to subscribe status service: %w", err)
	}

	return a.initScheduler()
}

// initScheduler registers the periodic sweep. The job is always registered so
// /api/sweep works; scanner.enabled only controls the cron entry.
func (a *App) initScheduler() error {
	sched := scheduler.NewService(a.StorageManager.KeyValueStorage(), a.Logger)
	a.SchedulerService = sched

	err := sched.RegisterJob(
		scanner.SweepJobName,
		a.Config.Scanner.Schedule,
		"Scan notification-enabled saved searches and notify about the first result",
		a.runSweep,
	)
	if err != nil {
		return fmt.Errorf("failed to register sweep job: %w", err)
	}

	if !a.Config.Scanner.Enabled {
		if err := sched.DisableJob(scanner.SweepJobName); err != nil {
			return fmt.Errorf("failed to disable sweep job: %w", err)
		}
		a.Logger.Info().Msg("Periodic sweep disabled by config")
	}

	return nil
}

// initHandlers creates the HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.AuthHandler = handlers.NewAuthHandler(a.SessionService, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.SessionService, a.Logger, &a.Config.WebSocket)
	a.SearchHandler = handlers.NewSearchHandler(a.ScannerService, a.Logger)
	a.SavedSearchHandler = handlers.NewSavedSearchHandler(a.StorageManager.SavedSearchStorage(), a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.ScannerService, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.SessionService, a.SchedulerService, a.Logger)
}

// Start starts background services (the sweep scheduler)
func (a *App) Start() error {
	if err := a.SchedulerService.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

func (a *App) runSweep(ctx context.Context) error {
	report := a.ScannerService.Sweep(ctx)
	if report.Error != "" {
		return errors.New(report.Error)
	}
	return nil
}

func (a *App) publishSessionChange(authStatus models.AuthStatus) {
	err := a.EventService.Publish(context.Background(), interfaces.Event{
		Type: interfaces.EventSessionChanged,
		Payload: map[string]interface{}{
			"authenticated": authStatus.Authenticated,
			"message":       authStatus.Message,
		},
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to publish session change")
	}
}

// Close closes all application resources
func (a *App) Close() error {
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
