package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/stratus/internal/common"
	"github.com/ternarybob/stratus/internal/handlers"
	"github.com/ternarybob/stratus/internal/interfaces"
	"github.com/ternarybob/stratus/internal/metrics"
	"github.com/ternarybob/stratus/internal/queue"
	"github.com/ternarybob/stratus/internal/reconcile"
	"github.com/ternarybob/stratus/internal/scheduler"
	"github.com/ternarybob/stratus/internal/services/registry"
	"github.com/ternarybob/stratus/internal/storage/sqlite"
	"github.com/ternarybob/stratus/internal/updater"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage and queues
	DB       *sqlite.SQLiteDB
	Storage  interfaces.Storage
	Queues   interfaces.QueueService
	Registry *registry.Registry

	// Work orchestration loops
	Scheduler *scheduler.Scheduler
	Processor *updater.Processor
	Consumer  *updater.Consumer
	Failer    *reconcile.Failer
	Reaper    *reconcile.Reaper

	// HTTP handlers
	APIHandler  *handlers.APIHandler
	WorkHandler *handlers.WorkHandler
	JobHandler  *handlers.JobHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	db, err := sqlite.NewSQLiteDB(logger, &cfg.Storage.SQLite)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	app.DB = db
	app.Storage = sqlite.NewStore(db, logger)

	if cfg.Queue.UseServiceQueues {
		if err := queue.SetupGoqite(app.ctx, db.DB()); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize queue tables: %w", err)
		}
		app.Queues = queue.NewService(db.DB(), cfg.VisibilityTimeout(), cfg.Queue.MaxReceive, logger)
	} else {
		app.Queues = queue.NewService(nil, cfg.VisibilityTimeout(), cfg.Queue.MaxReceive, logger)
	}

	reg, err := registry.Load(cfg.Services.RegistryPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load service registry: %w", err)
	}
	app.Registry = reg

	metrics.Register()

	pods := scheduler.NewCachedPodLister(
		scheduler.NewStaticPodLister(cfg.Scheduler.PodCounts), cfg.PodCountCacheTTL())
	app.Scheduler = scheduler.New(cfg, app.Storage, app.Queues, pods, reg, logger)
	app.Processor = updater.New(cfg, app.Storage, app.Queues, reg, logger)
	app.Consumer = updater.NewConsumer(app.Processor)
	app.Failer = reconcile.NewFailer(cfg, app.Storage, app.Processor, logger)
	app.Reaper = reconcile.NewReaper(cfg, app.Storage, logger)

	app.APIHandler = handlers.NewAPIHandler()
	app.WorkHandler = handlers.NewWorkHandler(cfg, app.Storage, app.Queues, app.Scheduler, app.Processor, reg, logger)
	app.JobHandler = handlers.NewJobHandler(cfg, app.Storage, app.Queues, reg, logger)

	logger.Info().
		Bool("service_queues", cfg.Queue.UseServiceQueues).
		Str("registry", cfg.Services.RegistryPath).
		Msg("Application initialized")
	return app, nil
}

// Start launches the background loops
func (a *App) Start() error {
	if a.Config.Queue.UseServiceQueues {
		a.Scheduler.Start(a.ctx)
		a.Consumer.Start(a.ctx)
	}
	if err := a.Failer.Start(a.ctx); err != nil {
		return err
	}
	if err := a.Reaper.Start(a.ctx); err != nil {
		return err
	}
	return nil
}

// Close stops the loops and releases resources
func (a *App) Close() {
	a.cancelCtx()
	if a.Config.Queue.UseServiceQueues {
		a.Scheduler.Stop()
		a.Consumer.Stop()
	}
	a.Failer.Stop()
	a.Reaper.Stop()
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Database close failed")
		}
	}
	a.Logger.Info().Msg("Application stopped")
}
