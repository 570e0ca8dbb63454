// Package app wires configuration, storage, services and handlers into one
// runnable application.
package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/handlers"
	"github.com/ternarybob/ordino/internal/interfaces"
	"github.com/ternarybob/ordino/internal/models"
	"github.com/ternarybob/ordino/internal/queue"
	"github.com/ternarybob/ordino/internal/services/cmr"
	"github.com/ternarybob/ordino/internal/services/planner"
	"github.com/ternarybob/ordino/internal/storage/object"
	"github.com/ternarybob/ordino/internal/storage/sqlite"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	DB          *sqlite.SQLiteDB
	ObjectStore interfaces.ObjectStore
	JobStorage  *sqlite.JobStorage
	ItemStorage *sqlite.WorkItemStorage
	LinkStorage *sqlite.LinkStorage
	LabelStore  *sqlite.LabelStorage

	// Services
	MetadataClient interfaces.MetadataClient
	ServiceChains  []models.ServiceChain
	Planner        *planner.Planner

	// Scheduling
	Metrics    *queue.Metrics
	Notifier   *queue.Notifier
	Dispatcher *queue.Dispatcher
	Engine     *queue.Engine
	Reaper     *queue.Reaper

	// HTTP handlers
	WorkHandler       *handlers.WorkHandler
	JobHandler        *handlers.JobHandler
	JobControlHandler *handlers.JobControlHandler
	LabelHandler      *handlers.LabelHandler
	StatusHandler     *handlers.StatusHandler
}

// New creates and wires the application from configuration.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	db, err := sqlite.NewSQLiteDB(logger, &config.Database)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.DB = db

	store, err := object.NewObjectStore(logger, &config.Storage)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize object store: %w", err)
	}
	a.ObjectStore = store

	a.JobStorage = sqlite.NewJobStorage(db, logger)
	a.ItemStorage = sqlite.NewWorkItemStorage(db, logger)
	a.LinkStorage = sqlite.NewLinkStorage(db, logger)
	a.LabelStore = sqlite.NewLabelStorage(db, logger)

	metadata, err := cmr.NewClient(logger, &config.CMR)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize metadata client: %w", err)
	}
	a.MetadataClient = metadata

	chains, err := models.LoadServiceChains(config.Services.DefinitionsFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load service definitions: %w", err)
	}
	a.ServiceChains = chains
	logger.Info().Int("services", len(chains)).Msg("Service definitions loaded")

	a.Metrics = queue.NewMetrics()
	a.Notifier = queue.NewNotifier()
	a.Dispatcher = queue.NewDispatcher(logger, config, db, a.JobStorage, a.ItemStorage, a.Metrics)
	a.Engine = queue.NewEngine(logger, config, db, a.JobStorage, a.ItemStorage, a.LinkStorage,
		store, a.Notifier, a.Metrics)
	a.Reaper = queue.NewReaper(logger, config, a.ItemStorage, a.Engine)

	a.Planner = planner.NewPlanner(logger, config, chains, metadata, store,
		db, a.JobStorage, a.ItemStorage, a.LabelStore)

	a.WorkHandler = handlers.NewWorkHandler(logger, a.Dispatcher, a.Engine)
	a.JobHandler = handlers.NewJobHandler(logger, a.Planner, db, a.JobStorage,
		a.LinkStorage, a.LabelStore, a.Notifier)
	a.JobControlHandler = handlers.NewJobControlHandler(logger, a.Engine)
	a.LabelHandler = handlers.NewLabelHandler(logger, db, a.LabelStore)
	a.StatusHandler = handlers.NewStatusHandler(logger, db, a.JobStorage, a.Metrics)

	return a, nil
}

// Start launches the background schedulers.
func (a *App) Start(ctx context.Context) error {
	if err := a.Reaper.Start(); err != nil {
		return fmt.Errorf("start lease reaper: %w", err)
	}
	return nil
}

// Close releases all resources in reverse dependency order.
func (a *App) Close() error {
	if a.Reaper != nil {
		a.Reaper.Stop()
	}

	var firstErr error
	if a.ObjectStore != nil {
		if err := a.ObjectStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
