// Package app wires the engine together for the CLI and the server: open
// the workspace database, run migrations, build the tracker, executor
// registry, pipeline controller, dispatcher and dashboard aggregator from
// one config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"stageline/internal/catalog"
	"stageline/internal/config"
	"stageline/internal/dashboard"
	"stageline/internal/db"
	"stageline/internal/dispatch"
	"stageline/internal/executor"
	"stageline/internal/migrate"
	"stageline/internal/pipeline"
	"stageline/internal/server"
	"stageline/internal/tracker"
)

type App struct {
	DB         *sql.DB
	Config     *config.Config
	Catalog    catalog.Catalog
	Tracker    *tracker.Tracker
	Registry   *executor.Registry
	Controller *pipeline.Controller
	Dispatcher *dispatch.Dispatcher
	Aggregator *dashboard.Aggregator
}

// Open bootstraps the full engine for a workspace. The dispatcher's
// workers are not started; call StartWorkers before enqueueing builds.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return OpenWithConfig(ctx, workspace, cfg)
}

func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	cat := cfg.Catalog()
	trk := tracker.New(conn)
	registry := executor.NewRegistry(executor.GeneratorFactory(), cfg.Executor.CacheSize)
	controller := &pipeline.Controller{Tracker: trk, Registry: registry, Catalog: cat}
	dispatcher := dispatch.New(conn, trk, controller, cfg.Dispatcher.QueueSize)
	aggregator := &dashboard.Aggregator{Projects: trk, Tasks: dispatcher, Catalog: cat}

	return &App{
		DB:         conn,
		Config:     cfg,
		Catalog:    cat,
		Tracker:    trk,
		Registry:   registry,
		Controller: controller,
		Dispatcher: dispatcher,
		Aggregator: aggregator,
	}, nil
}

// StartWorkers brings the dispatcher's worker pool up.
func (a *App) StartWorkers(ctx context.Context) error {
	return a.Dispatcher.Start(ctx, a.Config.Dispatcher.Workers)
}

// Handler builds the HTTP API handler over this app's components.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Tracker:    a.Tracker,
		Dispatcher: a.Dispatcher,
		Aggregator: a.Aggregator,
		Catalog:    a.Catalog,
		BasePath:   a.Config.Server.BasePath,
	})
}

// Close drains workers and closes the database.
func (a *App) Close() error {
	a.Dispatcher.Close()
	return a.DB.Close()
}
