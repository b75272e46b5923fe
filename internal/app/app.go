// Package app assembles the engine and its collaborators from a workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"veridraw/internal/config"
	"veridraw/internal/db"
	"veridraw/internal/engine"
	"veridraw/internal/migrate"
	"veridraw/internal/notify"
	"veridraw/internal/repo"
)

type Options struct {
	Workspace string
	// DatabaseURL selects postgres; empty means the workspace SQLite file.
	DatabaseURL string
	// ConfigPath overrides <workspace>/veridraw.yml.
	ConfigPath       string
	DispatchInterval time.Duration
	Logger           *log.Logger
}

// App is a migrated database with an engine wired to the notification
// outbox.
type App struct {
	DB         *sql.DB
	Dialect    db.Dialect
	Config     *config.Config
	Repo       repo.Repo
	Engine     engine.Engine
	Hub        *notify.Hub
	Dispatcher *notify.Dispatcher
}

// Open connects, migrates and loads configuration.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	dbCfg := db.Config{Workspace: opts.Workspace, URL: opts.DatabaseURL}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	dialect := dbCfg.Dialect()
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r := repo.New(conn, dialect)
	eng := engine.New(conn, dialect, cfg, notify.Recorder{Repo: r})
	eng.Logger = logger
	eng.Ledger.Logger = logger

	hub := notify.NewHub()
	hub.Logger = logger
	sinks := []notify.Sink{notify.LogSink{Logger: logger}, hub}
	sinks = append(sinks, notify.WebhookSinks(cfg)...)
	dispatcher := notify.NewDispatcher(r, sinks...)
	dispatcher.Logger = logger
	if opts.DispatchInterval > 0 {
		dispatcher.Interval = opts.DispatchInterval
	}

	return &App{
		DB:         conn,
		Dialect:    dialect,
		Config:     cfg,
		Repo:       r,
		Engine:     eng,
		Hub:        hub,
		Dispatcher: dispatcher,
	}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

func (a *App) Close() error {
	return a.DB.Close()
}
