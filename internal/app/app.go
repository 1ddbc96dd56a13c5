// Package app opens the store described by a config and assembles the
// engine the CLI and the HTTP server share.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/micromdm/nanolib/log"

	"approvalflow/internal/config"
	"approvalflow/internal/db"
	"approvalflow/internal/directory"
	"approvalflow/internal/engine"
	"approvalflow/internal/logkeys"
	"approvalflow/internal/migrate"
	"approvalflow/internal/repo"
	"approvalflow/internal/telemetry"
)

type App struct {
	Config    *config.Config
	DB        *sql.DB
	Dialect   db.Dialect
	Engine    engine.Engine
	Directory directory.SQL
	Logger    log.Logger
}

// Open connects to the configured database, applies migrations, seeds the
// static directory and builds the engine.
func Open(ctx context.Context, cfg *config.Config, logger log.Logger, version string) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.NopLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.Traces == "stdout" {
		if err := telemetry.Init(version, cfg.Telemetry.TraceFile); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}

	conn, dialect, err := db.Open(db.Config{
		Driver:    cfg.Database.Driver,
		DSN:       cfg.Database.DSN,
		Workspace: cfg.Database.Workspace,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	dir := directory.SQL{Repo: repo.Repo{DB: conn, Dialect: dialect}}
	static := directory.Static{Roles: cfg.Directory.Roles, Depts: cfg.Directory.Depts}
	if members := static.Members(); len(members) > 0 {
		if err := dir.Seed(ctx, static); err != nil {
			conn.Close()
			return nil, err
		}
		logger.Debug(logkeys.Message, "seeded directory", logkeys.GenericCount, len(members))
	}

	eng, err := engine.New(conn, dialect,
		engine.WithLogger(logger),
		engine.WithLocation(loc),
		engine.WithDirectory(dir),
	)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug(logkeys.Message, "store ready", "driver", string(dialect), "timezone", loc.String())
	return &App{
		Config:    cfg,
		DB:        conn,
		Dialect:   dialect,
		Engine:    eng,
		Directory: dir,
		Logger:    logger,
	}, nil
}

// Close flushes spans and closes the database.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(telemetry.Shutdown(ctx), a.DB.Close())
}
