// Package app wires the engine, monitor, dispatcher and query service from
// a workspace config. The CLI and the server both start here.
package app

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/engine"
	"stagegate/internal/engine/auth"
	"stagegate/internal/events"
	"stagegate/internal/migrate"
	"stagegate/internal/monitor"
	"stagegate/internal/notify"
	"stagegate/internal/query"
	"stagegate/internal/repo"
)

type Context struct {
	Config     config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Engine     engine.Engine
	Monitor    monitor.Monitor
	Dispatcher notify.Dispatcher
	Query      query.Service
	Logger     *slog.Logger
}

// Load opens the workspace, migrates the store, and wires every component.
func Load(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := repo.Repo{DB: conn}

	var sink notify.Sink = notify.NoopSink{}
	if cfg.Notifications.WebhookURL != "" {
		sink = notify.WebhookSink{
			URL:     cfg.Notifications.WebhookURL,
			Secret:  cfg.Notifications.WebhookSecret,
			Timeout: cfg.WebhookTimeout(),
		}
	}
	dispatcher := notify.Dispatcher{
		Repo:   r,
		Sink:   sink,
		Logger: logger,
	}

	eng := engine.Engine{
		DB:       conn,
		Repo:     r,
		Events:   events.Writer{DB: conn},
		Auth:     auth.Service{DB: conn},
		Notifier: dispatcher,
		Config:   engine.Config{StoreTimeout: cfg.StoreTimeout()},
	}
	mon := monitor.Monitor{
		Repo:    r,
		Alerter: dispatcher,
		Logger:  logger,
		Config: monitor.Config{
			Interval: cfg.ScanInterval(),
			Workers:  cfg.Monitor.Workers,
			Cooldown: cfg.Cooldown(),
		},
	}

	appCtx := &Context{
		Config:     cfg,
		DB:         conn,
		Repo:       r,
		Engine:     eng,
		Monitor:    mon,
		Dispatcher: dispatcher,
		Query:      query.Service{Repo: r},
		Logger:     logger,
	}
	if err := appCtx.seedRoles(); err != nil {
		conn.Close()
		return nil, err
	}
	return appCtx, nil
}

// seedRoles applies the role grants from config so a fresh workspace has
// someone allowed to act.
func (c *Context) seedRoles() error {
	ctx := context.Background()
	now := time.Now()
	for _, g := range c.Config.Roles {
		if err := c.Repo.EnsureActor(ctx, g.ActorID, now); err != nil {
			return err
		}
		projectID := g.ProjectID
		if projectID == "" {
			projectID = repo.GlobalScope
		}
		if err := c.Repo.GrantRole(ctx, projectID, g.ActorID, g.Role); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}
