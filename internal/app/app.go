// Package app assembles a copilot from configuration: store, strategy,
// resolver, recorder and HTTP handler. The daemon and the embedded SDK both
// use it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/celerix-dev/celerix-copilot/internal/agent"
	"github.com/celerix-dev/celerix-copilot/internal/api"
	"github.com/celerix-dev/celerix-copilot/internal/config"
	"github.com/celerix-dev/celerix-copilot/internal/query"
	"github.com/celerix-dev/celerix-copilot/internal/store"
	"github.com/celerix-dev/celerix-copilot/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// App is a fully wired copilot.
type App struct {
	Config   *config.Config
	Store    *store.DualStore
	Resolver *query.Resolver
	Recorder *telemetry.Recorder
	Router   *gin.Engine
	Logger   *slog.Logger
}

// New builds an App. An unreachable durable store is not fatal: the app
// starts on the ephemeral store and reports itself degraded.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ds := store.NewDualStore(openDurable(ctx, cfg.Storage.DatabaseURL, logger), store.NewMemStore(), logger)
	if sqlStore, ok := durableSQL(ds); ok {
		tables, err := sqlStore.Migrate(ctx)
		if err != nil {
			logger.Error("schema migration failed, retrying on first use", "error", err)
		} else {
			logger.Info("schema ready", "tables", tables)
		}
	}

	strategy, err := agent.New(AgentOptions(cfg.Agent), logger)
	if err != nil {
		ds.Close()
		return nil, err
	}
	logger.Info("query strategy selected", "strategy", strategy.Name())

	contracts, err := api.LoadContracts()
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("load request contracts: %w", err)
	}

	a := &App{
		Config:   cfg,
		Store:    ds,
		Resolver: query.NewResolver(strategy, logger),
		Recorder: telemetry.NewRecorder(ds, logger),
		Logger:   logger,
	}
	h := &api.Handler{
		Resolver: a.Resolver,
		Store:    ds,
		Recorder: a.Recorder,
		Storage:  ds,
		Logger:   logger,
	}
	a.Router = api.NewRouter(h, contracts, api.RouterOptions{
		AdminKey:      cfg.Admin.APIKey,
		AllowedOrigin: cfg.Server.AllowedOrigin,
		Logger:        logger,
	})
	return a, nil
}

// Handler is the router wrapped with response compression.
func (a *App) Handler() http.Handler {
	return api.Compressed(a.Router)
}

// Close drains background telemetry, then closes the durable store.
func (a *App) Close() error {
	a.Recorder.Wait()
	return a.Store.Close()
}

// AgentOptions maps the agent config section onto strategy options.
func AgentOptions(c config.AgentConfig) agent.Options {
	return agent.Options{
		Stub:         c.Stub,
		Runtime:      c.Runtime,
		Endpoint:     c.Endpoint,
		AgentID:      c.AgentID,
		APIKey:       c.APIKey,
		APIVersion:   c.APIVersion,
		TenantID:     c.TenantID,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Timeout:      c.Timeout.Std(),
	}
}

// openDurable returns nil when no durable store is configured or the DSN
// cannot be used at all.
func openDurable(ctx context.Context, dsn string, logger *slog.Logger) store.Store {
	s, err := store.OpenSQL(ctx, dsn)
	switch {
	case errors.Is(err, store.ErrNotConfigured):
		logger.Info("no DATABASE_URL, using ephemeral store only")
		return nil
	case err != nil:
		// Keep a lazy pool so calls retry the database once it comes up.
		logger.Warn("durable store unavailable at startup, serving degraded", "error", err)
		lazy, cerr := store.ConnectSQL(dsn)
		if cerr != nil {
			logger.Error("durable store disabled", "error", cerr)
			return nil
		}
		return lazy
	}
	return s
}

func durableSQL(ds *store.DualStore) (*store.SQLStore, bool) {
	s, ok := ds.Durable().(*store.SQLStore)
	return s, ok
}
