// Package app assembles the service: vault, store, adapters, sessions,
// reconciler, router and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autohub/internal/broker"
	"autohub/internal/broker/binance"
	"autohub/internal/broker/dhan"
	"autohub/internal/broker/zerodha"
	"autohub/internal/config"
	"autohub/internal/config/routes"
	"autohub/internal/logger"
	"autohub/internal/reconcile"
	"autohub/internal/router"
	"autohub/internal/session"
	"autohub/internal/store"
	"autohub/internal/store/gormstore"
	apihttp "autohub/internal/transport/http/api"
	"autohub/internal/vault"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg          *config.Config
	store        store.Store
	sessions     *session.Manager
	reconciler   *reconcile.Service
	routesLoader *routes.Loader
	server       *apihttp.Server
}

func NewApp(cfg *config.Config) (*App, error) {
	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	st, err := gormstore.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	// One pooled HTTP client serves every hand-rolled adapter; endpoints come
	// from config so broker URL changes never need a rebuild.
	httpClient := broker.NewHTTPClient(cfg.Brokers.Timeout)
	adapters := []broker.Adapter{
		zerodha.NewWithOptions(zerodha.Options{
			BaseURL: cfg.Brokers.Zerodha.BaseURL,
			Client:  httpClient,
			Paths:   cfg.Brokers.Zerodha.Paths,
		}),
		dhan.NewWithOptions(dhan.Options{
			BaseURL: cfg.Brokers.Dhan.BaseURL,
			Client:  httpClient,
			Paths:   cfg.Brokers.Dhan.Paths,
		}),
		binance.NewWithOptions(binance.Options{BaseURL: cfg.Brokers.Binance.BaseURL}),
	}
	registry := broker.NewRegistry()
	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	sessions := session.NewManager(st, v, registry)
	reconciler := reconcile.NewService(st, registry, sessions, reconcile.Config{
		PollInterval: cfg.Reconcile.PollInterval,
	})
	orderRouter := router.New(registry, sessions, st, reconciler)

	var routesLoader *routes.Loader
	if cfg.Routes.Path != "" {
		routesLoader, err = routes.NewLoader(cfg.Routes.Path, cfg.Routes.HotReload)
		if err != nil {
			return nil, fmt.Errorf("routes: %w", err)
		}
	}

	server, err := apihttp.NewServer(apihttp.ServerConfig{
		Addr:         cfg.Server.Listen,
		Router:       orderRouter,
		Routes:       routesLoader,
		WebhookToken: cfg.Server.WebhookToken,
	})
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}

	return &App{
		cfg:          cfg,
		store:        st,
		sessions:     sessions,
		reconciler:   reconciler,
		routesLoader: routesLoader,
		server:       server,
	}, nil
}

// Run blocks until the context is cancelled or a termination signal arrives,
// then drains in order: HTTP, poll loops, sessions, store.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	logger.Infof("autohub running, listening on %s", a.cfg.Server.Listen)
	return g.Wait()
}

func (a *App) shutdown() {
	logger.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}

	a.reconciler.StopAllPolling()
	a.sessions.InvalidateAll()
	if a.routesLoader != nil {
		a.routesLoader.Close()
	}

	if err := a.store.DeleteExpiredSessions(shutdownCtx); err != nil {
		logger.Errorf("clear expired sessions: %v", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Errorf("store close: %v", err)
	}
}
