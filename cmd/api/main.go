package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mediagen/internal/adapter/repo"
	"mediagen/internal/catalog"
	httpapi "mediagen/internal/http"
	"mediagen/internal/http/handlers"
	"mediagen/internal/infra"
	"mediagen/internal/notify"
	"mediagen/internal/orchestrator"
	"mediagen/internal/provider"
	"mediagen/internal/storage"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	var rdb redis.UniversalClient
	if client, rerr := infra.NewRedisClient(ctx, cfg); rerr != nil {
		logger.Warn().Err(rerr).Msg("redis unavailable, notifications degrade to memory-only")
	} else {
		rdb = client
	}

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize artifact store")
	}

	jobs := repo.NewJobRepository(pool)
	ledger := repo.NewLedgerRepository(pool)
	hub := notify.NewHub(rdb, logger)

	providers := provider.NewRegistry(
		provider.NewFlux(provider.FluxOptions{APIKey: cfg.FluxAPIKey, BaseURL: cfg.FluxBaseURL, Logger: &logger}),
		provider.NewVeo(provider.VeoOptions{APIKey: cfg.VeoAPIKey, BaseURL: cfg.VeoBaseURL, Logger: &logger}),
	)

	coord := orchestrator.NewCoordinator(orchestrator.Options{
		Jobs:             jobs,
		Ledger:           ledger,
		Providers:        providers,
		Catalog:          catalog.Default(),
		Hub:              hub,
		Store:            store,
		Logger:           logger,
		CallbackBaseURL:  cfg.PublicBaseURL,
		StorageBaseURL:   cfg.StorageBaseURL,
		PollInitialDelay: cfg.PollInitialDelay,
		PollMaxInterval:  cfg.PollMaxInterval,
	})
	defer coord.Close()

	listener := orchestrator.NewListener(jobs, coord, logger, cfg.ListenerWaitWindow)
	coord.SetWatcher(listener)
	defer listener.StopAll()

	reaper := orchestrator.NewReaper(orchestrator.ReaperOptions{
		Jobs:          jobs,
		Coordinator:   coord,
		Logger:        logger,
		Interval:      cfg.ReaperInterval,
		ImageDeadline: cfg.ImageJobDeadline,
		VideoDeadline: cfg.VideoJobDeadline,
	})

	// Adopt jobs left in flight by a previous process before serving traffic.
	if err := coord.Rehydrate(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to rehydrate job registry")
	}

	app := &handlers.App{
		Coordinator:   coord,
		Jobs:          jobs,
		Ledger:        ledger,
		Hub:           hub,
		Catalog:       catalog.Default(),
		Logger:        logger,
		WebhookSecret: cfg.WebhookSecret,
	}
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app, logger, cfg.AuthSecret))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("service exited with error")
	}
	logger.Info().Msg("server stopped")
}
