// The worker runs the orchestration pipeline without the HTTP surface:
// rehydration, change-feed listening and the timeout reaper. It is meant for
// deployments that scale job settlement separately from the API.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mediagen/internal/adapter/repo"
	"mediagen/internal/catalog"
	"mediagen/internal/infra"
	"mediagen/internal/notify"
	"mediagen/internal/orchestrator"
	"mediagen/internal/provider"
	"mediagen/internal/storage"
)

const adoptionSweepInterval = 5 * time.Minute

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

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	g.Go(func() error {
		// Adopt at boot, then sweep periodically for jobs created by API
		// instances that died before finishing them.
		ticker := time.NewTicker(adoptionSweepInterval)
		defer ticker.Stop()
		for {
			if err := coord.Rehydrate(gctx); err != nil {
				logger.Error().Err(err).Msg("adoption sweep failed")
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker exited with error")
	}
	logger.Info().Msg("worker stopped")
}
