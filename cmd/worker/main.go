package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"productlab/internal/adapter/repo"
	"productlab/internal/dispatch"
	"productlab/internal/infra"
	"productlab/internal/infra/credentials"
	"productlab/internal/metrics"
	"productlab/internal/processor/analysis"
	"productlab/internal/processor/imagegen"
	"productlab/internal/processor/replicate"
	"productlab/internal/providers/catalog"
	"productlab/internal/storage"
	"productlab/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobStore(runner)
	ledger := repo.NewLedger(runner)

	registry, err := catalog.Build(ctx, cfg, credentials.NewStore(runner), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure providers")
	}
	if len(registry.ImageModels()) == 0 {
		logger.Warn().Msg("worker: no image provider configured, image jobs will fail with MODEL_UNAVAILABLE")
	}

	store, err := storage.FromConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}
	fetcher := storage.NewFetcher(&http.Client{Timeout: cfg.ImageTimeout}, cfg.StorageBaseURL)

	processors := []worker.Processor{
		analysis.New(analysis.Options{
			Chat:    registry,
			Fetcher: fetcher,
			Model:   cfg.DefaultChatModel,
			Logger:  logger,
		}),
		imagegen.New(imagegen.Options{
			Ledger:       ledger,
			Images:       registry,
			Store:        store,
			Fetcher:      fetcher,
			Recorder:     jobs,
			DefaultModel: registry.DefaultImageModel(),
			Logger:       logger,
		}),
		replicate.New(replicate.Options{
			Ledger:        ledger,
			Images:        registry,
			Store:         store,
			Fetcher:       fetcher,
			Snapshots:     jobs,
			DefaultModel:  registry.DefaultImageModel(),
			Workers:       cfg.ReplicateWorkers,
			RefineWorkers: cfg.RefineWorkers,
			SnapshotEvery: cfg.SnapshotEvery,
			Logger:        logger,
		}),
	}

	opts := worker.Options{
		Store:      jobs,
		Processors: processors,
		Logger:     infra.Component(logger, "worker"),
	}

	// Wake sources. Without any broker the pool still polls for runnable
	// tasks, which also covers retry delays.
	var consumers []dispatch.Consumer
	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	if rdb != nil {
		defer rdb.Close()
		opts.Events = dispatch.NewEvents(rdb, logger)
		consumers = append(consumers, dispatch.NewRedisQueue(rdb, logger))
	}
	if cfg.RabbitMQURL != "" {
		mq, err := dispatch.DialAMQP(cfg.RabbitMQURL, infra.Component(logger, "amqp"))
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: rabbitmq connection failed")
		}
		defer mq.Close()
		opts.Waker = mq
		consumers = append(consumers, mq)
	}

	wake := make(chan string, cfg.WorkerConcurrency)
	workers := worker.NewPool(worker.PoolOptions{
		Runner:       worker.NewController(opts),
		Wake:         wake,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Logger:       infra.Component(logger, "pool"),
	})

	metricsServer := infra.NewInternalServer(cfg.MetricsAddr, metrics.Handler(), infra.Component(logger, "metrics"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workers.Run(ctx) })
	if len(consumers) > 0 {
		g.Go(func() error { return dispatch.ConsumeAll(ctx, wake, consumers...) })
	}
	g.Go(func() error { return metricsServer.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
