package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"productlab/internal/adapter/repo"
	"productlab/internal/dispatch"
	"productlab/internal/http/handlers"
	httpapi "productlab/internal/http/httpapi"
	"productlab/internal/infra"
	"productlab/internal/infra/credentials"
	"productlab/internal/infra/geoip"
	"productlab/internal/metrics"
	"productlab/internal/middleware"
	"productlab/internal/providers/catalog"
	"productlab/internal/storage"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()
	runner := infra.NewSQLRunner(dbpool, logger)

	app := handlers.App{
		Jobs:         repo.NewJobStore(runner),
		Fetcher:      storage.NewFetcher(nil, cfg.StorageBaseURL),
		DefaultModel: cfg.DefaultImageModel,
		Logger:       logger,
	}

	// Dispatch: RabbitMQ announces new jobs, Redis carries nudges, the
	// throttle and job events. Both are optional; workers also poll.
	var fanout dispatch.Fanout
	var throttle dispatch.Throttle
	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	if rdb != nil {
		defer rdb.Close()
		throttle = dispatch.NewRedisThrottle(rdb)
		app.Events = dispatch.NewEvents(rdb, logger)
	}
	var nudgeTarget dispatch.Dispatcher
	if cfg.RabbitMQURL != "" {
		mq, err := dispatch.DialAMQP(cfg.RabbitMQURL, infra.Component(logger, "amqp"))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect rabbitmq")
		}
		defer mq.Close()
		fanout = append(fanout, mq)
		nudgeTarget = mq
	}
	if rdb != nil {
		queue := dispatch.NewRedisQueue(rdb, logger)
		if nudgeTarget == nil {
			fanout = append(fanout, queue)
		}
		nudgeTarget = queue
	}
	if len(fanout) > 0 {
		app.Dispatcher = fanout
	}
	app.Nudger = dispatch.NewNudger(nudgeTarget, throttle, cfg.NudgeThrottle)

	registry, err := catalog.Build(ctx, cfg, credentials.NewStore(runner), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure providers")
	}
	app.Chat = registry

	var lookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	} else if resolver != nil {
		defer resolver.Close()
		lookup = resolver.CountryCode
	}

	staticDir := ""
	if cfg.StorageBackend == "local" {
		staticDir = cfg.StoragePath
	}
	router := httpapi.NewRouter(handlers.NewApp(app), httpapi.Options{
		Logger:         logger,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		DefaultLocale:  cfg.DefaultLocale,
		CountryLookup:  lookup,
		RateLimit:      cfg.RateLimitPerMin,
		StaticDir:      staticDir,
		Metrics:        metrics.Handler(),
	})
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set, trusting X-User-ID header")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := infra.NewHTTPServer(cfg, router, infra.Component(logger, "api"))
	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("http server failed")
		return
	}
	logger.Info().Msg("server stopped")
}
