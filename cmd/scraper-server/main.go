package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/seed-scraper/internal/adapters"
	"github.com/maltedev/seed-scraper/internal/api"
	"github.com/maltedev/seed-scraper/internal/browser"
	"github.com/maltedev/seed-scraper/internal/config"
	"github.com/maltedev/seed-scraper/internal/crawl"
	"github.com/maltedev/seed-scraper/internal/database"
	"github.com/maltedev/seed-scraper/internal/events"
	"github.com/maltedev/seed-scraper/internal/jobs"
	"github.com/maltedev/seed-scraper/internal/metrics"
	"github.com/maltedev/seed-scraper/internal/pricealert"
	"github.com/maltedev/seed-scraper/internal/queue"
	"github.com/maltedev/seed-scraper/internal/ratepolicy"
)

const serviceName = "seed-scraper"

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		MaxConns: cfg.Database.MaxConns,
	}
	if err := database.Migrate(dbCfg, logger); err != nil {
		return err
	}
	db, err := database.New(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	queueCfg := queue.Config{
		Prefix:       cfg.Redis.Prefix,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		StallTimeout: cfg.Queue.StallTimeout,
	}
	scrapeQueue := queue.New(redisClient, queueCfg)
	queueCfg.Prefix = cfg.Redis.Prefix + ":alerts"
	alertQueue := queue.New(redisClient, queueCfg)

	retention := queue.DefaultRetention()
	retention.CompletedAge = cfg.Queue.CompletedRetention
	retention.FailedAge = cfg.Queue.FailedRetention

	engineOpts := []crawl.Option{
		crawl.WithRecorder(m),
		crawl.WithMemoryMonitor(crawl.NewMemoryMonitor(crawl.MemoryConfig{
			LimitMB:           cfg.Memory.LimitMB,
			WarningThreshold:  cfg.Memory.WarningThreshold,
			CriticalThreshold: cfg.Memory.CriticalThreshold,
		})),
	}
	if cfg.Crawl.UseBrowser {
		opts := browser.DefaultOptions()
		opts.Headless = cfg.Crawl.Headless
		opts.Timeout = cfg.Crawl.RequestTimeout
		opts.UserAgent = cfg.Crawl.UserAgent
		b, err := browser.New(opts, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize browser: %w", err)
		}
		defer b.Close()
		engineOpts = append(engineOpts, crawl.WithBrowser(b))
	}

	resolver := ratepolicy.NewResolver(nil, ratepolicy.Config{
		UserAgent:  cfg.Crawl.UserAgent,
		MinDelay:   cfg.Crawl.MinDelay,
		MaxDelay:   cfg.Crawl.MaxDelay,
		DefaultRPM: cfg.Crawl.DefaultRPM,
	}, logger)
	fetcher := crawl.NewHTTPFetcher(&http.Client{Timeout: cfg.Crawl.RequestTimeout}, cfg.Crawl.UserAgent)
	engine := crawl.New(resolver, fetcher, crawl.Config{
		RequestTimeout:   cfg.Crawl.RequestTimeout,
		MaxRetries:       cfg.Crawl.MaxRetries,
		RateLimitBackoff: cfg.Crawl.RateLimitBackoff,
	}, logger, engineOpts...)

	jobStore := database.NewJobStore(db)
	catalog := database.NewCatalogRepository(db)
	prices := database.NewPriceRepository(db)
	outbox := database.NewOutboxRepository(db)

	manager := jobs.NewManager(jobStore, catalog, scrapeQueue, logger)
	worker := jobs.NewWorker(jobStore, catalog, engine, adapters.DefaultRegistry(), alertQueue, logger)

	publisher := events.NewPublisher(outbox, cfg.Alerts.Stream, logger)
	processor := pricealert.NewProcessor(
		pricealert.NewDetector(prices, catalog, cfg.Alerts.PriceDropThreshold),
		pricealert.NewNotifier(publisher, logger),
		alertQueue, prices, logger,
	)
	processor.SetRecorder(m)

	scrapePool := queue.NewPool(scrapeQueue, queue.PoolConfig{
		Concurrency:   cfg.Queue.Concurrency,
		JobsPerMinute: cfg.Queue.JobsPerMinute,
		Retention:     retention,
	}, logger)
	scrapePool.SetObserver(m)
	scrapePool.Handle(jobs.JobTypeScrape, worker.Handle)

	alertPool := queue.NewPool(alertQueue, queue.PoolConfig{
		Concurrency: 1,
		Retention:   retention,
	}, logger)
	alertPool.SetObserver(m)
	processor.Register(alertPool)

	relay := database.NewRelay(outbox, redisClient, logger, database.RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	})

	health := api.NewHealthHandler(serviceName, db, scrapeQueue, outbox, logger)
	router := api.NewRouter(api.NewHandlers(manager, logger), health, api.RouterConfig{
		Gatherer: registry,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(scrapePool.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(alertPool.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(relay.Start(ctx)) })
	g.Go(func() error {
		return ignoreCanceled(m.WatchQueue(ctx, "scraper", scrapeQueue, 15*time.Second, logger))
	})
	g.Go(func() error {
		return ignoreCanceled(m.WatchQueue(ctx, "alerts", alertQueue, 15*time.Second, logger))
	})
	if cfg.Schedule.Enabled {
		scheduler := jobs.NewScheduler(cfg.Schedule.Cron, catalog, manager, logger)
		g.Go(func() error { return ignoreCanceled(scheduler.Start(ctx)) })
	}

	g.Go(func() error {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server exited")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
