package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/offerlens/amazon-offer-scraper/internal/browser"
	"github.com/offerlens/amazon-offer-scraper/internal/config"
	"github.com/offerlens/amazon-offer-scraper/internal/database"
	"github.com/offerlens/amazon-offer-scraper/internal/models"
	"github.com/offerlens/amazon-offer-scraper/internal/offer-server/api"
	"github.com/offerlens/amazon-offer-scraper/internal/offer-server/events"
	"github.com/offerlens/amazon-offer-scraper/internal/offer-server/jobs"
	"github.com/offerlens/amazon-offer-scraper/internal/parser"
	"github.com/offerlens/amazon-offer-scraper/internal/scraper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, database.Config{DSN: cfg.Database.DSN()})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	relay := database.NewRelay(db, redisClient, logger, database.RelayConfig{
		PollInterval: cfg.Events.RelayInterval,
		BatchSize:    cfg.Events.BatchSize,
	})
	go func() {
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped with error", "error", err)
		}
	}()

	b, err := browser.New(&browser.Options{
		Headless:       cfg.Browser.Headless,
		Timeout:        cfg.Browser.Timeout,
		BaseURL:        cfg.Scraper.BaseURL,
		UserAgents:     cfg.Browser.UserAgents,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		AcceptLanguage: cfg.Browser.AcceptLanguage,
		TimezoneID:     cfg.Browser.TimezoneID,
		Locale:         cfg.Browser.Locale,
		ProxyServer:    cfg.Browser.ProxyServer,
		Humanize:       cfg.Browser.Humanize,
		SettleDelay:    cfg.Browser.SettleDelay,
	})
	if err != nil {
		logger.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	metrics := scraper.NewMetrics()
	factory := scraper.SessionFactoryFunc(func() (scraper.Session, error) {
		return b.NewSession()
	})

	// Each job gets its own pool, sized by the job's requested worker
	// count, over the shared browser and metrics.
	runner := jobs.RunnerFunc(func(ctx context.Context, units []models.WorkUnit, workers int) (*models.Report, error) {
		sc := cfg.Scraper
		if workers > 0 {
			sc.Workers = workers
		}
		pool := scraper.NewPool(poolConfig(sc), factory, parser.NewOfferParser(), metrics)
		return pool.Run(ctx, units)
	})

	publisher := events.NewPublisher(db, cfg.Events.Stream, logger)
	manager := jobs.NewManager(db, runner, publisher, jobs.Config{
		RunnerInterval: cfg.Jobs.RunnerInterval,
		CacheSize:      cfg.Jobs.CacheSize,
		CacheTTL:       cfg.Jobs.CacheTTL,
	}, logger)
	go manager.StartRunner(ctx)

	if cfg.AMQP.Enabled {
		source := jobs.NewAMQPSource(cfg.AMQP.URL, cfg.AMQP.Queue, database.NewJobRepository(db), logger)
		go func() {
			if err := source.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("amqp source stopped with error", "error", err)
			}
		}()
	}

	handlers := api.NewHandlers(manager, database.NewOutboxRepository(db), logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		RequestTimeout: cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        metrics.Registry,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func poolConfig(sc config.ScraperConfig) scraper.Config {
	return scraper.Config{
		Workers:             sc.Workers,
		BaseURL:             sc.BaseURL,
		MaxAttempts:         sc.MaxAttempts,
		RetryDelayMin:       sc.RetryDelayMin,
		RetryDelayMax:       sc.RetryDelayMax,
		UnitDelayMin:        sc.UnitDelayMin,
		UnitDelayMax:        sc.UnitDelayMax,
		FailureWindow:       sc.FailureWindow,
		FailureRate:         sc.FailureRate,
		Cooldown:            sc.Cooldown,
		BlockPolicy:         scraper.BlockPolicy(sc.BlockPolicy),
		SessionFailureLimit: sc.SessionFailureLimit,
		ShutdownGrace:       sc.ShutdownGrace,
	}
}
