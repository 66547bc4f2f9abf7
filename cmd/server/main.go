// Package main provides the entry point for the caia-crawl engine
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"

	"github.com/Caia-Tech/caia-crawl/internal/api"
	"github.com/Caia-Tech/caia-crawl/internal/config"
	"github.com/Caia-Tech/caia-crawl/internal/export"
	"github.com/Caia-Tech/caia-crawl/internal/fetcher"
	"github.com/Caia-Tech/caia-crawl/internal/orchestrator"
	"github.com/Caia-Tech/caia-crawl/internal/queue"
	"github.com/Caia-Tech/caia-crawl/internal/store"
	"github.com/Caia-Tech/caia-crawl/pkg/logging"
)

func main() {
	if err := logging.SetupLogger(logging.DefaultLogConfig()); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Key/value store backing all cross-worker state
	kv, err := store.NewRedisKV(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer kv.Close()

	crawlStore := store.NewCrawlStore(kv)

	// Fetcher with browser strategy, rate limiting, and response cache
	fetchSvc, err := fetcher.NewService(fetcher.ServiceConfig{
		Cache: cfg.Cache,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize fetcher")
	}
	defer fetchSvc.Close()

	// Job queue and worker pool
	queueCfg := queue.DefaultConfig()
	queueCfg.LockDuration = cfg.Crawler.LockDuration
	queueCfg.LockRenewTime = cfg.Crawler.LockRenewTime
	queueCfg.MaxAttempts = cfg.Crawler.RetryAttempts
	queueCfg.RetryBase = cfg.Crawler.RetryDelay
	queueCfg.MaxJobs = cfg.Crawler.MaxJobs
	q := queue.New(kv, queueCfg)

	exporter := export.NewExporter(cfg.Export.OutputDir)
	crawls := orchestrator.New(crawlStore, q, fetchSvc, exporter, nil)
	batches := orchestrator.NewBatchOrchestrator(kv, fetchSvc)

	if err := crawls.Register(ctx, cfg.Crawler.Concurrency); err != nil {
		log.Fatal().Err(err).Msg("Failed to register queue worker")
	}
	defer q.Stop()

	if cfg.Crawler.EnableDynamicScaling {
		stopScaler := q.StartScaler(ctx, queue.DefaultScalerConfig(
			cfg.Crawler.MinConcurrency, cfg.Crawler.MaxConcurrency))
		defer stopScaler()
	}

	// Initialize Fiber app with configuration
	app := fiber.New(fiber.Config{
		AppName:               "caia-crawl API",
		DisableStartupMessage: false,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "UTC",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	h := api.NewHandlers(crawls, batches, q, kv)
	setupRoutes(app, h)

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down server")
		if err := app.Shutdown(); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("Starting caia-crawl server")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}

// setupRoutes configures all API routes
func setupRoutes(app *fiber.App, h *api.Handlers) {
	app.Get("/health", h.Health)

	v1 := app.Group("/api/v1")

	crawls := v1.Group("/crawls")
	crawls.Post("/", h.StartCrawl)
	crawls.Get("/:id", h.GetCrawl)
	crawls.Delete("/:id", h.CancelCrawl)

	batches := v1.Group("/batches")
	batches.Post("/", h.SubmitBatch)
	batches.Get("/:id", h.GetBatch)
	batches.Delete("/:id", h.CancelBatch)

	queue := v1.Group("/queue")
	queue.Get("/stats", h.QueueStats)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service": "caia-crawl",
			"version": "0.1.0",
		})
	})
}
