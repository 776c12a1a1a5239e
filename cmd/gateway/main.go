package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/campusone/beacon/internal/api"
	"github.com/campusone/beacon/internal/bridge"
	"github.com/campusone/beacon/internal/circuitbreaker"
	"github.com/campusone/beacon/internal/config"
	"github.com/campusone/beacon/internal/db"
	"github.com/campusone/beacon/internal/directory"
	"github.com/campusone/beacon/internal/engine"
	"github.com/campusone/beacon/internal/metrics"
	"github.com/campusone/beacon/internal/observ"
	"github.com/campusone/beacon/internal/redis"
	"github.com/campusone/beacon/internal/scheduler"
	"github.com/campusone/beacon/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Initialize repository and directory projections
	repo := db.NewRepository(database, logger)
	dir := directory.New(database, logger)

	// Initialize Redis for idempotency, rate limiting, and unread counts
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and count cache disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	var countCache *redis.CountCache
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		countCache = redis.NewCountCache(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  120,             // 120 requests
			Window: 1 * time.Minute, // per minute per user
		})
		defer redisClient.Close()
	}

	var invalidator engine.CountInvalidator
	if countCache != nil {
		invalidator = countCache
	}

	engineCfg := engine.Config{ChunkSize: cfg.FanOutChunkSize}

	// The API engine resolves directly; admin callers should see directory
	// errors as they are. The automatic paths (bridge, reminder sweep) go
	// through a circuit breaker so a dead directory fails fast.
	apiEngine := engine.New(repo, dir, invalidator, engineCfg, logger)

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("campus-directory"), logger)
	protected := circuitbreaker.NewProtectedResolver(dir, breaker, logger)
	autoEngine := engine.New(repo, protected, invalidator, engineCfg, logger)

	// Exam reminder sweep, fired by cron and by the manual trigger endpoint
	sched := scheduler.New(dir, autoEngine, nil, logger)

	cronRunner := cron.New()
	if _, err := cronRunner.AddFunc(cfg.ReminderCron, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := sched.RunOnce(sweepCtx, time.Now()); err != nil {
			logger.Error("scheduled reminder sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid reminder cron expression %q: %w", cfg.ReminderCron, err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	logger.Info("exam reminder sweep scheduled", zap.String("cron", cfg.ReminderCron))

	// Domain event bridge. With SQS configured the bridge consumes the
	// queue in the background and the API enqueues; without it, events
	// posted to /v1/events are handled inline.
	var producer *sqs.Producer
	var eventSink api.EventSink

	bridgeCtx, bridgeCancel := context.WithCancel(context.Background())
	defer bridgeCancel()

	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}

		producer, err = sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, events handled inline", zap.Error(err))
			producer = nil
		}

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, event bridge disabled", zap.Error(err))
		} else {
			b := bridge.New(consumer, autoEngine, idempotencyService, logger)
			go b.Run(bridgeCtx)
		}
	}

	if producer == nil {
		eventSink = bridge.New(nil, autoEngine, idempotencyService, logger)
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandlerWithServices(logger, repo, apiEngine, sched,
		idempotencyService, countCache, producer, eventSink)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Delete("/notifications/{id}", handler.DeleteNotification)
		r.Post("/notifications/{id}/resend", handler.ResendNotification)

		r.Post("/events", handler.IngestEvent)
		r.Post("/scheduler/run", handler.RunScheduler)

		// Recipient routes, rate limited per user since clients poll
		r.Route("/users/{userID}/notifications", func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

			r.Get("/", handler.ListUserNotifications)
			r.Get("/unread-count", handler.UnreadCount)
			r.Post("/{id}/read", handler.MarkRead)
			r.Post("/{id}/dismiss", handler.MarkDismissed)
		})
	})

	// Health check
	r.Get("/health", handler.Health)

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		bridgeCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
