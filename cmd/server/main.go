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
	"go.uber.org/zap"

	"github.com/subtrackhq/subtrack/internal/api"
	"github.com/subtrackhq/subtrack/internal/circuitbreaker"
	"github.com/subtrackhq/subtrack/internal/config"
	"github.com/subtrackhq/subtrack/internal/db"
	"github.com/subtrackhq/subtrack/internal/metrics"
	"github.com/subtrackhq/subtrack/internal/observ"
	"github.com/subtrackhq/subtrack/internal/redis"
	"github.com/subtrackhq/subtrack/internal/reminder"
	"github.com/subtrackhq/subtrack/internal/scheduler"
	"github.com/subtrackhq/subtrack/internal/whatsapp"
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

	logger.Info("starting subtrack server",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

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

	repo := db.NewRepository(database, logger)

	// Initialize Redis for rate limiting and run locking
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and run locking disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var rateLimiter *redis.RateLimiter
	var runLock *redis.RunLock
	if redisClient != nil {
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per user
		})
		runLock = redis.NewRunLock(redisClient, logger)
		defer redisClient.Close()
	}

	// Initialize the WhatsApp transport, protected by a circuit breaker.
	// Without credentials the service falls back to a log-only transport.
	var transport reminder.Transport
	if cfg.WhatsAppAPIURL != "" && cfg.WhatsAppToken != "" {
		waClient, err := whatsapp.New(whatsapp.Config{
			APIURL:  cfg.WhatsAppAPIURL,
			Token:   cfg.WhatsAppToken,
			Timeout: time.Duration(cfg.WhatsAppTimeout) * time.Second,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create whatsapp client: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("whatsapp"), logger)
		transport = circuitbreaker.NewProtectedTransport(waClient, breaker, logger)
	} else {
		logger.Warn("whatsapp credentials not configured, using log transport")
		transport = reminder.NewLogTransport(logger)
	}

	dispatcher := reminder.New(repo, transport, logger, nil)

	// Start the per-minute reminder scheduler
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()

	if cfg.SchedulerEnabled {
		sched := scheduler.New(repo, dispatcher, runLock, logger)
		go func() {
			if err := sched.Start(schedCtx); err != nil {
				logger.Error("scheduler failed", zap.Error(err))
			}
		}()
	} else {
		logger.Info("in-process scheduler disabled, relying on the external cron trigger")
	}

	// Setup router
	r := chi.NewRouter()

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

	handler := api.NewHandler(logger, repo, dispatcher, runLock, nil)

	r.Route("/v1", func(r chi.Router) {
		// User-facing routes: JWT auth, then per-user rate limiting
		r.Group(func(r chi.Router) {
			r.Use(api.AuthMiddleware(cfg.JWTSecret, logger))
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

			r.Post("/subscriptions", handler.CreateSubscription)
			r.Get("/subscriptions", handler.ListSubscriptions)
			r.Get("/subscriptions/{id}", handler.GetSubscription)
			r.Put("/subscriptions/{id}", handler.UpdateSubscription)
			r.Delete("/subscriptions/{id}", handler.DeleteSubscription)
			r.Post("/subscriptions/{id}/remind", handler.RemindSubscription)
			r.Post("/reminders/test", handler.TestReminder)

			r.Get("/notifications", handler.ListNotifications)
			r.Post("/notifications/{id}/read", handler.MarkNotificationRead)
		})

		// Batch trigger for an external cron, guarded by a shared secret
		r.Group(func(r chi.Router) {
			r.Use(api.CronTokenMiddleware(cfg.CronToken))
			r.Post("/reminders/run", handler.RunReminders)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

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

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		schedCancel()

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
