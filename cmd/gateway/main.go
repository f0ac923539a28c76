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

	"github.com/lalithlochan/beacon/internal/api"
	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/circuitbreaker"
	"github.com/lalithlochan/beacon/internal/config"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/email"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/observ"
	"github.com/lalithlochan/beacon/internal/realtime"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/sns"
	"github.com/lalithlochan/beacon/internal/sqs"
	"github.com/lalithlochan/beacon/internal/templates"
	"github.com/lalithlochan/beacon/internal/worker"
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

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)
	prefs := notify.NewPreferences(db.NewPreferenceRepository(database, logger), cfg.DefaultLanguage, logger)
	resolver := templates.NewResolver(db.NewTemplateRepository(database, logger), cfg.DefaultLanguage, cfg.TemplateCacheTTL, logger)
	registry := realtime.NewRegistry(cfg.RealtimeBuffer, logger)
	defer registry.Close()

	service := notify.NewService(repo, prefs, db.NewUserRepository(database), resolver, registry, notify.Config{
		TxTimeout:       cfg.DispatchTxTimeout,
		DefaultLanguage: cfg.DefaultLanguage,
	}, logger)

	if cfg.SNSTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.SNSTopicARN, cfg.SNSRegion)
		if err != nil {
			logger.Warn("sns publisher unavailable, dispatch mirroring disabled", zap.Error(err))
		} else {
			service.WithMirror(publisher)
			logger.Info("dispatch mirroring enabled", zap.String("topic_arn", cfg.SNSTopicARN))
		}
	}

	// Redis backs idempotency and rate limiting; both degrade to disabled without it.
	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMin,
			Window: time.Minute,
		})
		defer redisClient.Close()
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	handler := api.NewHandler(logger, service, prefs)
	if idempotencyService != nil {
		handler.WithIdempotency(idempotencyService)
	}

	// SQS event intake
	if cfg.SQSQueueURL != "" {
		sqsClient, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL})
		if err != nil {
			logger.Warn("sqs unavailable, asynchronous intake disabled", zap.Error(err))
		} else {
			handler.WithQueue(sqs.NewProducer(sqsClient, cfg.SQSQueueURL, logger))
			consumer := worker.NewEventConsumer(sqs.NewConsumer(sqsClient, cfg.SQSQueueURL, logger), service, worker.ConsumerConfig{}, logger)
			go consumer.Start(workerCtx)
			logger.Info("event consumer started", zap.String("queue_url", cfg.SQSQueueURL))
		}
	}

	// Email channel
	var sender email.Sender
	if cfg.Env == "development" {
		sender = email.NewLogSender(logger)
	} else {
		sesSender, err := email.NewSESSender(ctx, email.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES email sender: %w", err)
		}
		sender = sesSender
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
	emailWorker := worker.NewEmailWorker(repo, resolver, circuitbreaker.NewProtectedSender(sender, breaker, logger), worker.Config{
		PollInterval: cfg.EmailPollInterval,
		BatchSize:    cfg.EmailBatchSize,
		MaxAttempts:  cfg.EmailMaxAttempts,
	}, logger)
	go emailWorker.Start(workerCtx)

	logger.Info("email worker started")

	go sampleConnections(workerCtx, database, redisClient)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
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

	authn := auth.NewAuthenticator(cfg.JWTSecret)

	r.Route("/v1", func(r chi.Router) {
		// The stream is long-lived: no request timeout, and EventSource may
		// authenticate with ?access_token=.
		r.With(api.AuthMiddleware(authn, logger, true)).
			Handle("/stream", realtime.NewStreamHandler(registry, cfg.RealtimeHeartbeat, logger))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(api.AuthMiddleware(authn, logger, false))
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

			r.Get("/notifications", handler.ListNotifications)
			r.Get("/notifications/unread-count", handler.UnreadCount)
			r.Get("/notifications/history", handler.NotificationHistory)
			r.Post("/notifications/read-all", handler.MarkAllRead)
			r.Post("/notifications/{id}/read", handler.MarkRead)
			r.Post("/notifications/{id}/hide", handler.Hide)

			r.Get("/preferences", handler.ListPreferences)
			r.Get("/preferences/{type}", handler.GetPreference)
			r.Put("/preferences/{type}", handler.UpdatePreference)

			r.With(api.RequireRole(auth.RoleAdmin)).Post("/broadcasts", handler.CreateBroadcast)
			r.With(api.RequireRole(auth.RoleService, auth.RoleAdmin)).Post("/events", handler.CreateEvent)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// WriteTimeout stays zero so SSE streams are not cut; handlers are bounded
	// by the Timeout middleware instead.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
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

		// Streams end first so Shutdown does not wait on them.
		registry.Close()
		workerCancel()

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

// sampleConnections feeds the pool gauges until ctx is cancelled.
func sampleConnections(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		metrics.SetDBConnections(database.AcquiredConns())
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.ActiveConns())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
