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
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/ai"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/api"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/circuitbreaker"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/config"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/digest"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/dispatch"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/events"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/matcher"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/metrics"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/observ"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/redis"
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

	logger.Info("starting bidflow gateway",
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

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	contracts := db.NewContractStore(database, logger)
	profiles := db.NewProfileStore(database, logger)
	queue := db.NewQueueStore(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		defer redisClient.Close()
	}

	// Preference matcher over the three stores
	m := matcher.New(contracts, profiles, queue, logger)

	// Build the channel senders, each behind its own circuit breaker so a
	// failing provider trips without taking the others down.
	var senders []dispatch.Sender

	var emailSender dispatch.Sender
	switch cfg.EmailProvider {
	case "ses":
		emailSender, err = dispatch.NewSESSender(ctx, dispatch.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES email sender: %w", err)
		}
	default:
		emailSender = dispatch.NewSMTPSender(dispatch.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			FromEmail: cfg.SMTPFrom,
		}, logger)
	}
	senders = append(senders, protect("email", emailSender, logger))

	snsSender, err := dispatch.NewSNSSender(ctx, dispatch.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, SMS notifications disabled",
			zap.Error(err),
		)
	} else {
		senders = append(senders, protect("sms", snsSender, logger))
	}

	if cfg.TwilioAccountSID != "" {
		waSender := dispatch.NewWhatsAppSender(dispatch.WhatsAppConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
		}, logger)
		senders = append(senders, protect("whatsapp", waSender, logger))
	} else {
		logger.Info("twilio not configured, whatsapp notifications disabled")
	}

	multiSender := dispatch.NewMultiSender(logger, senders...)

	logger.Info("initialized multi-channel senders",
		zap.String("email_provider", cfg.EmailProvider),
		zap.Bool("sms_enabled", snsSender != nil),
		zap.Bool("whatsapp_enabled", cfg.TwilioAccountSID != ""),
	)

	// Background dispatcher drains the queue
	dispatcher := dispatch.New(queue, multiSender, dispatch.Config{
		PollInterval: cfg.DispatchPollInterval,
		BatchSize:    cfg.DispatchBatchSize,
		SendsPerSec:  cfg.DispatchSendsPerSec,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go dispatcher.Start(workerCtx)
	logger.Info("dispatcher started")

	// Daily digest aggregator
	aggregator := digest.New(contracts, profiles, multiSender, digest.Config{
		Interval:        cfg.DigestInterval,
		DefaultLookback: cfg.DigestLookback,
	}, logger)

	go aggregator.Start(workerCtx)
	logger.Info("digest aggregator started")

	go m.StartReminders(workerCtx, cfg.ReminderInterval, cfg.ReminderHorizon)
	logger.Info("deadline reminder sweep started")

	// Contract events over SQS: the gateway publishes on publish, the
	// consumer fans out asynchronously.
	var producer *events.Producer
	if cfg.SQSQueueURL != "" {
		sqsCfg := events.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}
		producer, err = events.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, publishing fans out inline",
				zap.Error(err),
			)
			producer = nil
		}

		fanOut := func(ctx context.Context, contractID uuid.UUID) error {
			_, err := m.FanOut(ctx, contractID)
			return err
		}
		consumer, err := events.NewConsumer(ctx, sqsCfg, fanOut, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable", zap.Error(err))
		} else {
			go consumer.Start(workerCtx)
			logger.Info("contract event consumer started",
				zap.String("queue_url", cfg.SQSQueueURL),
			)
		}
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
	handler := api.NewHandler(logger, contracts, queue, m, dispatcher, aggregator)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}
	if producer != nil {
		handler = handler.WithProducer(producer)
	}
	if cfg.AIEnabled {
		aiClient, err := ai.NewClient(ai.Config{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		}, logger)
		if err != nil {
			logger.Warn("ai client unavailable, summaries disabled", zap.Error(err))
		} else {
			handler = handler.WithSummarizer(ai.NewSummarizer(aiClient, logger))
		}
	}

	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/contracts", handler.CreateContract)
		r.Get("/contracts/{id}", handler.GetContract)
		r.Post("/contracts/{id}/publish", handler.PublishContract)
		r.Post("/contracts/{id}/preference-check", handler.PreferenceCheck)
		r.Get("/contracts/{id}/notifications", handler.ListContractNotifications)

		r.Get("/queue", handler.ListQueue)
		r.Get("/queue/stats", handler.QueueStats)
		r.Post("/queue/process", handler.ProcessQueue)
		r.Post("/queue/{id}/retry", handler.RetryQueueEntry)
		r.Post("/queue/{id}/cancel", handler.CancelQueueEntry)
		r.Post("/queue/bulk-retry", handler.BulkRetry)
		r.Post("/queue/bulk-cancel", handler.BulkCancel)

		r.Post("/digest/run", handler.RunDigest)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := database.Health(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
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

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

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

// protect wraps a sender in a per-channel circuit breaker.
func protect(name string, s dispatch.Sender, logger *zap.Logger) dispatch.Sender {
	cfg := circuitbreaker.DefaultConfig(name)
	return circuitbreaker.NewProtectedSender(s, circuitbreaker.New(cfg, logger), logger)
}
