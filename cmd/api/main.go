package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-health/telemed-platform/cmd/mainconfig"
	"github.com/nimbus-health/telemed-platform/internal/api/router"
	"github.com/nimbus-health/telemed-platform/internal/appointments"
	appconfig "github.com/nimbus-health/telemed-platform/internal/config"
	"github.com/nimbus-health/telemed-platform/internal/consultation"
	"github.com/nimbus-health/telemed-platform/internal/events"
	"github.com/nimbus-health/telemed-platform/internal/locking"
	"github.com/nimbus-health/telemed-platform/internal/notify"
	"github.com/nimbus-health/telemed-platform/internal/observability/metrics"
	"github.com/nimbus-health/telemed-platform/internal/payments"
	"github.com/nimbus-health/telemed-platform/internal/presence"
	"github.com/nimbus-health/telemed-platform/internal/rooms"
	"github.com/nimbus-health/telemed-platform/internal/triage"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting telemed-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	for _, name := range cfg.MissingCredentials() {
		logger.Warn("credential not set, dependent feature degraded", "env_var", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		apptRepo    appointments.Repository
		sessionRepo payments.SessionRepository
		processed   payments.ProcessedTracker
		eventLog    events.Log
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		apptRepo = appointments.NewPostgresRepository(pool)
		sessionRepo = payments.NewPostgresSessionRepository(pool)
		processed = events.NewProcessedStore(pool)
		eventLog = events.NewPostgresLog(pool, logger)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		apptRepo = appointments.NewInMemoryRepository()
		sessionRepo = payments.NewInMemorySessionRepository()
		processed = events.NewInMemoryProcessedStore()
		eventLog = events.NewInMemoryLog()
	}

	// Per-appointment locking: Redis when available, process-local otherwise.
	var locker locking.Locker
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		locker = locking.NewRedisLocker(redis.NewClient(opts), cfg.LockTTL)
	} else {
		logger.Warn("REDIS_ADDR not set, using process-local appointment locks")
		locker = locking.NewMutexLocker()
	}

	// Triage advisor.
	var llmClient triage.LLMClient
	model := cfg.BedrockModelID
	switch cfg.TriageProvider {
	case "gemini":
		model = cfg.GeminiModelID
		client, err := triage.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Warn("gemini client unavailable, triage degraded", "error", err)
		} else {
			llmClient = client
		}
	default:
		llmClient = triage.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
	}
	advisor := triage.NewAdvisor(llmClient, model, cfg.TriageTimeout, logger)

	// Payment checkout.
	successURL := cfg.PaymentSuccessURL
	if successURL == "" {
		successURL = cfg.PublicBaseURL + "/payments/return/success"
	}
	cancelURL := cfg.PaymentCancelURL
	if cancelURL == "" {
		cancelURL = cfg.PublicBaseURL + "/payments/return/cancel"
	}
	checkout := payments.NewCheckoutClient(cfg.PaymentSecretKey, successURL, cancelURL, logger).
		WithBaseURL(cfg.PaymentBaseURL)
	manager := payments.NewManager(sessionRepo, checkout, cfg.Currency, cfg.CurrencyExponent, cfg.SessionTTL, logger)

	// Video rooms.
	roomProvider := rooms.NewProviderClient(cfg.RoomAPIKey, logger).WithBaseURL(cfg.RoomBaseURL)
	provisioner := rooms.NewProvisioner(roomProvider, cfg.RoomGraceBefore, cfg.RoomGraceAfter, logger)

	// Patient notifications.
	var sender notify.EmailSender
	switch {
	case cfg.EmailProvider == "ses" && cfg.SESFromEmail != "":
		sender = notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	case cfg.SendGridAPIKey != "":
		sender = notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	default:
		logger.Warn("no email provider configured, notifications are logged only")
		sender = notify.NewStubEmailSender(logger)
	}
	notifier := notify.NewService(sender, logger)

	lifecycleMetrics := metrics.NewLifecycle(nil)

	orchCfg := consultation.Config{
		Repo:            apptRepo,
		Payments:        manager,
		Advisor:         advisor,
		Provisioner:     provisioner,
		Locker:          locker,
		EventLog:        eventLog,
		Notifier:        notifier,
		Metrics:         lifecycleMetrics,
		Logger:          logger,
		ConsultationFee: cfg.ConsultationFee,
	}

	var memQueue *consultation.MemoryQueue
	switch {
	case cfg.UseMemoryQueue || cfg.RoomJobsQueueURL == "":
		logger.Warn("ROOM_JOBS_QUEUE_URL not set, running the room worker in-process")
		memQueue = consultation.NewMemoryQueue(256)
		orchCfg.Queue = memQueue
	default:
		orchCfg.Queue = consultation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.RoomJobsQueueURL, logger)
	}

	orch := consultation.NewOrchestrator(orchCfg)

	if memQueue != nil {
		worker := consultation.NewRoomWorker(orch, memQueue, consultation.WorkerConfig{
			Workers:     cfg.WorkerCount,
			MaxAttempts: cfg.ProvisionMaxAttempts,
			BaseDelay:   cfg.ProvisionBaseDelay,
		}, logger)
		go worker.Run(ctx)
	}
	go consultation.NewSweeper(orch, cfg.SweepInterval, logger).Run(ctx)

	r := router.New(&router.Config{
		Logger:              logger,
		ConsultationHandler: consultation.NewHandler(orch, logger),
		AppointmentsHandler: appointments.NewHandler(apptRepo, logger),
		TriageHandler:       triage.NewHandler(advisor, logger),
		PaymentWebhook:      payments.NewWebhookHandler(cfg.PaymentWebhookSecret, processed, orch, logger),
		PaymentReturn:       payments.NewReturnHandler(manager, logger),
		PresenceHandler:     presence.NewHandler(presence.NewHub(), orch, logger),
		MetricsHandler:      promhttp.Handler(),
		AdminAuthSecret:     cfg.AdminJWTSecret,
		CORSAllowedOrigins:  []string{cfg.PublicBaseURL},
		BookingRateLimit:    2,
		BookingRateBurst:    10,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
