package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-health/telemed-platform/cmd/mainconfig"
	"github.com/nimbus-health/telemed-platform/internal/appointments"
	appconfig "github.com/nimbus-health/telemed-platform/internal/config"
	"github.com/nimbus-health/telemed-platform/internal/consultation"
	"github.com/nimbus-health/telemed-platform/internal/events"
	"github.com/nimbus-health/telemed-platform/internal/locking"
	"github.com/nimbus-health/telemed-platform/internal/payments"
	"github.com/nimbus-health/telemed-platform/internal/rooms"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// The room worker consumes provisioning jobs from SQS and drives paid
// appointments to room_ready. It shares storage and locking with the API
// server so both processes serialize on the same per-appointment locks.
func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting telemed-platform room worker", "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required for the room worker")
		os.Exit(1)
	}
	if cfg.RoomJobsQueueURL == "" {
		logger.Error("ROOM_JOBS_QUEUE_URL is required for the room worker")
		os.Exit(1)
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

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

	checkout := payments.NewCheckoutClient(cfg.PaymentSecretKey, cfg.PaymentSuccessURL, cfg.PaymentCancelURL, logger).
		WithBaseURL(cfg.PaymentBaseURL)
	manager := payments.NewManager(
		payments.NewPostgresSessionRepository(pool), checkout,
		cfg.Currency, cfg.CurrencyExponent, cfg.SessionTTL, logger,
	)

	roomProvider := rooms.NewProviderClient(cfg.RoomAPIKey, logger).WithBaseURL(cfg.RoomBaseURL)
	provisioner := rooms.NewProvisioner(roomProvider, cfg.RoomGraceBefore, cfg.RoomGraceAfter, logger)

	queue := consultation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.RoomJobsQueueURL, logger)

	orch := consultation.NewOrchestrator(consultation.Config{
		Repo:        appointments.NewPostgresRepository(pool),
		Payments:    manager,
		Provisioner: provisioner,
		Locker:      locker,
		Queue:       queue,
		EventLog:    events.NewPostgresLog(pool, logger),
		Logger:      logger,
	})

	worker := consultation.NewRoomWorker(orch, queue, consultation.WorkerConfig{
		Workers:     cfg.WorkerCount,
		MaxAttempts: cfg.ProvisionMaxAttempts,
		BaseDelay:   cfg.ProvisionBaseDelay,
	}, logger)

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down room worker...")
	cancel()

	select {
	case <-done:
		logger.Info("room worker stopped")
	case <-time.After(30 * time.Second):
		logger.Error("room worker shutdown timed out")
	}
}
