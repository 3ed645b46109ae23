package consultation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimbus-health/telemed-platform/internal/rooms"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

const (
	defaultWorkers     = 2
	defaultReceiveWait = 2 // seconds
	defaultMaxAttempts = 3
	defaultBaseDelay   = 2 * time.Second
	receiveBatchSize   = 5
)

// RoomWorker consumes provisioning jobs from the queue. Transient provider
// failures are retried with exponential backoff up to a bounded attempt count;
// the appointment stays paid when the bound is exhausted so an operator can
// requeue it.
type RoomWorker struct {
	orch        *Orchestrator
	queue       queueClient
	workers     int
	maxAttempts int
	baseDelay   time.Duration
	logger      *logging.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// WorkerConfig tunes the room worker.
type WorkerConfig struct {
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
}

// NewRoomWorker creates a worker pool over the provisioning queue.
func NewRoomWorker(orch *Orchestrator, queue queueClient, cfg WorkerConfig, logger *logging.Logger) *RoomWorker {
	if orch == nil {
		panic("consultation: orchestrator required")
	}
	if queue == nil {
		panic("consultation: queue required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	return &RoomWorker{
		orch:        orch,
		queue:       queue,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Run blocks consuming jobs until ctx is cancelled.
func (w *RoomWorker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *RoomWorker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := w.queue.Receive(ctx, receiveBatchSize, defaultReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("room worker receive failed", "error", err)
			_ = w.sleep(ctx, w.baseDelay)
			continue
		}
		for _, qj := range batch {
			w.handle(ctx, qj)
		}
	}
}

func (w *RoomWorker) handle(ctx context.Context, qj queuedJob) {
	err := w.orch.ProvisionRoom(ctx, qj.Job.AppointmentID)
	switch {
	case err == nil:
		w.ack(ctx, qj)

	case errors.Is(err, rooms.ErrProvisioningFailed):
		w.retry(ctx, qj)

	case errors.Is(err, rooms.ErrPreconditionFailed), errors.Is(err, ErrStaleState):
		// The appointment moved on; the job is obsolete.
		w.logger.Info("room worker dropping obsolete job",
			"appointment_id", qj.Job.AppointmentID, "error", err)
		w.ack(ctx, qj)

	default:
		// Unknown failure, including provider misconfiguration: leave the
		// message for redelivery rather than losing it.
		w.logger.Error("room worker provisioning error",
			"appointment_id", qj.Job.AppointmentID, "attempt", qj.Job.Attempt, "error", err)
	}
}

func (w *RoomWorker) retry(ctx context.Context, qj queuedJob) {
	next := qj.Job.Attempt + 1
	if next >= w.maxAttempts {
		w.logger.Error("room provisioning retries exhausted, appointment stays paid",
			"appointment_id", qj.Job.AppointmentID, "attempts", next)
		w.ack(ctx, qj)
		return
	}

	delay := w.baseDelay << uint(qj.Job.Attempt)
	w.logger.Warn("room provisioning failed, retrying",
		"appointment_id", qj.Job.AppointmentID, "attempt", next, "delay", delay)
	if err := w.sleep(ctx, delay); err != nil {
		return
	}
	if err := w.orch.EnqueueProvision(ctx, qj.Job.AppointmentID, next); err != nil {
		w.logger.Error("room worker requeue failed",
			"appointment_id", qj.Job.AppointmentID, "error", err)
		return
	}
	w.ack(ctx, qj)
}

func (w *RoomWorker) ack(ctx context.Context, qj queuedJob) {
	if err := w.queue.Delete(ctx, qj.Receipt); err != nil {
		w.logger.Warn("room worker ack failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
