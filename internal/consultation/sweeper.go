package consultation

import (
	"context"
	"time"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// Sweeper periodically runs the orchestrator's time-driven transitions.
type Sweeper struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *logging.Logger
}

// NewSweeper creates a sweeper ticking at the given interval.
func NewSweeper(orch *Orchestrator, interval time.Duration, logger *logging.Logger) *Sweeper {
	if orch == nil {
		panic("consultation: orchestrator required")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{orch: orch, interval: interval, logger: logger}
}

// Run blocks sweeping until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.orch.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
