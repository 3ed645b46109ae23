package consultation

import (
	"context"
	"time"
)

// MemoryQueue is the in-process queueClient for dev and tests. Jobs travel
// as typed values over a buffered channel; receipts are meaningless and
// Delete is a no-op.
type MemoryQueue struct {
	ch chan provisionJob
}

// NewMemoryQueue creates a queue with the given buffer capacity.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{ch: make(chan provisionJob, buffer)}
}

// Send enqueues a job, blocking until there is room or ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, job provisionJob) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the first job up to waitSeconds (indefinitely when 0),
// then drains whatever else is immediately available up to maxJobs.
func (q *MemoryQueue) Receive(ctx context.Context, maxJobs, waitSeconds int) ([]queuedJob, error) {
	if maxJobs <= 0 {
		maxJobs = 1
	}

	var wait <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		wait = timer.C
	}

	var first provisionJob
	select {
	case first = <-q.ch:
	case <-wait:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	jobs := []queuedJob{{Job: first}}
	for len(jobs) < maxJobs {
		select {
		case job := <-q.ch:
			jobs = append(jobs, queuedJob{Job: job})
		default:
			return jobs, nil
		}
	}
	return jobs, nil
}

// Delete is a no-op; channel reads already consumed the job.
func (q *MemoryQueue) Delete(context.Context, string) error {
	return nil
}
