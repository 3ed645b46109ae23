package consultation

import "context"

// provisionJob asks the room worker to provision a video room for a paid
// appointment. Attempt counts completed tries, starting at 0.
type provisionJob struct {
	AppointmentID string `json:"appointment_id"`
	Attempt       int    `json:"attempt"`
}

// queuedJob is a job pulled off the queue together with the receipt needed to
// acknowledge it. Transport framing stays inside the queue implementations;
// the worker only ever sees decoded jobs.
type queuedJob struct {
	Job     provisionJob
	Receipt string
}

// queueClient transports provisioning jobs: SQS in production, an in-memory
// channel in dev and tests.
type queueClient interface {
	Send(ctx context.Context, job provisionJob) error
	Receive(ctx context.Context, maxJobs, waitSeconds int) ([]queuedJob, error)
	Delete(ctx context.Context, receipt string) error
}
