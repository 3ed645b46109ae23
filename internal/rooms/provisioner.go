package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbus-health/telemed-platform/internal/appointments"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// roomCreator abstracts the provider for tests.
type roomCreator interface {
	CreateRoom(ctx context.Context, params CreateRoomParams) (*Room, error)
	DeleteRoom(ctx context.Context, name string) error
}

// Provisioner creates video rooms for paid appointments. Provision is
// idempotent: an appointment with a still-valid room keeps it, so retries and
// concurrent provisioning attempts converge on a single room.
type Provisioner struct {
	provider    roomCreator
	graceBefore time.Duration
	graceAfter  time.Duration
	logger      *logging.Logger
	now         func() time.Time
}

// NewProvisioner creates a room provisioner. The grace margins widen the
// room's validity window around the scheduled slot.
func NewProvisioner(provider roomCreator, graceBefore, graceAfter time.Duration, logger *logging.Logger) *Provisioner {
	if logger == nil {
		logger = logging.Default()
	}
	if graceBefore <= 0 {
		graceBefore = 10 * time.Minute
	}
	if graceAfter <= 0 {
		graceAfter = 30 * time.Minute
	}
	return &Provisioner{
		provider:    provider,
		graceBefore: graceBefore,
		graceAfter:  graceAfter,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the time source (for testing).
func (p *Provisioner) WithClock(now func() time.Time) *Provisioner {
	if now != nil {
		p.now = now
	}
	return p
}

// Provision returns a room for the appointment, creating one if needed. The
// existing room is reused while its validity window is still open.
func (p *Provisioner) Provision(ctx context.Context, appt *appointments.Appointment) (*appointments.RoomRef, error) {
	now := p.now().UTC()
	expires := appt.ScheduledEnd.Add(p.graceAfter)

	if appt.Room != nil && now.Before(appt.Room.ExpiresAt) {
		p.logger.Info("reusing existing room",
			"appointment_id", appt.ID, "room_id", appt.Room.RoomID)
		return appt.Room, nil
	}
	if !now.Before(expires) {
		return nil, fmt.Errorf("%w: appointment window already closed", ErrPreconditionFailed)
	}

	room, err := p.provider.CreateRoom(ctx, CreateRoomParams{
		Name:      "consult-" + appt.ID,
		NotBefore: appt.ScheduledStart.Add(-p.graceBefore),
		Expires:   expires,
	})
	if err != nil {
		if errors.Is(err, ErrMisconfigured) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	p.logger.Info("room provisioned",
		"appointment_id", appt.ID, "room_id", room.ID, "expires_at", room.ExpiresAt)
	return &appointments.RoomRef{
		RoomID:    room.ID,
		URL:       room.URL,
		ExpiresAt: room.ExpiresAt,
	}, nil
}

// Release deletes the appointment's room at the provider, if any.
func (p *Provisioner) Release(ctx context.Context, appt *appointments.Appointment) error {
	if appt.Room == nil {
		return nil
	}
	if err := p.provider.DeleteRoom(ctx, "consult-"+appt.ID); err != nil {
		return err
	}
	p.logger.Info("room released",
		"appointment_id", appt.ID, "room_id", appt.Room.RoomID)
	return nil
}
