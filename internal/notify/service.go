package notify

import (
	"context"
	"fmt"

	"github.com/nimbus-health/telemed-platform/internal/appointments"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// Service sends patient-facing notifications for appointment lifecycle
// milestones. Delivery is best effort: the lifecycle never blocks on email.
type Service struct {
	email  EmailSender
	logger *logging.Logger
}

// NewService creates a notification service.
func NewService(email EmailSender, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{email: email, logger: logger}
}

// NotifyRoomReady emails the patient their consultation join link.
func (s *Service) NotifyRoomReady(ctx context.Context, appt *appointments.Appointment, recipient string) error {
	if s.email == nil || recipient == "" {
		s.logger.Debug("notify: no recipient for room ready", "appointment_id", appt.ID)
		return nil
	}
	if appt.Room == nil {
		return fmt.Errorf("notify: appointment %s has no room", appt.ID)
	}

	when := appt.ScheduledStart.Format("Monday, January 2 at 3:04 PM MST")
	msg := EmailMessage{
		To:      recipient,
		Subject: "Your video consultation is ready",
		Body: fmt.Sprintf(`Your consultation is confirmed for %s.

Join link: %s

The room opens shortly before your appointment. Please join from a quiet place with a stable connection.`, when, appt.Room.URL),
	}
	if err := s.email.Send(ctx, msg); err != nil {
		s.logger.Error("notify: room ready email failed", "error", err, "appointment_id", appt.ID)
		return err
	}
	s.logger.Info("notify: room ready email sent", "appointment_id", appt.ID, "to", recipient)
	return nil
}

// NotifyPaymentFailed emails the patient that their booking needs a new payment.
func (s *Service) NotifyPaymentFailed(ctx context.Context, appt *appointments.Appointment, recipient string) error {
	if s.email == nil || recipient == "" {
		return nil
	}
	msg := EmailMessage{
		To:      recipient,
		Subject: "Payment issue with your consultation booking",
		Body: fmt.Sprintf(`We could not confirm payment for your consultation on %s.

Your slot is held; please retry payment from your appointment page to confirm the booking.`, appt.ScheduledStart.Format("Monday, January 2 at 3:04 PM MST")),
	}
	if err := s.email.Send(ctx, msg); err != nil {
		s.logger.Error("notify: payment failed email failed", "error", err, "appointment_id", appt.ID)
		return err
	}
	return nil
}

// NotifyCancelled emails the patient their cancellation confirmation.
func (s *Service) NotifyCancelled(ctx context.Context, appt *appointments.Appointment, recipient string, refunded bool) error {
	if s.email == nil || recipient == "" {
		return nil
	}
	body := fmt.Sprintf("Your consultation scheduled for %s has been cancelled.",
		appt.ScheduledStart.Format("Monday, January 2 at 3:04 PM MST"))
	if appt.CancelReason != "" {
		body += "\n\nReason: " + appt.CancelReason
	}
	if refunded {
		body += "\n\nYour payment will be refunded to your original payment method."
	}
	msg := EmailMessage{
		To:      recipient,
		Subject: "Your consultation has been cancelled",
		Body:    body,
	}
	if err := s.email.Send(ctx, msg); err != nil {
		s.logger.Error("notify: cancellation email failed", "error", err, "appointment_id", appt.ID)
		return err
	}
	return nil
}
