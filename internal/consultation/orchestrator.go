package consultation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbus-health/telemed-platform/internal/appointments"
	"github.com/nimbus-health/telemed-platform/internal/events"
	"github.com/nimbus-health/telemed-platform/internal/locking"
	"github.com/nimbus-health/telemed-platform/internal/observability/metrics"
	"github.com/nimbus-health/telemed-platform/internal/payments"
	"github.com/nimbus-health/telemed-platform/internal/triage"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

var orchestratorTracer = otel.Tracer("telemed.internal.consultation")

// paymentService abstracts the payments manager for tests.
type paymentService interface {
	CreateSession(ctx context.Context, appointmentID, amount, payerContact string) (*payments.PaymentSession, error)
	Reconcile(ctx context.Context, externalRef string, status payments.SessionStatus) (*payments.ReconcileResult, error)
	CancelSession(ctx context.Context, appointmentID string) error
	Refund(ctx context.Context, appointmentID, reason string) error
	ExpireStale(ctx context.Context) ([]string, error)
	GetByAppointment(ctx context.Context, appointmentID string) (*payments.PaymentSession, error)
}

// specialtyAdvisor abstracts triage for tests.
type specialtyAdvisor interface {
	SuggestSpecialty(ctx context.Context, symptomText string) (*triage.Result, error)
}

// roomProvisioner abstracts room provisioning for tests.
type roomProvisioner interface {
	Provision(ctx context.Context, appt *appointments.Appointment) (*appointments.RoomRef, error)
	Release(ctx context.Context, appt *appointments.Appointment) error
}

// patientNotifier sends best-effort lifecycle emails.
type patientNotifier interface {
	NotifyRoomReady(ctx context.Context, appt *appointments.Appointment, recipient string) error
	NotifyPaymentFailed(ctx context.Context, appt *appointments.Appointment, recipient string) error
	NotifyCancelled(ctx context.Context, appt *appointments.Appointment, recipient string, refunded bool) error
}

// BookRequest starts a new consultation booking. Specialty is optional; when
// the patient picks one the advisor is skipped.
type BookRequest struct {
	PatientID      string    `json:"patient_id"`
	DoctorID       string    `json:"doctor_id"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	Symptoms       string    `json:"symptoms"`
	Specialty      string    `json:"specialty,omitempty"`
	PayerContact   string    `json:"payer_contact"`
}

// BookResult is returned to the booking client. The triage suggestion is
// advisory and ephemeral; only the chosen specialty lands on the appointment.
type BookResult struct {
	Appointment *appointments.Appointment `json:"appointment"`
	Triage      *triage.Result            `json:"triage,omitempty"`
	CheckoutURL string                    `json:"checkout_url"`
}

// Orchestrator drives the consultation lifecycle: triage at booking, payment
// confirmation via webhooks, room provisioning through the queue, and
// completion. Every mutation of an appointment runs under its per-appointment
// lock and re-reads state first, so duplicate signals settle as no-ops.
type Orchestrator struct {
	repo        appointments.Repository
	payments    paymentService
	advisor     specialtyAdvisor
	provisioner roomProvisioner
	locker      locking.Locker
	queue       queueClient
	eventLog    events.Log
	notifier    patientNotifier
	metrics     *metrics.Lifecycle
	logger      *logging.Logger

	consultationFee string
	now             func() time.Time
}

// Config carries the orchestrator's collaborators.
type Config struct {
	Repo            appointments.Repository
	Payments        paymentService
	Advisor         specialtyAdvisor
	Provisioner     roomProvisioner
	Locker          locking.Locker
	Queue           queueClient
	EventLog        events.Log
	Notifier        patientNotifier
	Metrics         *metrics.Lifecycle
	Logger          *logging.Logger
	ConsultationFee string
}

// NewOrchestrator wires the consultation lifecycle service.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Repo == nil {
		panic("consultation: appointment repository required")
	}
	if cfg.Payments == nil {
		panic("consultation: payment service required")
	}
	if cfg.Locker == nil {
		cfg.Locker = locking.NewMutexLocker()
	}
	if cfg.EventLog == nil {
		cfg.EventLog = events.NewInMemoryLog()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.ConsultationFee == "" {
		cfg.ConsultationFee = "50.00"
	}
	return &Orchestrator{
		repo:            cfg.Repo,
		payments:        cfg.Payments,
		advisor:         cfg.Advisor,
		provisioner:     cfg.Provisioner,
		locker:          cfg.Locker,
		queue:           cfg.Queue,
		eventLog:        cfg.EventLog,
		notifier:        cfg.Notifier,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		consultationFee: cfg.ConsultationFee,
		now:             time.Now,
	}
}

// WithClock overrides the time source (for testing).
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if now != nil {
		o.now = now
	}
	return o
}

// Book creates an appointment, runs advisory triage, and opens a payment
// session. Triage failure never blocks the booking: the appointment proceeds
// to payment_pending with the default specialty.
func (o *Orchestrator) Book(ctx context.Context, req BookRequest) (*BookResult, error) {
	ctx, span := orchestratorTracer.Start(ctx, "consultation.book")
	defer span.End()

	if strings.TrimSpace(req.PatientID) == "" || strings.TrimSpace(req.DoctorID) == "" {
		return nil, fmt.Errorf("%w: patient and doctor required", ErrInvalidRequest)
	}
	if !req.ScheduledEnd.After(req.ScheduledStart) {
		return nil, fmt.Errorf("%w: scheduled window must have positive length", ErrInvalidRequest)
	}

	appt := &appointments.Appointment{
		ID:             uuid.NewString(),
		PatientID:      req.PatientID,
		DoctorID:       req.DoctorID,
		ScheduledStart: req.ScheduledStart.UTC(),
		ScheduledEnd:   req.ScheduledEnd.UTC(),
		State:          appointments.StateDraft,
	}
	span.SetAttributes(attribute.String("telemed.appointment_id", appt.ID))

	var suggestion *triage.Result
	switch {
	case strings.TrimSpace(req.Specialty) != "":
		// Patient picked a specialty; no triage call.
		specialty, ok := triage.ParseSpecialty(req.Specialty)
		if !ok {
			return nil, fmt.Errorf("%w: unknown specialty %q", ErrInvalidRequest, req.Specialty)
		}
		appt.Specialty = string(specialty)

	case o.advisor != nil && strings.TrimSpace(req.Symptoms) != "":
		result, err := o.advisor.SuggestSpecialty(ctx, req.Symptoms)
		switch {
		case err == nil:
			suggestion = result
			appt.Specialty = string(result.Specialty)
		case errors.Is(err, triage.ErrInvalidInput):
			// Nothing to triage.
		default:
			// Advisory only: booking continues with the specialty unset,
			// waiting on a manual selection.
			o.logger.Warn("triage unavailable, booking continues",
				"appointment_id", appt.ID, "error", err)
		}
	}

	if err := o.repo.Create(ctx, appt); err != nil {
		return nil, err
	}
	o.recordEvent(ctx, appt.ID, events.TypeAppointmentBooked, map[string]any{
		"patient_id": appt.PatientID,
		"doctor_id":  appt.DoctorID,
		"start":      appt.ScheduledStart,
	})
	switch {
	case suggestion != nil:
		o.recordEvent(ctx, appt.ID, events.TypeTriageSuggested, map[string]any{
			"specialty":  string(suggestion.Specialty),
			"confidence": suggestion.Confidence,
		})
	case appt.Specialty != "":
		o.recordEvent(ctx, appt.ID, events.TypeSpecialtySelected, map[string]any{
			"specialty": appt.Specialty,
			"source":    "booking",
		})
	}

	session, err := o.payments.CreateSession(ctx, appt.ID, o.consultationFee, req.PayerContact)
	if err != nil {
		return nil, err
	}

	appt.PaymentSessionID = session.SessionID
	if err := o.transition(ctx, appt, appointments.StatePaymentPending); err != nil {
		return nil, err
	}
	o.recordEvent(ctx, appt.ID, events.TypePaymentRequested, map[string]any{
		"session_id":   session.SessionID,
		"amount_minor": session.AmountMinor,
		"currency":     session.Currency,
	})

	o.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"specialty", appt.Specialty,
		"session_id", session.SessionID,
	)
	return &BookResult{
		Appointment: appt,
		Triage:      suggestion,
		CheckoutURL: session.CheckoutURL,
	}, nil
}

// HandlePaymentResult applies a verified webhook outcome to the appointment.
// It implements payments.LifecycleReconciler. Duplicate and out-of-order
// deliveries settle as no-ops; a success arriving after cancellation triggers
// a refund and the appointment stays cancelled.
func (o *Orchestrator) HandlePaymentResult(ctx context.Context, externalRef string, status payments.SessionStatus, amountMinor int64) error {
	ctx, span := orchestratorTracer.Start(ctx, "consultation.handle_payment_result")
	defer span.End()
	span.SetAttributes(
		attribute.String("telemed.external_ref", externalRef),
		attribute.String("telemed.status", string(status)),
	)

	rec, err := o.payments.Reconcile(ctx, externalRef, status)
	if err != nil {
		return err
	}
	appointmentID := rec.Session.AppointmentID

	return o.locker.WithAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		appt, err := o.repo.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}

		switch rec.Session.Status {
		case payments.StatusCompleted:
			return o.applyPaymentSuccess(ctx, appt, rec.Session, amountMinor)
		case payments.StatusExpired, payments.StatusCancelled:
			return o.applyPaymentFailure(ctx, appt, rec.Session)
		default:
			return nil
		}
	})
}

func (o *Orchestrator) applyPaymentSuccess(ctx context.Context, appt *appointments.Appointment, session *payments.PaymentSession, amountMinor int64) error {
	switch appt.State {
	case appointments.StatePaymentPending:
		if amountMinor > 0 && amountMinor != session.AmountMinor {
			o.logger.Warn("payment amount mismatch",
				"appointment_id", appt.ID,
				"expected_minor", session.AmountMinor,
				"received_minor", amountMinor,
			)
		}
		if err := o.transition(ctx, appt, appointments.StatePaid); err != nil {
			return err
		}
		o.recordEvent(ctx, appt.ID, events.TypePaymentConfirmed, map[string]any{
			"session_id":   session.SessionID,
			"amount_minor": session.AmountMinor,
		})
		if o.metrics != nil {
			o.metrics.PaymentConfirmed()
		}
		if o.queue == nil {
			// Degraded mode, no queue: provision inline under the held lock.
			return o.provisionLocked(ctx, appt)
		}
		return o.enqueueProvision(ctx, appt.ID, 0)

	case appointments.StateCancelled:
		// Confirmation landed after cancellation: refund, stay cancelled.
		o.logger.Info("payment confirmed after cancellation, refunding",
			"appointment_id", appt.ID, "session_id", session.SessionID)
		if err := o.payments.Refund(ctx, appt.ID, "appointment cancelled before confirmation"); err != nil {
			return err
		}
		o.recordEvent(ctx, appt.ID, events.TypePaymentRefunded, map[string]any{
			"session_id": session.SessionID,
			"reason":     "cancelled_before_confirmation",
		})
		return nil

	default:
		// Already paid or further along: duplicate delivery.
		return nil
	}
}

func (o *Orchestrator) applyPaymentFailure(ctx context.Context, appt *appointments.Appointment, session *payments.PaymentSession) error {
	if appt.State != appointments.StatePaymentPending {
		return nil
	}
	appt.PaymentSessionID = ""
	if err := o.transition(ctx, appt, appointments.StatePaymentFailed); err != nil {
		return err
	}
	o.recordEvent(ctx, appt.ID, events.TypePaymentFailed, map[string]any{
		"session_id": session.SessionID,
		"status":     string(session.Status),
	})
	if o.metrics != nil {
		o.metrics.PaymentFailed()
	}
	o.notify(func() error {
		return o.notifier.NotifyPaymentFailed(ctx, appt, session.PayerContact)
	})
	return nil
}

// SetSpecialty records the patient's manual specialty selection for a booking
// the advisor could not triage. A specialty is set exactly once, by triage or
// by this call.
func (o *Orchestrator) SetSpecialty(ctx context.Context, appointmentID, specialty string) (*appointments.Appointment, error) {
	parsed, ok := triage.ParseSpecialty(specialty)
	if !ok {
		return nil, fmt.Errorf("%w: unknown specialty %q", ErrInvalidRequest, specialty)
	}

	var updated *appointments.Appointment
	err := o.locker.WithAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		appt, err := o.repo.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt.State.Terminal() {
			return fmt.Errorf("%w: appointment is %s", ErrStaleState, appt.State)
		}
		if appt.Specialty != "" {
			return fmt.Errorf("%w: specialty already set to %s", ErrStaleState, appt.Specialty)
		}

		appt.Specialty = string(parsed)
		if err := o.repo.Update(ctx, appt); err != nil {
			if errors.Is(err, appointments.ErrVersionConflict) {
				return fmt.Errorf("%w: concurrent update", ErrStaleState)
			}
			return err
		}
		o.recordEvent(ctx, appt.ID, events.TypeSpecialtySelected, map[string]any{
			"specialty": appt.Specialty,
			"source":    "manual",
		})
		updated = appt
		return nil
	})
	return updated, err
}

// RetryPayment opens a fresh payment session for a failed booking.
func (o *Orchestrator) RetryPayment(ctx context.Context, appointmentID, payerContact string) (*BookResult, error) {
	var result *BookResult
	err := o.locker.WithAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		appt, err := o.repo.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		if appt.State != appointments.StatePaymentFailed {
			return fmt.Errorf("%w: retry requires payment_failed, state is %s", ErrStaleState, appt.State)
		}

		session, err := o.payments.CreateSession(ctx, appt.ID, o.consultationFee, payerContact)
		if err != nil {
			return err
		}
		appt.PaymentSessionID = session.SessionID
		if err := o.transition(ctx, appt, appointments.StatePaymentPending); err != nil {
			return err
		}
		o.recordEvent(ctx, appt.ID, events.TypePaymentRequested, map[string]any{
			"session_id": session.SessionID,
			"retry":      true,
		})
		result = &BookResult{Appointment: appt, CheckoutURL: session.CheckoutURL}
		return nil
	})
	return result, err
}

// ProvisionRoom creates the video room for a paid appointment and moves it to
// room_ready. Safe to call repeatedly: a valid existing room is kept, and an
// appointment cancelled in the meantime makes the job obsolete.
func (o *Orchestrator) ProvisionRoom(ctx context.Context, appointmentID string) error {
	ctx, span := orchestratorTracer.Start(ctx, "consultation.provision_room")
	defer span.End()
	span.SetAttributes(attribute.String("telemed.appointment_id", appointmentID))

	return o.locker.WithAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		appt, err := o.repo.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		return o.provisionLocked(ctx, appt)
	})
}

// provisionLocked holds the provisioning body; the caller owns the
// appointment lock.
func (o *Orchestrator) provisionLocked(ctx context.Context, appt *appointments.Appointment) error {
	switch appt.State {
	case appointments.StatePaid:
		// Proceed.
	case appointments.StateRoomReady, appointments.StateInProgress:
		return nil
	case appointments.StateCancelled:
		o.logger.Info("skipping provisioning for cancelled appointment",
			"appointment_id", appt.ID)
		return nil
	default:
		return fmt.Errorf("%w: provisioning requires paid, state is %s", ErrStaleState, appt.State)
	}

	ref, err := o.provisioner.Provision(ctx, appt)
	if err != nil {
		if o.metrics != nil {
			o.metrics.ProvisionFailed()
		}
		return err
	}

	appt.Room = ref
	// The session settled; receipts resolve through the payments store.
	appt.PaymentSessionID = ""
	if err := o.transition(ctx, appt, appointments.StateRoomReady); err != nil {
		return err
	}
	o.recordEvent(ctx, appt.ID, events.TypeRoomProvisioned, map[string]any{
		"room_id":    ref.RoomID,
		"expires_at": ref.ExpiresAt,
	})
	if o.metrics != nil {
		o.metrics.RoomProvisioned()
	}
	o.notify(func() error {
		return o.notifier.NotifyRoomReady(ctx, appt, o.payerContact(ctx, appt.ID))
	})
	return nil
}

// StartConsultation marks the consultation as running when the first
// participant joins the room. Repeated joins are no-ops.
func (o *Orchestrator) StartConsultation(ctx context.Context, appointmentID string) error {
	return o.locker.WithAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		appt, err := o.repo.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		switch appt.State {
		case appointments.StateInProgress:
			return nil
		case appointments.StateRoomReady:
			if err := o.transition(ctx, appt, appointments.StateInProgress); err != nil {
				return err
			}
			o.recordEvent(ctx, appt.ID, events.TypeConsultationStarted, nil)
			return nil
		default:
			return fmt.Errorf("%w: start requires room_ready, state is %s", ErrStaleState, appt.State)
		}
	})
}

// CompleteConsultation finishes a running consultation and releases the room.
func (o *Orchestrator) CompleteConsultation(ctx context.Context, appointmentID string) error {
	return o.locker.WithAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		appt, err := o.repo.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		switch appt.State {
		case appointments.StateCompleted:
			return nil
		case appointments.StateInProgress:
			if o.provisioner != nil && appt.Room != nil {
				if err := o.provisioner.Release(ctx, appt); err != nil {
					o.logger.Warn("room release failed",
						"appointment_id", appt.ID, "error", err)
				}
			}
			appt.Room = nil
			if err := o.transition(ctx, appt, appointments.StateCompleted); err != nil {
				return err
			}
			o.recordEvent(ctx, appt.ID, events.TypeConsultationEnded, nil)
			if o.metrics != nil {
				o.metrics.ConsultationCompleted()
			}
			return nil
		default:
			return fmt.Errorf("%w: complete requires in_progress, state is %s", ErrStaleState, appt.State)
		}
	})
}

// Cancel moves any non-terminal appointment to cancelled, closing the pending
// payment session or refunding a settled one, and releasing the room.
// Cancelling an already cancelled appointment is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, appointmentID, reason string) error {
	ctx, span := orchestratorTracer.Start(ctx, "consultation.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("telemed.appointment_id", appointmentID))

	return o.locker.WithAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		appt, err := o.repo.GetByID(ctx, appointmentID)
		if err != nil {
			return err
		}
		switch appt.State {
		case appointments.StateCancelled:
			return nil
		case appointments.StateCompleted:
			return fmt.Errorf("%w: completed consultations cannot be cancelled", ErrStaleState)
		}

		recipient := o.payerContact(ctx, appt.ID)
		refunded := false

		switch appt.State {
		case appointments.StatePaymentPending:
			if err := o.payments.CancelSession(ctx, appt.ID); err != nil {
				o.logger.Warn("payment session cancel failed",
					"appointment_id", appt.ID, "error", err)
			}
		case appointments.StatePaid, appointments.StateRoomReady, appointments.StateInProgress:
			if err := o.payments.Refund(ctx, appt.ID, "appointment cancelled"); err != nil {
				return fmt.Errorf("consultation: refund before cancel: %w", err)
			}
			refunded = true
			o.recordEvent(ctx, appt.ID, events.TypePaymentRefunded, map[string]any{
				"reason": "cancelled",
			})
		}

		if o.provisioner != nil && appt.Room != nil {
			if err := o.provisioner.Release(ctx, appt); err != nil {
				o.logger.Warn("room release failed",
					"appointment_id", appt.ID, "error", err)
			}
			o.recordEvent(ctx, appt.ID, events.TypeRoomReleased, nil)
		}

		appt.Room = nil
		appt.PaymentSessionID = ""
		appt.CancelReason = reason
		now := o.now().UTC()
		appt.CancelledAt = &now
		if err := o.transition(ctx, appt, appointments.StateCancelled); err != nil {
			return err
		}
		o.recordEvent(ctx, appt.ID, events.TypeAppointmentCancelled, map[string]any{
			"reason": reason,
		})
		if o.metrics != nil {
			o.metrics.Cancelled()
		}
		o.notify(func() error {
			return o.notifier.NotifyCancelled(ctx, appt, recipient, refunded)
		})
		return nil
	})
}

// EnqueueProvision schedules a provisioning job, used by the admin retry
// endpoint and by the worker for bounded retries.
func (o *Orchestrator) EnqueueProvision(ctx context.Context, appointmentID string, attempt int) error {
	return o.enqueueProvision(ctx, appointmentID, attempt)
}

// Sweep handles time-driven transitions: expired payment sessions fail their
// bookings, rooms nobody joined are reclaimed, and consultations running past
// their window are completed.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	ctx, span := orchestratorTracer.Start(ctx, "consultation.sweep")
	defer span.End()

	expired, err := o.payments.ExpireStale(ctx)
	if err != nil {
		return err
	}
	for _, appointmentID := range expired {
		id := appointmentID
		if err := o.locker.WithAppointmentLock(ctx, id, func(ctx context.Context) error {
			appt, err := o.repo.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if appt.State != appointments.StatePaymentPending {
				return nil
			}
			appt.PaymentSessionID = ""
			if err := o.transition(ctx, appt, appointments.StatePaymentFailed); err != nil {
				return err
			}
			o.recordEvent(ctx, appt.ID, events.TypePaymentFailed, map[string]any{
				"reason": "session_expired",
			})
			return nil
		}); err != nil {
			o.logger.Error("sweep: expire payment failed", "appointment_id", id, "error", err)
		}
	}

	now := o.now().UTC()

	// Rooms nobody joined: past the room's validity window, reclaim and cancel.
	ready, err := o.repo.ListByState(ctx, appointments.StateRoomReady, 100)
	if err != nil {
		return err
	}
	for _, appt := range ready {
		if appt.Room == nil || now.Before(appt.Room.ExpiresAt) {
			continue
		}
		if err := o.Cancel(ctx, appt.ID, "no participant joined before the room expired"); err != nil {
			o.logger.Error("sweep: reclaim room failed", "appointment_id", appt.ID, "error", err)
		}
	}

	// Consultations running past their window are closed out.
	running, err := o.repo.ListByState(ctx, appointments.StateInProgress, 100)
	if err != nil {
		return err
	}
	for _, appt := range running {
		if appt.Room != nil && now.Before(appt.Room.ExpiresAt) {
			continue
		}
		if err := o.CompleteConsultation(ctx, appt.ID); err != nil {
			o.logger.Error("sweep: complete overdue failed", "appointment_id", appt.ID, "error", err)
		}
	}
	return nil
}

// GetAppointment returns the appointment with its recent event history.
func (o *Orchestrator) GetAppointment(ctx context.Context, appointmentID string) (*appointments.Appointment, []*events.Entry, error) {
	appt, err := o.repo.GetByID(ctx, appointmentID)
	if err != nil {
		return nil, nil, err
	}
	history, err := o.eventLog.ListByAppointment(ctx, appointmentID, 50)
	if err != nil {
		o.logger.Warn("event history load failed", "appointment_id", appointmentID, "error", err)
		history = nil
	}
	return appt, history, nil
}

func (o *Orchestrator) transition(ctx context.Context, appt *appointments.Appointment, next appointments.State) error {
	if !appt.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrStaleState, appt.State, next)
	}
	from := appt.State
	appt.State = next
	if err := o.repo.Update(ctx, appt); err != nil {
		appt.State = from
		if errors.Is(err, appointments.ErrVersionConflict) {
			return fmt.Errorf("%w: concurrent update", ErrStaleState)
		}
		return err
	}
	if o.metrics != nil {
		o.metrics.Transition(string(from), string(next))
	}
	return nil
}

func (o *Orchestrator) enqueueProvision(ctx context.Context, appointmentID string, attempt int) error {
	if o.queue == nil {
		// Degraded mode: provision synchronously.
		return o.ProvisionRoom(ctx, appointmentID)
	}
	job := provisionJob{AppointmentID: appointmentID, Attempt: attempt}
	if err := o.queue.Send(ctx, job); err != nil {
		return fmt.Errorf("consultation: enqueue provision: %w", err)
	}
	o.logger.Info("provision job enqueued",
		"appointment_id", appointmentID, "attempt", attempt)
	return nil
}

func (o *Orchestrator) payerContact(ctx context.Context, appointmentID string) string {
	session, err := o.payments.GetByAppointment(ctx, appointmentID)
	if err != nil || session == nil {
		return ""
	}
	return session.PayerContact
}

func (o *Orchestrator) recordEvent(ctx context.Context, appointmentID, eventType string, payload map[string]any) {
	if err := o.eventLog.Record(ctx, appointmentID, eventType, payload); err != nil {
		o.logger.Warn("event record failed",
			"appointment_id", appointmentID, "event_type", eventType, "error", err)
	}
}

func (o *Orchestrator) notify(fn func() error) {
	if o.notifier == nil {
		return
	}
	if err := fn(); err != nil {
		o.logger.Warn("notification failed", "error", err)
	}
}

// Ensure the orchestrator satisfies the webhook callback contract.
var _ payments.LifecycleReconciler = (*Orchestrator)(nil)
