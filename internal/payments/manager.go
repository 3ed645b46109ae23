package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

var managerTracer = otel.Tracer("telemed.internal.payments.manager")

// checkoutProvider abstracts the hosted payment provider for tests.
type checkoutProvider interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutResponse, error)
	ExpireSession(ctx context.Context, providerRef string) error
	Refund(ctx context.Context, providerRef string, amountMinor int64, reason string) (string, error)
}

// Manager owns payment session lifecycle for appointments. CreateSession and
// Reconcile are idempotent so webhook retries and client double-submits are safe.
type Manager struct {
	repo     SessionRepository
	provider checkoutProvider

	currency   string
	exponent   int
	sessionTTL time.Duration
	logger     *logging.Logger
	now        func() time.Time
}

// NewManager creates a payment session manager.
func NewManager(repo SessionRepository, provider checkoutProvider, currency string, exponent int, sessionTTL time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	return &Manager{
		repo:       repo,
		provider:   provider,
		currency:   strings.ToUpper(currency),
		exponent:   exponent,
		sessionTTL: sessionTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source (for testing).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// CreateSession creates a checkout session for the appointment, converting the
// decimal fee amount into minor units. Calling it again while a session is
// still active returns the existing session unchanged.
func (m *Manager) CreateSession(ctx context.Context, appointmentID, amount, payerContact string) (*PaymentSession, error) {
	ctx, span := managerTracer.Start(ctx, "payments.create_session")
	defer span.End()
	span.SetAttributes(attribute.String("telemed.appointment_id", appointmentID))

	if strings.TrimSpace(appointmentID) == "" {
		return nil, fmt.Errorf("%w: appointment id required", ErrInvalidAmount)
	}
	if m.currency != "USD" && m.currency != "EUR" && m.currency != "GBP" && m.currency != "INR" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, m.currency)
	}

	minor, err := MinorUnits(amount, m.exponent)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	existing, err := m.repo.GetByAppointment(ctx, appointmentID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if existing != nil && existing.Active(now) {
		m.logger.Info("reusing active payment session",
			"appointment_id", appointmentID, "session_id", existing.SessionID)
		return existing, nil
	}

	expiresAt := now.Add(m.sessionTTL)
	resp, err := m.provider.CreateCheckoutSession(ctx, CheckoutParams{
		AppointmentID: appointmentID,
		AmountMinor:   minor,
		Currency:      m.currency,
		PayerContact:  payerContact,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return nil, err
	}

	session := &PaymentSession{
		SessionID:     uuid.New().String(),
		AppointmentID: appointmentID,
		AmountMinor:   minor,
		Currency:      m.currency,
		Status:        StatusPending,
		ExternalRef:   resp.ProviderRef,
		CheckoutURL:   resp.URL,
		PayerContact:  payerContact,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     expiresAt,
	}
	if err := m.repo.Create(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("payment session created",
		"appointment_id", appointmentID,
		"session_id", session.SessionID,
		"amount_minor", minor,
		"currency", m.currency,
	)
	return session, nil
}

// Reconcile applies a verified provider status to the session identified by its
// external reference. Only pending sessions change; duplicates and late updates
// return the stored session with Applied false. Callers must treat this, not
// any browser redirect, as the source of truth for payment outcome.
func (m *Manager) Reconcile(ctx context.Context, externalRef string, status SessionStatus) (*ReconcileResult, error) {
	ctx, span := managerTracer.Start(ctx, "payments.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("telemed.external_ref", externalRef),
		attribute.String("telemed.status", string(status)),
	)

	if !status.reconcilable() {
		return nil, fmt.Errorf("payments: cannot reconcile to status %q", status)
	}

	session, err := m.repo.GetByExternalRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}

	applied, err := m.repo.UpdateStatus(ctx, session.SessionID, StatusPending, status)
	if err != nil {
		return nil, err
	}
	if applied {
		session.Status = status
		session.UpdatedAt = m.now().UTC()
		m.logger.Info("payment session reconciled",
			"session_id", session.SessionID,
			"appointment_id", session.AppointmentID,
			"status", string(status),
		)
	} else {
		// Already terminal: re-read so the caller sees the settled status.
		session, err = m.repo.GetByExternalRef(ctx, externalRef)
		if err != nil {
			return nil, err
		}
		m.logger.Info("payment reconcile was a no-op",
			"session_id", session.SessionID,
			"status", string(session.Status),
		)
	}
	return &ReconcileResult{Session: session, Applied: applied}, nil
}

// CancelSession closes a pending session, asking the provider to expire the
// hosted checkout so the payer cannot complete it afterward.
func (m *Manager) CancelSession(ctx context.Context, appointmentID string) error {
	session, err := m.repo.GetByAppointment(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if session.Status != StatusPending {
		return nil
	}

	applied, err := m.repo.UpdateStatus(ctx, session.SessionID, StatusPending, StatusCancelled)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := m.provider.ExpireSession(ctx, session.ExternalRef); err != nil {
		// The local record is already cancelled; a dangling provider session
		// will expire on its own TTL.
		m.logger.Warn("provider session expire failed",
			"session_id", session.SessionID, "error", err)
	}
	m.logger.Info("payment session cancelled",
		"session_id", session.SessionID, "appointment_id", appointmentID)
	return nil
}

// Refund refunds the completed payment for an appointment. Used when a payment
// confirmation arrives after the appointment was cancelled.
func (m *Manager) Refund(ctx context.Context, appointmentID, reason string) error {
	session, err := m.repo.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if session.Status != StatusCompleted {
		return fmt.Errorf("payments: session %s is %s, cannot refund", session.SessionID, session.Status)
	}
	refundID, err := m.provider.Refund(ctx, session.ExternalRef, session.AmountMinor, reason)
	if err != nil {
		return err
	}
	m.logger.Info("payment refunded",
		"session_id", session.SessionID,
		"appointment_id", appointmentID,
		"refund_id", refundID,
	)
	return nil
}

// ExpireStale marks pending sessions past their deadline as expired and
// returns the appointment IDs affected so callers can fail those bookings.
func (m *Manager) ExpireStale(ctx context.Context) ([]string, error) {
	stale, err := m.repo.ListExpired(ctx, m.now().UTC())
	if err != nil {
		return nil, err
	}
	var affected []string
	for _, s := range stale {
		applied, err := m.repo.UpdateStatus(ctx, s.SessionID, StatusPending, StatusExpired)
		if err != nil {
			m.logger.Error("expire session failed", "session_id", s.SessionID, "error", err)
			continue
		}
		if applied {
			affected = append(affected, s.AppointmentID)
			m.logger.Info("payment session expired",
				"session_id", s.SessionID, "appointment_id", s.AppointmentID)
		}
	}
	return affected, nil
}

// GetByAppointment returns the most recent session for an appointment.
func (m *Manager) GetByAppointment(ctx context.Context, appointmentID string) (*PaymentSession, error) {
	return m.repo.GetByAppointment(ctx, appointmentID)
}
