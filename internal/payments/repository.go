package payments

import (
	"context"
	"sync"
	"time"
)

// SessionRepository persists payment sessions. Status changes go through
// UpdateStatus, a compare-and-swap so concurrent reconciles apply once.
type SessionRepository interface {
	Create(ctx context.Context, s *PaymentSession) error
	GetByAppointment(ctx context.Context, appointmentID string) (*PaymentSession, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*PaymentSession, error)
	// UpdateStatus moves sessionID from the expected status to the new one.
	// It returns false with no error when the session is no longer in from.
	UpdateStatus(ctx context.Context, sessionID string, from, to SessionStatus) (bool, error)
	// ListExpired returns pending sessions whose deadline passed before now.
	ListExpired(ctx context.Context, now time.Time) ([]*PaymentSession, error)
}

// InMemorySessionRepository is the test and local-dev implementation.
type InMemorySessionRepository struct {
	mu       sync.RWMutex
	byID     map[string]*PaymentSession
	byAppt   map[string]string
	byExtRef map[string]string
}

func NewInMemorySessionRepository() *InMemorySessionRepository {
	return &InMemorySessionRepository{
		byID:     make(map[string]*PaymentSession),
		byAppt:   make(map[string]string),
		byExtRef: make(map[string]string),
	}
}

func (r *InMemorySessionRepository) Create(_ context.Context, s *PaymentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.byID[s.SessionID] = &cp
	r.byAppt[s.AppointmentID] = s.SessionID
	if s.ExternalRef != "" {
		r.byExtRef[s.ExternalRef] = s.SessionID
	}
	return nil
}

func (r *InMemorySessionRepository) GetByAppointment(_ context.Context, appointmentID string) (*PaymentSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAppt[appointmentID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *InMemorySessionRepository) GetByExternalRef(_ context.Context, externalRef string) (*PaymentSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byExtRef[externalRef]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *InMemorySessionRepository) UpdateStatus(_ context.Context, sessionID string, from, to SessionStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *InMemorySessionRepository) ListExpired(_ context.Context, now time.Time) ([]*PaymentSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*PaymentSession
	for _, s := range r.byID {
		if s.Status == StatusPending && now.After(s.ExpiresAt) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}
