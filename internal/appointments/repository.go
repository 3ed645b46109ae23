package appointments

import (
	"context"
	"sync"
	"time"
)

// Repository defines the interface for appointment storage. Update is a
// version-checked compare-and-swap so concurrent writers cannot clobber each
// other's lifecycle transitions.
type Repository interface {
	Create(ctx context.Context, appt *Appointment) error
	GetByID(ctx context.Context, id string) (*Appointment, error)
	Update(ctx context.Context, appt *Appointment) error
	ListByState(ctx context.Context, state State, limit int) ([]*Appointment, error)
}

// InMemoryRepository keeps appointments in a map. Used by tests and by the dev
// bootstrap when DATABASE_URL is absent.
type InMemoryRepository struct {
	mu    sync.RWMutex
	appts map[string]*Appointment
}

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		appts: make(map[string]*Appointment),
	}
}

// Create stores a new appointment at version 1.
func (r *InMemoryRepository) Create(ctx context.Context, appt *Appointment) error {
	if err := appt.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	appt.Version = 1
	appt.CreatedAt = now
	appt.UpdatedAt = now

	r.mu.Lock()
	r.appts[appt.ID] = cloneAppointment(appt)
	r.mu.Unlock()
	return nil
}

// GetByID retrieves an appointment by ID
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	appt, ok := r.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAppointment(appt), nil
}

// Update applies a compare-and-swap on Version, bumping it on success.
func (r *InMemoryRepository) Update(ctx context.Context, appt *Appointment) error {
	if err := appt.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.appts[appt.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != appt.Version {
		return ErrVersionConflict
	}

	appt.Version++
	appt.UpdatedAt = time.Now().UTC()
	r.appts[appt.ID] = cloneAppointment(appt)
	return nil
}

// ListByState returns up to limit appointments in the given state.
func (r *InMemoryRepository) ListByState(ctx context.Context, state State, limit int) ([]*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Appointment
	for _, appt := range r.appts {
		if appt.State != state {
			continue
		}
		out = append(out, cloneAppointment(appt))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneAppointment(a *Appointment) *Appointment {
	cp := *a
	if a.Room != nil {
		room := *a.Room
		cp.Room = &room
	}
	if a.CancelledAt != nil {
		ts := *a.CancelledAt
		cp.CancelledAt = &ts
	}
	return &cp
}
