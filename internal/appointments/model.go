package appointments

import (
	"fmt"
	"time"
)

// State is the appointment lifecycle state. The consultation orchestrator is the
// only writer; collaborator packages return results that it interprets.
type State string

const (
	StateDraft          State = "draft"
	StatePaymentPending State = "payment_pending"
	StatePaid           State = "paid"
	StateRoomReady      State = "room_ready"
	StateInProgress     State = "in_progress"
	StateCompleted      State = "completed"
	StateCancelled      State = "cancelled"
	StatePaymentFailed  State = "payment_failed"
)

// ParseState validates a lifecycle state string.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateDraft, StatePaymentPending, StatePaid, StateRoomReady,
		StateInProgress, StateCompleted, StateCancelled, StatePaymentFailed:
		return State(s), nil
	}
	return "", fmt.Errorf("appointments: unknown lifecycle state %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// transitions lists the permitted forward edges. Cancellation from any
// non-terminal state is handled separately in CanTransitionTo.
var transitions = map[State][]State{
	StateDraft:          {StatePaymentPending},
	StatePaymentPending: {StatePaid, StatePaymentFailed},
	StatePaid:           {StateRoomReady},
	StateRoomReady:      {StateInProgress},
	StateInProgress:     {StateCompleted},
	StatePaymentFailed:  {StatePaymentPending},
}

// CanTransitionTo reports whether next is a legal transition from s.
func (s State) CanTransitionTo(next State) bool {
	if next == StateCancelled {
		return !s.Terminal()
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllowsPaymentSession reports whether a payment session id may be set in s.
// The reference lives on the appointment only while payment is in flight;
// settled sessions are resolved through the payments store by appointment id.
func (s State) AllowsPaymentSession() bool {
	return s == StatePaymentPending || s == StatePaid
}

// AllowsRoom reports whether a room ref may be set in s.
func (s State) AllowsRoom() bool {
	return s == StatePaid || s == StateRoomReady || s == StateInProgress
}

// RoomRef is the provider-assigned room identity attached to an appointment.
type RoomRef struct {
	RoomID    string    `json:"room_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Appointment represents one booking between a patient and a doctor.
type Appointment struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patient_id"`
	DoctorID         string     `json:"doctor_id"`
	ScheduledStart   time.Time  `json:"scheduled_start"`
	ScheduledEnd     time.Time  `json:"scheduled_end"`
	Specialty        string     `json:"specialty,omitempty"`
	State            State      `json:"state"`
	PaymentSessionID string     `json:"payment_session_id,omitempty"`
	Room             *RoomRef   `json:"room,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
}

// Validate checks structural invariants before persisting.
func (a *Appointment) Validate() error {
	if a.PatientID == "" || a.DoctorID == "" {
		return ErrMissingParticipant
	}
	if !a.ScheduledEnd.After(a.ScheduledStart) {
		return ErrInvalidWindow
	}
	if a.PaymentSessionID != "" && !a.State.AllowsPaymentSession() {
		return fmt.Errorf("appointments: payment session not allowed in state %s", a.State)
	}
	if a.Room != nil && !a.State.AllowsRoom() {
		return fmt.Errorf("appointments: room ref not allowed in state %s", a.State)
	}
	return nil
}

// Window returns the scheduled consultation window.
func (a *Appointment) Window() (time.Time, time.Time) {
	return a.ScheduledStart, a.ScheduledEnd
}
