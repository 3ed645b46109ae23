package appointments

import (
	"testing"
	"time"
)

func TestParseState(t *testing.T) {
	for _, valid := range []string{"draft", "payment_pending", "paid", "room_ready", "in_progress", "completed", "cancelled", "payment_failed"} {
		if _, err := ParseState(valid); err != nil {
			t.Errorf("ParseState(%q) unexpected error: %v", valid, err)
		}
	}
	if _, err := ParseState("booked"); err == nil {
		t.Error("expected error for unknown state")
	}
	if _, err := ParseState(""); err == nil {
		t.Error("expected error for empty state")
	}
}

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from State
		to   State
		want bool
	}{
		{StateDraft, StatePaymentPending, true},
		{StatePaymentPending, StatePaid, true},
		{StatePaymentPending, StatePaymentFailed, true},
		{StatePaid, StateRoomReady, true},
		{StateRoomReady, StateInProgress, true},
		{StateInProgress, StateCompleted, true},
		{StatePaymentFailed, StatePaymentPending, true},
		{StateDraft, StatePaid, false},
		{StatePaid, StateInProgress, false},
		{StateCompleted, StateCancelled, false},
		{StateCancelled, StatePaymentPending, false},
		{StateDraft, StateCancelled, true},
		{StatePaid, StateCancelled, true},
		{StateInProgress, StateCancelled, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStateInvariants(t *testing.T) {
	for _, s := range []State{StateDraft, StatePaymentFailed, StateCancelled,
		StateRoomReady, StateInProgress, StateCompleted} {
		if s.AllowsPaymentSession() {
			t.Errorf("state %s should not allow a payment session", s)
		}
	}
	for _, s := range []State{StatePaymentPending, StatePaid} {
		if !s.AllowsPaymentSession() {
			t.Errorf("state %s should allow a payment session", s)
		}
	}
	for _, s := range []State{StateDraft, StatePaymentPending, StatePaymentFailed, StateCancelled, StateCompleted} {
		if s.AllowsRoom() {
			t.Errorf("state %s should not allow a room", s)
		}
	}
	for _, s := range []State{StatePaid, StateRoomReady, StateInProgress} {
		if !s.AllowsRoom() {
			t.Errorf("state %s should allow a room", s)
		}
	}
}

func TestAppointmentValidate(t *testing.T) {
	start := time.Now().Add(time.Hour)
	appt := &Appointment{
		ID:             "a1",
		PatientID:      "p1",
		DoctorID:       "d1",
		ScheduledStart: start,
		ScheduledEnd:   start.Add(30 * time.Minute),
		State:          StateDraft,
	}
	if err := appt.Validate(); err != nil {
		t.Fatalf("valid appointment rejected: %v", err)
	}

	missing := *appt
	missing.DoctorID = ""
	if err := missing.Validate(); err != ErrMissingParticipant {
		t.Errorf("expected ErrMissingParticipant, got %v", err)
	}

	inverted := *appt
	inverted.ScheduledEnd = start.Add(-time.Minute)
	if err := inverted.Validate(); err != ErrInvalidWindow {
		t.Errorf("expected ErrInvalidWindow, got %v", err)
	}

	badSession := *appt
	badSession.PaymentSessionID = "ps_1"
	if err := badSession.Validate(); err == nil {
		t.Error("expected error for session id in draft state")
	}

	badRoom := *appt
	badRoom.Room = &RoomRef{RoomID: "room_1"}
	if err := badRoom.Validate(); err == nil {
		t.Error("expected error for room ref in draft state")
	}
}
