package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nimbus-health/telemed-platform/internal/consultation"
)

type stubLifecycle struct {
	mu          sync.Mutex
	starts      []string
	completes   []string
	err         error
	completeErr error
}

func (s *stubLifecycle) StartConsultation(_ context.Context, appointmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.starts = append(s.starts, appointmentID)
	return nil
}

func (s *stubLifecycle) CompleteConsultation(_ context.Context, appointmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completes = append(s.completes, appointmentID)
	return nil
}

func (s *stubLifecycle) started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.starts)
}

func (s *stubLifecycle) completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completes)
}

func newPresenceServer(t *testing.T) (*httptest.Server, *Hub, *stubLifecycle) {
	t.Helper()
	hub := NewHub()
	lifecycle := &stubLifecycle{}
	h := NewHandler(hub, lifecycle, nil)

	r := chi.NewRouter()
	r.Get("/appointments/{appointmentID}/room/ws", h.HandleRoom)
	r.Get("/appointments/{appointmentID}/room/presence", h.Roster)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub, lifecycle
}

func dial(t *testing.T, srv *httptest.Server, appointmentID, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("/appointments/%s/room/ws?role=%s", appointmentID, role)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) OutboundMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg OutboundMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestFirstJoinStartsConsultation(t *testing.T) {
	srv, hub, lifecycle := newPresenceServer(t)

	conn := dial(t, srv, "appt-1", "patient")
	welcome := readMessage(t, conn)

	if welcome.Type != "welcome" {
		t.Fatalf("type = %s, want welcome", welcome.Type)
	}
	if welcome.Participants != 1 {
		t.Fatalf("participants = %d, want 1", welcome.Participants)
	}
	if lifecycle.started() != 1 {
		t.Fatalf("consultation starts = %d, want 1", lifecycle.started())
	}
	if hub.Count("appt-1") != 1 {
		t.Fatalf("hub count = %d, want 1", hub.Count("appt-1"))
	}
}

func TestSecondJoinDoesNotRestartAndNotifiesPeer(t *testing.T) {
	srv, _, lifecycle := newPresenceServer(t)

	patient := dial(t, srv, "appt-1", "patient")
	readMessage(t, patient) // welcome

	doctor := dial(t, srv, "appt-1", "doctor")
	welcome := readMessage(t, doctor)
	if welcome.Participants != 2 {
		t.Fatalf("participants = %d, want 2", welcome.Participants)
	}

	joined := readMessage(t, patient)
	if joined.Type != "joined" || joined.Participant.Role != "doctor" {
		t.Fatalf("unexpected broadcast: %+v", joined)
	}
	if lifecycle.started() != 1 {
		t.Fatalf("consultation starts = %d, want 1", lifecycle.started())
	}
}

func TestSignalRelaysToPeersOnly(t *testing.T) {
	srv, _, _ := newPresenceServer(t)

	patient := dial(t, srv, "appt-1", "patient")
	readMessage(t, patient)
	doctor := dial(t, srv, "appt-1", "doctor")
	readMessage(t, doctor)
	readMessage(t, patient) // doctor joined

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	if err := patient.WriteJSON(InboundMessage{Type: "signal", Payload: offer}); err != nil {
		t.Fatalf("write: %v", err)
	}

	relayed := readMessage(t, doctor)
	if relayed.Type != "signal" {
		t.Fatalf("type = %s, want signal", relayed.Type)
	}
	if string(relayed.Payload) != string(offer) {
		t.Fatalf("payload = %s", relayed.Payload)
	}
	if relayed.Participant.Role != "patient" {
		t.Fatalf("sender role = %s, want patient", relayed.Participant.Role)
	}
}

func TestLeaveNotifiesRemainingParticipants(t *testing.T) {
	srv, hub, _ := newPresenceServer(t)

	patient := dial(t, srv, "appt-1", "patient")
	readMessage(t, patient)
	doctor := dial(t, srv, "appt-1", "doctor")
	readMessage(t, doctor)
	readMessage(t, patient)

	doctor.Close()

	left := readMessage(t, patient)
	if left.Type != "left" || left.Participant.Role != "doctor" {
		t.Fatalf("unexpected broadcast: %+v", left)
	}

	// The room empties once everyone disconnects.
	patient.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count("appt-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hub count = %d, want 0", hub.Count("appt-1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoomDrainCompletesConsultation(t *testing.T) {
	srv, _, lifecycle := newPresenceServer(t)

	patient := dial(t, srv, "appt-1", "patient")
	readMessage(t, patient)
	doctor := dial(t, srv, "appt-1", "doctor")
	readMessage(t, doctor)
	readMessage(t, patient)

	// First leave keeps the consultation running.
	doctor.Close()
	readMessage(t, patient) // doctor left
	if lifecycle.completed() != 0 {
		t.Fatalf("completes = %d, want 0 while a participant remains", lifecycle.completed())
	}

	// Last leave drains the room and closes it out.
	patient.Close()
	deadline := time.Now().Add(2 * time.Second)
	for lifecycle.completed() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("completes = %d, want 1 after the room drained", lifecycle.completed())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoomDrainToleratesStaleState(t *testing.T) {
	srv, _, lifecycle := newPresenceServer(t)
	lifecycle.completeErr = fmt.Errorf("%w: complete requires in_progress", consultation.ErrStaleState)

	conn := dial(t, srv, "appt-1", "patient")
	readMessage(t, conn)
	conn.Close()

	// Nothing to assert beyond the handler not panicking and the start having
	// happened; the stale completion settles silently.
	deadline := time.Now().Add(time.Second)
	for lifecycle.started() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("starts = %d, want 1", lifecycle.started())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinRejectsUnknownRole(t *testing.T) {
	srv, _, _ := newPresenceServer(t)

	resp, err := http.Get(srv.URL + "/appointments/appt-1/room/ws?role=visitor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJoinBeforeRoomReadyIsRejected(t *testing.T) {
	srv, _, lifecycle := newPresenceServer(t)
	lifecycle.err = fmt.Errorf("%w: start requires room_ready", consultation.ErrStaleState)

	conn := dial(t, srv, "appt-1", "patient")
	msg := readMessage(t, conn)
	if msg.Type != "error" {
		t.Fatalf("type = %s, want error", msg.Type)
	}
}

func TestPingPong(t *testing.T) {
	srv, _, _ := newPresenceServer(t)

	conn := dial(t, srv, "appt-1", "patient")
	readMessage(t, conn)

	if err := conn.WriteJSON(InboundMessage{Type: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != "pong" {
		t.Fatalf("type = %s, want pong", msg.Type)
	}
}

func TestRoster(t *testing.T) {
	srv, _, _ := newPresenceServer(t)

	conn := dial(t, srv, "appt-1", "patient")
	readMessage(t, conn)

	resp, err := http.Get(srv.URL + "/appointments/appt-1/room/presence")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		AppointmentID string `json:"appointment_id"`
		Participants  int    `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Participants != 1 {
		t.Fatalf("participants = %d, want 1", payload.Participants)
	}
}
