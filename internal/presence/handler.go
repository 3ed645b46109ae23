package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nimbus-health/telemed-platform/internal/consultation"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// consultationLifecycle ties room presence to the appointment lifecycle: the
// first join starts the consultation, the last leave completes it.
type consultationLifecycle interface {
	StartConsultation(ctx context.Context, appointmentID string) error
	CompleteConsultation(ctx context.Context, appointmentID string) error
}

// InboundMessage is what a participant sends over the socket.
type InboundMessage struct {
	Type    string          `json:"type"` // "ping", "signal"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutboundMessage is what the room sends to participants.
type OutboundMessage struct {
	Type         string          `json:"type"` // "welcome", "joined", "left", "signal", "pong", "error"
	Participant  *Participant    `json:"participant,omitempty"`
	Participants int             `json:"participants,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Text         string          `json:"text,omitempty"`
}

// Handler upgrades participants into a consultation room, tracks who is
// present, and relays signaling payloads between peers. The first join moves
// the consultation to in_progress.
type Handler struct {
	hub       *Hub
	lifecycle consultationLifecycle
	logger    *logging.Logger
	upgrader  websocket.Upgrader
}

// NewHandler creates a presence handler over the hub.
func NewHandler(hub *Hub, lifecycle consultationLifecycle, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		hub:       hub,
		lifecycle: lifecycle,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The video room URL is only handed to paying participants; the
			// socket itself carries no PHI beyond presence.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleRoom serves GET /appointments/{appointmentID}/room/ws.
func (h *Handler) HandleRoom(w http.ResponseWriter, r *http.Request) {
	appointmentID := chi.URLParam(r, "appointmentID")
	role := r.URL.Query().Get("role")
	if role != "patient" && role != "doctor" {
		http.Error(w, "role must be patient or doctor", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("presence: upgrade failed", "appointment_id", appointmentID, "error", err)
		return
	}
	defer conn.Close()

	s := &session{
		participant: Participant{ID: uuid.NewString(), Role: role},
		conn:        conn,
	}

	count := h.hub.join(appointmentID, s)
	defer func() {
		remaining := h.hub.leave(appointmentID, s)
		h.hub.broadcast(appointmentID, s, OutboundMessage{
			Type:         "left",
			Participant:  &s.participant,
			Participants: remaining,
		})
		h.logger.Info("presence: participant left",
			"appointment_id", appointmentID, "role", role, "remaining", remaining)
		if remaining == 0 {
			h.completeOnEmpty(appointmentID)
		}
	}()

	if count == 1 {
		if err := h.lifecycle.StartConsultation(r.Context(), appointmentID); err != nil {
			switch {
			case errors.Is(err, consultation.ErrStaleState):
				_ = s.send(OutboundMessage{Type: "error", Text: "room is not ready"})
			default:
				h.logger.Error("presence: start consultation failed",
					"appointment_id", appointmentID, "error", err)
				_ = s.send(OutboundMessage{Type: "error", Text: "could not start the consultation"})
			}
			return
		}
	}

	_ = s.send(OutboundMessage{
		Type:         "welcome",
		Participant:  &s.participant,
		Participants: count,
	})
	h.hub.broadcast(appointmentID, s, OutboundMessage{
		Type:         "joined",
		Participant:  &s.participant,
		Participants: count,
	})
	h.logger.Info("presence: participant joined",
		"appointment_id", appointmentID, "role", role, "participants", count)

	h.readLoop(appointmentID, s)
}

// completeOnEmpty closes out the consultation once the room has drained. The
// request context is gone by the time the socket unwinds, so this runs on its
// own deadline. A room that never went in_progress settles as a stale no-op.
func (h *Handler) completeOnEmpty(appointmentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.lifecycle.CompleteConsultation(ctx, appointmentID)
	switch {
	case err == nil:
		h.logger.Info("presence: room drained, consultation completed",
			"appointment_id", appointmentID)
	case errors.Is(err, consultation.ErrStaleState):
		// Not in progress, nothing to close.
	default:
		h.logger.Error("presence: complete on empty room failed",
			"appointment_id", appointmentID, "error", err)
	}
}

func (h *Handler) readLoop(appointmentID string, s *session) {
	for {
		var msg InboundMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			_ = s.send(OutboundMessage{Type: "pong"})
		case "signal":
			h.hub.broadcast(appointmentID, s, OutboundMessage{
				Type:        "signal",
				Participant: &s.participant,
				Payload:     msg.Payload,
			})
		}
	}
}

// Roster serves GET /appointments/{appointmentID}/room/presence for polling
// clients that cannot hold a socket open.
func (h *Handler) Roster(w http.ResponseWriter, r *http.Request) {
	appointmentID := chi.URLParam(r, "appointmentID")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"appointment_id": appointmentID,
		"participants":   h.hub.Count(appointmentID),
		"as_of":          time.Now().UTC(),
	})
}
