package presence

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Participant identifies one person in a consultation room.
type Participant struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// session is one connected participant. Writes are serialized because
// broadcasts arrive from other participants' read loops.
type session struct {
	participant Participant
	conn        *websocket.Conn
	mu          sync.Mutex
}

func (s *session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Hub tracks which participants are connected to each appointment's room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*session]struct{}
}

// NewHub creates an empty presence hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*session]struct{})}
}

// join registers the session and returns the participant count after joining.
func (h *Hub) join(appointmentID string, s *session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[appointmentID]
	if room == nil {
		room = make(map[*session]struct{})
		h.rooms[appointmentID] = room
	}
	room[s] = struct{}{}
	return len(room)
}

// leave removes the session and returns the participant count after leaving.
func (h *Hub) leave(appointmentID string, s *session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[appointmentID]
	if !ok {
		return 0
	}
	delete(room, s)
	if len(room) == 0 {
		delete(h.rooms, appointmentID)
		return 0
	}
	return len(room)
}

// broadcast sends msg to every participant in the room except the sender.
func (h *Hub) broadcast(appointmentID string, sender *session, msg any) {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.rooms[appointmentID]))
	for s := range h.rooms[appointmentID] {
		if s != sender {
			sessions = append(sessions, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		_ = s.send(msg)
	}
}

// Count returns the number of participants connected to the appointment's room.
func (h *Hub) Count(appointmentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[appointmentID])
}
