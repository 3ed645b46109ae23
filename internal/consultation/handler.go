package consultation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nimbus-health/telemed-platform/internal/appointments"
	"github.com/nimbus-health/telemed-platform/internal/events"
	"github.com/nimbus-health/telemed-platform/internal/payments"
	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// Handler wires HTTP requests to the consultation orchestrator.
type Handler struct {
	orch   *Orchestrator
	logger *logging.Logger
}

// NewHandler creates a consultation handler.
func NewHandler(orch *Orchestrator, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{orch: orch, logger: logger}
}

// Book handles POST /appointments.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.orch.Book(r.Context(), req)
	if err != nil {
		h.writeError(w, "book failed", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// Get handles GET /appointments/{appointmentID}, returning the appointment
// with its recent lifecycle history.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")
	appt, history, err := h.orch.GetAppointment(r.Context(), id)
	if err != nil {
		h.writeError(w, "load failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"appointment": appt,
		"history":     historyOrEmpty(history),
	})
}

// Cancel handles POST /appointments/{appointmentID}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.orch.Cancel(r.Context(), id, req.Reason); err != nil {
		h.writeError(w, "cancel failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// SetSpecialty handles POST /appointments/{appointmentID}/specialty, the
// manual selection path when triage left the specialty unset.
func (h *Handler) SetSpecialty(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")
	var req struct {
		Specialty string `json:"specialty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	appt, err := h.orch.SetSpecialty(r.Context(), id, req.Specialty)
	if err != nil {
		h.writeError(w, "set specialty failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, appt)
}

// RetryPayment handles POST /appointments/{appointmentID}/payment/retry.
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")
	var req struct {
		PayerContact string `json:"payer_contact"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result, err := h.orch.RetryPayment(r.Context(), id, req.PayerContact)
	if err != nil {
		h.writeError(w, "payment retry failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Start handles POST /appointments/{appointmentID}/start.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")
	if err := h.orch.StartConsultation(r.Context(), id); err != nil {
		h.writeError(w, "start failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "in_progress"})
}

// Complete handles POST /appointments/{appointmentID}/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")
	if err := h.orch.CompleteConsultation(r.Context(), id); err != nil {
		h.writeError(w, "complete failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// RetryProvision handles POST /admin/appointments/{appointmentID}/provision,
// requeuing a room job after retries were exhausted.
func (h *Handler) RetryProvision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")
	if err := h.orch.EnqueueProvision(r.Context(), id, 0); err != nil {
		h.writeError(w, "provision requeue failed", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// Sweep handles POST /admin/sweep, forcing one pass of the time-driven
// transitions.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Sweep(r.Context()); err != nil {
		h.writeError(w, "sweep failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrUnsupportedCurrency):
		status = http.StatusBadRequest
	case errors.Is(err, appointments.ErrNotFound),
		errors.Is(err, payments.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrStaleState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

func historyOrEmpty(history []*events.Entry) []*events.Entry {
	if history == nil {
		return []*events.Entry{}
	}
	return history
}
