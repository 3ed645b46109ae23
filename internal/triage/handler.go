package triage

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// Handler exposes the specialty advisor for pre-booking triage. The
// suggestion is advisory and nothing is persisted.
type Handler struct {
	advisor *Advisor
	logger  *logging.Logger
}

// NewHandler creates a triage handler.
func NewHandler(advisor *Advisor, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{advisor: advisor, logger: logger}
}

// Suggest handles POST /triage/suggest.
func (h *Handler) Suggest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symptoms string `json:"symptoms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.advisor.SuggestSpecialty(r.Context(), req.Symptoms)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrAdvisorUnavailable), errors.Is(err, ErrMisconfigured):
			h.logger.Warn("triage suggestion unavailable", "error", err)
			http.Error(w, "triage unavailable", http.StatusServiceUnavailable)
		default:
			h.logger.Error("triage suggestion failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}
