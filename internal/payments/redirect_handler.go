package payments

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// ReturnHandler serves the browser return endpoints the provider redirects the
// payer to after checkout. These are presentation only: the payer landing here
// says nothing about whether the payment settled, so no appointment state is
// touched. The webhook drives the actual transition.
type ReturnHandler struct {
	manager *Manager
	logger  *logging.Logger
}

// NewReturnHandler creates a handler for /payments/return.
func NewReturnHandler(manager *Manager, logger *logging.Logger) *ReturnHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ReturnHandler{manager: manager, logger: logger}
}

// HandleSuccess acknowledges the post-checkout redirect. The reported status
// is always "processing" until the webhook confirms.
func (h *ReturnHandler) HandleSuccess(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "processing", "Your payment is being confirmed.")
}

// HandleCancel acknowledges the payer backing out of checkout. The session
// stays pending; it can still be completed until it expires.
func (h *ReturnHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "abandoned", "Checkout was not completed. You can retry from your appointment page.")
}

func (h *ReturnHandler) respond(w http.ResponseWriter, r *http.Request, outcome, message string) {
	appointmentID := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	h.logger.Info("payment return visited",
		"appointment_id", appointmentID, "outcome", outcome)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  outcome,
		"message": message,
	})
}
