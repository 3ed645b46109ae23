package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

// ProcessedTracker deduplicates webhook deliveries by provider event ID.
type ProcessedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// LifecycleReconciler receives verified payment outcomes. The consultation
// orchestrator implements it to advance or fail the appointment.
type LifecycleReconciler interface {
	HandlePaymentResult(ctx context.Context, externalRef string, status SessionStatus, amountMinor int64) error
}

// WebhookHandler handles payment provider webhook events. Webhook events are
// the only trusted signal of payment outcome; browser redirects never are.
type WebhookHandler struct {
	webhookSecret string
	processed     ProcessedTracker
	lifecycle     LifecycleReconciler
	logger        *logging.Logger
}

// NewWebhookHandler creates a handler for payment provider webhooks.
func NewWebhookHandler(webhookSecret string, processed ProcessedTracker, lifecycle LifecycleReconciler, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		webhookSecret: webhookSecret,
		processed:     processed,
		lifecycle:     lifecycle,
		logger:        logger,
	}
}

// Handle processes incoming payment provider webhook events.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get("Payment-Signature")
	if !verifyWebhookSignature(h.webhookSecret, payload, sigHeader) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var evt providerWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode payment event", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	status, ok := eventStatus(evt.Type)
	if !ok {
		// Unrelated event type; acknowledge so the provider stops retrying.
		w.WriteHeader(http.StatusOK)
		return
	}

	if done, err := h.processed.AlreadyProcessed(r.Context(), "checkout", evt.ID); err != nil {
		h.logger.Error("processed lookup failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	} else if done {
		w.WriteHeader(http.StatusOK)
		return
	}

	session := evt.Data.Object
	externalRef := session.ID
	if externalRef == "" {
		h.logger.Warn("payment webhook missing session id", "event_id", evt.ID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.lifecycle.HandlePaymentResult(r.Context(), externalRef, status, session.AmountTotal); err != nil {
		h.logger.Error("payment result handling failed",
			"event_id", evt.ID,
			"external_ref", externalRef,
			"status", string(status),
			"error", err,
		)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	if _, err := h.processed.MarkProcessed(r.Context(), "checkout", evt.ID); err != nil {
		h.logger.Error("failed to record processed event", "error", err)
	}

	w.WriteHeader(http.StatusOK)
}

// eventStatus maps a provider event type to the session status it implies.
func eventStatus(eventType string) (SessionStatus, bool) {
	switch eventType {
	case "checkout.session.completed":
		return StatusCompleted, true
	case "checkout.session.expired":
		return StatusExpired, true
	case "checkout.session.async_payment_failed":
		return StatusCancelled, true
	default:
		return "", false
	}
}

// providerWebhookEvent is the provider's webhook event envelope.
type providerWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object providerSessionObject `json:"object"`
	} `json:"data"`
}

// providerSessionObject is the checkout session object from the webhook.
type providerSessionObject struct {
	ID          string            `json:"id"`
	AmountTotal int64             `json:"amount_total"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata"`
	Status      string            `json:"status"`
}

// verifyWebhookSignature verifies the provider's webhook signature. The
// provider signs with HMAC-SHA256 and sends the signature in the
// Payment-Signature header as: t=<timestamp>,v1=<signature>
func verifyWebhookSignature(secret string, payload []byte, header string) bool {
	if secret == "" {
		return true // bypass for development
	}
	if header == "" {
		return false
	}

	var timestamp string
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if abs64(time.Now().Unix()-ts) > 300 {
		return false
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
