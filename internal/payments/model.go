package payments

import "time"

// SessionStatus is the checkout session lifecycle.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusCompleted SessionStatus = "completed"
	StatusExpired   SessionStatus = "expired"
	StatusCancelled SessionStatus = "cancelled"
)

// reconcilable reports whether a pending session may move to s via Reconcile.
func (s SessionStatus) reconcilable() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Terminal reports whether the session can no longer change.
func (s SessionStatus) Terminal() bool {
	return s != StatusPending
}

// PaymentSession is one hosted checkout flow for an appointment. Completed only
// on verified external confirmation, never on a client redirect.
type PaymentSession struct {
	SessionID     string        `json:"session_id"`
	AppointmentID string        `json:"appointment_id"`
	AmountMinor   int64         `json:"amount_minor"`
	Currency      string        `json:"currency"`
	Status        SessionStatus `json:"status"`
	ExternalRef   string        `json:"external_ref"`
	CheckoutURL   string        `json:"checkout_url"`
	PayerContact  string        `json:"payer_contact,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// Active reports whether the session is still awaiting confirmation.
func (s *PaymentSession) Active(now time.Time) bool {
	return s.Status == StatusPending && now.Before(s.ExpiresAt)
}

// ReconcileResult reports the outcome of applying an external status update.
type ReconcileResult struct {
	Session *PaymentSession
	// Applied is false when the update was a duplicate or arrived after a
	// terminal status; the session is returned unchanged in that case.
	Applied bool
}
