package payments

import "errors"

var (
	// ErrInvalidAmount is returned when the requested amount is zero, negative
	// or not a valid decimal string
	ErrInvalidAmount = errors.New("payments: amount must be a positive decimal")

	// ErrUnsupportedCurrency is returned when the currency does not match the
	// deployment region's configured currency
	ErrUnsupportedCurrency = errors.New("payments: unsupported currency")

	// ErrSessionNotFound is returned when no session exists for the key
	ErrSessionNotFound = errors.New("payments: session not found")

	// ErrMisconfigured is returned when the payment processor credential is absent
	ErrMisconfigured = errors.New("payments: processor credentials not configured")
)
