package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

var checkoutTracer = otel.Tracer("telemed.internal.payments.checkout")

// CheckoutParams describes one hosted checkout session to create.
type CheckoutParams struct {
	AppointmentID string
	AmountMinor   int64
	Currency      string
	Description   string
	PayerContact  string
	SuccessURL    string
	CancelURL     string
	ExpiresAt     time.Time
}

// CheckoutResponse is the provider's session handle.
type CheckoutResponse struct {
	URL         string
	ProviderRef string
}

// CheckoutClient creates hosted checkout sessions with the payment provider.
// The provider speaks a Stripe-style form-encoded API.
type CheckoutClient struct {
	secretKey  string
	successURL string
	cancelURL  string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *logging.Logger
	dryRun     bool
}

// NewCheckoutClient creates a checkout client for the hosted payment provider.
func NewCheckoutClient(secretKey, successURL, cancelURL string, logger *logging.Logger) *CheckoutClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &CheckoutClient{
		secretKey:  secretKey,
		successURL: successURL,
		cancelURL:  cancelURL,
		baseURL:    "https://api.payments.example.com",
		apiVersion: "2025-06-30",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the provider API base URL (for testing).
func (c *CheckoutClient) WithBaseURL(baseURL string) *CheckoutClient {
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// WithDryRun enables dry-run mode (returns fake URLs without calling the provider).
func (c *CheckoutClient) WithDryRun(enabled bool) *CheckoutClient {
	c.dryRun = enabled
	return c
}

// CreateCheckoutSession creates a hosted checkout session for an appointment.
func (c *CheckoutClient) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutResponse, error) {
	ctx, span := checkoutTracer.Start(ctx, "checkout.create_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("telemed.appointment_id", params.AppointmentID),
		attribute.Int64("telemed.amount_minor", params.AmountMinor),
		attribute.String("telemed.currency", params.Currency),
	)

	if strings.TrimSpace(c.secretKey) == "" && !c.dryRun {
		return nil, fmt.Errorf("%w: payment secret key not set", ErrMisconfigured)
	}

	if c.dryRun {
		fakeRef := "cs_dryrun_" + uuid.New().String()[:8]
		c.logger.Info("checkout dry run: skipping session creation",
			"appointment_id", params.AppointmentID, "amount_minor", params.AmountMinor)
		return &CheckoutResponse{
			URL:         fmt.Sprintf("https://checkout.payments.example.com/dry-run/%s", fakeRef),
			ProviderRef: fakeRef,
		}, nil
	}

	successURL := params.SuccessURL
	if successURL == "" {
		successURL = c.successURL
	}
	cancelURL := params.CancelURL
	if cancelURL == "" {
		cancelURL = c.cancelURL
	}

	description := strings.TrimSpace(params.Description)
	if description == "" {
		description = "Video consultation"
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(params.Currency))
	form.Set("line_items[0][price_data][unit_amount]", fmt.Sprintf("%d", params.AmountMinor))
	form.Set("line_items[0][price_data][product_data][name]", description)
	form.Set("line_items[0][quantity]", "1")
	if successURL != "" {
		form.Set("success_url", successURL)
	}
	if cancelURL != "" {
		form.Set("cancel_url", cancelURL)
	}
	if !params.ExpiresAt.IsZero() {
		form.Set("expires_at", fmt.Sprintf("%d", params.ExpiresAt.Unix()))
	}
	if contact := strings.TrimSpace(params.PayerContact); contact != "" {
		form.Set("customer_email", contact)
	}

	// Metadata so webhook processing can map the event back to the appointment.
	form.Set("metadata[appointment_id]", params.AppointmentID)
	form.Set("payment_intent_data[metadata][appointment_id]", params.AppointmentID)

	apiURL := c.baseURL + "/v1/checkout/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("payments: checkout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Provider-Version", c.apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: checkout http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("payments: checkout api status %d: %s", resp.StatusCode, string(body))
	}

	var parsed checkoutSessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("payments: checkout decode: %w", err)
	}
	if parsed.URL == "" {
		return nil, fmt.Errorf("payments: checkout response missing url")
	}

	return &CheckoutResponse{
		URL:         parsed.URL,
		ProviderRef: parsed.ID,
	}, nil
}

// ExpireSession asks the provider to close an open checkout session so the
// payer can no longer complete it.
func (c *CheckoutClient) ExpireSession(ctx context.Context, providerRef string) error {
	ctx, span := checkoutTracer.Start(ctx, "checkout.expire_session")
	defer span.End()
	span.SetAttributes(attribute.String("telemed.provider_ref", providerRef))

	if c.dryRun {
		c.logger.Info("checkout dry run: skipping session expire", "provider_ref", providerRef)
		return nil
	}
	if strings.TrimSpace(c.secretKey) == "" {
		return fmt.Errorf("%w: payment secret key not set", ErrMisconfigured)
	}

	apiURL := fmt.Sprintf("%s/v1/checkout/sessions/%s/expire", c.baseURL, providerRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return fmt.Errorf("payments: expire request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Provider-Version", c.apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("payments: expire http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("payments: expire api status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Refund refunds a completed payment, used when a confirmation lands after the
// appointment was already cancelled.
func (c *CheckoutClient) Refund(ctx context.Context, providerRef string, amountMinor int64, reason string) (string, error) {
	ctx, span := checkoutTracer.Start(ctx, "checkout.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("telemed.provider_ref", providerRef),
		attribute.Int64("telemed.amount_minor", amountMinor),
	)

	if c.dryRun {
		fakeID := "re_dryrun_" + uuid.New().String()[:8]
		c.logger.Info("checkout dry run: skipping refund", "provider_ref", providerRef)
		return fakeID, nil
	}
	if strings.TrimSpace(c.secretKey) == "" {
		return "", fmt.Errorf("%w: payment secret key not set", ErrMisconfigured)
	}

	form := url.Values{}
	form.Set("checkout_session", providerRef)
	form.Set("amount", fmt.Sprintf("%d", amountMinor))
	if reason != "" {
		form.Set("reason", reason)
	}

	apiURL := c.baseURL + "/v1/refunds"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("payments: refund request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Provider-Version", c.apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("payments: refund http: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Error("refund failed",
			"status", resp.StatusCode,
			"body", string(respBody),
			"provider_ref", providerRef,
		)
		return "", fmt.Errorf("payments: refund api status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("payments: refund decode: %w", err)
	}

	c.logger.Info("refund processed",
		"refund_id", parsed.ID,
		"provider_ref", providerRef,
		"status", parsed.Status,
		"amount_minor", amountMinor,
	)
	return parsed.ID, nil
}

// checkoutSessionPayload is the subset of the provider's session object we need.
type checkoutSessionPayload struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
