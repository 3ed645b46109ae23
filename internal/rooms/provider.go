package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimbus-health/telemed-platform/pkg/logging"
)

var providerTracer = otel.Tracer("telemed.internal.rooms.provider")

// CreateRoomParams describes one video room to create with the provider.
type CreateRoomParams struct {
	Name      string
	NotBefore time.Time
	Expires   time.Time
}

// Room is the provider's room handle.
type Room struct {
	ID        string
	Name      string
	URL       string
	ExpiresAt time.Time
}

// ProviderClient talks to the video room provider's REST API.
type ProviderClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	dryRun     bool
}

// NewProviderClient creates a client for the video room provider.
func NewProviderClient(apiKey string, logger *logging.Logger) *ProviderClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &ProviderClient{
		apiKey:     apiKey,
		baseURL:    "https://api.video.example.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the provider API base URL (for testing).
func (c *ProviderClient) WithBaseURL(baseURL string) *ProviderClient {
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// WithDryRun enables dry-run mode (returns fake rooms without calling the provider).
func (c *ProviderClient) WithDryRun(enabled bool) *ProviderClient {
	c.dryRun = enabled
	return c
}

// CreateRoom creates a room that admits participants between NotBefore and Expires.
func (c *ProviderClient) CreateRoom(ctx context.Context, params CreateRoomParams) (*Room, error) {
	ctx, span := providerTracer.Start(ctx, "rooms.create_room")
	defer span.End()
	span.SetAttributes(attribute.String("telemed.room_name", params.Name))

	if c.dryRun {
		id := "room_dryrun_" + uuid.New().String()[:8]
		c.logger.Info("room dry run: skipping provider call", "name", params.Name)
		return &Room{
			ID:        id,
			Name:      params.Name,
			URL:       "https://video.example.com/dry-run/" + id,
			ExpiresAt: params.Expires,
		}, nil
	}
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("%w: room api key not set", ErrMisconfigured)
	}

	body := map[string]any{
		"name":    params.Name,
		"privacy": "private",
		"properties": map[string]any{
			"nbf": params.NotBefore.Unix(),
			"exp": params.Expires.Unix(),
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("rooms: marshal request: %w", err)
	}

	apiURL := c.baseURL + "/v1/rooms"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("rooms: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rooms: create http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rooms: create api status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("rooms: create decode: %w", err)
	}
	if parsed.URL == "" {
		return nil, fmt.Errorf("rooms: create response missing url")
	}

	return &Room{
		ID:        parsed.ID,
		Name:      parsed.Name,
		URL:       parsed.URL,
		ExpiresAt: params.Expires,
	}, nil
}

// DeleteRoom removes a room at the provider. Deleting a room that no longer
// exists is not an error.
func (c *ProviderClient) DeleteRoom(ctx context.Context, name string) error {
	ctx, span := providerTracer.Start(ctx, "rooms.delete_room")
	defer span.End()
	span.SetAttributes(attribute.String("telemed.room_name", name))

	if c.dryRun {
		c.logger.Info("room dry run: skipping delete", "name", name)
		return nil
	}
	if strings.TrimSpace(c.apiKey) == "" {
		return fmt.Errorf("%w: room api key not set", ErrMisconfigured)
	}

	apiURL := fmt.Sprintf("%s/v1/rooms/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, apiURL, nil)
	if err != nil {
		return fmt.Errorf("rooms: delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rooms: delete http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rooms: delete api status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
