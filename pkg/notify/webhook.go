package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebhookDispatcher POSTs notifications as JSON to a single webhook
// endpoint (e.g. a chat-ops bridge). The receiving side owns fan-out to
// concrete transports.
type WebhookDispatcher struct {
	endpoint string
	client   *http.Client
}

// NewWebhookDispatcher creates a dispatcher for the given endpoint.
func NewWebhookDispatcher(endpoint string) *WebhookDispatcher {
	return &WebhookDispatcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type webhookPayload struct {
	DeliveryID string          `json:"delivery_id"`
	Channel    string          `json:"channel"`
	Recipients []string        `json:"recipients"`
	Message    string          `json:"message"`
	Actions    []MessageAction `json:"actions,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

func (d *WebhookDispatcher) Send(ctx context.Context, channel string, recipients []string, message string, actions []MessageAction) (string, error) {
	payload := webhookPayload{
		DeliveryID: uuid.New().String(),
		Channel:    channel,
		Recipients: recipients,
		Message:    message,
		Actions:    actions,
		SentAt:     time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("webhook payload marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("webhook request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("webhook send: status %d", resp.StatusCode)
	}
	return payload.DeliveryID, nil
}
