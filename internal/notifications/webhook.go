package notifications

import (
	"bytes"
	"context"
	"net/http"

	"docket/internal/queue"
	"docket/internal/services"
)

// WebhookNotifier POSTs the event payload as JSON. Receivers dedupe on the
// Idempotency-Key header.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookNotifier{url: url, client: client}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Deliver(ctx context.Context, event queue.OutboxEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(event.Payload))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "outbox", "deliver", "build webhook request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID)
	req.Header.Set("X-Event-Type", event.EventType)

	resp, err := n.client.Do(req)
	if err != nil {
		return transportError("webhook", err)
	}
	return checkResponse("webhook", resp)
}
