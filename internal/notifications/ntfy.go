package notifications

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"docket/internal/queue"
	"docket/internal/services"
	"docket/internal/textutil"
)

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

// NtfyNotifier posts a human-readable message per published hearing. ntfy
// does not dedupe on X-Event-ID, so a redelivered event pushes a second
// message; the header only lets subscribers correlate duplicates.
type NtfyNotifier struct {
	endpoint string
	client   *http.Client
}

func NewNtfyNotifier(topic string, client *http.Client) *NtfyNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &NtfyNotifier{endpoint: strings.TrimSpace(topic), client: client}
}

func (n *NtfyNotifier) Name() string { return "ntfy" }

func (n *NtfyNotifier) Deliver(ctx context.Context, event queue.OutboxEvent) error {
	body, err := event.DecodePayload()
	if err != nil {
		return services.Wrap(services.ErrValidation, "outbox", "decode payload", "", err)
	}
	message := fmt.Sprintf("Transcript ready: %s", strings.TrimSpace(body.Title))
	message = fmt.Sprintf("%s\nCommittee: %s", message, textutil.CommitteeName(body.CommitteeKey))
	if body.HearingDate != "" {
		message = fmt.Sprintf("%s\nDate: %s", message, body.HearingDate)
	}
	if body.PublishVersion > 1 {
		message = fmt.Sprintf("%s\nVersion: %d", message, body.PublishVersion)
	}
	return n.send(ctx, event.ID, payload{
		title:   "Docket - Hearing Published",
		message: message,
		tags:    []string{"docket", "published"},
	})
}

func (n *NtfyNotifier) send(ctx context.Context, eventID string, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "outbox", "deliver", "build ntfy request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" {
		req.Header.Set("Priority", data.priority)
	}
	if eventID != "" {
		req.Header.Set("X-Event-ID", eventID)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return transportError("ntfy", err)
	}
	return checkResponse("ntfy", resp)
}
