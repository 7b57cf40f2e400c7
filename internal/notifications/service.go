package notifications

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docket/internal/config"
	"docket/internal/logging"
	"docket/internal/queue"
	"docket/internal/services"
)

const userAgent = "docket/0.1.0"

// Notifier delivers one outbox event downstream. The consumer delivers at
// least once, so implementations pass event_id along as an idempotency key.
// The redis notifier dedupes on it; ntfy only forwards it.
type Notifier interface {
	Name() string
	Deliver(ctx context.Context, event queue.OutboxEvent) error
}

// NewNotifier builds the notifier selected by outbox.notifier.
func NewNotifier(cfg *config.Config, logger *slog.Logger) (Notifier, error) {
	timeout := time.Duration(cfg.Outbox.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Outbox.Notifier {
	case "", "log":
		return NewLogNotifier(logger), nil
	case "webhook":
		return NewWebhookNotifier(cfg.Outbox.WebhookURL, client), nil
	case "ntfy":
		return NewNtfyNotifier(cfg.Outbox.NtfyTopic, client), nil
	case "redis":
		return NewRedisNotifier(RedisOptions{
			Addr:     cfg.Outbox.RedisAddr,
			Password: cfg.Outbox.RedisPassword,
			Stream:   cfg.Outbox.RedisStream,
			Timeout:  timeout,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown outbox notifier %q", services.ErrConfiguration, cfg.Outbox.Notifier)
	}
}

// LogNotifier records deliveries in the log and always succeeds.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns the default notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.NewComponentLogger(logger, "notifier-log")}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Deliver(ctx context.Context, event queue.OutboxEvent) error {
	payload, err := event.DecodePayload()
	if err != nil {
		return services.Wrap(services.ErrValidation, "outbox", "decode payload", "", err)
	}
	logging.WithContext(ctx, n.logger).Info("hearing published",
		logging.String(logging.FieldEventType, "outbox_delivered"),
		logging.String(logging.FieldEventID, event.ID),
		logging.String(logging.FieldHearingID, payload.HearingID),
		logging.Int("publish_version", payload.PublishVersion),
		logging.String("transcript_path", payload.TranscriptPath),
	)
	return nil
}

// checkResponse maps an HTTP response to the retry classification: 5xx, 408
// and 429 are transient, other non-2xx codes are terminal.
func checkResponse(service string, resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	detail := fmt.Sprintf("%s returned %d: %s", service, resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return services.Wrap(services.ErrTransient, "outbox", "deliver", detail, nil)
	default:
		return services.Wrap(services.ErrTerminal, "outbox", "deliver", detail, nil)
	}
}

func transportError(service string, err error) error {
	return services.Wrap(services.ErrTransient, "outbox", "deliver", "send "+service+" request", err)
}
