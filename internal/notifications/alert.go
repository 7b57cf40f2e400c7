package notifications

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"docket/internal/config"
)

// Alerter tells an operator that the health gate failed.
type Alerter interface {
	NotifyHealthFailure(ctx context.Context, failures []string) error
}

// NewAlerter builds an ntfy alerter when notifications.ntfy_topic is set and
// health alerts are enabled, or a no-op otherwise.
func NewAlerter(cfg *config.Config) Alerter {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" || !cfg.Notifications.HealthAlerts {
		return noopAlerter{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyAlerter{ntfy: NewNtfyNotifier(topic, &http.Client{Timeout: timeout})}
}

type ntfyAlerter struct {
	ntfy *NtfyNotifier
}

func (a *ntfyAlerter) NotifyHealthFailure(ctx context.Context, failures []string) error {
	if len(failures) == 0 {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Queue health check failed:")
	for _, failure := range failures {
		builder.WriteString("\n- ")
		builder.WriteString(strings.TrimSpace(failure))
	}
	if err := a.ntfy.send(ctx, "", payload{
		title:    "Docket - Health Check Failed",
		message:  builder.String(),
		tags:     []string{"docket", "health", "alert"},
		priority: "high",
	}); err != nil {
		return fmt.Errorf("send health alert: %w", err)
	}
	return nil
}

type noopAlerter struct{}

func (noopAlerter) NotifyHealthFailure(context.Context, []string) error { return nil }
