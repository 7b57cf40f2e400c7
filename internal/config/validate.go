package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var knownStages = map[string]struct{}{
	"capture":   {},
	"extract":   {},
	"normalize": {},
	"publish":   {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateTiming(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateOutbox(); err != nil {
		return err
	}
	if err := c.validateSchedule(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validateFeatures()
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "sqlite":
		return nil
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required when store.driver is postgres")
		}
		return nil
	default:
		return fmt.Errorf("store.driver: unsupported value %q (want sqlite or postgres)", c.Store.Driver)
	}
}

func (c *Config) validateTiming() error {
	if err := ensurePositiveMap(map[string]int{
		"lease.duration_seconds":        c.Lease.DurationSeconds,
		"lease.renew_interval_seconds":  c.Lease.RenewIntervalSeconds,
		"retry.budget":                  c.Retry.Budget,
		"retry.outbox_budget":           c.Retry.OutboxBudget,
		"retry.base_delay_seconds":      c.Retry.BaseDelaySeconds,
		"retry.max_delay_seconds":       c.Retry.MaxDelaySeconds,
		"discovery.days":                c.Discovery.Days,
		"discovery.timeout_seconds":     c.Discovery.TimeoutSeconds,
		"outbox.request_timeout":        c.Outbox.RequestTimeout,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Lease.RenewIntervalSeconds >= c.Lease.DurationSeconds {
		return errors.New("lease.renew_interval_seconds must be less than lease.duration_seconds")
	}
	if c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return errors.New("retry.max_delay_seconds must be >= retry.base_delay_seconds")
	}
	if c.Health.MaxAgeSeconds < 0 {
		return errors.New("health.max_age_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateStages() error {
	for name, stage := range c.Stages {
		if _, ok := knownStages[name]; !ok {
			return fmt.Errorf("stages.%s: unknown stage (want capture, extract, normalize or publish)", name)
		}
		if name != "publish" && len(stage.Command) == 0 {
			return fmt.Errorf("stages.%s.command must be set", name)
		}
	}
	return nil
}

func (c *Config) validateOutbox() error {
	switch c.Outbox.Notifier {
	case "log":
	case "webhook":
		if c.Outbox.WebhookURL == "" {
			return errors.New("outbox.webhook_url is required for the webhook notifier")
		}
	case "ntfy":
		if c.Outbox.NtfyTopic == "" {
			return errors.New("outbox.ntfy_topic is required for the ntfy notifier")
		}
	case "redis":
		if c.Outbox.RedisAddr == "" {
			return errors.New("outbox.redis_addr is required for the redis notifier")
		}
	default:
		return fmt.Errorf("outbox.notifier: unsupported value %q", c.Outbox.Notifier)
	}
	return nil
}

func (c *Config) validateSchedule() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	specs := map[string]string{
		"schedule.enqueue_discovery": c.Schedule.EnqueueDiscovery,
		"schedule.drain_discovery":   c.Schedule.DrainDiscovery,
		"schedule.drain_stages":      c.Schedule.DrainStages,
		"schedule.drain_outbox":      c.Schedule.DrainOutbox,
		"schedule.health_check":      c.Schedule.HealthCheck,
	}
	for key, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.Schedule.MaxTasks <= 0 {
		return errors.New("schedule.max_tasks must be positive")
	}
	if c.Schedule.Concurrency <= 0 {
		return errors.New("schedule.concurrency must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateFeatures() error {
	if c.Features.Version != CurrentFeatureVersion {
		return fmt.Errorf("features.version: unsupported value %d (this build understands %d)", c.Features.Version, CurrentFeatureVersion)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
