package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeStore()
	c.normalizeDiscovery()
	c.normalizeStages()
	c.normalizeOutbox()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.TranscriptsDir) == "" {
		c.Paths.TranscriptsDir = defaultTranscriptsDir
	}
	if c.Paths.TranscriptsDir, err = expandPath(c.Paths.TranscriptsDir); err != nil {
		return fmt.Errorf("paths.transcripts_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStore() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "", "sqlite3":
		c.Store.Driver = defaultStoreDriver
	case "postgresql", "pgx":
		c.Store.Driver = "postgres"
	}
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
}

func (c *Config) normalizeDiscovery() {
	c.Discovery.Command = trimArgs(c.Discovery.Command)
	if len(c.Discovery.Committees) == 0 {
		return
	}
	committees := make(map[string]int, len(c.Discovery.Committees))
	for key, tier := range c.Discovery.Committees {
		normalized := strings.ToLower(strings.TrimSpace(key))
		if normalized == "" {
			continue
		}
		committees[normalized] = tier
	}
	c.Discovery.Committees = committees
}

func (c *Config) normalizeStages() {
	if len(c.Stages) == 0 {
		return
	}
	stages := make(map[string]StageCommand, len(c.Stages))
	for name, stage := range c.Stages {
		stage.Command = trimArgs(stage.Command)
		if stage.TimeoutSeconds <= 0 {
			stage.TimeoutSeconds = defaultStageTimeout
		}
		stages[strings.ToLower(strings.TrimSpace(name))] = stage
	}
	c.Stages = stages
}

func (c *Config) normalizeOutbox() {
	c.Outbox.Notifier = strings.ToLower(strings.TrimSpace(c.Outbox.Notifier))
	if c.Outbox.Notifier == "" {
		c.Outbox.Notifier = defaultOutboxNotifier
	}
	c.Outbox.WebhookURL = strings.TrimSpace(c.Outbox.WebhookURL)
	c.Outbox.NtfyTopic = strings.TrimSpace(c.Outbox.NtfyTopic)
	c.Outbox.RedisAddr = strings.TrimSpace(c.Outbox.RedisAddr)
	if strings.TrimSpace(c.Outbox.RedisStream) == "" {
		c.Outbox.RedisStream = defaultRedisStream
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func trimArgs(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
