package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir       string `toml:"state_dir" env:"STATE_DIR"`
	TranscriptsDir string `toml:"transcripts_dir" env:"TRANSCRIPTS_DIR"`
}

// Store selects the queue database dialect.
type Store struct {
	Driver string `toml:"driver" env:"DRIVER"`
	DSN    string `toml:"dsn" env:"DSN"`
}

// Lease contains lease timing in seconds.
type Lease struct {
	DurationSeconds      int `toml:"duration_seconds" env:"DURATION_SECONDS"`
	RenewIntervalSeconds int `toml:"renew_interval_seconds" env:"RENEW_INTERVAL_SECONDS"`
}

// Retry contains the retry budget and backoff bounds.
type Retry struct {
	Budget           int `toml:"budget" env:"BUDGET"`
	OutboxBudget     int `toml:"outbox_budget" env:"OUTBOX_BUDGET"`
	BaseDelaySeconds int `toml:"base_delay_seconds" env:"BASE_DELAY_SECONDS"`
	MaxDelaySeconds  int `toml:"max_delay_seconds" env:"MAX_DELAY_SECONDS"`
}

// Discovery configures the discovery producer and its source command.
type Discovery struct {
	Days           int            `toml:"days" env:"DAYS"`
	Command        []string       `toml:"command"`
	TimeoutSeconds int            `toml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	MaxTier        int            `toml:"max_tier" env:"MAX_TIER"`
	Committees     map[string]int `toml:"committees"`
}

// StageCommand configures an external executable for one pipeline stage.
type StageCommand struct {
	Command        []string          `toml:"command"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	Env            map[string]string `toml:"env"`
}

// Outbox configures the downstream notifier used by the outbox consumer.
type Outbox struct {
	Notifier       string `toml:"notifier" env:"NOTIFIER"`
	WebhookURL     string `toml:"webhook_url" env:"WEBHOOK_URL"`
	NtfyTopic      string `toml:"ntfy_topic" env:"NTFY_TOPIC"`
	RedisAddr      string `toml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword  string `toml:"redis_password" env:"REDIS_PASSWORD"`
	RedisStream    string `toml:"redis_stream" env:"REDIS_STREAM"`
	RequestTimeout int    `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// Notifications contains configuration for operator alerts.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic" env:"NTFY_TOPIC"`
	RequestTimeout int    `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	HealthAlerts   bool   `toml:"health_alerts" env:"HEALTH_ALERTS"`
}

// Health contains default pass/fail thresholds for the health gate.
type Health struct {
	MaxAgeSeconds int `toml:"max_age_seconds" env:"MAX_AGE_SECONDS"`
	MaxDeadLetter int `toml:"max_dead_letter" env:"MAX_DEAD_LETTER"`
}

// Schedule contains cron specs used by the serve command. Empty disables a job.
type Schedule struct {
	EnqueueDiscovery string `toml:"enqueue_discovery"`
	DrainDiscovery   string `toml:"drain_discovery"`
	DrainStages      string `toml:"drain_stages"`
	DrainOutbox      string `toml:"drain_outbox"`
	HealthCheck      string `toml:"health_check"`
	MaxTasks         int    `toml:"max_tasks"`
	Concurrency      int    `toml:"concurrency"`
}

// API contains configuration for the serve command's HTTP listener.
type API struct {
	Bind  string `toml:"bind" env:"BIND"`
	Token string `toml:"token" env:"TOKEN"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format" env:"FORMAT"`
	Level  string `toml:"level" env:"LEVEL"`
}

// Features holds the raw feature switches. Use Config.ResolveFeatures() for the
// resolved, immutable view.
type Features struct {
	Version      int  `toml:"version" env:"VERSION"`
	QueueWrite   bool `toml:"queue_write" env:"QUEUE_WRITE"`
	QueueRead    bool `toml:"queue_read" env:"QUEUE_READ"`
	OutboxDigest bool `toml:"outbox_digest" env:"OUTBOX_DIGEST"`
}

// Config encapsulates all configuration values for docket.
//
// Configuration sections by subsystem:
//   - Paths: state and transcript directories
//   - Store: database dialect and DSN
//   - Lease, Retry: claim and failure policy
//   - Discovery, Stages: external producers and stage handlers
//   - Outbox, Notifications: downstream delivery and operator alerts
//   - Health, Schedule, API: the operator surface
//   - Logging, Features
type Config struct {
	Paths         Paths                   `toml:"paths" envPrefix:"PATHS_"`
	Store         Store                   `toml:"store" envPrefix:"STORE_"`
	Lease         Lease                   `toml:"lease" envPrefix:"LEASE_"`
	Retry         Retry                   `toml:"retry" envPrefix:"RETRY_"`
	Discovery     Discovery               `toml:"discovery" envPrefix:"DISCOVERY_"`
	Stages        map[string]StageCommand `toml:"stages"`
	Outbox        Outbox                  `toml:"outbox" envPrefix:"OUTBOX_"`
	Notifications Notifications           `toml:"notifications" envPrefix:"NOTIFICATIONS_"`
	Health        Health                  `toml:"health" envPrefix:"HEALTH_"`
	Schedule      Schedule                `toml:"schedule"`
	API           API                     `toml:"api" envPrefix:"API_"`
	Logging       Logging                 `toml:"logging" envPrefix:"LOG_"`
	Features      Features                `toml:"features" envPrefix:"FEATURE_"`
}

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "DOCKET_"

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/docket/config.toml")
}

// Load locates, parses, and validates a configuration file. Environment
// overrides are applied after the file. The returned config has all path
// fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, "", false, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("docket.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state and transcript directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.TranscriptsDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabaseDSN returns the store DSN, defaulting SQLite to <state_dir>/queue.db.
func (c *Config) DatabaseDSN() string {
	if dsn := strings.TrimSpace(c.Store.DSN); dsn != "" {
		return dsn
	}
	return filepath.Join(c.Paths.StateDir, "queue.db")
}

// LogPath is the file the logger appends to alongside stdout.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.StateDir, "docket.log")
}

// LockPath returns the flock path guarding the named singleton.
func (c *Config) LockPath(name string) string {
	return filepath.Join(c.Paths.StateDir, name+".lock")
}

// LeaseDuration returns the configured default lease.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Lease.DurationSeconds) * time.Second
}

// RenewInterval returns how often workers renew held leases.
func (c *Config) RenewInterval() time.Duration {
	return time.Duration(c.Lease.RenewIntervalSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
