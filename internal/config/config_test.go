package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"docket/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docket.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if resolved != filepath.Join(tempHome, ".config", "docket", "config.toml") {
		t.Fatalf("unexpected resolved path %q", resolved)
	}

	wantState := filepath.Join(tempHome, ".local", "share", "docket")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("state dir = %q, want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.DatabaseDSN() != filepath.Join(wantState, "queue.db") {
		t.Fatalf("unexpected dsn %q", cfg.DatabaseDSN())
	}
	if cfg.LockPath("serve") != filepath.Join(wantState, "serve.lock") {
		t.Fatalf("unexpected lock path %q", cfg.LockPath("serve"))
	}
	if cfg.Store.Driver != "sqlite" || cfg.Outbox.Notifier != "log" {
		t.Fatalf("unexpected store/notifier defaults: %+v %+v", cfg.Store, cfg.Outbox)
	}
	if cfg.LeaseDuration() != 15*time.Minute || cfg.RenewInterval() != time.Minute {
		t.Fatalf("unexpected lease timing %s/%s", cfg.LeaseDuration(), cfg.RenewInterval())
	}
	if cfg.Health.MaxDeadLetter != -1 || cfg.Health.MaxAgeSeconds != 0 {
		t.Fatalf("health gate should be disabled by default: %+v", cfg.Health)
	}

	features := cfg.ResolveFeatures()
	if !features.QueueWrite() || features.QueueRead() || features.OutboxDigest() {
		t.Fatalf("unexpected default features %s", features)
	}
}

func TestLoadFileAndEnvironmentOverrides(t *testing.T) {
	base := t.TempDir()
	path := writeConfig(t, `
[paths]
state_dir = "`+filepath.Join(base, "state")+`"
transcripts_dir = "`+filepath.Join(base, "out")+`"

[discovery]
command = [" /usr/local/bin/find-hearings ", "--json", " "]
max_tier = 2

[discovery.committees]
" Senate.Judiciary " = 1

[stages.Capture]
command = ["yt-dlp", "-x"]

[outbox]
notifier = "Redis"
redis_addr = "127.0.0.1:6379"
`)
	t.Setenv("DOCKET_FEATURE_QUEUE_READ", "true")
	t.Setenv("DOCKET_LEASE_DURATION_SECONDS", "600")
	t.Setenv("DOCKET_STORE_DRIVER", "pgx")
	t.Setenv("DOCKET_STORE_DSN", "postgres://docket@localhost/docket")

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected existing config at %s, got %s (%t)", path, resolved, exists)
	}
	if cfg.Paths.StateDir != filepath.Join(base, "state") {
		t.Fatalf("unexpected state dir %q", cfg.Paths.StateDir)
	}
	if got := strings.Join(cfg.Discovery.Command, " "); got != "/usr/local/bin/find-hearings --json" {
		t.Fatalf("discovery command not trimmed: %q", got)
	}
	if cfg.Discovery.Committees["senate.judiciary"] != 1 {
		t.Fatalf("committee keys not normalized: %v", cfg.Discovery.Committees)
	}
	capture, ok := cfg.Stages["capture"]
	if !ok || capture.TimeoutSeconds != 1800 {
		t.Fatalf("stage config not normalized: %+v", cfg.Stages)
	}
	if cfg.Outbox.Notifier != "redis" || cfg.Outbox.RedisStream != "docket:published" {
		t.Fatalf("unexpected outbox config %+v", cfg.Outbox)
	}
	if !cfg.ResolveFeatures().QueueRead() {
		t.Fatal("expected DOCKET_FEATURE_QUEUE_READ to enable reads")
	}
	if cfg.LeaseDuration() != 10*time.Minute {
		t.Fatalf("lease override not applied: %s", cfg.LeaseDuration())
	}
	if cfg.Store.Driver != "postgres" || cfg.DatabaseDSN() != "postgres://docket@localhost/docket" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown stage", "[stages.render]\ncommand = [\"x\"]\n", "unknown stage"},
		{"stage without command", "[stages.extract]\ntimeout_seconds = 10\n", "stages.extract.command"},
		{"bad cron", "[schedule]\ndrain_outbox = \"every tuesday\"\n", "schedule.drain_outbox"},
		{"renew exceeds lease", "[lease]\nduration_seconds = 60\nrenew_interval_seconds = 60\n", "renew_interval_seconds"},
		{"postgres without dsn", "[store]\ndriver = \"postgres\"\n", "store.dsn"},
		{"webhook without url", "[outbox]\nnotifier = \"webhook\"\n", "webhook_url"},
		{"unknown notifier", "[outbox]\nnotifier = \"smtp\"\n", "outbox.notifier"},
		{"feature version", "[features]\nversion = 2\n", "features.version"},
		{"log level", "[logging]\nlevel = \"loud\"\n", "logging.level"},
		{"zero budget", "[retry]\nbudget = 0\n", "retry.budget"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			_, _, _, err := config.Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSampleConfigLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(target); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(target)
	if err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	defaults := config.Default()
	if cfg.Schedule != defaults.Schedule {
		t.Fatalf("sample schedule drifted from defaults: %+v", cfg.Schedule)
	}
	if cfg.Retry != defaults.Retry || cfg.Lease != defaults.Lease {
		t.Fatalf("sample timing drifted from defaults: %+v %+v", cfg.Retry, cfg.Lease)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(base, "a", "state")
	cfg.Paths.TranscriptsDir = filepath.Join(base, "b", "transcripts")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.TranscriptsDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}
