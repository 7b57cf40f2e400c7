package main

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"docket/internal/config"
	"docket/internal/queue"
	"docket/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	store      *queue.Store
	configPath string
	binDir     string
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	base := testsupport.BaseDir(cfg)
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{
		cfg:        cfg,
		store:      testsupport.MustOpenStore(t, cfg),
		configPath: configPath,
		binDir:     filepath.Join(base, "bin"),
	}
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "[paths]\nstate_dir = %q\ntranscripts_dir = %q\n\n", cfg.Paths.StateDir, cfg.Paths.TranscriptsDir)
	fmt.Fprintf(&b, "[retry]\nbudget = %d\noutbox_budget = %d\n\n", cfg.Retry.Budget, cfg.Retry.OutboxBudget)
	fmt.Fprintf(&b, "[api]\nbind = %q\n\n", cfg.API.Bind)
	fmt.Fprintf(&b, "[logging]\nlevel = \"error\"\n\n")
	fmt.Fprintf(&b, "[features]\nqueue_write = %t\nqueue_read = %t\noutbox_digest = %t\n\n",
		cfg.Features.QueueWrite, cfg.Features.QueueRead, cfg.Features.OutboxDigest)
	if len(cfg.Discovery.Command) > 0 {
		fmt.Fprintf(&b, "[discovery]\ncommand = [%q]\ntimeout_seconds = 10\n\n", cfg.Discovery.Command[0])
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Stages)) {
		fmt.Fprintf(&b, "[stages.%s]\ncommand = [%q]\ntimeout_seconds = 30\n\n", name, cfg.Stages[name].Command[0])
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

type testPolicy struct{}

func (testPolicy) Budget() int { return 5 }

func (testPolicy) Delay(int) time.Duration { return time.Minute }

// deadLetterCapture parks the capture task of a fresh hearing in dead-letter.
func deadLetterCapture(t *testing.T, store *queue.Store, sourceID string) *queue.StageTask {
	t.Helper()
	ctx := context.Background()
	hearing := testsupport.NewHearing(t, store, sourceID)
	task, err := store.ClaimStage(ctx, queue.StageSelector{HearingID: hearing.ID}, "test-worker", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if _, err := store.FailStage(ctx, task.ID, "test-worker", queue.Failure{Reason: "corrupt media", Terminal: true}, testPolicy{}); err != nil {
		t.Fatalf("FailStage: %v", err)
	}
	return task
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
