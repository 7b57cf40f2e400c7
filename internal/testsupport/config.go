package testsupport

import (
	"path/filepath"
	"testing"

	"docket/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Queue reads and outbox delivery are switched on so drains do work by
// default; use WithFeatures to test the switched-off paths.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.TranscriptsDir = filepath.Join(base, "transcripts")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Features.QueueRead = true
	cfgVal.Features.OutboxDigest = true

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithFeatures overrides the three feature switches.
func WithFeatures(queueWrite, queueRead, outboxDigest bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Features.QueueWrite = queueWrite
		b.cfg.Features.QueueRead = queueRead
		b.cfg.Features.OutboxDigest = outboxDigest
	}
}

// WithStageCommand configures an external command for a stage.
func WithStageCommand(stage string, command ...string) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Stages == nil {
			b.cfg.Stages = map[string]config.StageCommand{}
		}
		b.cfg.Stages[stage] = config.StageCommand{Command: command, TimeoutSeconds: 30}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
