package stage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"docket/internal/config"
	"docket/internal/queue"
)

// Registry maps pipeline stages to their handlers.
type Registry struct {
	handlers map[queue.Stage]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[queue.Stage]Handler{}}
}

// Register installs h for stage, replacing any previous handler.
func (r *Registry) Register(stage queue.Stage, h Handler) {
	r.handlers[stage] = h
}

// Handler returns the handler for stage.
func (r *Registry) Handler(stage queue.Stage) (Handler, bool) {
	h, ok := r.handlers[stage]
	return h, ok
}

// Stages lists registered stages in pipeline order.
func (r *Registry) Stages() []queue.Stage {
	var out []queue.Stage
	for _, stage := range queue.Stages {
		if _, ok := r.handlers[stage]; ok {
			out = append(out, stage)
		}
	}
	return out
}

// HealthCheck reports readiness for every pipeline stage, including ones
// with no handler.
func (r *Registry) HealthCheck(ctx context.Context) []Health {
	results := make([]Health, 0, len(queue.Stages))
	for _, stage := range queue.Stages {
		h, ok := r.handlers[stage]
		if !ok {
			results = append(results, Unhealthy(stage, "none", "no handler configured"))
			continue
		}
		if checker, ok := h.(HealthChecker); ok {
			results = append(results, checker.HealthCheck(ctx))
			continue
		}
		results = append(results, Healthy(stage, fmt.Sprintf("%T", h)))
	}
	return results
}

// FromConfig builds the registry from [stages.*]. Stages with a command get a
// CommandHandler; publish falls back to the built-in PublishHandler.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Registry {
	reg := NewRegistry()
	workRoot := filepath.Join(cfg.Paths.StateDir, "work")
	for _, stage := range queue.Stages {
		sc, ok := cfg.Stages[string(stage)]
		if ok && len(sc.Command) > 0 {
			timeout := time.Duration(sc.TimeoutSeconds) * time.Second
			reg.Register(stage, NewCommandHandler(stage, sc.Command, timeout, sc.Env, workRoot, logger))
			continue
		}
		if stage == queue.StagePublish {
			reg.Register(stage, NewPublishHandler(cfg.Paths.TranscriptsDir, logger))
		}
	}
	return reg
}
