package preflight

import (
	"context"

	"docket/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Transcripts directory", cfg.Paths.TranscriptsDir),
	}
	results = append(results, CheckSystemDeps(cfg)...)

	switch cfg.Outbox.Notifier {
	case "webhook":
		results = append(results, CheckEndpoint(ctx, "Outbox webhook", cfg.Outbox.WebhookURL))
	case "ntfy":
		results = append(results, CheckEndpoint(ctx, "Outbox ntfy topic", cfg.Outbox.NtfyTopic))
	}
	return results
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
