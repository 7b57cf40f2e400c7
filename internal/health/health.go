package health

import (
	"context"
	"fmt"
	"time"

	"docket/internal/config"
	"docket/internal/queue"
)

// StatsSource is the read-only view of the store a report needs.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Report is a point-in-time view of queue health.
type Report struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	Hearings         map[string]int `json:"hearings"`
	DiscoveryJobs    map[string]int `json:"discovery_jobs"`
	StageTasks       map[string]int `json:"stage_tasks"`
	OutboxEvents     map[string]int `json:"outbox_events"`
	StaleLeases      int            `json:"stale_leases"`
	StaleByTable     map[string]int `json:"stale_leases_by_table"`
	OldestPendingAt  *time.Time     `json:"oldest_pending_at,omitempty"`
	OldestPendingAge time.Duration  `json:"-"`
	OldestPendingSec int64          `json:"oldest_pending_age_seconds"`
	AttemptHistogram map[int]int    `json:"attempt_histogram"`
	DeadLetterCount  int            `json:"dead_letter_count"`
}

// Thresholds fail the gate when exceeded. MaxAge == 0 and MaxDeadLetter < 0
// disable their checks.
type Thresholds struct {
	MaxAge        time.Duration
	MaxDeadLetter int
}

// ThresholdsFromConfig returns the configured default thresholds.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		MaxAge:        time.Duration(cfg.Health.MaxAgeSeconds) * time.Second,
		MaxDeadLetter: cfg.Health.MaxDeadLetter,
	}
}

// Collect builds a report from the store's aggregates.
func Collect(ctx context.Context, src StatsSource, now time.Time) (Report, error) {
	stats, err := src.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("collect queue stats: %w", err)
	}
	report := Report{
		GeneratedAt:      now.UTC(),
		Hearings:         stats.Hearings,
		DiscoveryJobs:    stats.Discovery,
		StageTasks:       stats.StageTasks,
		OutboxEvents:     stats.OutboxEvents,
		StaleLeases:      stats.TotalStaleLeases(),
		StaleByTable:     stats.StaleLeases,
		OldestPendingAt:  stats.OldestPendingAt,
		AttemptHistogram: stats.AttemptHistogram,
		DeadLetterCount:  stats.DeadLetterOpen,
	}
	if stats.OldestPendingAt != nil {
		if age := now.Sub(*stats.OldestPendingAt); age > 0 {
			report.OldestPendingAge = age
		}
		report.OldestPendingSec = int64(report.OldestPendingAge / time.Second)
	}
	return report, nil
}

// Evaluate returns one message per exceeded threshold. An empty result
// means the gate passes.
func (r Report) Evaluate(th Thresholds) []string {
	var failures []string
	if th.MaxAge > 0 && r.OldestPendingAge > th.MaxAge {
		failures = append(failures, fmt.Sprintf("oldest pending task age %s exceeds %s",
			r.OldestPendingAge.Round(time.Second), th.MaxAge))
	}
	if th.MaxDeadLetter >= 0 && r.DeadLetterCount > th.MaxDeadLetter {
		failures = append(failures, fmt.Sprintf("dead_letter_count %d exceeds %d",
			r.DeadLetterCount, th.MaxDeadLetter))
	}
	return failures
}
