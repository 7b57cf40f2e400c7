package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docket/internal/config"
	"docket/internal/health"
	"docket/internal/logging"
	"docket/internal/notifications"
	"docket/internal/preflight"
	"docket/internal/queue"
)

// errHealthFailing makes the process exit non-zero when a threshold is
// exceeded.
var errHealthFailing = errors.New("health gate failing")

type healthOutput struct {
	Status    string             `json:"status"`
	Failures  []string           `json:"failures"`
	Preflight []preflight.Result `json:"preflight"`
	Report    health.Report      `json:"report"`
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var maxAge time.Duration
	var maxDLQ int
	var jsonOut bool
	var alert bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report queue health and fail when thresholds are exceeded",
		Long: "Report queue depth, stale leases, oldest pending age, retry histogram and\n" +
			"dead-letter volume. Exits non-zero when --max-age or --max-dlq (or their\n" +
			"[health] defaults) are exceeded. Never mutates queue state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				thresholds := health.ThresholdsFromConfig(cfg)
				if cmd.Flags().Changed("max-age") {
					thresholds.MaxAge = maxAge
				}
				if cmd.Flags().Changed("max-dlq") {
					thresholds.MaxDeadLetter = maxDLQ
				}

				report, err := health.Collect(cmd.Context(), store, time.Now())
				if err != nil {
					return err
				}
				out := healthOutput{
					Status:    "ok",
					Failures:  report.Evaluate(thresholds),
					Preflight: append(preflight.RunAll(cmd.Context(), cfg), preflight.CheckStore(cmd.Context(), store)),
					Report:    report,
				}
				if len(out.Failures) > 0 {
					out.Status = "failing"
				}

				if jsonOut {
					if err := writeJSON(cmd, out); err != nil {
						return err
					}
				} else {
					printHealth(cmd.OutOrStdout(), out, thresholds, shouldColorize(cmd.OutOrStdout()))
				}

				if len(out.Failures) == 0 {
					return nil
				}
				if alert {
					if err := sendHealthAlert(cmd, ctx, cfg, out.Failures); err != nil {
						return err
					}
				}
				return fmt.Errorf("%w: %s", errHealthFailing, strings.Join(out.Failures, "; "))
			})
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Fail when the oldest pending stage task is older than this (0 disables)")
	cmd.Flags().IntVar(&maxDLQ, "max-dlq", -1, "Fail when open dead-letter items exceed this count (negative disables)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit the report as JSON")
	cmd.Flags().BoolVar(&alert, "alert", false, "Send an ntfy alert when the gate fails")
	return cmd
}

func sendHealthAlert(cmd *cobra.Command, ctx *commandContext, cfg *config.Config, failures []string) error {
	if err := notifications.NewAlerter(cfg).NotifyHealthFailure(cmd.Context(), failures); err != nil {
		if logger, logErr := ctx.ensureLogger(); logErr == nil {
			logging.WarnWithContext(logger, "health alert failed", "health_alert_failed",
				logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
				logging.Error(err),
			)
		}
		return fmt.Errorf("send health alert: %w", err)
	}
	return nil
}

func printHealth(w io.Writer, out healthOutput, th health.Thresholds, colorize bool) {
	var lines []string
	lines = append(lines, renderSectionHeader("Preflight", colorize)...)
	for _, result := range out.Preflight {
		kind := statusOK
		if !result.Passed {
			kind = statusError
		}
		lines = append(lines, renderStatusLine(result.Name, kind, result.Detail, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Queue", colorize)...)
	lines = append(lines, renderTable(
		[]string{"Table", "Status", "Count"},
		countRows(out.Report),
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	))
	lines = append(lines,
		renderStatusLine("Stale leases", statusInfo, strconv.Itoa(out.Report.StaleLeases), colorize),
		renderStatusLine("Oldest pending age", statusInfo, formatAge(out.Report), colorize),
		renderStatusLine("Attempt histogram", statusInfo, formatHistogram(out.Report.AttemptHistogram), colorize),
	)

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Gate", colorize)...)
	lines = append(lines, gateLine("Max age", th.MaxAge > 0, th.MaxAge.String(), out.Report.OldestPendingAge <= th.MaxAge, colorize))
	lines = append(lines, gateLine("Dead-letter items", th.MaxDeadLetter >= 0,
		fmt.Sprintf("%d (limit %d)", out.Report.DeadLetterCount, th.MaxDeadLetter),
		out.Report.DeadLetterCount <= th.MaxDeadLetter, colorize))
	if len(out.Failures) > 0 {
		lines = append(lines, renderStatusLine("Overall", statusError, strings.Join(out.Failures, "; "), colorize))
	} else {
		lines = append(lines, renderStatusLine("Overall", statusOK, "", colorize))
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func gateLine(label string, enabled bool, detail string, passed bool, colorize bool) string {
	if !enabled {
		return renderStatusLine(label, statusInfo, "disabled", colorize)
	}
	if passed {
		return renderStatusLine(label, statusOK, detail, colorize)
	}
	return renderStatusLine(label, statusError, detail, colorize)
}

func countRows(report health.Report) [][]string {
	var rows [][]string
	for _, section := range []struct {
		name   string
		counts map[string]int
	}{
		{"hearings", report.Hearings},
		{"discovery_jobs", report.DiscoveryJobs},
		{"stage_tasks", report.StageTasks},
		{"outbox_events", report.OutboxEvents},
	} {
		for _, status := range slices.Sorted(maps.Keys(section.counts)) {
			rows = append(rows, []string{section.name, status, strconv.Itoa(section.counts[status])})
		}
	}
	return rows
}

func formatAge(report health.Report) string {
	if report.OldestPendingAt == nil {
		return "no pending tasks"
	}
	return report.OldestPendingAge.Round(time.Second).String()
}

func formatHistogram(hist map[int]int) string {
	if len(hist) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(hist))
	for _, attempts := range slices.Sorted(maps.Keys(hist)) {
		parts = append(parts, fmt.Sprintf("%d:%d", attempts, hist[attempts]))
	}
	return strings.Join(parts, " ")
}
