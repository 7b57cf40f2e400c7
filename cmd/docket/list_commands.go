package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"docket/internal/config"
	"docket/internal/queue"
	"docket/internal/stage"
	"docket/internal/textutil"
)

func newListDeadLetterCommand(ctx *commandContext) *cobra.Command {
	var limit, offset int
	var all, jsonOut bool

	cmd := &cobra.Command{
		Use:   "list-dead-letter",
		Short: "List dead-lettered stage tasks and outbox events, newest failure first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				items, err := store.ListDeadLetter(cmd.Context(), queue.DeadLetterFilter{
					Limit:           limit,
					Offset:          offset,
					IncludeResolved: all,
				})
				if err != nil {
					return err
				}
				if jsonOut {
					if items == nil {
						items = []*queue.DeadLetterItem{}
					}
					return writeJSON(cmd, items)
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "Dead-letter queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{
						strconv.FormatInt(item.ID, 10),
						string(item.SourceType),
						item.SourceKey,
						strconv.Itoa(item.AttemptCount),
						formatTime(item.LastFailedAt),
						formatTimePtr(item.ResolvedAt),
						textutil.Truncate(item.Reason, 60),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Source", "Key", "Attempts", "Last Failed", "Resolved", "Reason"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum items to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Items to skip")
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved (requeued) items")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit items as JSON")
	return cmd
}

func newListRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list-runs",
		Short: "List recent discovery and drain runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if jsonOut {
					if runs == nil {
						runs = []*queue.RunAudit{}
					}
					return writeJSON(cmd, runs)
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					rows = append(rows, []string{
						run.ID,
						run.Role,
						run.Status,
						formatTime(run.StartedAt),
						runDuration(run),
						strconv.Itoa(run.Claimed),
						strconv.Itoa(run.Succeeded),
						strconv.Itoa(run.Failed),
						textutil.Truncate(run.Error, 40),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Run", "Role", "Status", "Started", "Duration", "Claimed", "Succeeded", "Failed", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit runs as JSON")
	return cmd
}

func runDuration(run *queue.RunAudit) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func newListPublishedCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list-published",
		Short: "List published transcripts from the transcripts index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			entries, err := stage.ReadIndex(cfg.Paths.TranscriptsDir)
			if err != nil {
				return err
			}
			if jsonOut {
				if entries == nil {
					entries = []stage.IndexEntry{}
				}
				return writeJSON(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No transcripts published")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					entry.HearingID,
					entry.CommitteeName,
					entry.HearingDate,
					"v" + strconv.Itoa(entry.PublishVersion),
					textutil.Truncate(entry.Title, 48),
					entry.TranscriptPath,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Hearing", "Committee", "Date", "Version", "Title", "Transcript"},
				rows,
				nil,
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit index entries as JSON")
	return cmd
}
