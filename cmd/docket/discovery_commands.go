package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"docket/internal/config"
	"docket/internal/discovery"
	"docket/internal/queue"
)

func newEnqueueDiscoveryCommand(ctx *commandContext) *cobra.Command {
	var days int
	var runNow bool

	cmd := &cobra.Command{
		Use:   "enqueue-discovery",
		Short: "Queue a discovery window ending tomorrow",
		Long: "Queue a discovery job for the last --days days through tomorrow. With\n" +
			"--run-now the window is discovered immediately in this process, guarded\n" +
			"by a lock so only one single-shot producer runs per state directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				if days <= 0 {
					days = cfg.Discovery.Days
				}
				window := discovery.NewWindow(time.Now(), days)
				producer := discovery.NewProducer(cfg, store, discovery.NewCommandSource(cfg, logger), logger)
				out := cmd.OutOrStdout()

				if runNow {
					result, err := producer.RunOnce(cmd.Context(), window)
					if err != nil {
						return err
					}
					printDiscoveryResult(out, result)
					return nil
				}

				job, queued, err := producer.Enqueue(cmd.Context(), window)
				if err != nil {
					return err
				}
				if queued {
					fmt.Fprintf(out, "Queued discovery window %s (job %s)\n", window, job.ID)
				} else {
					fmt.Fprintf(out, "Discovery window %s already %s (job %s)\n", window, job.Status, job.ID)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Days of history to cover (default: discovery.days)")
	cmd.Flags().BoolVar(&runNow, "run-now", false, "Discover the window immediately instead of leaving it for drain-discovery")
	return cmd
}

func newDrainDiscoveryCommand(ctx *commandContext) *cobra.Command {
	var flags drainFlags

	cmd := &cobra.Command{
		Use:   "drain-discovery",
		Short: "Claim pending discovery windows and enqueue the hearings they find",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				producer := discovery.NewProducer(cfg, store, discovery.NewCommandSource(cfg, logger), logger)
				result, err := producer.Drain(cmd.Context(), flags.options(cfg))
				if err != nil {
					return err
				}
				printDiscoveryResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}

	flags.bind(cmd)
	return cmd
}

func printDiscoveryResult(w io.Writer, result discovery.Result) {
	mode := ""
	if result.DryRun {
		mode = " (dry run: queue writes disabled)"
	}
	fmt.Fprintf(w, "Discovery%s: windows claimed=%d completed=%d failed=%d abandoned=%d\n",
		mode, result.Claimed, result.Completed, result.Failed, result.Abandoned)
	fmt.Fprintf(w, "Hearings: found=%d created=%d duplicate=%d skipped=%d\n",
		result.Found, result.Created, result.Duplicate, result.Skipped)
}
