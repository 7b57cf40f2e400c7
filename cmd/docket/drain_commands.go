package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"docket/internal/config"
	"docket/internal/notifications"
	"docket/internal/queue"
	"docket/internal/stage"
	"docket/internal/workflow"
)

// drainFlags are shared by every bounded drain command. Zero values fall
// back to [schedule] and [lease] config.
type drainFlags struct {
	maxTasks     int
	leaseSeconds int
	workerID     string
}

func (f *drainFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxTasks, "max-tasks", 0, "Maximum tasks to claim (default: schedule.max_tasks)")
	cmd.Flags().IntVar(&f.leaseSeconds, "lease-seconds", 0, "Lease duration in seconds (default: lease.duration_seconds)")
	cmd.Flags().StringVar(&f.workerID, "worker-id", "", "Lease owner id (default: generated)")
}

func (f *drainFlags) options(cfg *config.Config) workflow.DrainOptions {
	opts := workflow.DrainOptions{
		MaxTasks:      f.maxTasks,
		LeaseDuration: time.Duration(f.leaseSeconds) * time.Second,
		WorkerID:      strings.TrimSpace(f.workerID),
	}
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = cfg.Schedule.MaxTasks
	}
	return opts
}

func newDrainStageTasksCommand(ctx *commandContext) *cobra.Command {
	var flags drainFlags
	var concurrency int
	var stageNames []string

	cmd := &cobra.Command{
		Use:   "drain-stage-tasks",
		Short: "Claim and run pending stage tasks, then exit",
		Long: "Claim up to --max-tasks stage tasks and run their handlers. Handler\n" +
			"failures are recorded in the queue; the command exits non-zero only on\n" +
			"store or configuration errors.",
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := parseStages(stageNames)
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				opts := flags.options(cfg)
				opts.Concurrency = concurrency
				if opts.Concurrency <= 0 {
					opts.Concurrency = cfg.Schedule.Concurrency
				}
				opts.Stages = stages

				worker := workflow.NewStageWorker(cfg, store, stage.FromConfig(cfg, logger), logger)
				result, err := worker.Drain(cmd.Context(), opts)
				if err != nil {
					return err
				}
				printDrainResult(cmd.OutOrStdout(), "stage tasks", result)
				return nil
			})
		},
	}

	flags.bind(cmd)
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel claim loops (default: schedule.concurrency)")
	cmd.Flags().StringSliceVar(&stageNames, "stage", nil, "Only claim these stages (repeatable: capture, extract, normalize, publish)")
	return cmd
}

func newDrainOutboxCommand(ctx *commandContext) *cobra.Command {
	var flags drainFlags

	cmd := &cobra.Command{
		Use:   "drain-outbox",
		Short: "Deliver pending outbox events, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				notifier, err := notifications.NewNotifier(cfg, logger)
				if err != nil {
					return err
				}
				if closer, ok := notifier.(io.Closer); ok {
					defer closer.Close()
				}
				consumer := workflow.NewOutboxConsumer(cfg, store, notifier, logger)
				result, err := consumer.Drain(cmd.Context(), flags.options(cfg))
				if err != nil {
					return err
				}
				printDrainResult(cmd.OutOrStdout(), "outbox events", result)
				return nil
			})
		},
	}

	flags.bind(cmd)
	return cmd
}

func parseStages(names []string) ([]queue.Stage, error) {
	var stages []queue.Stage
	for _, name := range names {
		st, ok := queue.ParseStage(name)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		stages = append(stages, st)
	}
	return stages, nil
}

func printDrainResult(w io.Writer, what string, result workflow.DrainResult) {
	if result.Disabled {
		fmt.Fprintf(w, "Draining %s is disabled by feature switches; nothing claimed\n", what)
		return
	}
	fmt.Fprintf(w, "Drained %s: claimed=%d succeeded=%d retried=%d dead_lettered=%d abandoned=%d\n",
		what, result.Claimed, result.Succeeded, result.Retried, result.DeadLettered, result.Abandoned)
}
