package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docket/internal/config"
	"docket/internal/queue"
)

func newRequeueCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newRequeueHearingCommand(ctx),
		newRequeueOutboxEventCommand(ctx),
		newRequeueStageTaskCommand(ctx),
	}
}

func newRequeueHearingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue-hearing-job <hearing_id>",
		Short: "Requeue every dead-lettered stage task of a hearing's latest version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hearingID := strings.TrimSpace(args[0])
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				tasks, err := store.RequeueHearing(cmd.Context(), hearingID)
				if err != nil {
					return requeueError("hearing "+hearingID, err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Requeued %d stage task(s) for hearing %s\n", len(tasks), hearingID)
				for _, task := range tasks {
					fmt.Fprintf(out, "  %s\n", task.Key())
				}
				return nil
			})
		},
	}
}

func newRequeueOutboxEventCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue-outbox-event <event_id>",
		Short: "Return a dead-lettered outbox event to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID := strings.TrimSpace(args[0])
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				event, err := store.RequeueOutboxEvent(cmd.Context(), eventID)
				if err != nil {
					return requeueError("outbox event "+eventID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued outbox event %s (%s v%d)\n",
					event.ID, event.HearingID, event.PublishVersion)
				return nil
			})
		},
	}
}

func newRequeueStageTaskCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue-stage-task <hearing_id> <stage> <version> | <hearing_id:stage:vN>",
		Short: "Return a dead-lettered stage task to pending with a fresh retry budget",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 3 {
				return fmt.Errorf("requires <hearing_id> <stage> <version> or a single hearing:stage:vN key, got %d args", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			hearingID, st, version, err := parseStageTaskArgs(args)
			if err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				task, err := store.RequeueStageTask(cmd.Context(), hearingID, st, version)
				if err != nil {
					return requeueError(queue.StageKey(hearingID, st, version), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued stage task %s\n", task.Key())
				return nil
			})
		},
	}
}

func newReprocessHearingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess-hearing <hearing_id>",
		Short: "Start a new publish version of a hearing from capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hearingID := strings.TrimSpace(args[0])
			return ctx.withStore(func(_ *config.Config, store *queue.Store) error {
				version, err := store.Reprocess(cmd.Context(), hearingID)
				switch {
				case errors.Is(err, queue.ErrNotFound):
					return fmt.Errorf("hearing %s not found", hearingID)
				case errors.Is(err, queue.ErrHearingBusy):
					return fmt.Errorf("hearing %s still has pending or leased stage work; drain it first", hearingID)
				case err != nil:
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", queue.StageKey(hearingID, queue.StageCapture, version))
				return nil
			})
		},
	}
}

func parseStageTaskArgs(args []string) (string, queue.Stage, int, error) {
	if len(args) == 1 {
		return queue.ParseStageKey(args[0])
	}
	hearingID := strings.TrimSpace(args[0])
	if hearingID == "" {
		return "", "", 0, errors.New("hearing id is required")
	}
	st, ok := queue.ParseStage(args[1])
	if !ok {
		return "", "", 0, fmt.Errorf("unknown stage %q", args[1])
	}
	version, err := queue.ParseVersion(args[2])
	if err != nil {
		return "", "", 0, err
	}
	return hearingID, st, version, nil
}

func requeueError(target string, err error) error {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return fmt.Errorf("%s not found", target)
	case errors.Is(err, queue.ErrNotDeadLettered):
		return fmt.Errorf("%s is not in dead-letter; nothing to requeue", target)
	default:
		return err
	}
}
