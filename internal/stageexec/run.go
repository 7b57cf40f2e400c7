package stageexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docket/internal/logging"
	"docket/internal/queue"
	"docket/internal/services"
	"docket/internal/stage"
)

// Outcome is how one claimed task left the worker's hands.
type Outcome string

const (
	Completed    Outcome = "completed"
	Retried      Outcome = "retried"
	DeadLettered Outcome = "dead_lettered"
	// Abandoned means the lease was lost or the worker was interrupted; the
	// task was not mutated and becomes claimable once its lease expires.
	Abandoned Outcome = "abandoned"
)

// LeaseKeeper keeps a lease alive while a handler runs. The returned context
// is cancelled if the lease is lost; release stops renewing and reports
// queue.ErrLeaseNotOwned when that happened.
type LeaseKeeper interface {
	Hold(ctx context.Context, renew func(context.Context) error) (context.Context, func() error)
}

// Options controls one task execution.
type Options struct {
	Logger        *slog.Logger
	Store         *queue.Store
	Handler       stage.Handler
	Policy        queue.RetryPolicy
	Lease         LeaseKeeper
	LeaseDuration time.Duration
	WorkerID      string
	Task          *queue.StageTask
}

// Run executes the handler for a claimed task and persists the outcome. The
// error return is reserved for store failures; handler errors are recorded
// on the task.
func Run(ctx context.Context, opts Options) (Outcome, error) {
	if opts.Store == nil {
		return "", fmt.Errorf("queue store is required")
	}
	if opts.Task == nil {
		return "", fmt.Errorf("stage task is required")
	}
	if opts.Policy == nil {
		return "", fmt.Errorf("retry policy is required")
	}
	task := opts.Task

	stageCtx := services.WithHearingID(ctx, task.HearingID)
	stageCtx = services.WithStage(stageCtx, string(task.Stage))
	stageCtx = services.WithWorkerID(stageCtx, opts.WorkerID)
	logger := logging.WithContext(stageCtx, opts.Logger).With(
		logging.Int64("task_id", task.ID),
		logging.Int("publish_version", task.PublishVersion),
		logging.Int("attempt", task.AttemptCount+1),
	)

	if opts.Handler == nil {
		return fail(stageCtx, logger, opts, services.Wrap(services.ErrConfiguration, string(task.Stage), "resolve handler", "no handler registered", nil))
	}

	hearing, err := opts.Store.GetHearing(stageCtx, task.HearingID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return fail(stageCtx, logger, opts, services.Terminal(string(task.Stage), "load hearing", "hearing row missing", err))
		}
		return "", fmt.Errorf("load hearing: %w", err)
	}
	prior, err := opts.Store.PriorCheckpoint(stageCtx, task)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrPredecessorNotDone) {
			return fail(stageCtx, logger, opts, services.Terminal(string(task.Stage), "load checkpoint", "predecessor checkpoint unavailable", err))
		}
		return "", fmt.Errorf("load prior checkpoint: %w", err)
	}

	logger.Info(
		"stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("committee_key", hearing.CommitteeKey),
		logging.String("hearing_date", hearing.HearingDate),
	)

	runCtx, release := hold(stageCtx, opts)
	started := time.Now()
	checkpoint, runErr := opts.Handler.Run(runCtx, stage.Input{
		Hearing:        *hearing,
		Stage:          task.Stage,
		PublishVersion: task.PublishVersion,
		Attempt:        task.AttemptCount + 1,
		Prior:          prior,
	})
	elapsed := time.Since(started)
	if err := release(); errors.Is(err, queue.ErrLeaseNotOwned) {
		return abandon(logger, "lease lost while handler ran", err), nil
	}
	if runErr != nil && ctx.Err() != nil {
		return abandon(logger, "worker interrupted", ctx.Err()), nil
	}

	if runErr == nil && len(checkpoint) > 0 && !json.Valid(checkpoint) {
		runErr = services.Wrap(services.ErrValidation, string(task.Stage), "complete", "handler returned invalid checkpoint JSON", nil)
	}
	if runErr != nil {
		return fail(stageCtx, logger, opts, runErr)
	}

	result, err := opts.Store.CompleteStage(stageCtx, task.ID, opts.WorkerID, checkpoint)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseNotOwned) {
			return abandon(logger, "lease lost before completion", err), nil
		}
		return "", fmt.Errorf("persist stage result: %w", err)
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("elapsed", elapsed),
	}
	if result.NextStage != "" {
		attrs = append(attrs, logging.String("next_stage", string(result.NextStage)), logging.Bool("next_created", result.NextCreated))
	}
	if result.EventID != "" {
		attrs = append(attrs, logging.String(logging.FieldEventID, result.EventID), logging.Bool("event_created", result.EventCreated))
	}
	logger.Info("stage completed", logging.Args(attrs...)...)
	return Completed, nil
}

func hold(ctx context.Context, opts Options) (context.Context, func() error) {
	if opts.Lease == nil {
		return ctx, func() error { return nil }
	}
	task := opts.Task
	return opts.Lease.Hold(ctx, func(renewCtx context.Context) error {
		_, err := opts.Store.RenewStage(renewCtx, task.ID, opts.WorkerID, opts.LeaseDuration)
		return err
	})
}

func fail(ctx context.Context, logger *slog.Logger, opts Options, stageErr error) (Outcome, error) {
	outcome := services.Classify(stageErr)
	reason := strings.TrimSpace(stageErr.Error())
	result, err := opts.Store.FailStage(ctx, opts.Task.ID, opts.WorkerID, queue.Failure{
		Reason:   reason,
		Terminal: outcome == services.OutcomeTerminal,
	}, opts.Policy)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseNotOwned) {
			return abandon(logger, "lease lost before failure was recorded", err), nil
		}
		return "", fmt.Errorf("persist stage failure: %w", err)
	}

	if result.DeadLettered {
		logging.ErrorWithContext(logger, "stage dead-lettered", "task_dead_lettered",
			logging.String("classification", string(outcome)),
			logging.Int("attempt_count", result.Attempt),
			logging.String(logging.FieldErrorHint, "inspect with list-dead-letter, then requeue-stage-task"),
			logging.Error(stageErr),
		)
		return DeadLettered, nil
	}
	logging.WarnWithContext(logger, "stage failed, retry scheduled", "task_retry_scheduled",
		logging.String("classification", string(outcome)),
		logging.Int("attempt_count", result.Attempt),
		logging.Time("next_attempt_at", result.NextAttemptAt),
		logging.String(logging.FieldErrorHint, "transient failures retry automatically"),
		logging.Error(stageErr),
	)
	return Retried, nil
}

func abandon(logger *slog.Logger, message string, cause error) Outcome {
	logging.WarnWithContext(logger, message, "task_abandoned",
		logging.String(logging.FieldErrorHint, "another worker may hold the lease; the task is reclaimed after expiry"),
		logging.Error(cause),
	)
	return Abandoned
}
