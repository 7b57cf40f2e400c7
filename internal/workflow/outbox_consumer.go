package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"docket/internal/config"
	"docket/internal/logging"
	"docket/internal/notifications"
	"docket/internal/queue"
	"docket/internal/retry"
	"docket/internal/services"
	"docket/internal/stageexec"
)

// OutboxConsumer delivers outbox events through a notifier with the same
// claim, renew and release protocol stage tasks use.
type OutboxConsumer struct {
	store    *queue.Store
	notifier notifications.Notifier
	features config.FeatureSet
	policy   queue.RetryPolicy
	renewer  *LeaseRenewer
	lease    time.Duration
	logger   *slog.Logger
}

// NewOutboxConsumer wires a consumer from config.
func NewOutboxConsumer(cfg *config.Config, store *queue.Store, notifier notifications.Notifier, logger *slog.Logger, opts ...Option) *OutboxConsumer {
	logger = logging.NewComponentLogger(logger, "outbox-consumer")
	s := applyOptions(settings{
		policy:        retry.OutboxFromConfig(cfg),
		renewInterval: cfg.RenewInterval(),
	}, opts)
	return &OutboxConsumer{
		store:    store,
		notifier: notifier,
		features: cfg.ResolveFeatures(),
		policy:   s.policy,
		renewer:  NewLeaseRenewer(s.renewInterval, logger),
		lease:    cfg.LeaseDuration(),
		logger:   logger,
	}
}

// Drain delivers up to opts.MaxTasks events. opts.Stages is ignored.
func (c *OutboxConsumer) Drain(ctx context.Context, opts DrainOptions) (DrainResult, error) {
	if !c.features.OutboxDigest() {
		c.logger.Info("outbox digest disabled; skipping outbox drain",
			logging.String(logging.FieldEventType, "drain_disabled"),
			logging.String("features", c.features.String()),
		)
		return DrainResult{Disabled: true}, nil
	}
	if c.notifier == nil {
		return DrainResult{}, fmt.Errorf("%w: outbox notifier is required", services.ErrConfiguration)
	}
	opts, err := opts.normalize("outbox", c.lease)
	if err != nil {
		return DrainResult{}, fmt.Errorf("%w: %w", services.ErrConfiguration, err)
	}

	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, c.logger)
	runID, err := c.store.StartRun(ctx, queue.RoleDrainOutbox, map[string]any{
		"max_tasks":     opts.MaxTasks,
		"lease_seconds": int(opts.LeaseDuration / time.Second),
		"worker_id":     opts.WorkerID,
		"notifier":      c.notifier.Name(),
	})
	if err != nil {
		return DrainResult{}, fmt.Errorf("record drain run: %w", err)
	}

	var counts tally
	loopErr := runLoops(ctx, opts, func(ctx context.Context, workerID string) (bool, error) {
		event, err := c.store.ClaimOutbox(ctx, workerID, opts.LeaseDuration)
		if err != nil {
			return false, fmt.Errorf("claim outbox event: %w", err)
		}
		if event == nil {
			return false, nil
		}
		counts.claimed.Add(1)
		outcome, err := c.deliver(ctx, workerID, opts.LeaseDuration, event)
		if err != nil {
			return false, err
		}
		counts.record(outcome)
		return true, nil
	})

	result := counts.result()
	if err := c.store.FinishRun(context.WithoutCancel(ctx), runID, result.counts(), loopErr); err != nil {
		logging.WarnWithContext(logger, "failed to record drain run", "run_audit_failed",
			logging.String("run_id", runID),
			logging.Error(err),
		)
	}
	if loopErr != nil {
		logging.ErrorWithContext(logger, "outbox drain aborted", "drain_failed",
			logging.String(logging.FieldErrorHint, "check queue database access"),
			logging.Error(loopErr),
		)
		return result, loopErr
	}
	logger.Info("outbox drain finished",
		logging.String(logging.FieldEventType, "drain_complete"),
		logging.String("run_id", runID),
		logging.String("notifier", c.notifier.Name()),
		logging.Int("claimed", result.Claimed),
		logging.Int("acked", result.Succeeded),
		logging.Int("retried", result.Retried),
		logging.Int("dead_lettered", result.DeadLettered),
		logging.Int("abandoned", result.Abandoned),
	)
	return result, nil
}

func (c *OutboxConsumer) deliver(ctx context.Context, workerID string, lease time.Duration, event *queue.OutboxEvent) (stageexec.Outcome, error) {
	eventCtx := services.WithEventID(ctx, event.ID)
	eventCtx = services.WithHearingID(eventCtx, event.HearingID)
	eventCtx = services.WithWorkerID(eventCtx, workerID)
	logger := logging.WithContext(eventCtx, c.logger).With(
		logging.Int("publish_version", event.PublishVersion),
		logging.Int("attempt", event.AttemptCount+1),
	)

	runCtx, release := c.renewer.Hold(eventCtx, func(renewCtx context.Context) error {
		_, err := c.store.RenewOutbox(renewCtx, event.ID, workerID, lease)
		return err
	})
	deliverErr := c.notifier.Deliver(runCtx, *event)
	if err := release(); errors.Is(err, queue.ErrLeaseNotOwned) {
		return abandonEvent(logger, "lease lost during delivery", err), nil
	}
	if deliverErr != nil && ctx.Err() != nil {
		return abandonEvent(logger, "worker interrupted", ctx.Err()), nil
	}

	if deliverErr == nil {
		if err := c.store.AckOutbox(eventCtx, event.ID, workerID); err != nil {
			if errors.Is(err, queue.ErrLeaseNotOwned) {
				return abandonEvent(logger, "lease lost before ack", err), nil
			}
			return "", fmt.Errorf("ack outbox event: %w", err)
		}
		logger.Info("outbox event delivered",
			logging.String(logging.FieldEventType, "outbox_acked"),
			logging.String("notifier", c.notifier.Name()),
		)
		return stageexec.Completed, nil
	}

	outcome := services.Classify(deliverErr)
	result, err := c.store.FailOutbox(eventCtx, event.ID, workerID, queue.Failure{
		Reason:   strings.TrimSpace(deliverErr.Error()),
		Terminal: outcome == services.OutcomeTerminal,
	}, c.policy)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseNotOwned) {
			return abandonEvent(logger, "lease lost before failure was recorded", err), nil
		}
		return "", fmt.Errorf("record outbox failure: %w", err)
	}
	if result.DeadLettered {
		logging.ErrorWithContext(logger, "outbox event dead-lettered", "event_dead_lettered",
			logging.String("classification", string(outcome)),
			logging.Int("attempt_count", result.Attempt),
			logging.String(logging.FieldErrorHint, "fix the notifier, then requeue-outbox-event"),
			logging.Error(deliverErr),
		)
		return stageexec.DeadLettered, nil
	}
	logging.WarnWithContext(logger, "outbox delivery failed, retry scheduled", "event_retry_scheduled",
		logging.String("classification", string(outcome)),
		logging.Int("attempt_count", result.Attempt),
		logging.Time("next_attempt_at", result.NextAttemptAt),
		logging.String(logging.FieldErrorHint, "check notifier reachability"),
		logging.Error(deliverErr),
	)
	return stageexec.Retried, nil
}

func abandonEvent(logger *slog.Logger, message string, cause error) stageexec.Outcome {
	logging.WarnWithContext(logger, message, "event_abandoned",
		logging.String(logging.FieldErrorHint, "the event is redelivered after its lease expires"),
		logging.Error(cause),
	)
	return stageexec.Abandoned
}
