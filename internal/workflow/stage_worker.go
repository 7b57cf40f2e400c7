package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docket/internal/config"
	"docket/internal/logging"
	"docket/internal/queue"
	"docket/internal/retry"
	"docket/internal/services"
	"docket/internal/stage"
	"docket/internal/stageexec"
)

// Option customizes a StageWorker or OutboxConsumer.
type Option func(*settings)

type settings struct {
	policy        queue.RetryPolicy
	renewInterval time.Duration
}

// WithRetryPolicy overrides the policy built from config.
func WithRetryPolicy(policy queue.RetryPolicy) Option {
	return func(s *settings) {
		if policy != nil {
			s.policy = policy
		}
	}
}

// WithRenewInterval overrides lease.renew_interval_seconds.
func WithRenewInterval(interval time.Duration) Option {
	return func(s *settings) {
		s.renewInterval = interval
	}
}

func applyOptions(base settings, opts []Option) settings {
	for _, opt := range opts {
		opt(&base)
	}
	return base
}

// StageWorker drains stage tasks through the registered handlers.
type StageWorker struct {
	store    *queue.Store
	registry *stage.Registry
	features config.FeatureSet
	policy   queue.RetryPolicy
	renewer  *LeaseRenewer
	lease    time.Duration
	logger   *slog.Logger
}

// NewStageWorker wires a worker from config.
func NewStageWorker(cfg *config.Config, store *queue.Store, registry *stage.Registry, logger *slog.Logger, opts ...Option) *StageWorker {
	logger = logging.NewComponentLogger(logger, "stage-worker")
	s := applyOptions(settings{
		policy:        retry.StageFromConfig(cfg),
		renewInterval: cfg.RenewInterval(),
	}, opts)
	return &StageWorker{
		store:    store,
		registry: registry,
		features: cfg.ResolveFeatures(),
		policy:   s.policy,
		renewer:  NewLeaseRenewer(s.renewInterval, logger),
		lease:    cfg.LeaseDuration(),
		logger:   logger,
	}
}

// Drain claims and runs up to opts.MaxTasks stage tasks. Handler failures are
// recorded on the tasks; the returned error is reserved for store and
// configuration problems.
func (w *StageWorker) Drain(ctx context.Context, opts DrainOptions) (DrainResult, error) {
	if !w.features.QueueRead() {
		w.logger.Info("queue reads disabled; skipping stage drain",
			logging.String(logging.FieldEventType, "drain_disabled"),
			logging.String("features", w.features.String()),
		)
		return DrainResult{Disabled: true}, nil
	}

	opts, err := opts.normalize("stage", w.lease)
	if err != nil {
		return DrainResult{}, fmt.Errorf("%w: %w", services.ErrConfiguration, err)
	}
	stages, err := w.selectStages(opts.Stages)
	if err != nil {
		return DrainResult{}, err
	}

	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, w.logger)
	runID, err := w.store.StartRun(ctx, queue.RoleDrainStage, map[string]any{
		"max_tasks":     opts.MaxTasks,
		"lease_seconds": int(opts.LeaseDuration / time.Second),
		"worker_id":     opts.WorkerID,
		"concurrency":   opts.Concurrency,
		"stages":        stages,
	})
	if err != nil {
		return DrainResult{}, fmt.Errorf("record drain run: %w", err)
	}

	logger.Info("stage drain started",
		logging.String(logging.FieldEventType, "drain_start"),
		logging.String(logging.FieldWorkerID, opts.WorkerID),
		logging.Int("max_tasks", opts.MaxTasks),
		logging.Int("concurrency", opts.Concurrency),
		logging.Any("stages", stages),
	)

	var counts tally
	loopErr := runLoops(ctx, opts, func(ctx context.Context, workerID string) (bool, error) {
		task, err := w.store.ClaimStage(ctx, queue.StageSelector{Stages: stages}, workerID, opts.LeaseDuration)
		if err != nil {
			return false, fmt.Errorf("claim stage task: %w", err)
		}
		if task == nil {
			return false, nil
		}
		counts.claimed.Add(1)
		logger.Debug("stage task claimed",
			logging.String(logging.FieldEventType, "task_claimed"),
			logging.String("task_key", task.Key()),
			logging.String(logging.FieldWorkerID, workerID),
		)

		handler, _ := w.registry.Handler(task.Stage)
		outcome, err := stageexec.Run(ctx, stageexec.Options{
			Logger:        w.logger,
			Store:         w.store,
			Handler:       handler,
			Policy:        w.policy,
			Lease:         w.renewer,
			LeaseDuration: opts.LeaseDuration,
			WorkerID:      workerID,
			Task:          task,
		})
		if err != nil {
			return false, err
		}
		counts.record(outcome)
		return true, nil
	})

	result := counts.result()
	if err := w.store.FinishRun(context.WithoutCancel(ctx), runID, result.counts(), loopErr); err != nil {
		logging.WarnWithContext(logger, "failed to record drain run", "run_audit_failed",
			logging.String("run_id", runID),
			logging.Error(err),
		)
	}
	if loopErr != nil {
		logging.ErrorWithContext(logger, "stage drain aborted", "drain_failed",
			logging.String(logging.FieldErrorHint, "check queue database access"),
			logging.Error(loopErr),
		)
		return result, loopErr
	}
	logger.Info("stage drain finished",
		logging.String(logging.FieldEventType, "drain_complete"),
		logging.String("run_id", runID),
		logging.Int("claimed", result.Claimed),
		logging.Int("succeeded", result.Succeeded),
		logging.Int("retried", result.Retried),
		logging.Int("dead_lettered", result.DeadLettered),
		logging.Int("abandoned", result.Abandoned),
	)
	return result, nil
}

// selectStages limits claims to stages that have a handler. Asking for a
// stage with no handler is a configuration error.
func (w *StageWorker) selectStages(requested []queue.Stage) ([]queue.Stage, error) {
	if len(requested) == 0 {
		stages := w.registry.Stages()
		if len(stages) == 0 {
			return nil, fmt.Errorf("%w: no stage handlers configured", services.ErrConfiguration)
		}
		return stages, nil
	}
	for _, st := range requested {
		if _, ok := w.registry.Handler(st); !ok {
			return nil, fmt.Errorf("%w: no handler configured for stage %q", services.ErrConfiguration, st)
		}
	}
	return requested, nil
}
