package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"docket/internal/config"
	"docket/internal/logging"
	"docket/internal/queue"
	"docket/internal/services"
	"docket/internal/workflow"
)

// ErrAlreadyRunning is returned by RunOnce when another single-shot producer
// holds the state directory's discovery lock.
var ErrAlreadyRunning = errors.New("another discovery run holds the lock")

// Result tallies a discovery drain.
type Result struct {
	Claimed   int  `json:"claimed"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Abandoned int  `json:"abandoned"`
	Found     int  `json:"found"`
	Created   int  `json:"created"`
	Duplicate int  `json:"duplicate"`
	Skipped   int  `json:"skipped"`
	DryRun    bool `json:"dry_run,omitempty"`
}

func (r Result) counts() queue.RunCounts {
	return queue.RunCounts{Claimed: r.Claimed, Succeeded: r.Completed, Failed: r.Failed}
}

// Option customizes a Producer.
type Option func(*Producer)

// WithRenewInterval overrides lease.renew_interval_seconds.
func WithRenewInterval(interval time.Duration) Option {
	return func(p *Producer) {
		p.renewer = workflow.NewLeaseRenewer(interval, p.logger)
	}
}

// Producer turns discovery windows into hearings and capture tasks.
type Producer struct {
	store    *queue.Store
	source   Source
	filter   Filter
	features config.FeatureSet
	renewer  *workflow.LeaseRenewer
	lease    time.Duration
	lock     *flock.Flock
	lockPath string
	logger   *slog.Logger
}

// NewProducer wires a producer from config.
func NewProducer(cfg *config.Config, store *queue.Store, source Source, logger *slog.Logger, opts ...Option) *Producer {
	logger = logging.NewComponentLogger(logger, "discovery")
	lockPath := cfg.LockPath("discover")
	p := &Producer{
		store:    store,
		source:   source,
		filter:   FilterFromConfig(cfg),
		features: cfg.ResolveFeatures(),
		renewer:  workflow.NewLeaseRenewer(cfg.RenewInterval(), logger),
		lease:    cfg.LeaseDuration(),
		lock:     flock.New(lockPath),
		lockPath: lockPath,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue records w as a pending discovery job. Enqueueing a window that
// already finished re-arms it.
func (p *Producer) Enqueue(ctx context.Context, w Window) (*queue.DiscoveryJob, bool, error) {
	job, queued, err := p.store.EnqueueDiscovery(ctx, w.Start, w.End)
	if err != nil {
		return nil, false, err
	}
	p.logger.Info("discovery window enqueued",
		logging.String(logging.FieldEventType, "discovery_enqueued"),
		logging.String("job_id", job.ID),
		logging.String("window", w.String()),
		logging.Bool("queued", queued),
		logging.String("status", string(job.Status)),
	)
	return job, queued, nil
}

// Drain claims up to opts.MaxTasks discovery jobs and runs the source for
// each. Source failures mark the job failed; the returned error is reserved
// for store and configuration problems.
func (p *Producer) Drain(ctx context.Context, opts workflow.DrainOptions) (Result, error) {
	if opts.MaxTasks <= 0 {
		return Result{}, fmt.Errorf("%w: max tasks must be positive", services.ErrConfiguration)
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = p.lease
	}
	if opts.WorkerID == "" {
		opts.WorkerID = workflow.NewWorkerID("discovery")
	}
	return p.run(ctx, queue.RoleDrainDiscovery, opts, func(ctx context.Context) (*queue.DiscoveryJob, error) {
		return p.store.ClaimDiscovery(ctx, opts.WorkerID, opts.LeaseDuration)
	})
}

// RunOnce enqueues w and processes that window immediately. Only one RunOnce
// may hold a state directory at a time.
func (p *Producer) RunOnce(ctx context.Context, w Window) (Result, error) {
	locked, err := p.lock.TryLock()
	if err != nil {
		return Result{}, fmt.Errorf("acquire discovery lock: %w", err)
	}
	if !locked {
		return Result{}, fmt.Errorf("%w (%s)", ErrAlreadyRunning, p.lockPath)
	}
	defer func() {
		if err := p.lock.Unlock(); err != nil {
			p.logger.Warn("failed to release discovery lock", logging.Error(err))
		}
	}()

	job, _, err := p.Enqueue(ctx, w)
	if err != nil {
		return Result{}, err
	}
	opts := workflow.DrainOptions{MaxTasks: 1, LeaseDuration: p.lease, WorkerID: workflow.NewWorkerID("discover")}
	return p.run(ctx, queue.RoleDiscover, opts, func(ctx context.Context) (*queue.DiscoveryJob, error) {
		return p.store.ClaimDiscoveryJob(ctx, job.ID, opts.WorkerID, opts.LeaseDuration)
	})
}

func (p *Producer) run(
	ctx context.Context,
	role string,
	opts workflow.DrainOptions,
	claim func(context.Context) (*queue.DiscoveryJob, error),
) (Result, error) {
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, p.logger)
	result := Result{DryRun: !p.features.QueueWrite()}

	runID, err := p.store.StartRun(ctx, role, map[string]any{
		"max_tasks":     opts.MaxTasks,
		"lease_seconds": int(opts.LeaseDuration / time.Second),
		"worker_id":     opts.WorkerID,
		"dry_run":       result.DryRun,
	})
	if err != nil {
		return result, fmt.Errorf("record discovery run: %w", err)
	}
	if result.DryRun {
		logger.Info("queue writes disabled; discovery will count hearings without inserting",
			logging.String(logging.FieldEventType, "discovery_dry_run"),
		)
	}

	var runErr error
	for range opts.MaxTasks {
		if ctx.Err() != nil {
			break
		}
		job, err := claim(ctx)
		if err != nil {
			runErr = fmt.Errorf("claim discovery job: %w", err)
			break
		}
		if job == nil {
			break
		}
		result.Claimed++
		if err := p.process(ctx, job, opts, &result); err != nil {
			runErr = err
			break
		}
	}

	if err := p.store.FinishRun(context.WithoutCancel(ctx), runID, result.counts(), runErr); err != nil {
		logging.WarnWithContext(logger, "failed to record discovery run", "run_audit_failed",
			logging.String("run_id", runID),
			logging.Error(err),
		)
	}
	if runErr != nil {
		logging.ErrorWithContext(logger, "discovery aborted", "discovery_failed",
			logging.String(logging.FieldErrorHint, "check queue database access"),
			logging.Error(runErr),
		)
		return result, runErr
	}
	logger.Info("discovery finished",
		logging.String(logging.FieldEventType, "discovery_complete"),
		logging.String("run_id", runID),
		logging.Int("claimed", result.Claimed),
		logging.Int("found", result.Found),
		logging.Int("created", result.Created),
		logging.Int("duplicate", result.Duplicate),
		logging.Int("skipped", result.Skipped),
		logging.Bool("dry_run", result.DryRun),
	)
	return result, nil
}

// process runs the source for one claimed job. It returns an error only for
// store failures.
func (p *Producer) process(ctx context.Context, job *queue.DiscoveryJob, opts workflow.DrainOptions, result *Result) error {
	window := Window{Start: job.WindowStart, End: job.WindowEnd}
	logger := logging.WithContext(ctx, p.logger).With(
		logging.String("job_id", job.ID),
		logging.String("window", window.String()),
		logging.String(logging.FieldWorkerID, opts.WorkerID),
	)

	holdCtx, release := p.renewer.Hold(ctx, func(ctx context.Context) error {
		_, err := p.store.RenewDiscovery(ctx, job.ID, opts.WorkerID, opts.LeaseDuration)
		return err
	})
	found, discoverErr := p.source.Discover(holdCtx, window)
	var (
		accepted int
		storeErr error
	)
	if discoverErr == nil {
		accepted, storeErr = p.enqueueFound(holdCtx, job, found, result, logger)
	}
	lost := release()

	if lost != nil || (ctx.Err() != nil && (discoverErr != nil || storeErr != nil)) {
		result.Abandoned++
		logger.Warn("discovery job abandoned",
			logging.String(logging.FieldEventType, "discovery_abandoned"),
			logging.String(logging.FieldErrorHint, "the window will be reclaimed after its lease expires"),
		)
		return nil
	}
	if storeErr != nil {
		return storeErr
	}
	if discoverErr != nil {
		if err := p.store.FailDiscovery(ctx, job.ID, opts.WorkerID, discoverErr.Error()); err != nil {
			return p.ownershipLost(err, result, logger)
		}
		result.Failed++
		logging.WarnWithContext(logger, "discovery source failed", "discovery_job_failed",
			logging.String(logging.FieldErrorHint, "enqueue the window again to retry"),
			logging.Error(discoverErr),
		)
		return nil
	}
	if err := p.store.CompleteDiscovery(ctx, job.ID, opts.WorkerID, accepted); err != nil {
		return p.ownershipLost(err, result, logger)
	}
	result.Completed++
	logger.Info("discovery job complete",
		logging.String(logging.FieldEventType, "discovery_job_complete"),
		logging.Int("hearings_found", accepted),
	)
	return nil
}

func (p *Producer) ownershipLost(err error, result *Result, logger *slog.Logger) error {
	if errors.Is(err, queue.ErrLeaseNotOwned) {
		result.Abandoned++
		logger.Warn("discovery lease lost before recording result",
			logging.String(logging.FieldEventType, "discovery_abandoned"),
			logging.Error(err),
		)
		return nil
	}
	return fmt.Errorf("record discovery result: %w", err)
}

// enqueueFound queues every accepted hearing and returns how many passed
// the filter. Under a dry run nothing is inserted.
func (p *Producer) enqueueFound(ctx context.Context, job *queue.DiscoveryJob, found []Found, result *Result, logger *slog.Logger) (int, error) {
	accepted := 0
	for _, f := range found {
		result.Found++
		if strings.TrimSpace(f.SourceID) == "" {
			result.Skipped++
			logger.Warn("discovery result without source id",
				logging.String(logging.FieldEventType, "discovery_result_invalid"),
				logging.String("title", f.Title),
			)
			continue
		}
		if ok, reason := p.filter.Allow(f.CommitteeKey); !ok {
			result.Skipped++
			logger.Debug("discovery result filtered",
				logging.String("source_id", f.SourceID),
				logging.String("committee_key", f.CommitteeKey),
				logging.String("reason", reason),
			)
			continue
		}
		accepted++
		if result.DryRun {
			continue
		}
		hearing, created, err := p.store.EnqueueHearing(ctx, queue.NewHearing{
			SourceID:       f.SourceID,
			CommitteeKey:   f.CommitteeKey,
			HearingDate:    f.HearingDate,
			Title:          f.Title,
			DiscoveryJobID: job.ID,
		})
		if err != nil {
			return accepted, fmt.Errorf("enqueue hearing %s: %w", f.SourceID, err)
		}
		if !created {
			result.Duplicate++
			continue
		}
		result.Created++
		logger.Info("hearing enqueued",
			logging.String(logging.FieldEventType, "hearing_enqueued"),
			logging.String(logging.FieldHearingID, hearing.ID),
			logging.String("source_id", f.SourceID),
		)
	}
	return accepted, nil
}
