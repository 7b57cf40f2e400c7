package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docket/internal/queue"
	"docket/internal/stageexec"
)

// DrainOptions bounds one drain invocation.
type DrainOptions struct {
	MaxTasks      int
	LeaseDuration time.Duration
	WorkerID      string
	Concurrency   int
	Stages        []queue.Stage
}

// DrainResult tallies what a drain did. Disabled is set when a feature
// switch turned the drain into a no-op.
type DrainResult struct {
	Claimed      int  `json:"claimed"`
	Succeeded    int  `json:"succeeded"`
	Retried      int  `json:"retried"`
	DeadLettered int  `json:"dead_lettered"`
	Abandoned    int  `json:"abandoned"`
	Disabled     bool `json:"disabled,omitempty"`
}

// Failed counts claims that ended in a recorded failure.
func (r DrainResult) Failed() int {
	return r.Retried + r.DeadLettered
}

func (r DrainResult) counts() queue.RunCounts {
	return queue.RunCounts{Claimed: r.Claimed, Succeeded: r.Succeeded, Failed: r.Failed()}
}

// NewWorkerID returns a lease owner identity unique to this process.
func NewWorkerID(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%s-%d-%s", role, host, os.Getpid(), uuid.NewString()[:8])
}

func (o DrainOptions) normalize(role string, defaultLease time.Duration) (DrainOptions, error) {
	if o.MaxTasks <= 0 {
		return o, errors.New("max tasks must be positive")
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = defaultLease
	}
	if o.LeaseDuration <= 0 {
		return o, errors.New("lease duration must be positive")
	}
	if o.WorkerID == "" {
		o.WorkerID = NewWorkerID(role)
	}
	return o, nil
}

type tally struct {
	claimed      atomic.Int64
	succeeded    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	abandoned    atomic.Int64
}

func (t *tally) record(outcome stageexec.Outcome) {
	switch outcome {
	case stageexec.Completed:
		t.succeeded.Add(1)
	case stageexec.Retried:
		t.retried.Add(1)
	case stageexec.DeadLettered:
		t.deadLettered.Add(1)
	case stageexec.Abandoned:
		t.abandoned.Add(1)
	}
}

func (t *tally) result() DrainResult {
	return DrainResult{
		Claimed:      int(t.claimed.Load()),
		Succeeded:    int(t.succeeded.Load()),
		Retried:      int(t.retried.Load()),
		DeadLettered: int(t.deadLettered.Load()),
		Abandoned:    int(t.abandoned.Load()),
	}
}

// step claims and processes at most one item. It reports false when nothing
// was claimable.
type step func(ctx context.Context, workerID string) (bool, error)

// runLoops runs opts.Concurrency independent claim loops that share the
// MaxTasks budget. A loop stops when the budget is spent, the queue is empty,
// or ctx is cancelled. The first store error stops every loop.
func runLoops(ctx context.Context, opts DrainOptions, next step) error {
	var budget atomic.Int64
	budget.Store(int64(opts.MaxTasks))

	group, groupCtx := errgroup.WithContext(ctx)
	for i := range opts.Concurrency {
		workerID := opts.WorkerID
		if opts.Concurrency > 1 {
			workerID = fmt.Sprintf("%s/%d", opts.WorkerID, i+1)
		}
		group.Go(func() error {
			for {
				if groupCtx.Err() != nil {
					return nil
				}
				if budget.Add(-1) < 0 {
					return nil
				}
				claimed, err := next(groupCtx, workerID)
				if err != nil {
					if groupCtx.Err() != nil && errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				if !claimed {
					return nil
				}
			}
		})
	}
	return group.Wait()
}
