package workflow_test

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"docket/internal/queue"
	"docket/internal/services"
	"docket/internal/stage"
	"docket/internal/testsupport"
	"docket/internal/workflow"
)

func TestStageWorkerRunsPipelineToOutbox(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	hearing := testsupport.NewHearing(t, e.store, "src-1")

	worker := workflow.NewStageWorker(e.cfg, e.store, pipelineRegistry(e.cfg), nil, workflow.WithRetryPolicy(immediateRetry{budget: 5}))
	result, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 10, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Claimed != 4 || result.Succeeded != 4 || result.Failed() != 0 {
		t.Fatalf("unexpected drain result %+v", result)
	}

	got, err := e.store.GetHearing(ctx, hearing.ID)
	if err != nil {
		t.Fatalf("GetHearing: %v", err)
	}
	if got.Status != queue.HearingCompleted {
		t.Fatalf("expected hearing completed, got %s", got.Status)
	}

	events, err := e.store.ListOutbox(ctx, hearing.ID)
	if err != nil {
		t.Fatalf("ListOutbox: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one outbox event, got %d", len(events))
	}
	payload, err := events[0].DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.PublishVersion != 1 || payload.HearingID != hearing.ID {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if _, err := os.Stat(payload.TranscriptPath); err != nil {
		t.Fatalf("transcript not written at %q: %v", payload.TranscriptPath, err)
	}

	runs, err := e.store.ListRuns(ctx, 5)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Role != queue.RoleDrainStage || runs[0].Status != queue.RunCompleted || runs[0].Succeeded != 4 {
		t.Fatalf("unexpected run audit %+v", runs)
	}

	again, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 10, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if again.Claimed != 0 {
		t.Fatalf("expected empty queue, claimed %d", again.Claimed)
	}
}

func TestStageWorkerRetriesThenDeadLetters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	hearing := testsupport.NewHearing(t, e.store, "src-flaky")

	var calls atomic.Int32
	reg := singleStage(queue.StageCapture, func(context.Context, stage.Input) (stage.Checkpoint, error) {
		calls.Add(1)
		return nil, services.Wrap(services.ErrTransient, "capture", "fetch", "upstream timed out", nil)
	})
	worker := workflow.NewStageWorker(e.cfg, e.store, reg, nil, workflow.WithRetryPolicy(immediateRetry{budget: 5}))

	result, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 10, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Claimed != 5 || result.Retried != 4 || result.DeadLettered != 1 {
		t.Fatalf("unexpected drain result %+v", result)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 handler calls, got %d", calls.Load())
	}

	task, err := e.store.GetStageTask(ctx, hearing.ID, queue.StageCapture, 1)
	if err != nil {
		t.Fatalf("GetStageTask: %v", err)
	}
	if task.Status != queue.TaskDeadLetter || task.AttemptCount != 5 {
		t.Fatalf("expected dead_letter after 5 attempts, got %s/%d", task.Status, task.AttemptCount)
	}
	items, err := e.store.ListDeadLetter(ctx, queue.DeadLetterFilter{})
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if len(items) != 1 || items[0].SourceKey != task.Key() {
		t.Fatalf("unexpected dead-letter items %+v", items)
	}

	hearingRow, err := e.store.GetHearing(ctx, hearing.ID)
	if err != nil {
		t.Fatalf("GetHearing: %v", err)
	}
	if hearingRow.Status != queue.HearingFailed {
		t.Fatalf("expected hearing failed, got %s", hearingRow.Status)
	}
}

func TestStageWorkerTerminalFailureSkipsRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	testsupport.NewHearing(t, e.store, "src-bad")

	reg := singleStage(queue.StageCapture, func(context.Context, stage.Input) (stage.Checkpoint, error) {
		return nil, services.Terminal("capture", "fetch", "no media for hearing", nil)
	})
	worker := workflow.NewStageWorker(e.cfg, e.store, reg, nil, workflow.WithRetryPolicy(immediateRetry{budget: 5}))

	result, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 10, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Claimed != 1 || result.DeadLettered != 1 || result.Retried != 0 {
		t.Fatalf("unexpected drain result %+v", result)
	}
}

func TestStageWorkerInvalidCheckpointIsTerminal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	hearing := testsupport.NewHearing(t, e.store, "src-garbled")

	reg := singleStage(queue.StageCapture, func(context.Context, stage.Input) (stage.Checkpoint, error) {
		return stage.Checkpoint(`{"unterminated":`), nil
	})
	worker := workflow.NewStageWorker(e.cfg, e.store, reg, nil, workflow.WithRetryPolicy(immediateRetry{budget: 5}))

	result, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 3, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.DeadLettered != 1 {
		t.Fatalf("expected dead-letter, got %+v", result)
	}
	if _, err := e.store.GetStageTask(ctx, hearing.ID, queue.StageExtract, 1); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("extract must not be enqueued, got %v", err)
	}
}

func TestStageWorkerHonoursQueueReadSwitch(t *testing.T) {
	e := newEnv(t, testsupport.WithFeatures(true, false, true))
	ctx := context.Background()
	hearing := testsupport.NewHearing(t, e.store, "src-1")

	var calls atomic.Int32
	reg := singleStage(queue.StageCapture, func(context.Context, stage.Input) (stage.Checkpoint, error) {
		calls.Add(1)
		return nil, nil
	})
	worker := workflow.NewStageWorker(e.cfg, e.store, reg, nil)
	result, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 10})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !result.Disabled || result.Claimed != 0 || calls.Load() != 0 {
		t.Fatalf("expected disabled no-op, got %+v (calls %d)", result, calls.Load())
	}
	task, err := e.store.GetStageTask(ctx, hearing.ID, queue.StageCapture, 1)
	if err != nil {
		t.Fatalf("GetStageTask: %v", err)
	}
	if task.Status != queue.TaskPending {
		t.Fatalf("task should stay pending, got %s", task.Status)
	}
}

func TestStageWorkerReclaimsCrashedLease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	hearing := testsupport.NewHearing(t, e.store, "src-crash")

	crashed, err := e.store.ClaimStage(ctx, queue.StageSelector{}, "crashed-worker", 15*time.Minute)
	if err != nil || crashed == nil {
		t.Fatalf("ClaimStage: %v (%v)", crashed, err)
	}

	reg := singleStage(queue.StageCapture, func(context.Context, stage.Input) (stage.Checkpoint, error) {
		return checkpoint(map[string]any{"audio_path": "a.wav"}), nil
	})
	worker := workflow.NewStageWorker(e.cfg, e.store, reg, nil, workflow.WithRetryPolicy(immediateRetry{budget: 5}))

	before, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 1, WorkerID: "w2"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if before.Claimed != 0 {
		t.Fatalf("live lease must not be reclaimed, got %+v", before)
	}

	e.clock.Advance(16 * time.Minute)
	after, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 1, WorkerID: "w2"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if after.Succeeded != 1 {
		t.Fatalf("expected reclaimed task to complete, got %+v", after)
	}
	task, err := e.store.GetStageTask(ctx, hearing.ID, queue.StageCapture, 1)
	if err != nil {
		t.Fatalf("GetStageTask: %v", err)
	}
	if task.Status != queue.TaskDone || task.AttemptCount != 0 {
		t.Fatalf("expected done with no recorded attempts, got %s/%d", task.Status, task.AttemptCount)
	}
}

func TestStageWorkerAbandonsLostLease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	hearing := testsupport.NewHearing(t, e.store, "src-stolen")

	reg := singleStage(queue.StageCapture, func(ctx context.Context, _ stage.Input) (stage.Checkpoint, error) {
		e.clock.Advance(20 * time.Minute)
		stolen, err := e.store.ClaimStage(context.Background(), queue.StageSelector{}, "thief", 15*time.Minute)
		if err != nil || stolen == nil {
			return nil, errors.New("expected the expired lease to be reclaimable")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return checkpoint(map[string]any{"late": true}), nil
		}
	})
	worker := workflow.NewStageWorker(e.cfg, e.store, reg, nil,
		workflow.WithRetryPolicy(immediateRetry{budget: 5}),
		workflow.WithRenewInterval(10*time.Millisecond),
	)

	result, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 1, WorkerID: "slow"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Abandoned != 1 || result.Succeeded != 0 || result.Failed() != 0 {
		t.Fatalf("expected abandoned task, got %+v", result)
	}
	task, err := e.store.GetStageTask(ctx, hearing.ID, queue.StageCapture, 1)
	if err != nil {
		t.Fatalf("GetStageTask: %v", err)
	}
	if task.Status != queue.TaskLeased || task.LeaseOwner != "thief" || task.AttemptCount != 0 {
		t.Fatalf("task must be left to the new owner, got %s/%s/%d", task.Status, task.LeaseOwner, task.AttemptCount)
	}
}

func TestStageWorkerSharesBudgetAcrossLoops(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		testsupport.NewHearing(t, e.store, "src-"+id)
	}

	reg := singleStage(queue.StageCapture, func(context.Context, stage.Input) (stage.Checkpoint, error) {
		return checkpoint(map[string]any{"ok": true}), nil
	})
	worker := workflow.NewStageWorker(e.cfg, e.store, reg, nil)
	result, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 3, Concurrency: 4, WorkerID: "pool"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Claimed != 3 || result.Succeeded != 3 {
		t.Fatalf("expected the shared budget of 3 to be honoured, got %+v", result)
	}
}

func TestStageWorkerConfigurationErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reg := singleStage(queue.StageCapture, func(context.Context, stage.Input) (stage.Checkpoint, error) {
		return nil, nil
	})
	worker := workflow.NewStageWorker(e.cfg, e.store, reg, nil)

	if _, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 5, Stages: []queue.Stage{queue.StageExtract}}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for unhandled stage, got %v", err)
	}
	if _, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 0}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for zero budget, got %v", err)
	}
}
