package workflow_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"docket/internal/config"
	"docket/internal/queue"
	"docket/internal/stage"
	"docket/internal/testsupport"
	"docket/internal/workflow"
)

var epoch = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// immediateRetry schedules retries at the current instant so a single drain
// can walk a task through its whole budget.
type immediateRetry struct{ budget int }

func (p immediateRetry) Budget() int { return p.budget }
func (p immediateRetry) Delay(int) time.Duration { return 0 }

type env struct {
	cfg   *config.Config
	store *queue.Store
	clock *testsupport.Clock
}

func newEnv(t *testing.T, opts ...testsupport.ConfigOption) env {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	clock := testsupport.NewClock(epoch)
	store := testsupport.MustOpenStore(t, cfg, queue.WithClock(clock.Now))
	return env{cfg: cfg, store: store, clock: clock}
}

func checkpoint(fields map[string]any) stage.Checkpoint {
	data, _ := json.Marshal(fields)
	return data
}

// pipelineRegistry registers in-process handlers for the first three stages
// and the real publish handler.
func pipelineRegistry(cfg *config.Config) *stage.Registry {
	reg := stage.NewRegistry()
	reg.Register(queue.StageCapture, stage.HandlerFunc(func(_ context.Context, in stage.Input) (stage.Checkpoint, error) {
		return checkpoint(map[string]any{"audio_path": "capture/" + in.Hearing.ID + ".wav"}), nil
	}))
	reg.Register(queue.StageExtract, stage.HandlerFunc(func(_ context.Context, in stage.Input) (stage.Checkpoint, error) {
		return checkpoint(map[string]any{"raw_text": "chair: the committee will come to order"}), nil
	}))
	reg.Register(queue.StageNormalize, stage.HandlerFunc(func(_ context.Context, in stage.Input) (stage.Checkpoint, error) {
		fields, err := stage.DecodeCheckpoint(string(in.Stage), in.Prior)
		if err != nil {
			return nil, err
		}
		return checkpoint(map[string]any{"transcript_text": "CHAIR: " + fields["raw_text"].(string)}), nil
	}))
	reg.Register(queue.StagePublish, stage.NewPublishHandler(cfg.Paths.TranscriptsDir, nil))
	return reg
}

func singleStage(st queue.Stage, fn stage.HandlerFunc) *stage.Registry {
	reg := stage.NewRegistry()
	reg.Register(st, fn)
	return reg
}

type recordingNotifier struct {
	mu        sync.Mutex
	err       error
	delivered []string
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Deliver(_ context.Context, event queue.OutboxEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.delivered = append(n.delivered, event.ID)
	return nil
}

func (n *recordingNotifier) setErr(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

func (n *recordingNotifier) deliveries() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.delivered...)
}

// publishHearing drives one hearing through every stage and returns its
// outbox event.
func publishHearing(t *testing.T, e env, sourceID string) *queue.OutboxEvent {
	t.Helper()
	ctx := context.Background()
	hearing := testsupport.NewHearing(t, e.store, sourceID)
	worker := workflow.NewStageWorker(e.cfg, e.store, pipelineRegistry(e.cfg), nil, workflow.WithRetryPolicy(immediateRetry{budget: 5}))
	if _, err := worker.Drain(ctx, workflow.DrainOptions{MaxTasks: 10, WorkerID: "pipeline"}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	events, err := e.store.ListOutbox(ctx, hearing.ID)
	if err != nil {
		t.Fatalf("ListOutbox: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one outbox event for %s, got %d", sourceID, len(events))
	}
	return events[0]
}
