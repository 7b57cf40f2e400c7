package workflow_test

import (
	"context"
	"errors"
	"testing"

	"docket/internal/queue"
	"docket/internal/services"
	"docket/internal/testsupport"
	"docket/internal/workflow"
)

func TestOutboxConsumerAcksDeliveredEvents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	event := publishHearing(t, e, "src-1")

	notifier := &recordingNotifier{}
	consumer := workflow.NewOutboxConsumer(e.cfg, e.store, notifier, nil)
	result, err := consumer.Drain(ctx, workflow.DrainOptions{MaxTasks: 5, WorkerID: "courier"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Claimed != 1 || result.Succeeded != 1 {
		t.Fatalf("unexpected drain result %+v", result)
	}
	if got := notifier.deliveries(); len(got) != 1 || got[0] != event.ID {
		t.Fatalf("unexpected deliveries %v", got)
	}

	acked, err := e.store.GetOutboxEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetOutboxEvent: %v", err)
	}
	if acked.Status != queue.EventAcked || acked.AckedAt == nil {
		t.Fatalf("expected acked event, got %s", acked.Status)
	}

	again, err := consumer.Drain(ctx, workflow.DrainOptions{MaxTasks: 5, WorkerID: "courier"})
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if again.Claimed != 0 {
		t.Fatalf("acked events must not be redelivered, claimed %d", again.Claimed)
	}
}

func TestOutboxConsumerRetriesDeadLettersAndReplays(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	event := publishHearing(t, e, "src-1")

	notifier := &recordingNotifier{}
	notifier.setErr(services.Wrap(services.ErrTransient, "outbox", "deliver", "webhook returned 503", nil))
	consumer := workflow.NewOutboxConsumer(e.cfg, e.store, notifier, nil, workflow.WithRetryPolicy(immediateRetry{budget: 2}))

	result, err := consumer.Drain(ctx, workflow.DrainOptions{MaxTasks: 5, WorkerID: "courier"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Claimed != 2 || result.Retried != 1 || result.DeadLettered != 1 {
		t.Fatalf("unexpected drain result %+v", result)
	}
	dead, err := e.store.GetOutboxEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetOutboxEvent: %v", err)
	}
	if dead.Status != queue.EventDeadLetter {
		t.Fatalf("expected dead_letter, got %s", dead.Status)
	}

	if _, err := e.store.RequeueOutboxEvent(ctx, event.ID); err != nil {
		t.Fatalf("RequeueOutboxEvent: %v", err)
	}
	notifier.setErr(nil)
	replayed, err := consumer.Drain(ctx, workflow.DrainOptions{MaxTasks: 5, WorkerID: "courier"})
	if err != nil {
		t.Fatalf("Drain after requeue: %v", err)
	}
	if replayed.Succeeded != 1 {
		t.Fatalf("expected replayed delivery, got %+v", replayed)
	}
	if got := notifier.deliveries(); len(got) != 1 || got[0] != event.ID {
		t.Fatalf("replay must reuse the original event id, got %v", got)
	}
	if _, err := e.store.GetDeadLetter(ctx, queue.SourceOutboxEvent, event.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("requeue should resolve the open dead-letter item, got %v", err)
	}
	items, err := e.store.ListDeadLetter(ctx, queue.DeadLetterFilter{IncludeResolved: true})
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if len(items) != 1 || items[0].ResolvedAt == nil || items[0].RequeuedAt == nil {
		t.Fatalf("expected one resolved dead-letter item, got %+v", items)
	}
}

func TestOutboxConsumerTerminalFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	publishHearing(t, e, "src-1")

	notifier := &recordingNotifier{}
	notifier.setErr(services.Wrap(services.ErrTerminal, "outbox", "deliver", "webhook returned 410", nil))
	consumer := workflow.NewOutboxConsumer(e.cfg, e.store, notifier, nil, workflow.WithRetryPolicy(immediateRetry{budget: 5}))

	result, err := consumer.Drain(ctx, workflow.DrainOptions{MaxTasks: 5})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Claimed != 1 || result.DeadLettered != 1 {
		t.Fatalf("expected immediate dead-letter, got %+v", result)
	}
}

func TestOutboxConsumerHonoursDigestSwitch(t *testing.T) {
	e := newEnv(t, testsupport.WithFeatures(true, true, false))
	ctx := context.Background()
	event := publishHearing(t, e, "src-1")

	notifier := &recordingNotifier{}
	consumer := workflow.NewOutboxConsumer(e.cfg, e.store, notifier, nil)
	result, err := consumer.Drain(ctx, workflow.DrainOptions{MaxTasks: 5})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !result.Disabled || len(notifier.deliveries()) != 0 {
		t.Fatalf("expected disabled no-op, got %+v", result)
	}
	pending, err := e.store.GetOutboxEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetOutboxEvent: %v", err)
	}
	if pending.Status != queue.EventPending {
		t.Fatalf("event should still be pending, got %s", pending.Status)
	}
}

func TestOutboxConsumerRequiresNotifier(t *testing.T) {
	e := newEnv(t)
	consumer := workflow.NewOutboxConsumer(e.cfg, e.store, nil, nil)
	if _, err := consumer.Drain(context.Background(), workflow.DrainOptions{MaxTasks: 1}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
