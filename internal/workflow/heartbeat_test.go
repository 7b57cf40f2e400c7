package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"docket/internal/queue"
	"docket/internal/workflow"
)

func TestLeaseRenewerRenewsUntilReleased(t *testing.T) {
	renewer := workflow.NewLeaseRenewer(5*time.Millisecond, nil)
	var renewals atomic.Int32
	ctx, release := renewer.Hold(context.Background(), func(context.Context) error {
		renewals.Add(1)
		return nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for renewals.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if renewals.Load() < 2 {
		t.Fatalf("expected repeated renewals, got %d", renewals.Load())
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("held context should be cancelled after release")
	}
	after := renewals.Load()
	time.Sleep(20 * time.Millisecond)
	if renewals.Load() != after {
		t.Fatal("renewals continued after release")
	}
}

func TestLeaseRenewerCancelsOnLostLease(t *testing.T) {
	renewer := workflow.NewLeaseRenewer(5*time.Millisecond, nil)
	ctx, release := renewer.Hold(context.Background(), func(context.Context) error {
		return queue.ErrLeaseNotOwned
	})

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled after the lease was lost")
	}
	if cause := context.Cause(ctx); !errors.Is(cause, queue.ErrLeaseNotOwned) {
		t.Fatalf("expected lease cause, got %v", cause)
	}
	if err := release(); !errors.Is(err, queue.ErrLeaseNotOwned) {
		t.Fatalf("expected ErrLeaseNotOwned from release, got %v", err)
	}
}

func TestLeaseRenewerToleratesTransientErrors(t *testing.T) {
	renewer := workflow.NewLeaseRenewer(5*time.Millisecond, nil)
	var renewals atomic.Int32
	ctx, release := renewer.Hold(context.Background(), func(context.Context) error {
		renewals.Add(1)
		return errors.New("database is locked")
	})

	deadline := time.Now().Add(2 * time.Second)
	for renewals.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ctx.Err() != nil {
		t.Fatalf("transient renewal errors must not cancel work: %v", ctx.Err())
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestLeaseRenewerDisabledInterval(t *testing.T) {
	renewer := workflow.NewLeaseRenewer(0, nil)
	var renewals atomic.Int32
	_, release := renewer.Hold(context.Background(), func(context.Context) error {
		renewals.Add(1)
		return nil
	})
	time.Sleep(10 * time.Millisecond)
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if renewals.Load() != 0 {
		t.Fatalf("disabled renewer should not renew, got %d", renewals.Load())
	}
}
