package services_test

import (
	"context"
	"testing"

	"docket/internal/services"
)

func TestContextHelpersRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithHearingID(ctx, "h-1")
	ctx = services.WithStage(ctx, "capture")
	ctx = services.WithWorkerID(ctx, "worker-a")
	ctx = services.WithRequestID(ctx, "req-9")
	ctx = services.WithEventID(ctx, "evt-3")

	if id, ok := services.HearingIDFromContext(ctx); !ok || id != "h-1" {
		t.Fatalf("unexpected hearing id %q (%v)", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "capture" {
		t.Fatalf("unexpected stage %q (%v)", stage, ok)
	}
	if worker, ok := services.WorkerIDFromContext(ctx); !ok || worker != "worker-a" {
		t.Fatalf("unexpected worker %q (%v)", worker, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-9" {
		t.Fatalf("unexpected request id %q (%v)", rid, ok)
	}
	if eid, ok := services.EventIDFromContext(ctx); !ok || eid != "evt-3" {
		t.Fatalf("unexpected event id %q (%v)", eid, ok)
	}
}

func TestContextHelpersIgnoreEmptyValues(t *testing.T) {
	ctx := services.WithStage(context.Background(), "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected empty stage to be ignored")
	}
	if _, ok := services.HearingIDFromContext(services.WithHearingID(context.Background(), "")); ok {
		t.Fatal("expected empty hearing id to be ignored")
	}
}
