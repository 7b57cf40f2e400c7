package health_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"docket/internal/health"
	"docket/internal/queue"
	"docket/internal/testsupport"
)

type fakeStats struct {
	stats queue.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) (queue.Stats, error) { return f.stats, f.err }

func TestCollectScenario(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	clock := testsupport.NewClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	store := testsupport.MustOpenStore(t, cfg, queue.WithClock(clock.Now))
	ctx := context.Background()
	lease := 15 * time.Minute

	for _, id := range []string{"p1", "p2", "p3"} {
		testsupport.NewHearing(t, store, id)
	}
	stuck := testsupport.NewHearing(t, store, "stuck")
	dead := testsupport.NewHearing(t, store, "dead")

	if _, err := store.ClaimStage(ctx, queue.StageSelector{HearingID: stuck.ID}, "crashed", lease); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	task, err := store.ClaimStage(ctx, queue.StageSelector{HearingID: dead.ID}, "worker", lease)
	if err != nil || task == nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if _, err := store.FailStage(ctx, task.ID, "worker", queue.Failure{Reason: "unparseable", Terminal: true}, testPolicy{}); err != nil {
		t.Fatalf("FailStage: %v", err)
	}

	// The crashed worker's lease expired 20 minutes ago.
	clock.Advance(lease + 20*time.Minute)

	report, err := health.Collect(ctx, store, clock.Now())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.StageTasks["pending"] != 3 {
		t.Fatalf("pending = %d, want 3", report.StageTasks["pending"])
	}
	if report.StaleLeases != 1 {
		t.Fatalf("stale_leases = %d, want 1", report.StaleLeases)
	}
	if report.DeadLetterCount != 1 {
		t.Fatalf("dead_letter_count = %d, want 1", report.DeadLetterCount)
	}
	if report.OldestPendingAge != lease+20*time.Minute {
		t.Fatalf("oldest pending age = %s", report.OldestPendingAge)
	}

	failures := report.Evaluate(health.Thresholds{MaxDeadLetter: 0})
	if len(failures) != 1 || !strings.Contains(failures[0], "dead_letter_count 1 exceeds 0") {
		t.Fatalf("expected dead-letter gate failure, got %v", failures)
	}

	again, err := health.Collect(ctx, store, clock.Now())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if again.StaleLeases != 1 || again.StageTasks["leased"] != 1 {
		t.Fatalf("collecting must not reclaim leases: %+v", again)
	}
}

type testPolicy struct{}

func (testPolicy) Budget() int { return 5 }
func (testPolicy) Delay(int) time.Duration { return time.Minute }

func TestEvaluateThresholds(t *testing.T) {
	oldest := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	now := oldest.Add(2 * time.Hour)
	report, err := health.Collect(context.Background(), fakeStats{stats: queue.Stats{
		OldestPendingAt: &oldest,
		DeadLetterOpen:  3,
	}}, now)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.OldestPendingSec != 7200 {
		t.Fatalf("oldest pending seconds = %d", report.OldestPendingSec)
	}

	tests := []struct {
		name     string
		th       health.Thresholds
		failures int
	}{
		{"both disabled", health.Thresholds{MaxAge: 0, MaxDeadLetter: -1}, 0},
		{"age within limit", health.Thresholds{MaxAge: 3 * time.Hour, MaxDeadLetter: -1}, 0},
		{"age exceeded", health.Thresholds{MaxAge: time.Hour, MaxDeadLetter: -1}, 1},
		{"dead-letter at limit", health.Thresholds{MaxDeadLetter: 3}, 0},
		{"dead-letter exceeded", health.Thresholds{MaxDeadLetter: 2}, 1},
		{"both exceeded", health.Thresholds{MaxAge: time.Minute, MaxDeadLetter: 0}, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := report.Evaluate(tc.th); len(got) != tc.failures {
				t.Fatalf("got %d failures (%v), want %d", len(got), got, tc.failures)
			}
		})
	}
}

func TestCollectEmptyQueuePasses(t *testing.T) {
	report, err := health.Collect(context.Background(), fakeStats{}, time.Now())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.OldestPendingAt != nil || report.OldestPendingAge != 0 {
		t.Fatalf("expected no pending age, got %+v", report)
	}
	if failures := report.Evaluate(health.Thresholds{MaxAge: time.Second, MaxDeadLetter: 0}); len(failures) != 0 {
		t.Fatalf("empty queue should pass, got %v", failures)
	}
}

func TestCollectPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("database is down")
	if _, err := health.Collect(context.Background(), fakeStats{err: boom}, time.Now()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
