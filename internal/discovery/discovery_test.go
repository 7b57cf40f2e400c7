package discovery_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"docket/internal/config"
	"docket/internal/discovery"
	"docket/internal/queue"
	"docket/internal/services"
	"docket/internal/testsupport"
	"docket/internal/workflow"
)

var epoch = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

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

func staticSource(found ...discovery.Found) (discovery.Source, *atomic.Int32) {
	var calls atomic.Int32
	return discovery.SourceFunc(func(context.Context, discovery.Window) ([]discovery.Found, error) {
		calls.Add(1)
		return found, nil
	}), &calls
}

func TestNewWindow(t *testing.T) {
	now := time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC)
	tests := []struct {
		days       int
		start, end string
	}{
		{1, "2026-03-02", "2026-03-03"},
		{3, "2026-02-28", "2026-03-03"},
		{0, "2026-03-02", "2026-03-03"},
	}
	for _, tc := range tests {
		w := discovery.NewWindow(now, tc.days)
		if got := w.Start.Format(time.DateOnly); got != tc.start {
			t.Fatalf("days=%d start = %s, want %s", tc.days, got, tc.start)
		}
		if got := w.End.Format(time.DateOnly); got != tc.end {
			t.Fatalf("days=%d end = %s, want %s", tc.days, got, tc.end)
		}
		if !w.Contains(now) || w.Contains(w.End) {
			t.Fatalf("window %s should be half-open around now", w)
		}
	}
}

func TestFilter(t *testing.T) {
	filter := discovery.NewFilter(map[string]int{
		"Senate.Finance":   1,
		"senate.judiciary": 2,
	}, 1)
	if ok, _ := filter.Allow(" senate.finance "); !ok {
		t.Fatal("tier 1 committee should pass")
	}
	if ok, reason := filter.Allow("senate.judiciary"); ok || reason == "" {
		t.Fatalf("tier 2 committee should be filtered, got ok=%t reason=%q", ok, reason)
	}
	if ok, _ := filter.Allow("house.budget"); ok {
		t.Fatal("untracked committee should be filtered")
	}
	if ok, _ := discovery.NewFilter(nil, 1).Allow("anything"); !ok {
		t.Fatal("empty committee set accepts everything")
	}
}

func TestCommandSourceParsesJSONLines(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "bin")
	script := testsupport.WriteScript(t, bin, "find-hearings.sh", `cat >/dev/null
echo '{"source_id":"ev-1","committee_key":"senate.finance","hearing_date":"'"$DOCKET_WINDOW_START"'","title":"Budget"}'
echo
echo '{"source_id":"ev-2","committee_key":"house.budget","hearing_date":"2026-03-02","title":"Outlook"}'`)

	cfg := config.Default()
	cfg.Discovery.Command = []string{script}
	cfg.Discovery.TimeoutSeconds = 10
	src := discovery.NewCommandSource(&cfg, nil)

	found, err := src.Discover(context.Background(), discovery.NewWindow(epoch, 1))
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 2 || found[0].SourceID != "ev-1" || found[1].Title != "Outlook" {
		t.Fatalf("unexpected results %+v", found)
	}
	if found[0].HearingDate != "2026-03-02" {
		t.Fatalf("window env not passed, got %q", found[0].HearingDate)
	}
}

func TestCommandSourceFailures(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "bin")
	cases := []struct {
		name   string
		body   string
		marker error
	}{
		{"exit", "echo 'upstream 502' >&2; exit 2", services.ErrExternalTool},
		{"garbage", "echo 'not json'", services.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Discovery.Command = []string{testsupport.WriteScript(t, bin, tc.name+".sh", tc.body)}
			_, err := discovery.NewCommandSource(&cfg, nil).Discover(context.Background(), discovery.NewWindow(epoch, 1))
			if !errors.Is(err, tc.marker) {
				t.Fatalf("expected %v, got %v", tc.marker, err)
			}
		})
	}

	cfg := config.Default()
	if _, err := discovery.NewCommandSource(&cfg, nil).Discover(context.Background(), discovery.NewWindow(epoch, 1)); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("missing command should be a configuration error, got %v", err)
	}
}

func TestProducerDrainEnqueuesHearings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, calls := staticSource(
		discovery.Found{SourceID: "ev-1", CommitteeKey: "senate.finance", HearingDate: "2026-03-02", Title: "Budget"},
		discovery.Found{SourceID: "ev-1", CommitteeKey: "senate.finance", HearingDate: "2026-03-02", Title: "Budget"},
		discovery.Found{SourceID: "ev-2", CommitteeKey: "house.budget", HearingDate: "2026-03-02", Title: "Outlook"},
		discovery.Found{Title: "no id"},
	)
	producer := discovery.NewProducer(e.cfg, e.store, src, nil)

	job, queued, err := producer.Enqueue(ctx, discovery.NewWindow(epoch, 1))
	if err != nil || !queued {
		t.Fatalf("Enqueue: queued=%t err=%v", queued, err)
	}
	if _, again, err := producer.Enqueue(ctx, discovery.NewWindow(epoch, 1)); err != nil || again {
		t.Fatalf("pending window must not be queued twice: queued=%t err=%v", again, err)
	}

	result, err := producer.Drain(ctx, workflow.DrainOptions{MaxTasks: 5, WorkerID: "producer"})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("source called %d times, want 1", calls.Load())
	}
	if result.Claimed != 1 || result.Completed != 1 || result.Found != 4 || result.Created != 2 || result.Duplicate != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	done, err := e.store.GetDiscoveryJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetDiscoveryJob: %v", err)
	}
	if done.Status != queue.DiscoveryDone || done.HearingsFound != 3 {
		t.Fatalf("unexpected job %+v", done)
	}

	hearings, err := e.store.ListHearings(ctx)
	if err != nil {
		t.Fatalf("ListHearings: %v", err)
	}
	if len(hearings) != 2 {
		t.Fatalf("expected 2 hearings, got %d", len(hearings))
	}
	for _, h := range hearings {
		if h.DiscoveryJobID != job.ID {
			t.Fatalf("hearing %s not linked to job", h.ID)
		}
		tasks, err := e.store.ListStageTasks(ctx, h.ID)
		if err != nil {
			t.Fatalf("ListStageTasks: %v", err)
		}
		if len(tasks) != 1 || tasks[0].Stage != queue.StageCapture || tasks[0].PublishVersion != 1 {
			t.Fatalf("expected one capture v1 task, got %+v", tasks)
		}
	}

	runs, err := e.store.ListRuns(ctx, 5)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Role != queue.RoleDrainDiscovery || runs[0].Succeeded != 1 {
		t.Fatalf("expected one drain-discovery run, got %+v", runs)
	}
}

func TestProducerAppliesCommitteeFilter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.cfg.Discovery.Committees = map[string]int{"senate.finance": 1, "senate.judiciary": 2}
	e.cfg.Discovery.MaxTier = 1
	src, _ := staticSource(
		discovery.Found{SourceID: "ev-1", CommitteeKey: "senate.finance"},
		discovery.Found{SourceID: "ev-2", CommitteeKey: "senate.judiciary"},
		discovery.Found{SourceID: "ev-3", CommitteeKey: "house.budget"},
	)
	producer := discovery.NewProducer(e.cfg, e.store, src, nil)
	if _, _, err := producer.Enqueue(ctx, discovery.NewWindow(epoch, 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	result, err := producer.Drain(ctx, workflow.DrainOptions{MaxTasks: 1})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Created != 1 || result.Skipped != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestProducerDryRunInsertsNothing(t *testing.T) {
	e := newEnv(t, testsupport.WithFeatures(false, true, true))
	ctx := context.Background()
	src, _ := staticSource(
		discovery.Found{SourceID: "ev-1", CommitteeKey: "senate.finance"},
		discovery.Found{SourceID: "ev-2", CommitteeKey: "senate.finance"},
	)
	producer := discovery.NewProducer(e.cfg, e.store, src, nil)
	if _, _, err := producer.Enqueue(ctx, discovery.NewWindow(epoch, 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	result, err := producer.Drain(ctx, workflow.DrainOptions{MaxTasks: 1})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !result.DryRun || result.Found != 2 || result.Created != 0 || result.Completed != 1 {
		t.Fatalf("unexpected dry-run result %+v", result)
	}
	hearings, err := e.store.ListHearings(ctx)
	if err != nil {
		t.Fatalf("ListHearings: %v", err)
	}
	if len(hearings) != 0 {
		t.Fatalf("dry run inserted %d hearings", len(hearings))
	}
}

func TestProducerSourceFailureParksWindowUntilReenqueued(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	src := discovery.SourceFunc(func(context.Context, discovery.Window) ([]discovery.Found, error) {
		if fail.Load() {
			return nil, services.Wrap(services.ErrExternalTool, "discovery", "run source", "upstream 502", nil)
		}
		return []discovery.Found{{SourceID: "ev-1", CommitteeKey: "senate.finance"}}, nil
	})
	producer := discovery.NewProducer(e.cfg, e.store, src, nil)
	window := discovery.NewWindow(epoch, 1)
	job, _, err := producer.Enqueue(ctx, window)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := producer.Drain(ctx, workflow.DrainOptions{MaxTasks: 3})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Claimed != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	failed, err := e.store.GetDiscoveryJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetDiscoveryJob: %v", err)
	}
	if failed.Status != queue.DiscoveryFailed || failed.LastError == "" {
		t.Fatalf("expected failed job with error, got %+v", failed)
	}
	if again, err := producer.Drain(ctx, workflow.DrainOptions{MaxTasks: 3}); err != nil || again.Claimed != 0 {
		t.Fatalf("failed window must wait for re-enqueue: %+v %v", again, err)
	}

	fail.Store(false)
	if _, queued, err := producer.Enqueue(ctx, window); err != nil || !queued {
		t.Fatalf("re-enqueue: queued=%t err=%v", queued, err)
	}
	result, err = producer.Drain(ctx, workflow.DrainOptions{MaxTasks: 3})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Completed != 1 || result.Created != 1 {
		t.Fatalf("unexpected result after re-arm %+v", result)
	}
}

func TestProducerRunOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, _ := staticSource(discovery.Found{SourceID: "ev-1", CommitteeKey: "senate.finance"})
	producer := discovery.NewProducer(e.cfg, e.store, src, nil)

	// An older window already waiting must not be picked up by RunOnce.
	older := discovery.NewWindow(epoch.AddDate(0, 0, -7), 1)
	olderJob, _, err := producer.Enqueue(ctx, older)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := producer.RunOnce(ctx, discovery.NewWindow(epoch, 1))
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.Claimed != 1 || result.Created != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	pending, err := e.store.GetDiscoveryJob(ctx, olderJob.ID)
	if err != nil {
		t.Fatalf("GetDiscoveryJob: %v", err)
	}
	if pending.Status != queue.DiscoveryPending {
		t.Fatalf("older window should still be pending, got %s", pending.Status)
	}

	runs, err := e.store.ListRuns(ctx, 5)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Role != queue.RoleDiscover {
		t.Fatalf("expected a discover run, got %+v", runs)
	}
}

func TestProducerRunOnceHonoursLock(t *testing.T) {
	e := newEnv(t)
	src, calls := staticSource()
	producer := discovery.NewProducer(e.cfg, e.store, src, nil)

	held := flock.New(e.cfg.LockPath("discover"))
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("TryLock: locked=%t err=%v", locked, err)
	}
	defer held.Unlock()

	if _, err := producer.RunOnce(context.Background(), discovery.NewWindow(epoch, 1)); !errors.Is(err, discovery.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("source must not run without the lock")
	}
}

func TestProducerReclaimsCrashedDiscoveryLease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, calls := staticSource(discovery.Found{SourceID: "ev-1"})
	producer := discovery.NewProducer(e.cfg, e.store, src, nil)
	if _, _, err := producer.Enqueue(ctx, discovery.NewWindow(epoch, 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := e.store.ClaimDiscovery(ctx, "crashed", 15*time.Minute); err != nil {
		t.Fatalf("ClaimDiscovery: %v", err)
	}

	if result, err := producer.Drain(ctx, workflow.DrainOptions{MaxTasks: 1}); err != nil || result.Claimed != 0 {
		t.Fatalf("held lease must not be claimed: %+v %v", result, err)
	}
	e.clock.Advance(16 * time.Minute)
	result, err := producer.Drain(ctx, workflow.DrainOptions{MaxTasks: 1})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Completed != 1 || calls.Load() != 1 {
		t.Fatalf("expected expired lease to be reclaimed, got %+v", result)
	}
}

func TestProducerRejectsNonPositiveBudget(t *testing.T) {
	e := newEnv(t)
	src, _ := staticSource()
	producer := discovery.NewProducer(e.cfg, e.store, src, nil)
	if _, err := producer.Drain(context.Background(), workflow.DrainOptions{}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
