package daemon_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"docket/internal/daemon"
	"docket/internal/testsupport"
)

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	d, err := daemon.New(cfg, nil, []daemon.Job{
		{Name: "noop", Spec: "@every 1h", Run: func(context.Context) error { return nil }},
		{Name: "disabled", Run: func(context.Context) error { return nil }},
	}, handler)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status()
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if len(status.Jobs) != 2 || status.Jobs[1].Name != "noop" || status.Jobs[1].Next.IsZero() {
		t.Fatalf("unexpected job status %+v", status.Jobs)
	}
	if !status.Jobs[0].Next.IsZero() {
		t.Fatal("disabled job should have no next run")
	}

	resp, err := http.Get("http://" + status.APIAddress + "/")
	if err != nil {
		t.Fatalf("GET api: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("api status = %d", resp.StatusCode)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Status().Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestDaemonLockIsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	first, err := daemon.New(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	second, err := daemon.New(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer first.Stop()
	if err := second.Start(ctx); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock contention error, got %v", err)
	}
}

func TestDaemonRunsScheduledJobsAndCancelsOnStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	started := make(chan struct{})
	var cancelled atomic.Bool
	var runs atomic.Int32
	d, err := daemon.New(cfg, nil, []daemon.Job{{
		Name: "drain",
		Spec: "@every 1s",
		Run: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				close(started)
			}
			<-ctx.Done()
			cancelled.Store(true)
			return nil
		},
	}}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		d.Stop()
		t.Fatal("scheduled job never ran")
	}
	d.Stop()
	if !cancelled.Load() {
		t.Fatal("Stop must cancel and wait for the running job")
	}
	if runs.Load() != 1 {
		t.Fatalf("a job still running must not overlap, ran %d times", runs.Load())
	}
}

func TestDaemonTriggerRecordsOutcome(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	boom := errors.New("store unavailable")
	d, err := daemon.New(cfg, nil, []daemon.Job{
		{Name: "drain-outbox", Spec: "@every 1m", Run: func(context.Context) error { return boom }},
	}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Trigger(context.Background(), "drain-outbox"); !errors.Is(err, boom) {
		t.Fatalf("Trigger error = %v", err)
	}
	jobs := d.Status().Jobs
	if len(jobs) != 1 || jobs[0].LastError != boom.Error() || jobs[0].LastRun.IsZero() {
		t.Fatalf("unexpected job status %+v", jobs)
	}
	if err := d.Trigger(context.Background(), "missing"); err == nil {
		t.Fatal("expected unknown job error")
	}
}

func TestDaemonRejectsInvalidJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	run := func(context.Context) error { return nil }
	cases := map[string][]daemon.Job{
		"bad spec":  {{Name: "a", Spec: "every tuesday", Run: run}},
		"duplicate": {{Name: "a", Run: run}, {Name: "a", Run: run}},
		"no run":    {{Name: "a"}},
	}
	for name, jobs := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := daemon.New(cfg, nil, jobs, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
