package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"docket/internal/config"
	"docket/internal/logging"
)

// Job is one scheduled drain or producer run. An empty Spec disables it.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// JobStatus reports a job's schedule and most recent outcome.
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next,omitzero"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool        `json:"running"`
	LockFilePath string      `json:"lock_file_path"`
	APIAddress   string      `json:"api_address,omitempty"`
	Jobs         []JobStatus `json:"jobs"`
}

// Daemon runs scheduled jobs and the HTTP API, and enforces
// single-instance execution per state directory.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	jobs   []Job
	api    *apiServer

	lockPath string
	lock     *flock.Flock

	scheduler *cron.Cron
	entries   map[string]cron.EntryID

	mu      sync.Mutex
	history map[string]JobStatus

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New constructs a daemon. handler may be nil to run without the HTTP API.
func New(cfg *config.Config, logger *slog.Logger, jobs []Job, handler http.Handler) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	logger = logging.NewComponentLogger(logger, "daemon")
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if job.Name == "" || job.Run == nil {
			return nil, errors.New("daemon job requires a name and a run function")
		}
		if _, dup := seen[job.Name]; dup {
			return nil, fmt.Errorf("duplicate daemon job %q", job.Name)
		}
		seen[job.Name] = struct{}{}
		if spec := strings.TrimSpace(job.Spec); spec != "" {
			if _, err := specParser.Parse(spec); err != nil {
				return nil, fmt.Errorf("job %s: %w", job.Name, err)
			}
		}
	}

	lockPath := cfg.LockPath("serve")
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		jobs:     jobs,
		api:      newAPIServer(cfg.API.Bind, handler, logger),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		history:  make(map[string]JobStatus, len(jobs)),
	}, nil
}

// Start acquires the daemon lock, starts the API listener and begins
// scheduling jobs.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another docket serve instance is already running (%s)", d.lockPath)
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	cl := cronLogger{logger: d.logger}
	d.scheduler = cron.New(
		cron.WithParser(specParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	d.entries = make(map[string]cron.EntryID, len(d.jobs))
	runCtx := d.ctx
	for _, job := range d.jobs {
		spec := strings.TrimSpace(job.Spec)
		if spec == "" {
			d.logger.Info("job disabled", logging.String("job", job.Name))
			continue
		}
		id, err := d.scheduler.AddFunc(spec, func() { _ = d.runJob(runCtx, job) })
		if err != nil {
			d.abortStart()
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		d.entries[job.Name] = id
	}

	if err := d.api.start(d.ctx); err != nil {
		d.abortStart()
		return err
	}
	d.scheduler.Start()

	d.running.Store(true)
	d.logger.Info("docket daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.Int("jobs", len(d.entries)),
	)
	return nil
}

func (d *Daemon) abortStart() {
	d.cancel()
	d.ctx = nil
	d.cancel = nil
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Stop stops scheduling, cancels running jobs and waits for them, then
// releases the daemon lock. Cancelled jobs abandon their leases.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	stopped := d.scheduler.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	<-stopped.Done()
	d.api.stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("docket daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Trigger runs the named job immediately on the caller's goroutine.
func (d *Daemon) Trigger(ctx context.Context, name string) error {
	for _, job := range d.jobs {
		if job.Name == name {
			return d.runJob(ctx, job)
		}
	}
	return fmt.Errorf("unknown daemon job %q", name)
}

func (d *Daemon) runJob(ctx context.Context, job Job) error {
	started := time.Now()
	logger := d.logger.With(logging.String("job", job.Name))
	logger.Debug("job started", logging.String(logging.FieldEventType, "job_started"))

	err := job.Run(ctx)

	d.mu.Lock()
	status := JobStatus{Name: job.Name, Spec: job.Spec, LastRun: started.UTC()}
	if err != nil {
		status.LastError = err.Error()
	}
	d.history[job.Name] = status
	d.mu.Unlock()

	if err != nil {
		logging.ErrorWithContext(logger, "scheduled job failed", "job_failed",
			logging.String(logging.FieldErrorHint, "the job runs again on its next tick"),
			logging.Duration("elapsed", time.Since(started)),
			logging.Error(err),
		)
		return err
	}
	logger.Debug("job finished",
		logging.String(logging.FieldEventType, "job_finished"),
		logging.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	status := Status{
		Running:      d.running.Load(),
		LockFilePath: d.lockPath,
		APIAddress:   d.api.addr(),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, job := range d.jobs {
		js := d.history[job.Name]
		js.Name, js.Spec = job.Name, job.Spec
		if id, ok := d.entries[job.Name]; ok && d.scheduler != nil && status.Running {
			js.Next = d.scheduler.Entry(id).Next
		}
		status.Jobs = append(status.Jobs, js)
	}
	slices.SortFunc(status.Jobs, func(a, b JobStatus) int { return strings.Compare(a.Name, b.Name) })
	return status
}

// cronLogger routes the scheduler's own logging into slog. Its Info chatter
// (wake, schedule) is debug level here.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, logging.Error(err))...)
}
