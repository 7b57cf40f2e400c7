package daemonrun

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"docket/internal/api"
	"docket/internal/config"
	"docket/internal/daemon"
	"docket/internal/deps"
	"docket/internal/discovery"
	"docket/internal/health"
	"docket/internal/logging"
	"docket/internal/notifications"
	"docket/internal/preflight"
	"docket/internal/queue"
	"docket/internal/stage"
	"docket/internal/workflow"
)

// Job names, also used as run-audit friendly labels in logs.
const (
	JobEnqueueDiscovery = "enqueue-discovery"
	JobDrainDiscovery   = "drain-discovery"
	JobDrainStages      = "drain-stage-tasks"
	JobDrainOutbox      = "drain-outbox"
	JobHealthCheck      = "health-check"
)

// Services are the collaborators the scheduled jobs drive.
type Services struct {
	Store    *queue.Store
	Producer *discovery.Producer
	Worker   *workflow.StageWorker
	Consumer *workflow.OutboxConsumer
	Alerter  notifications.Alerter
	Logger   *slog.Logger
	Now      func() time.Time
}

// Run starts `docket serve` and blocks until SIGINT/SIGTERM or ctx ends.
func Run(cmdCtx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	logDependencySnapshot(logger, cfg)
	if failed := preflight.Failed(preflight.RunAll(signalCtx, cfg)); len(failed) > 0 {
		for _, result := range failed {
			logging.ErrorWithContext(logger, "preflight check failed", "preflight_failed",
				logging.String("check", result.Name),
				logging.String(logging.FieldErrorHint, result.Detail),
			)
		}
		return fmt.Errorf("%d preflight check(s) failed; run `docket health` for details", len(failed))
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "docket.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	defer store.Close()
	if result := preflight.CheckStore(signalCtx, store); !result.Passed {
		return fmt.Errorf("queue store not ready: %s", result.Detail)
	}

	notifier, err := notifications.NewNotifier(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := notifier.(io.Closer); ok {
		defer closer.Close()
	}

	svc := Services{
		Store:    store,
		Producer: discovery.NewProducer(cfg, store, discovery.NewCommandSource(cfg, logger), logger),
		Worker:   workflow.NewStageWorker(cfg, store, stage.FromConfig(cfg, logger), logger),
		Consumer: workflow.NewOutboxConsumer(cfg, store, notifier, logger),
		Alerter:  notifications.NewAlerter(cfg),
		Logger:   logger,
		Now:      time.Now,
	}
	queueSvc := api.NewQueueService(store, health.ThresholdsFromConfig(cfg), cfg.Paths.TranscriptsDir)
	router := api.NewRouter(queueSvc, api.RouterOptions{Token: cfg.API.Token, Logger: logger})

	d, err := daemon.New(cfg, logger, Jobs(cfg, svc), router)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		return err
	}
	defer d.Stop()

	<-signalCtx.Done()
	logger.Info("docket daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// Jobs maps [schedule] entries to daemon jobs. Each drain uses the
// configured max_tasks budget and a fresh worker id per tick.
func Jobs(cfg *config.Config, svc Services) []daemon.Job {
	maxTasks := cfg.Schedule.MaxTasks
	now := svc.Now
	if now == nil {
		now = time.Now
	}
	return []daemon.Job{
		{
			Name: JobEnqueueDiscovery,
			Spec: cfg.Schedule.EnqueueDiscovery,
			Run: func(ctx context.Context) error {
				_, _, err := svc.Producer.Enqueue(ctx, discovery.NewWindow(now(), cfg.Discovery.Days))
				return err
			},
		},
		{
			Name: JobDrainDiscovery,
			Spec: cfg.Schedule.DrainDiscovery,
			Run: func(ctx context.Context) error {
				_, err := svc.Producer.Drain(ctx, workflow.DrainOptions{MaxTasks: maxTasks})
				return err
			},
		},
		{
			Name: JobDrainStages,
			Spec: cfg.Schedule.DrainStages,
			Run: func(ctx context.Context) error {
				_, err := svc.Worker.Drain(ctx, workflow.DrainOptions{
					MaxTasks:    maxTasks,
					Concurrency: cfg.Schedule.Concurrency,
				})
				return err
			},
		},
		{
			Name: JobDrainOutbox,
			Spec: cfg.Schedule.DrainOutbox,
			Run: func(ctx context.Context) error {
				_, err := svc.Consumer.Drain(ctx, workflow.DrainOptions{MaxTasks: maxTasks})
				return err
			},
		},
		{
			Name: JobHealthCheck,
			Spec: cfg.Schedule.HealthCheck,
			Run: func(ctx context.Context) error {
				return checkHealth(ctx, svc, health.ThresholdsFromConfig(cfg), now())
			},
		},
	}
}

// checkHealth evaluates the gate and alerts on failure. A failing gate is
// not a job error; only collection and alert delivery errors are.
func checkHealth(ctx context.Context, svc Services, th health.Thresholds, now time.Time) error {
	report, err := health.Collect(ctx, svc.Store, now)
	if err != nil {
		return err
	}
	failures := report.Evaluate(th)
	if len(failures) == 0 {
		return nil
	}
	logging.WarnWithContext(svc.Logger, "health gate failing", "health_failed",
		logging.String(logging.FieldErrorHint, "inspect list-dead-letter and stale leases"),
		logging.Any("failures", failures),
	)
	if svc.Alerter == nil {
		return nil
	}
	if err := svc.Alerter.NotifyHealthFailure(ctx, failures); err != nil {
		return fmt.Errorf("send health alert: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	statuses := deps.CheckBinaries(deps.FromConfig(cfg))
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("store_driver", cfg.Store.Driver),
		logging.String("outbox_notifier", cfg.Outbox.Notifier),
		logging.String("features", cfg.ResolveFeatures().String()),
	}
	for _, status := range statuses {
		attrs = append(attrs, logging.Bool(status.Name+"_available", status.Available))
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}
