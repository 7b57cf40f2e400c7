package config

const (
	defaultStateDir             = "~/.local/share/docket"
	defaultTranscriptsDir       = "~/.local/share/docket/transcripts"
	defaultStoreDriver          = "sqlite"
	defaultLeaseSeconds         = 15 * 60
	defaultRenewIntervalSeconds = 60
	defaultRetryBudget          = 5
	defaultRetryBaseSeconds     = 90
	defaultRetryMaxSeconds      = 3600
	defaultDiscoveryDays        = 1
	defaultDiscoveryTimeout     = 300
	defaultStageTimeout         = 1800
	defaultOutboxNotifier       = "log"
	defaultRedisStream          = "docket:published"
	defaultRequestTimeout       = 10
	defaultMaxDeadLetter        = -1
	defaultAPIBind              = "127.0.0.1:7490"
	defaultScheduleDiscovery    = "0 */6 * * *"
	defaultScheduleDrain        = "@every 1m"
	defaultScheduleHealth       = "*/15 * * * *"
	defaultScheduleMaxTasks     = 25
	defaultScheduleConcurrency  = 1
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"

	// CurrentFeatureVersion is the only feature-switch layout this build understands.
	CurrentFeatureVersion = 1
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:       defaultStateDir,
			TranscriptsDir: defaultTranscriptsDir,
		},
		Store: Store{
			Driver: defaultStoreDriver,
		},
		Lease: Lease{
			DurationSeconds:      defaultLeaseSeconds,
			RenewIntervalSeconds: defaultRenewIntervalSeconds,
		},
		Retry: Retry{
			Budget:           defaultRetryBudget,
			OutboxBudget:     defaultRetryBudget,
			BaseDelaySeconds: defaultRetryBaseSeconds,
			MaxDelaySeconds:  defaultRetryMaxSeconds,
		},
		Discovery: Discovery{
			Days:           defaultDiscoveryDays,
			TimeoutSeconds: defaultDiscoveryTimeout,
		},
		Outbox: Outbox{
			Notifier:       defaultOutboxNotifier,
			RedisStream:    defaultRedisStream,
			RequestTimeout: defaultRequestTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: defaultRequestTimeout,
		},
		Health: Health{
			MaxDeadLetter: defaultMaxDeadLetter,
		},
		Schedule: Schedule{
			EnqueueDiscovery: defaultScheduleDiscovery,
			DrainDiscovery:   defaultScheduleDrain,
			DrainStages:      defaultScheduleDrain,
			DrainOutbox:      defaultScheduleDrain,
			HealthCheck:      defaultScheduleHealth,
			MaxTasks:         defaultScheduleMaxTasks,
			Concurrency:      defaultScheduleConcurrency,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Features: Features{
			Version:      CurrentFeatureVersion,
			QueueWrite:   true,
			QueueRead:    false,
			OutboxDigest: false,
		},
	}
}
