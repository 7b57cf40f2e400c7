package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage is one ordered step of the per-hearing pipeline.
type Stage string

const (
	StageCapture   Stage = "capture"
	StageExtract   Stage = "extract"
	StageNormalize Stage = "normalize"
	StagePublish   Stage = "publish"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageCapture, StageExtract, StageNormalize, StagePublish}

// ParseStage converts user input into a Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	for _, stage := range Stages {
		if stage == normalized {
			return stage, true
		}
	}
	return "", false
}

// Order returns the zero-based pipeline position, or -1 for unknown stages.
func (s Stage) Order() int {
	for i, stage := range Stages {
		if stage == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s.
func (s Stage) Next() (Stage, bool) {
	idx := s.Order()
	if idx < 0 || idx+1 >= len(Stages) {
		return "", false
	}
	return Stages[idx+1], true
}

// Prev returns the stage that precedes s.
func (s Stage) Prev() (Stage, bool) {
	idx := s.Order()
	if idx <= 0 {
		return "", false
	}
	return Stages[idx-1], true
}

// IsTerminal reports whether completing s publishes the hearing.
func (s Stage) IsTerminal() bool { return s == StagePublish }

// TaskStatus is the lifecycle of a stage task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskLeased     TaskStatus = "leased"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// AllTaskStatuses lists stage task statuses in display order.
var AllTaskStatuses = []TaskStatus{TaskPending, TaskLeased, TaskDone, TaskFailed, TaskDeadLetter}

// HearingStatus is derived from a hearing's stage tasks.
type HearingStatus string

const (
	HearingPending    HearingStatus = "pending"
	HearingInProgress HearingStatus = "in_progress"
	HearingCompleted  HearingStatus = "completed"
	HearingFailed     HearingStatus = "failed"
)

// DiscoveryStatus is the lifecycle of a discovery window.
type DiscoveryStatus string

const (
	DiscoveryPending DiscoveryStatus = "pending"
	DiscoveryRunning DiscoveryStatus = "running"
	DiscoveryDone    DiscoveryStatus = "done"
	DiscoveryFailed  DiscoveryStatus = "failed"
)

// EventStatus is the lifecycle of an outbox event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventLeased     EventStatus = "leased"
	EventAcked      EventStatus = "acked"
	EventDeadLetter EventStatus = "dead_letter"
)

// SourceType identifies what a dead-letter item points at.
type SourceType string

const (
	SourceStageTask   SourceType = "stage_task"
	SourceOutboxEvent SourceType = "outbox_event"
)

// EventTypePublished is the only event type the outbox writer emits.
const EventTypePublished = "hearing.published"

var hearingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("docket:hearing"))

// HearingIDFor derives the stable hearing identifier for a source identifier,
// so replayed discovery always maps to the same hearing.
func HearingIDFor(sourceID string) string {
	return uuid.NewSHA1(hearingNamespace, []byte(strings.TrimSpace(sourceID))).String()
}

// Hearing is one discovered unit of work.
type Hearing struct {
	ID             string        `json:"hearing_id"`
	SourceID       string        `json:"source_id"`
	CommitteeKey   string        `json:"committee_key"`
	HearingDate    string        `json:"hearing_date"`
	Title          string        `json:"title"`
	Status         HearingStatus `json:"status"`
	DiscoveryJobID string        `json:"discovery_job_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewHearing describes a hearing reported by a discovery source.
type NewHearing struct {
	SourceID       string
	CommitteeKey   string
	HearingDate    string
	Title          string
	DiscoveryJobID string
}

// StageTask is one (hearing, stage, publish_version) unit of pipeline work.
type StageTask struct {
	ID             int64           `json:"task_id"`
	HearingID      string          `json:"hearing_id"`
	Stage          Stage           `json:"stage"`
	PublishVersion int             `json:"publish_version"`
	Status         TaskStatus      `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	TerminalReason string          `json:"terminal_reason,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Checkpoint     json.RawMessage `json:"checkpoint,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Key renders the idempotency key as hearing:stage:vN.
func (t StageTask) Key() string {
	return StageKey(t.HearingID, t.Stage, t.PublishVersion)
}

// StageKey renders an idempotency key.
func StageKey(hearingID string, stage Stage, version int) string {
	return fmt.Sprintf("%s:%s:v%d", hearingID, stage, version)
}

// ParseStageKey parses hearing:stage:vN (the v prefix is optional).
func ParseStageKey(key string) (string, Stage, int, error) {
	parts := strings.Split(strings.TrimSpace(key), ":")
	if len(parts) < 3 {
		return "", "", 0, fmt.Errorf("stage key %q: want hearing:stage:version", key)
	}
	versionRaw := parts[len(parts)-1]
	stageRaw := parts[len(parts)-2]
	hearingID := strings.Join(parts[:len(parts)-2], ":")
	stage, ok := ParseStage(stageRaw)
	if !ok {
		return "", "", 0, fmt.Errorf("stage key %q: unknown stage %q", key, stageRaw)
	}
	version, err := ParseVersion(versionRaw)
	if err != nil {
		return "", "", 0, fmt.Errorf("stage key %q: %w", key, err)
	}
	if hearingID == "" {
		return "", "", 0, fmt.Errorf("stage key %q: missing hearing id", key)
	}
	return hearingID, stage, version, nil
}

// ParseVersion accepts "3" or "v3".
func ParseVersion(value string) (int, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "v")
	version, err := strconv.Atoi(trimmed)
	if err != nil || version < 1 {
		return 0, fmt.Errorf("invalid publish version %q", value)
	}
	return version, nil
}

// StageSelector narrows which tasks a claim may return. Zero value matches all.
type StageSelector struct {
	Stages    []Stage
	HearingID string
}

// CompleteResult reports what a successful stage completion produced.
type CompleteResult struct {
	Task         *StageTask
	NextStage    Stage
	NextCreated  bool
	EventID      string
	EventCreated bool
}

// Failure describes a failed handler or notifier call.
type Failure struct {
	Reason   string
	Terminal bool
}

// RetryPolicy decides how often and how soon a failed task is retried.
type RetryPolicy interface {
	Budget() int
	Delay(attempt int) time.Duration
}

// FailResult reports how a failure was recorded.
type FailResult struct {
	Attempt       int
	DeadLettered  bool
	NextAttemptAt time.Time
}

// DiscoveryJob is one discovery window processed under a lease.
type DiscoveryJob struct {
	ID             string          `json:"job_id"`
	WindowStart    time.Time       `json:"window_start"`
	WindowEnd      time.Time       `json:"window_end"`
	Status         DiscoveryStatus `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	HearingsFound  int             `json:"hearings_found"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// OutboxEvent is an immutable delivery record written with a publish.
type OutboxEvent struct {
	ID             string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	HearingID      string          `json:"hearing_id"`
	PublishVersion int             `json:"publish_version"`
	PublishedAt    time.Time       `json:"published_at"`
	Payload        json.RawMessage `json:"payload"`
	Status         EventStatus     `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AckedAt        *time.Time      `json:"acked_at,omitempty"`
}

// EventPayload is the JSON body of a hearing.published event. Every field is
// fixed at insert time.
type EventPayload struct {
	EventID        string    `json:"event_id"`
	HearingID      string    `json:"hearing_id"`
	PublishVersion int       `json:"publish_version"`
	PublishedAt    time.Time `json:"published_at"`
	TranscriptPath string    `json:"transcript_path"`
	CommitteeKey   string    `json:"committee_key"`
	Title          string    `json:"title"`
	HearingDate    string    `json:"hearing_date"`
}

// DecodePayload unmarshals the event body.
func (e OutboxEvent) DecodePayload() (EventPayload, error) {
	var payload EventPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return EventPayload{}, fmt.Errorf("decode outbox payload %s: %w", e.ID, err)
	}
	return payload, nil
}

// DeadLetterItem records a task or event that exhausted its retries.
type DeadLetterItem struct {
	ID              int64           `json:"id"`
	SourceType      SourceType      `json:"source_type"`
	SourceKey       string          `json:"source_key"`
	Reason          string          `json:"reason"`
	PayloadSnapshot json.RawMessage `json:"payload_snapshot,omitempty"`
	AttemptCount    int             `json:"attempt_count"`
	FirstFailedAt   time.Time       `json:"first_failed_at"`
	LastFailedAt    time.Time       `json:"last_failed_at"`
	RequeuedAt      *time.Time      `json:"requeued_at,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// DeadLetterFilter pages through dead-letter items, newest failure first.
type DeadLetterFilter struct {
	Limit           int
	Offset          int
	IncludeResolved bool
}

// RunAudit is one recorded producer or drain invocation.
type RunAudit struct {
	ID          string     `json:"run_id"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	ArgsJSON    string     `json:"args_json,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Claimed     int        `json:"claimed"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
}

// RunCounts are the totals recorded when a run finishes.
type RunCounts struct {
	Claimed   int
	Succeeded int
	Failed    int
}

// Stats is the read-only aggregate the health report is built from.
type Stats struct {
	Hearings         map[string]int `json:"hearings"`
	Discovery        map[string]int `json:"discovery_jobs"`
	StageTasks       map[string]int `json:"stage_tasks"`
	OutboxEvents     map[string]int `json:"outbox_events"`
	StaleLeases      map[string]int `json:"stale_leases"`
	OldestPendingAt  *time.Time     `json:"oldest_pending_at,omitempty"`
	AttemptHistogram map[int]int    `json:"attempt_histogram"`
	DeadLetterOpen   int            `json:"dead_letter_open"`
}
