package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timeLayout is fixed width so text comparison in SQL orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
		}
	}
	return t.UTC(), nil
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

type scanner interface {
	Scan(dest ...any) error
}

const stageTaskColumns = "task_id, hearing_id, stage, publish_version, status, attempt_count, next_attempt_at, lease_owner, lease_expires_at, terminal_reason, last_error, checkpoint, created_at, updated_at, completed_at"

func scanStageTask(row scanner) (*StageTask, error) {
	var (
		task                                          StageTask
		stage, status, nextAttempt, created, updated  string
		leaseOwner, leaseExpires, terminal, lastError sql.NullString
		checkpoint, completed                         sql.NullString
	)
	if err := row.Scan(
		&task.ID, &task.HearingID, &stage, &task.PublishVersion, &status, &task.AttemptCount,
		&nextAttempt, &leaseOwner, &leaseExpires, &terminal, &lastError, &checkpoint,
		&created, &updated, &completed,
	); err != nil {
		return nil, err
	}
	task.Stage = Stage(stage)
	task.Status = TaskStatus(status)
	task.LeaseOwner = leaseOwner.String
	task.TerminalReason = terminal.String
	task.LastError = lastError.String
	if checkpoint.Valid && checkpoint.String != "" {
		task.Checkpoint = json.RawMessage(checkpoint.String)
	}
	var err error
	if task.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, err
	}
	if task.LeaseExpiresAt, err = parseNullTime(leaseExpires); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &task, nil
}

const hearingColumns = "hearing_id, source_id, committee_key, hearing_date, title, status, discovery_job_id, created_at, updated_at"

func scanHearing(row scanner) (*Hearing, error) {
	var (
		h                        Hearing
		status, created, updated string
		jobID                    sql.NullString
	)
	if err := row.Scan(&h.ID, &h.SourceID, &h.CommitteeKey, &h.HearingDate, &h.Title, &status, &jobID, &created, &updated); err != nil {
		return nil, err
	}
	h.Status = HearingStatus(status)
	h.DiscoveryJobID = jobID.String
	var err error
	if h.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if h.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &h, nil
}

const outboxColumns = "event_id, event_type, hearing_id, publish_version, published_at, payload, status, attempt_count, next_attempt_at, lease_owner, lease_expires_at, last_error, created_at, acked_at"

func scanOutboxEvent(row scanner) (*OutboxEvent, error) {
	var (
		e                                            OutboxEvent
		published, payload, status, next, created    string
		leaseOwner, leaseExpires, lastError, ackedAt sql.NullString
	)
	if err := row.Scan(
		&e.ID, &e.EventType, &e.HearingID, &e.PublishVersion, &published, &payload, &status,
		&e.AttemptCount, &next, &leaseOwner, &leaseExpires, &lastError, &created, &ackedAt,
	); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.Status = EventStatus(status)
	e.LeaseOwner = leaseOwner.String
	e.LastError = lastError.String
	var err error
	if e.PublishedAt, err = parseTime(published); err != nil {
		return nil, err
	}
	if e.NextAttemptAt, err = parseTime(next); err != nil {
		return nil, err
	}
	if e.LeaseExpiresAt, err = parseNullTime(leaseExpires); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.AckedAt, err = parseNullTime(ackedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

const discoveryColumns = "job_id, window_start, window_end, status, attempt_count, lease_owner, lease_expires_at, last_error, hearings_found, created_at, updated_at, completed_at"

func scanDiscoveryJob(row scanner) (*DiscoveryJob, error) {
	var (
		job                                     DiscoveryJob
		start, end, status, created, updated    string
		leaseOwner, leaseExpires, lastError, cp sql.NullString
	)
	if err := row.Scan(
		&job.ID, &start, &end, &status, &job.AttemptCount, &leaseOwner, &leaseExpires,
		&lastError, &job.HearingsFound, &created, &updated, &cp,
	); err != nil {
		return nil, err
	}
	job.Status = DiscoveryStatus(status)
	job.LeaseOwner = leaseOwner.String
	job.LastError = lastError.String
	var err error
	if job.WindowStart, err = parseTime(start); err != nil {
		return nil, err
	}
	if job.WindowEnd, err = parseTime(end); err != nil {
		return nil, err
	}
	if job.LeaseExpiresAt, err = parseNullTime(leaseExpires); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(cp); err != nil {
		return nil, err
	}
	return &job, nil
}

const deadLetterColumns = "id, source_type, source_key, reason, payload_snapshot, attempt_count, first_failed_at, last_failed_at, requeued_at, resolved_at"

func scanDeadLetter(row scanner) (*DeadLetterItem, error) {
	var (
		item                         DeadLetterItem
		sourceType, first, last      string
		snapshot, requeued, resolved sql.NullString
	)
	if err := row.Scan(
		&item.ID, &sourceType, &item.SourceKey, &item.Reason, &snapshot, &item.AttemptCount,
		&first, &last, &requeued, &resolved,
	); err != nil {
		return nil, err
	}
	item.SourceType = SourceType(sourceType)
	if snapshot.Valid && snapshot.String != "" {
		item.PayloadSnapshot = json.RawMessage(snapshot.String)
	}
	var err error
	if item.FirstFailedAt, err = parseTime(first); err != nil {
		return nil, err
	}
	if item.LastFailedAt, err = parseTime(last); err != nil {
		return nil, err
	}
	if item.RequeuedAt, err = parseNullTime(requeued); err != nil {
		return nil, err
	}
	if item.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return nil, err
	}
	return &item, nil
}

const runAuditColumns = "run_id, role, status, args_json, started_at, completed_at, claimed, succeeded, failed, error"

func scanRunAudit(row scanner) (*RunAudit, error) {
	var (
		run                       RunAudit
		started                   string
		args, completed, runError sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Role, &run.Status, &args, &started, &completed, &run.Claimed, &run.Succeeded, &run.Failed, &runError); err != nil {
		return nil, err
	}
	run.ArgsJSON = args.String
	run.Error = runError.String
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &run, nil
}
