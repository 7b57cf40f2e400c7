package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClaimStage leases the oldest eligible stage task matching sel. It returns
// nil when nothing is eligible.
func (s *Store) ClaimStage(ctx context.Context, sel StageSelector, workerID string, lease time.Duration) (*StageTask, error) {
	var (
		filters []string
		args    []any
	)
	if len(sel.Stages) > 0 {
		placeholders := make([]string, len(sel.Stages))
		for i, stage := range sel.Stages {
			placeholders[i] = "?"
			args = append(args, string(stage))
		}
		filters = append(filters, "stage IN ("+strings.Join(placeholders, ", ")+")")
	}
	if sel.HearingID != "" {
		filters = append(filters, "hearing_id = ?")
		args = append(args, sel.HearingID)
	}

	var task *StageTask
	scan := func(row scanner) error {
		claimed, err := scanStageTask(row)
		if err != nil {
			return err
		}
		task = claimed
		return nil
	}
	// The hearing status moves with the lease so a failed status write never
	// strands a leased task.
	markInProgress := func(tx *sql.Tx) error {
		return s.refreshHearingStatus(ctx, tx, task.HearingID, formatTime(s.now()))
	}
	ok, err := s.claim(ctx, stageLease, strings.Join(filters, " AND "), args, workerID, lease, scan, markInProgress)
	if err != nil || !ok {
		return nil, err
	}
	return task, nil
}

// RenewStage extends the lease on a task the worker still holds.
func (s *Store) RenewStage(ctx context.Context, taskID int64, workerID string, lease time.Duration) (time.Time, error) {
	return s.renew(ctx, stageLease, taskID, workerID, lease)
}

// CompleteStage marks a leased task done with its checkpoint, enqueues the
// next stage and, for publish, writes the outbox event. All of it commits or
// none of it does.
func (s *Store) CompleteStage(ctx context.Context, taskID int64, workerID string, checkpoint json.RawMessage) (*CompleteResult, error) {
	ctx = ensureContext(ctx)
	if len(checkpoint) > 0 && !json.Valid(checkpoint) {
		return nil, fmt.Errorf("complete stage task %d: checkpoint is not valid JSON", taskID)
	}
	var result *CompleteResult
	err := s.withTx(ctx, "complete stage task", func(tx *sql.Tx) error {
		if err := s.ensureOwned(ctx, tx, stageLease, taskID, workerID); err != nil {
			return err
		}
		task, err := s.stageTaskByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := formatTime(s.now())
		if _, err := s.txExec(ctx, tx, `UPDATE stage_tasks
            SET status = ?, checkpoint = ?, lease_owner = NULL, lease_expires_at = NULL,
                last_error = NULL, completed_at = ?, updated_at = ?
            WHERE task_id = ?`,
			string(TaskDone), nullableJSON(checkpoint), now, now, taskID,
		); err != nil {
			return fmt.Errorf("mark stage task done: %w", err)
		}

		result = &CompleteResult{}
		if next, ok := task.Stage.Next(); ok {
			result.NextStage = next
			if result.NextCreated, err = s.insertStageTask(ctx, tx, task.HearingID, next, task.PublishVersion, now); err != nil {
				return err
			}
		}
		if task.Stage.IsTerminal() {
			if result.EventID, result.EventCreated, err = s.writeOutboxEvent(ctx, tx, task, checkpoint, now); err != nil {
				return err
			}
		}
		if err := s.refreshHearingStatus(ctx, tx, task.HearingID, now); err != nil {
			return err
		}
		result.Task, err = s.stageTaskByID(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FailStage records a failed attempt. Terminal failures and failures that
// reach the retry budget move the task to dead-letter; everything else goes
// back to pending after the policy's backoff.
func (s *Store) FailStage(ctx context.Context, taskID int64, workerID string, failure Failure, policy RetryPolicy) (*FailResult, error) {
	ctx = ensureContext(ctx)
	if policy == nil {
		return nil, errors.New("fail stage task: retry policy is required")
	}
	var result *FailResult
	err := s.withTx(ctx, "fail stage task", func(tx *sql.Tx) error {
		if err := s.ensureOwned(ctx, tx, stageLease, taskID, workerID); err != nil {
			return err
		}
		task, err := s.stageTaskByID(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := s.now()
		nowText := formatTime(now)
		attempt := task.AttemptCount + 1
		reason := strings.TrimSpace(failure.Reason)

		if failure.Terminal || attempt >= policy.Budget() {
			terminalReason := reason
			if !failure.Terminal {
				terminalReason = fmt.Sprintf("retry budget exhausted after %d attempts: %s", attempt, reason)
			}
			if _, err := s.txExec(ctx, tx, `UPDATE stage_tasks
                SET status = ?, attempt_count = ?, terminal_reason = ?, last_error = ?,
                    lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
                WHERE task_id = ?`,
				string(TaskDeadLetter), attempt, terminalReason, nullableString(reason), nowText, taskID,
			); err != nil {
				return fmt.Errorf("dead-letter stage task: %w", err)
			}
			task.Status = TaskDeadLetter
			task.AttemptCount = attempt
			task.TerminalReason = terminalReason
			task.LastError = reason
			task.LeaseOwner = ""
			task.LeaseExpiresAt = nil
			snapshot, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("snapshot stage task: %w", err)
			}
			if err := s.upsertDeadLetter(ctx, tx, SourceStageTask, task.Key(), terminalReason, snapshot, attempt, nowText); err != nil {
				return err
			}
			result = &FailResult{Attempt: attempt, DeadLettered: true}
		} else {
			next := now.Add(policy.Delay(attempt))
			if _, err := s.txExec(ctx, tx, `UPDATE stage_tasks
                SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?,
                    lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
                WHERE task_id = ?`,
				string(TaskPending), attempt, formatTime(next), nullableString(reason), nowText, taskID,
			); err != nil {
				return fmt.Errorf("reschedule stage task: %w", err)
			}
			result = &FailResult{Attempt: attempt, NextAttemptAt: next}
		}
		return s.refreshHearingStatus(ctx, tx, task.HearingID, nowText)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetStageTask fetches a task by its idempotency key.
func (s *Store) GetStageTask(ctx context.Context, hearingID string, stage Stage, version int) (*StageTask, error) {
	task, err := scanStageTask(s.queryRow(ctx,
		"SELECT "+stageTaskColumns+" FROM stage_tasks WHERE hearing_id = ? AND stage = ? AND publish_version = ?",
		hearingID, string(stage), version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage task %s: %w", StageKey(hearingID, stage, version), ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get stage task", err)
	}
	return task, nil
}

// PriorCheckpoint returns the checkpoint of the stage before task in the same
// publish version, or nil for capture.
func (s *Store) PriorCheckpoint(ctx context.Context, task *StageTask) (json.RawMessage, error) {
	prev, ok := task.Stage.Prev()
	if !ok {
		return nil, nil
	}
	prior, err := s.GetStageTask(ctx, task.HearingID, prev, task.PublishVersion)
	if err != nil {
		return nil, err
	}
	if prior.Status != TaskDone {
		return nil, fmt.Errorf("%s: %w", prior.Key(), ErrPredecessorNotDone)
	}
	return prior.Checkpoint, nil
}

func (s *Store) stageTaskByID(ctx context.Context, tx *sql.Tx, taskID int64) (*StageTask, error) {
	task, err := scanStageTask(s.txQueryRow(ctx, tx, "SELECT "+stageTaskColumns+" FROM stage_tasks WHERE task_id = ?", taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage task %d: %w", taskID, ErrNotFound)
	}
	return task, err
}

// writeOutboxEvent inserts the hearing.published event for a publish task.
// The (hearing_id, publish_version) constraint makes a repeat a no-op that
// reports the existing event id.
func (s *Store) writeOutboxEvent(ctx context.Context, tx *sql.Tx, task *StageTask, checkpoint json.RawMessage, now string) (string, bool, error) {
	hearing, err := scanHearing(s.txQueryRow(ctx, tx, "SELECT "+hearingColumns+" FROM hearings WHERE hearing_id = ?", task.HearingID))
	if err != nil {
		return "", false, fmt.Errorf("load hearing for outbox: %w", err)
	}
	publishedAt, err := parseTime(now)
	if err != nil {
		return "", false, err
	}

	payload := EventPayload{
		EventID:        uuid.NewString(),
		HearingID:      task.HearingID,
		PublishVersion: task.PublishVersion,
		PublishedAt:    publishedAt,
		TranscriptPath: checkpointString(checkpoint, "transcript_path"),
		CommitteeKey:   hearing.CommitteeKey,
		Title:          hearing.Title,
		HearingDate:    hearing.HearingDate,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("encode outbox payload: %w", err)
	}

	res, err := s.txExec(ctx, tx, `INSERT INTO outbox_events
        (event_id, event_type, hearing_id, publish_version, published_at, payload, status, attempt_count, next_attempt_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
        ON CONFLICT (hearing_id, publish_version) DO NOTHING`,
		payload.EventID, EventTypePublished, task.HearingID, task.PublishVersion, now, string(body),
		string(EventPending), now, now, now,
	)
	if err != nil {
		return "", false, fmt.Errorf("insert outbox event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if affected > 0 {
		return payload.EventID, true, nil
	}
	var existing string
	if err := s.txQueryRow(ctx, tx,
		"SELECT event_id FROM outbox_events WHERE hearing_id = ? AND publish_version = ?",
		task.HearingID, task.PublishVersion,
	).Scan(&existing); err != nil {
		return "", false, fmt.Errorf("load existing outbox event: %w", err)
	}
	return existing, false, nil
}

func checkpointString(checkpoint json.RawMessage, key string) string {
	if len(checkpoint) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(checkpoint, &fields); err != nil {
		return ""
	}
	value, _ := fields[key].(string)
	return value
}
