package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const defaultDeadLetterLimit = 50

func (s *Store) upsertDeadLetter(ctx context.Context, tx *sql.Tx, sourceType SourceType, sourceKey, reason string, snapshot []byte, attempts int, now string) error {
	_, err := s.txExec(ctx, tx, `INSERT INTO dead_letter_items
        (source_type, source_key, reason, payload_snapshot, attempt_count, first_failed_at, last_failed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (source_type, source_key) WHERE resolved_at IS NULL
        DO UPDATE SET reason = excluded.reason, payload_snapshot = excluded.payload_snapshot,
            attempt_count = excluded.attempt_count, last_failed_at = excluded.last_failed_at`,
		string(sourceType), sourceKey, reason, string(snapshot), attempts, now, now,
	)
	if err != nil {
		return fmt.Errorf("record dead-letter item %s %s: %w", sourceType, sourceKey, err)
	}
	return nil
}

func (s *Store) resolveDeadLetter(ctx context.Context, tx *sql.Tx, sourceType SourceType, sourceKey, now string) error {
	_, err := s.txExec(ctx, tx,
		"UPDATE dead_letter_items SET resolved_at = ?, requeued_at = ? WHERE source_type = ? AND source_key = ? AND resolved_at IS NULL",
		now, now, string(sourceType), sourceKey,
	)
	if err != nil {
		return fmt.Errorf("resolve dead-letter item %s %s: %w", sourceType, sourceKey, err)
	}
	return nil
}

// RequeueStageTask returns a dead-lettered task to pending with a fresh
// retry budget. The task keeps its idempotency key.
func (s *Store) RequeueStageTask(ctx context.Context, hearingID string, stage Stage, version int) (*StageTask, error) {
	ctx = ensureContext(ctx)
	var task *StageTask
	err := s.withTx(ctx, "requeue stage task", func(tx *sql.Tx) error {
		current, err := s.stageTaskByKey(ctx, tx, hearingID, stage, version)
		if err != nil {
			return err
		}
		now := formatTime(s.now())
		if err := s.requeueStageTask(ctx, tx, current, now); err != nil {
			return err
		}
		if err := s.refreshHearingStatus(ctx, tx, hearingID, now); err != nil {
			return err
		}
		task, err = s.stageTaskByID(ctx, tx, current.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) requeueStageTask(ctx context.Context, tx *sql.Tx, task *StageTask, now string) error {
	if task.Status != TaskDeadLetter && task.Status != TaskFailed {
		return fmt.Errorf("stage task %s is %s: %w", task.Key(), task.Status, ErrNotDeadLettered)
	}
	if _, err := s.txExec(ctx, tx, `UPDATE stage_tasks
        SET status = ?, attempt_count = 0, next_attempt_at = ?, lease_owner = NULL, lease_expires_at = NULL,
            terminal_reason = NULL, updated_at = ?
        WHERE task_id = ?`,
		string(TaskPending), now, now, task.ID,
	); err != nil {
		return fmt.Errorf("requeue stage task %s: %w", task.Key(), err)
	}
	return s.resolveDeadLetter(ctx, tx, SourceStageTask, task.Key(), now)
}

// RequeueHearing requeues every dead-lettered task of the hearing's latest
// publish version.
func (s *Store) RequeueHearing(ctx context.Context, hearingID string) ([]*StageTask, error) {
	ctx = ensureContext(ctx)
	var requeued []*StageTask
	err := s.withTx(ctx, "requeue hearing", func(tx *sql.Tx) error {
		if err := s.ensureHearing(ctx, tx, hearingID); err != nil {
			return err
		}
		rows, err := s.txQuery(ctx, tx, `SELECT `+stageTaskColumns+` FROM stage_tasks
            WHERE hearing_id = ? AND status IN (?, ?)
              AND publish_version = (SELECT MAX(publish_version) FROM stage_tasks WHERE hearing_id = ?)
            ORDER BY task_id`,
			hearingID, string(TaskDeadLetter), string(TaskFailed), hearingID,
		)
		if err != nil {
			return err
		}
		var tasks []*StageTask
		for rows.Next() {
			task, err := scanStageTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			tasks = append(tasks, task)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(tasks) == 0 {
			return fmt.Errorf("hearing %s has no dead-lettered tasks: %w", hearingID, ErrNotDeadLettered)
		}

		now := formatTime(s.now())
		for _, task := range tasks {
			if err := s.requeueStageTask(ctx, tx, task, now); err != nil {
				return err
			}
			refreshed, err := s.stageTaskByID(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			requeued = append(requeued, refreshed)
		}
		return s.refreshHearingStatus(ctx, tx, hearingID, now)
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// RequeueOutboxEvent returns a dead-lettered event to pending. The event row
// and its payload are otherwise untouched.
func (s *Store) RequeueOutboxEvent(ctx context.Context, eventID string) (*OutboxEvent, error) {
	ctx = ensureContext(ctx)
	var event *OutboxEvent
	err := s.withTx(ctx, "requeue outbox event", func(tx *sql.Tx) error {
		current, err := s.outboxEventByID(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if current.Status != EventDeadLetter {
			return fmt.Errorf("outbox event %s is %s: %w", eventID, current.Status, ErrNotDeadLettered)
		}
		now := formatTime(s.now())
		if _, err := s.txExec(ctx, tx, `UPDATE outbox_events
            SET status = ?, attempt_count = 0, next_attempt_at = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
            WHERE event_id = ?`,
			string(EventPending), now, now, eventID,
		); err != nil {
			return fmt.Errorf("requeue outbox event: %w", err)
		}
		if err := s.resolveDeadLetter(ctx, tx, SourceOutboxEvent, eventID, now); err != nil {
			return err
		}
		event, err = s.outboxEventByID(ctx, tx, eventID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListDeadLetter pages through dead-letter items, most recent failure first.
// Resolved items are included only when the filter asks for them.
func (s *Store) ListDeadLetter(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterItem, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := "SELECT " + deadLetterColumns + " FROM dead_letter_items"
	if !filter.IncludeResolved {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY last_failed_at DESC, id DESC LIMIT ? OFFSET ?"

	rows, err := s.query(ctx, query, limit, offset)
	if err != nil {
		return nil, unavailable("list dead-letter", err)
	}
	defer rows.Close()
	var items []*DeadLetterItem
	for rows.Next() {
		item, err := scanDeadLetter(rows)
		if err != nil {
			return nil, unavailable("scan dead-letter item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list dead-letter", err)
	}
	return items, nil
}

// GetDeadLetter returns the open item for a source, if any.
func (s *Store) GetDeadLetter(ctx context.Context, sourceType SourceType, sourceKey string) (*DeadLetterItem, error) {
	item, err := scanDeadLetter(s.queryRow(ctx,
		"SELECT "+deadLetterColumns+" FROM dead_letter_items WHERE source_type = ? AND source_key = ? AND resolved_at IS NULL",
		string(sourceType), sourceKey,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead-letter %s %s: %w", sourceType, sourceKey, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get dead-letter item", err)
	}
	return item, nil
}
