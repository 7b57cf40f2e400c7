package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// EnqueueHearing records a discovered hearing and its first stage task. A
// hearing whose source identifier is already known is left untouched and
// reported with created=false.
func (s *Store) EnqueueHearing(ctx context.Context, in NewHearing) (*Hearing, bool, error) {
	ctx = ensureContext(ctx)
	sourceID := strings.TrimSpace(in.SourceID)
	if sourceID == "" {
		return nil, false, errors.New("enqueue hearing: source id is required")
	}

	hearingID := HearingIDFor(sourceID)
	var (
		hearing *Hearing
		created bool
	)
	err := s.withTx(ctx, "enqueue hearing", func(tx *sql.Tx) error {
		now := formatTime(s.now())
		res, err := s.txExec(ctx, tx, `INSERT INTO hearings
            (hearing_id, source_id, committee_key, hearing_date, title, status, discovery_job_id, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT DO NOTHING`,
			hearingID, sourceID, strings.ToLower(strings.TrimSpace(in.CommitteeKey)), in.HearingDate, in.Title,
			string(HearingPending), nullableString(in.DiscoveryJobID), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert hearing: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = affected > 0
		if created {
			if _, err := s.insertStageTask(ctx, tx, hearingID, StageCapture, 1, now); err != nil {
				return err
			}
		}
		hearing, err = scanHearing(s.txQueryRow(ctx, tx, "SELECT "+hearingColumns+" FROM hearings WHERE hearing_id = ?", hearingID))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return hearing, created, nil
}

// insertStageTask creates a pending task. An existing idempotency key is a
// no-op reported as false.
func (s *Store) insertStageTask(ctx context.Context, tx *sql.Tx, hearingID string, stage Stage, version int, now string) (bool, error) {
	res, err := s.txExec(ctx, tx, `INSERT INTO stage_tasks
        (hearing_id, stage, publish_version, status, attempt_count, next_attempt_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, 0, ?, ?, ?)
        ON CONFLICT (hearing_id, stage, publish_version) DO NOTHING`,
		hearingID, string(stage), version, string(TaskPending), now, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert stage task %s: %w", StageKey(hearingID, stage, version), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// EnqueueStageTask creates a stage task directly. Stages after capture
// require the predecessor of the same version to be done.
func (s *Store) EnqueueStageTask(ctx context.Context, hearingID string, stage Stage, version int) (*StageTask, bool, error) {
	ctx = ensureContext(ctx)
	if stage.Order() < 0 {
		return nil, false, fmt.Errorf("enqueue stage task: unknown stage %q", stage)
	}
	if version < 1 {
		return nil, false, fmt.Errorf("enqueue stage task: invalid publish version %d", version)
	}
	var (
		task    *StageTask
		created bool
	)
	err := s.withTx(ctx, "enqueue stage task", func(tx *sql.Tx) error {
		if err := s.ensureHearing(ctx, tx, hearingID); err != nil {
			return err
		}
		if prev, ok := stage.Prev(); ok {
			var status string
			err := s.txQueryRow(ctx, tx,
				"SELECT status FROM stage_tasks WHERE hearing_id = ? AND stage = ? AND publish_version = ?",
				hearingID, string(prev), version,
			).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && TaskStatus(status) != TaskDone) {
				return fmt.Errorf("%s: %w", StageKey(hearingID, prev, version), ErrPredecessorNotDone)
			}
			if err != nil {
				return err
			}
		}
		now := formatTime(s.now())
		var err error
		if created, err = s.insertStageTask(ctx, tx, hearingID, stage, version, now); err != nil {
			return err
		}
		if err := s.refreshHearingStatus(ctx, tx, hearingID, now); err != nil {
			return err
		}
		task, err = s.stageTaskByKey(ctx, tx, hearingID, stage, version)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return task, created, nil
}

// Reprocess starts a new publish version for a hearing by enqueueing capture
// at max(version)+1. Hearings with pending or leased work are refused.
func (s *Store) Reprocess(ctx context.Context, hearingID string) (int, error) {
	ctx = ensureContext(ctx)
	var version int
	err := s.withTx(ctx, "reprocess hearing", func(tx *sql.Tx) error {
		if err := s.ensureHearing(ctx, tx, hearingID); err != nil {
			return err
		}
		var inFlight int
		if err := s.txQueryRow(ctx, tx,
			"SELECT COUNT(*) FROM stage_tasks WHERE hearing_id = ? AND status IN (?, ?)",
			hearingID, string(TaskPending), string(TaskLeased),
		).Scan(&inFlight); err != nil {
			return err
		}
		if inFlight > 0 {
			return fmt.Errorf("hearing %s: %w", hearingID, ErrHearingBusy)
		}
		var latest sql.NullInt64
		if err := s.txQueryRow(ctx, tx,
			"SELECT MAX(publish_version) FROM stage_tasks WHERE hearing_id = ?", hearingID,
		).Scan(&latest); err != nil {
			return err
		}
		version = int(latest.Int64) + 1
		now := formatTime(s.now())
		if _, err := s.insertStageTask(ctx, tx, hearingID, StageCapture, version, now); err != nil {
			return err
		}
		return s.refreshHearingStatus(ctx, tx, hearingID, now)
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) ensureHearing(ctx context.Context, tx *sql.Tx, hearingID string) error {
	var id string
	err := s.txQueryRow(ctx, tx, "SELECT hearing_id FROM hearings WHERE hearing_id = ?", hearingID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("hearing %s: %w", hearingID, ErrNotFound)
	}
	return err
}

// refreshHearingStatus derives the hearing status from the tasks of its
// latest publish version. Every stage transition calls it inside its own
// transaction.
func (s *Store) refreshHearingStatus(ctx context.Context, tx *sql.Tx, hearingID string, now string) error {
	rows, err := s.txQuery(ctx, tx, `SELECT stage, status FROM stage_tasks
        WHERE hearing_id = ? AND publish_version = (SELECT MAX(publish_version) FROM stage_tasks WHERE hearing_id = ?)`,
		hearingID, hearingID,
	)
	if err != nil {
		return fmt.Errorf("load hearing tasks: %w", err)
	}
	var anyProgress, anyFailed, published bool
	for rows.Next() {
		var stage, status string
		if err := rows.Scan(&stage, &status); err != nil {
			rows.Close()
			return err
		}
		switch TaskStatus(status) {
		case TaskDeadLetter, TaskFailed:
			anyFailed = true
		case TaskDone:
			anyProgress = true
			if Stage(stage).IsTerminal() {
				published = true
			}
		case TaskLeased:
			anyProgress = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	status := HearingPending
	switch {
	case anyFailed:
		status = HearingFailed
	case published:
		status = HearingCompleted
	case anyProgress:
		status = HearingInProgress
	}
	_, err = s.txExec(ctx, tx, "UPDATE hearings SET status = ?, updated_at = ? WHERE hearing_id = ?", string(status), now, hearingID)
	if err != nil {
		return fmt.Errorf("update hearing status: %w", err)
	}
	return nil
}

// GetHearing fetches a hearing by id.
func (s *Store) GetHearing(ctx context.Context, hearingID string) (*Hearing, error) {
	h, err := scanHearing(s.queryRow(ctx, "SELECT "+hearingColumns+" FROM hearings WHERE hearing_id = ?", hearingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hearing %s: %w", hearingID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get hearing", err)
	}
	return h, nil
}

// ListHearings returns hearings, most recently updated first.
func (s *Store) ListHearings(ctx context.Context, statuses ...HearingStatus) ([]*Hearing, error) {
	query := "SELECT " + hearingColumns + " FROM hearings"
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY updated_at DESC, hearing_id"
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list hearings", err)
	}
	defer rows.Close()
	var hearings []*Hearing
	for rows.Next() {
		h, err := scanHearing(rows)
		if err != nil {
			return nil, unavailable("scan hearing", err)
		}
		hearings = append(hearings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list hearings", err)
	}
	return hearings, nil
}

// ListStageTasks returns a hearing's tasks in creation order.
func (s *Store) ListStageTasks(ctx context.Context, hearingID string) ([]*StageTask, error) {
	rows, err := s.query(ctx, "SELECT "+stageTaskColumns+" FROM stage_tasks WHERE hearing_id = ? ORDER BY publish_version, task_id", hearingID)
	if err != nil {
		return nil, unavailable("list stage tasks", err)
	}
	defer rows.Close()
	var tasks []*StageTask
	for rows.Next() {
		task, err := scanStageTask(rows)
		if err != nil {
			return nil, unavailable("scan stage task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list stage tasks", err)
	}
	return tasks, nil
}

func (s *Store) stageTaskByKey(ctx context.Context, tx *sql.Tx, hearingID string, stage Stage, version int) (*StageTask, error) {
	task, err := scanStageTask(s.txQueryRow(ctx, tx,
		"SELECT "+stageTaskColumns+" FROM stage_tasks WHERE hearing_id = ? AND stage = ? AND publish_version = ?",
		hearingID, string(stage), version,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage task %s: %w", StageKey(hearingID, stage, version), ErrNotFound)
	}
	return task, err
}
