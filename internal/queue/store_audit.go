package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Run audit roles and statuses.
const (
	RoleDiscover       = "discover"
	RoleDrainDiscovery = "drain-discovery"
	RoleDrainStage     = "drain-stage"
	RoleDrainOutbox    = "drain-outbox"

	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// StartRun records the start of a producer or drain invocation and returns
// its run id.
func (s *Store) StartRun(ctx context.Context, role string, args map[string]any) (string, error) {
	encoded := ""
	if len(args) > 0 {
		data, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode run args: %w", err)
		}
		encoded = string(data)
	}
	runID := uuid.NewString()
	_, err := s.execWithRetry(ctx, "start run",
		"INSERT INTO run_audits (run_id, role, status, args_json, started_at) VALUES (?, ?, ?, ?, ?)",
		runID, role, RunRunning, nullableString(encoded), formatTime(s.now()),
	)
	if err != nil {
		return "", err
	}
	return runID, nil
}

// FinishRun closes a run audit. A non-nil runErr marks the run failed.
func (s *Store) FinishRun(ctx context.Context, runID string, counts RunCounts, runErr error) error {
	status := RunCompleted
	message := ""
	if runErr != nil {
		status = RunFailed
		message = runErr.Error()
	}
	res, err := s.execWithRetry(ctx, "finish run",
		"UPDATE run_audits SET status = ?, completed_at = ?, claimed = ?, succeeded = ?, failed = ?, error = ? WHERE run_id = ?",
		status, formatTime(s.now()), counts.Claimed, counts.Succeeded, counts.Failed, nullableString(message), runID,
	)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// ListRuns returns recent run audits, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*RunAudit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx, "SELECT "+runAuditColumns+" FROM run_audits ORDER BY started_at DESC, run_id LIMIT ?", limit)
	if err != nil {
		return nil, unavailable("list runs", err)
	}
	defer rows.Close()
	var runs []*RunAudit
	for rows.Next() {
		run, err := scanRunAudit(rows)
		if err != nil {
			return nil, unavailable("scan run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list runs", err)
	}
	return runs, nil
}
