package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnqueueDiscovery records a discovery window. A new window, or one whose
// previous run finished (done or failed), is queued and reported true; a
// window already pending or running is left alone.
func (s *Store) EnqueueDiscovery(ctx context.Context, start, end time.Time) (*DiscoveryJob, bool, error) {
	ctx = ensureContext(ctx)
	if !end.After(start) {
		return nil, false, fmt.Errorf("enqueue discovery: window end %s must be after start %s", end, start)
	}
	var (
		job    *DiscoveryJob
		queued bool
	)
	err := s.withTx(ctx, "enqueue discovery", func(tx *sql.Tx) error {
		now := formatTime(s.now())
		startText, endText := formatTime(start), formatTime(end)
		res, err := s.txExec(ctx, tx, `INSERT INTO discovery_jobs
            (job_id, window_start, window_end, status, attempt_count, next_attempt_at, created_at, updated_at)
            VALUES (?, ?, ?, ?, 0, ?, ?, ?)
            ON CONFLICT (window_start, window_end) DO NOTHING`,
			uuid.NewString(), startText, endText, string(DiscoveryPending), now, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert discovery job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		queued = affected > 0
		if !queued {
			res, err := s.txExec(ctx, tx, `UPDATE discovery_jobs
                SET status = ?, next_attempt_at = ?, last_error = NULL, completed_at = NULL, updated_at = ?
                WHERE window_start = ? AND window_end = ? AND status IN (?, ?)`,
				string(DiscoveryPending), now, now, startText, endText, string(DiscoveryDone), string(DiscoveryFailed),
			)
			if err != nil {
				return fmt.Errorf("rearm discovery job: %w", err)
			}
			if affected, err = res.RowsAffected(); err != nil {
				return err
			}
			queued = affected > 0
		}
		job, err = scanDiscoveryJob(s.txQueryRow(ctx, tx,
			"SELECT "+discoveryColumns+" FROM discovery_jobs WHERE window_start = ? AND window_end = ?",
			startText, endText,
		))
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return job, queued, nil
}

// ClaimDiscovery leases the oldest pending discovery window, or returns nil.
func (s *Store) ClaimDiscovery(ctx context.Context, workerID string, lease time.Duration) (*DiscoveryJob, error) {
	return s.claimDiscovery(ctx, "", nil, workerID, lease)
}

// ClaimDiscoveryJob leases one specific window if it is claimable, or
// returns nil.
func (s *Store) ClaimDiscoveryJob(ctx context.Context, jobID, workerID string, lease time.Duration) (*DiscoveryJob, error) {
	return s.claimDiscovery(ctx, "job_id = ?", []any{jobID}, workerID, lease)
}

func (s *Store) claimDiscovery(ctx context.Context, filter string, args []any, workerID string, lease time.Duration) (*DiscoveryJob, error) {
	var job *DiscoveryJob
	ok, err := s.claim(ctx, discoveryLease, filter, args, workerID, lease, func(row scanner) error {
		claimed, err := scanDiscoveryJob(row)
		if err != nil {
			return err
		}
		job = claimed
		return nil
	}, nil)
	if err != nil || !ok {
		return nil, err
	}
	return job, nil
}

// RenewDiscovery extends the lease on a running discovery job.
func (s *Store) RenewDiscovery(ctx context.Context, jobID, workerID string, lease time.Duration) (time.Time, error) {
	return s.renew(ctx, discoveryLease, jobID, workerID, lease)
}

// CompleteDiscovery marks a held job done with the number of hearings it found.
func (s *Store) CompleteDiscovery(ctx context.Context, jobID, workerID string, found int) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, "complete discovery job", func(tx *sql.Tx) error {
		if err := s.ensureOwned(ctx, tx, discoveryLease, jobID, workerID); err != nil {
			return err
		}
		now := formatTime(s.now())
		_, err := s.txExec(ctx, tx, `UPDATE discovery_jobs
            SET status = ?, hearings_found = ?, lease_owner = NULL, lease_expires_at = NULL,
                last_error = NULL, completed_at = ?, updated_at = ?
            WHERE job_id = ?`,
			string(DiscoveryDone), found, now, now, jobID,
		)
		return err
	})
}

// FailDiscovery marks a held job failed. Failed windows are retried only by
// enqueueing the same window again.
func (s *Store) FailDiscovery(ctx context.Context, jobID, workerID, reason string) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, "fail discovery job", func(tx *sql.Tx) error {
		if err := s.ensureOwned(ctx, tx, discoveryLease, jobID, workerID); err != nil {
			return err
		}
		now := formatTime(s.now())
		_, err := s.txExec(ctx, tx, `UPDATE discovery_jobs
            SET status = ?, attempt_count = attempt_count + 1, last_error = ?, lease_owner = NULL,
                lease_expires_at = NULL, completed_at = ?, updated_at = ?
            WHERE job_id = ?`,
			string(DiscoveryFailed), nullableString(strings.TrimSpace(reason)), now, now, jobID,
		)
		return err
	})
}

// GetDiscoveryJob fetches a discovery job by id.
func (s *Store) GetDiscoveryJob(ctx context.Context, jobID string) (*DiscoveryJob, error) {
	job, err := scanDiscoveryJob(s.queryRow(ctx, "SELECT "+discoveryColumns+" FROM discovery_jobs WHERE job_id = ?", jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("discovery job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get discovery job", err)
	}
	return job, nil
}
