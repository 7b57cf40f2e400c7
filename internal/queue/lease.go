package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// leaseTarget describes one leased table. Stage tasks, outbox events and
// discovery jobs share the claim/renew/release protocol and differ only in
// names.
type leaseTarget struct {
	table   string
	key     string
	leased  string
	pending string
	columns string
}

var (
	stageLease = leaseTarget{
		table:   "stage_tasks",
		key:     "task_id",
		leased:  string(TaskLeased),
		pending: string(TaskPending),
		columns: stageTaskColumns,
	}
	outboxLease = leaseTarget{
		table:   "outbox_events",
		key:     "event_id",
		leased:  string(EventLeased),
		pending: string(EventPending),
		columns: outboxColumns,
	}
	discoveryLease = leaseTarget{
		table:   "discovery_jobs",
		key:     "job_id",
		leased:  string(DiscoveryRunning),
		pending: string(DiscoveryPending),
		columns: discoveryColumns,
	}
)

// eligible is the claim predicate: due pending rows, or leased rows whose
// lease has lapsed regardless of owner.
func (t leaseTarget) eligible() string {
	return "((status = ? AND next_attempt_at <= ?) OR (status = ? AND lease_expires_at < ?))"
}

func (t leaseTarget) eligibleArgs(now string) []any {
	return []any{t.pending, now, t.leased, now}
}

// claim leases at most one eligible row in a single statement. The subquery
// picks the oldest due row and the outer predicate re-checks eligibility, so
// of two concurrent claimers only one can match. It reports false when
// nothing is eligible. A non-nil after runs in the claim's transaction once a
// row is leased; if it fails the lease is rolled back.
func (s *Store) claim(
	ctx context.Context,
	target leaseTarget,
	filter string,
	filterArgs []any,
	workerID string,
	duration time.Duration,
	scan func(scanner) error,
	after func(tx *sql.Tx) error,
) (bool, error) {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(workerID) == "" {
		return false, errors.New("claim: worker id is required")
	}
	if duration <= 0 {
		return false, fmt.Errorf("claim: lease duration must be positive, got %s", duration)
	}

	now := s.now()
	nowText := formatTime(now)
	expires := formatTime(now.Add(duration))

	where := target.eligible()
	if filter != "" {
		where += " AND " + filter
	}
	query := fmt.Sprintf(
		`UPDATE %[1]s SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
WHERE %[2]s = (SELECT %[2]s FROM %[1]s WHERE %[3]s ORDER BY next_attempt_at, %[2]s LIMIT 1%[4]s)
AND %[5]s
RETURNING %[6]s`,
		target.table, target.key, where, s.dialect.skipLocked, target.eligible(), target.columns,
	)

	args := []any{target.leased, workerID, expires, nowText}
	args = append(args, target.eligibleArgs(nowText)...)
	args = append(args, filterArgs...)
	args = append(args, target.eligibleArgs(nowText)...)

	claimed := false
	err := s.withTx(ctx, "claim "+target.table, func(tx *sql.Tx) error {
		claimed = false
		if err := scan(s.txQueryRow(ctx, tx, query, args...)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		claimed = true
		if after != nil {
			return after(tx)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// renew extends a held lease. Zero matched rows means the caller lost it.
func (s *Store) renew(ctx context.Context, target leaseTarget, key any, workerID string, duration time.Duration) (time.Time, error) {
	if duration <= 0 {
		return time.Time{}, fmt.Errorf("renew: lease duration must be positive, got %s", duration)
	}
	now := s.now()
	expires := now.Add(duration)
	query := fmt.Sprintf(
		"UPDATE %s SET lease_expires_at = ?, updated_at = ? WHERE %s = ? AND status = ? AND lease_owner = ?",
		target.table, target.key,
	)
	res, err := s.execWithRetry(ctx, "renew "+target.table, query,
		formatTime(expires), formatTime(now), key, target.leased, workerID)
	if err != nil {
		return time.Time{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, unavailable("renew "+target.table, err)
	}
	if affected == 0 {
		return time.Time{}, fmt.Errorf("renew %s %v: %w", target.table, key, ErrLeaseNotOwned)
	}
	return expires, nil
}

// ensureOwned locks the row for the rest of the transaction and checks the
// caller still holds its lease. Release paths call it before persisting an
// outcome.
func (s *Store) ensureOwned(ctx context.Context, tx *sql.Tx, target leaseTarget, key any, workerID string) error {
	query := fmt.Sprintf("SELECT status, lease_owner FROM %s WHERE %s = ?%s", target.table, target.key, s.dialect.rowLock)
	var (
		status string
		owner  sql.NullString
	)
	if err := s.txQueryRow(ctx, tx, query, key).Scan(&status, &owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %v: %w", target.table, key, ErrNotFound)
		}
		return err
	}
	if status != target.leased || owner.String != workerID {
		return fmt.Errorf("%s %v held by %q (status %s): %w", target.table, key, owner.String, status, ErrLeaseNotOwned)
	}
	return nil
}
