package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Stats aggregates queue state. It only reads.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx = ensureContext(ctx)
	now := formatTime(s.now())
	stats := Stats{
		StaleLeases:      map[string]int{},
		AttemptHistogram: map[int]int{},
	}

	var err error
	if stats.Hearings, err = s.countByStatus(ctx, "hearings"); err != nil {
		return Stats{}, err
	}
	if stats.Discovery, err = s.countByStatus(ctx, "discovery_jobs"); err != nil {
		return Stats{}, err
	}
	if stats.StageTasks, err = s.countByStatus(ctx, "stage_tasks"); err != nil {
		return Stats{}, err
	}
	if stats.OutboxEvents, err = s.countByStatus(ctx, "outbox_events"); err != nil {
		return Stats{}, err
	}

	for _, target := range []leaseTarget{stageLease, outboxLease, discoveryLease} {
		var stale int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ? AND lease_expires_at < ?", target.table)
		if err := s.queryRow(ctx, query, target.leased, now).Scan(&stale); err != nil {
			return Stats{}, unavailable("count stale leases", err)
		}
		stats.StaleLeases[target.table] = stale
	}

	var oldest sql.NullString
	if err := s.queryRow(ctx, "SELECT MIN(updated_at) FROM stage_tasks WHERE status = ?", string(TaskPending)).Scan(&oldest); err != nil {
		return Stats{}, unavailable("oldest pending task", err)
	}
	if stats.OldestPendingAt, err = parseNullTime(oldest); err != nil {
		return Stats{}, err
	}

	rows, err := s.query(ctx, "SELECT attempt_count, COUNT(*) FROM stage_tasks GROUP BY attempt_count")
	if err != nil {
		return Stats{}, unavailable("attempt histogram", err)
	}
	defer rows.Close()
	for rows.Next() {
		var attempts, count int
		if err := rows.Scan(&attempts, &count); err != nil {
			return Stats{}, unavailable("scan attempt histogram", err)
		}
		stats.AttemptHistogram[attempts] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, unavailable("attempt histogram", err)
	}

	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM dead_letter_items WHERE resolved_at IS NULL").Scan(&stats.DeadLetterOpen); err != nil {
		return Stats{}, unavailable("count dead-letter", err)
	}
	return stats, nil
}

// TotalStaleLeases sums stale leases across every leased table.
func (st Stats) TotalStaleLeases() int {
	total := 0
	for _, n := range st.StaleLeases {
		total += n
	}
	return total
}

func (s *Store) countByStatus(ctx context.Context, table string) (map[string]int, error) {
	rows, err := s.query(ctx, fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", table))
	if err != nil {
		return nil, unavailable("count "+table, err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, unavailable("scan "+table+" counts", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("count "+table, err)
	}
	return counts, nil
}

// CheckIntegrity runs SQLite's integrity check. Other dialects report nil.
func (s *Store) CheckIntegrity(ctx context.Context) error {
	if s.dialect.name != sqliteDialect.name {
		return nil
	}
	var result string
	if err := s.queryRow(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return unavailable("integrity check", err)
	}
	if !strings.EqualFold(strings.TrimSpace(result), "ok") {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ensureContext(ctx)); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}
