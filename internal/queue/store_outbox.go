package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ClaimOutbox leases the oldest deliverable outbox event, or returns nil.
func (s *Store) ClaimOutbox(ctx context.Context, workerID string, lease time.Duration) (*OutboxEvent, error) {
	var event *OutboxEvent
	ok, err := s.claim(ctx, outboxLease, "", nil, workerID, lease, func(row scanner) error {
		claimed, err := scanOutboxEvent(row)
		if err != nil {
			return err
		}
		event = claimed
		return nil
	}, nil)
	if err != nil || !ok {
		return nil, err
	}
	return event, nil
}

// RenewOutbox extends the lease on an event the worker still holds.
func (s *Store) RenewOutbox(ctx context.Context, eventID, workerID string, lease time.Duration) (time.Time, error) {
	return s.renew(ctx, outboxLease, eventID, workerID, lease)
}

// AckOutbox marks a delivered event acked and clears its lease.
func (s *Store) AckOutbox(ctx context.Context, eventID, workerID string) error {
	ctx = ensureContext(ctx)
	return s.withTx(ctx, "ack outbox event", func(tx *sql.Tx) error {
		if err := s.ensureOwned(ctx, tx, outboxLease, eventID, workerID); err != nil {
			return err
		}
		now := formatTime(s.now())
		_, err := s.txExec(ctx, tx, `UPDATE outbox_events
            SET status = ?, lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, acked_at = ?, updated_at = ?
            WHERE event_id = ?`,
			string(EventAcked), now, now, eventID,
		)
		return err
	})
}

// FailOutbox records a failed delivery with the same budget-then-dead-letter
// rule stage tasks follow.
func (s *Store) FailOutbox(ctx context.Context, eventID, workerID string, failure Failure, policy RetryPolicy) (*FailResult, error) {
	ctx = ensureContext(ctx)
	if policy == nil {
		return nil, errors.New("fail outbox event: retry policy is required")
	}
	var result *FailResult
	err := s.withTx(ctx, "fail outbox event", func(tx *sql.Tx) error {
		if err := s.ensureOwned(ctx, tx, outboxLease, eventID, workerID); err != nil {
			return err
		}
		event, err := s.outboxEventByID(ctx, tx, eventID)
		if err != nil {
			return err
		}
		now := s.now()
		nowText := formatTime(now)
		attempt := event.AttemptCount + 1
		reason := strings.TrimSpace(failure.Reason)

		if failure.Terminal || attempt >= policy.Budget() {
			if _, err := s.txExec(ctx, tx, `UPDATE outbox_events
                SET status = ?, attempt_count = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
                WHERE event_id = ?`,
				string(EventDeadLetter), attempt, nullableString(reason), nowText, eventID,
			); err != nil {
				return fmt.Errorf("dead-letter outbox event: %w", err)
			}
			dlReason := reason
			if !failure.Terminal {
				dlReason = fmt.Sprintf("retry budget exhausted after %d attempts: %s", attempt, reason)
			}
			event.Status = EventDeadLetter
			event.AttemptCount = attempt
			event.LastError = reason
			event.LeaseOwner = ""
			event.LeaseExpiresAt = nil
			snapshot, err := json.Marshal(event)
			if err != nil {
				return fmt.Errorf("snapshot outbox event: %w", err)
			}
			if err := s.upsertDeadLetter(ctx, tx, SourceOutboxEvent, eventID, dlReason, snapshot, attempt, nowText); err != nil {
				return err
			}
			result = &FailResult{Attempt: attempt, DeadLettered: true}
			return nil
		}

		next := now.Add(policy.Delay(attempt))
		if _, err := s.txExec(ctx, tx, `UPDATE outbox_events
            SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
            WHERE event_id = ?`,
			string(EventPending), attempt, formatTime(next), nullableString(reason), nowText, eventID,
		); err != nil {
			return fmt.Errorf("reschedule outbox event: %w", err)
		}
		result = &FailResult{Attempt: attempt, NextAttemptAt: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetOutboxEvent fetches an event by id.
func (s *Store) GetOutboxEvent(ctx context.Context, eventID string) (*OutboxEvent, error) {
	event, err := scanOutboxEvent(s.queryRow(ctx, "SELECT "+outboxColumns+" FROM outbox_events WHERE event_id = ?", eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get outbox event", err)
	}
	return event, nil
}

// ListOutbox returns events for a hearing (all hearings when empty), oldest first.
func (s *Store) ListOutbox(ctx context.Context, hearingID string) ([]*OutboxEvent, error) {
	query := "SELECT " + outboxColumns + " FROM outbox_events"
	var args []any
	if hearingID != "" {
		query += " WHERE hearing_id = ?"
		args = append(args, hearingID)
	}
	query += " ORDER BY created_at, publish_version, event_id"
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list outbox events", err)
	}
	defer rows.Close()
	var events []*OutboxEvent
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, unavailable("scan outbox event", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list outbox events", err)
	}
	return events, nil
}

func (s *Store) outboxEventByID(ctx context.Context, tx *sql.Tx, eventID string) (*OutboxEvent, error) {
	event, err := scanOutboxEvent(s.txQueryRow(ctx, tx, "SELECT "+outboxColumns+" FROM outbox_events WHERE event_id = ?", eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox event %s: %w", eventID, ErrNotFound)
	}
	return event, err
}
