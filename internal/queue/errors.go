package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseNotOwned means the caller no longer holds the lease it is acting
	// on. Callers must abandon the task without mutating it.
	ErrLeaseNotOwned = errors.New("lease not owned")
	// ErrStoreUnavailable wraps infrastructure failures talking to the database.
	ErrStoreUnavailable = errors.New("queue store unavailable")
	ErrNotFound         = errors.New("not found")
	// ErrNotDeadLettered is returned when requeue targets a row that is not in dead-letter.
	ErrNotDeadLettered = errors.New("not in dead-letter")
	// ErrPredecessorNotDone guards per-hearing stage ordering.
	ErrPredecessorNotDone = errors.New("predecessor stage not done")
	// ErrHearingBusy is returned when reprocessing a hearing with work still in flight.
	ErrHearingBusy = errors.New("hearing has stage work in flight")
	// ErrSchemaMismatch indicates the database was written by a newer build.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrLeaseNotOwned, ErrNotFound, ErrNotDeadLettered,
		ErrPredecessorNotDone, ErrHearingBusy, ErrSchemaMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// unavailable tags infrastructure errors so callers can map them to a
// non-zero exit without string matching.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) || errors.Is(err, ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
