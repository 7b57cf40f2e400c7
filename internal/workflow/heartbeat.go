package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"docket/internal/logging"
	"docket/internal/queue"
)

// LeaseRenewer keeps a claimed lease alive while a handler or notifier runs.
type LeaseRenewer struct {
	interval time.Duration
	logger   *slog.Logger
}

// NewLeaseRenewer creates a renewer ticking every interval. A non-positive
// interval disables renewal.
func NewLeaseRenewer(interval time.Duration, logger *slog.Logger) *LeaseRenewer {
	return &LeaseRenewer{
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "lease-renewer"),
	}
}

// Hold calls renew on every tick until release is called. When renew reports
// queue.ErrLeaseNotOwned the returned context is cancelled and release
// returns that error; other renewal errors are logged and retried on the
// next tick.
func (r *LeaseRenewer) Hold(ctx context.Context, renew func(context.Context) error) (context.Context, func() error) {
	holdCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var lost error

	go func() {
		defer close(done)
		if r.interval <= 0 {
			<-holdCtx.Done()
			return
		}
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		logger := logging.WithContext(ctx, r.logger)

		for {
			select {
			case <-holdCtx.Done():
				return
			case <-ticker.C:
				err := renew(holdCtx)
				switch {
				case err == nil:
				case errors.Is(err, queue.ErrLeaseNotOwned):
					lost = err
					logging.WarnWithContext(logger, "lease lost; cancelling work", "lease_lost",
						logging.String(logging.FieldErrorHint, "lease expired and another worker reclaimed the task"),
						logging.Error(err),
					)
					cancel(err)
					return
				case errors.Is(err, context.Canceled), holdCtx.Err() != nil:
					return
				default:
					logger.Warn("lease renewal failed",
						logging.Error(err),
						logging.String(logging.FieldEventType, "lease_renew_failed"),
						logging.String(logging.FieldErrorHint, "check queue database access"),
					)
				}
			}
		}
	}()

	return holdCtx, func() error {
		cancel(nil)
		<-done
		return lost
	}
}
