package testsupport

import (
	"context"
	"sync"
	"testing"
	"time"

	"docket/internal/config"
	"docket/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...queue.Option) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewHearing enqueues a hearing for the given source id and fails the test on error.
func NewHearing(t testing.TB, store *queue.Store, sourceID string) *queue.Hearing {
	t.Helper()

	hearing, _, err := store.EnqueueHearing(context.Background(), queue.NewHearing{
		SourceID:     sourceID,
		CommitteeKey: "senate.judiciary",
		HearingDate:  "2026-02-03",
		Title:        "Hearing " + sourceID,
	})
	if err != nil {
		t.Fatalf("store.EnqueueHearing: %v", err)
	}
	return hearing
}

// Clock is a settable time source for queue.WithClock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at the given instant.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
