package api

import (
	"context"
	"errors"
	"time"

	"docket/internal/health"
	"docket/internal/queue"
	"docket/internal/stage"
)

// QueueReader abstracts the store reads the API exposes.
type QueueReader interface {
	health.StatsSource
	ListDeadLetter(ctx context.Context, filter queue.DeadLetterFilter) ([]*queue.DeadLetterItem, error)
	ListRuns(ctx context.Context, limit int) ([]*queue.RunAudit, error)
	GetHearing(ctx context.Context, hearingID string) (*queue.Hearing, error)
	ListStageTasks(ctx context.Context, hearingID string) ([]*queue.StageTask, error)
}

// QueueService exposes read-only queue operations returning API DTOs.
type QueueService struct {
	store      QueueReader
	thresholds health.Thresholds
	indexRoot  string
	now        func() time.Time
}

// NewQueueService constructs a QueueService around the provided reader.
// indexRoot is the transcripts directory holding index.json.
func NewQueueService(store QueueReader, thresholds health.Thresholds, indexRoot string) *QueueService {
	if store == nil {
		return nil
	}
	return &QueueService{
		store:      store,
		thresholds: thresholds,
		indexRoot:  indexRoot,
		now:        time.Now,
	}
}

// Health collects a report and evaluates it against the configured
// thresholds.
func (s *QueueService) Health(ctx context.Context) (HealthResponse, error) {
	report, err := health.Collect(ctx, s.store, s.now())
	if err != nil {
		return HealthResponse{}, err
	}
	failures := report.Evaluate(s.thresholds)
	status := StatusOK
	if len(failures) > 0 {
		status = StatusFailing
	}
	return HealthResponse{Status: status, Failures: failures, Report: report}, nil
}

// DeadLetter pages through dead-letter items.
func (s *QueueService) DeadLetter(ctx context.Context, filter queue.DeadLetterFilter) (DeadLetterListResponse, error) {
	items, err := s.store.ListDeadLetter(ctx, filter)
	if err != nil {
		return DeadLetterListResponse{}, err
	}
	if items == nil {
		items = []*queue.DeadLetterItem{}
	}
	return DeadLetterListResponse{Items: items, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Runs returns the most recent run audits.
func (s *QueueService) Runs(ctx context.Context, limit int) (RunListResponse, error) {
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return RunListResponse{}, err
	}
	if runs == nil {
		runs = []*queue.RunAudit{}
	}
	return RunListResponse{Runs: runs}, nil
}

// Describe returns a hearing with its stage tasks, or nil when unknown.
func (s *QueueService) Describe(ctx context.Context, hearingID string) (*HearingResponse, error) {
	hearing, err := s.store.GetHearing(ctx, hearingID)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListStageTasks(ctx, hearingID)
	if err != nil {
		return nil, err
	}
	return &HearingResponse{Hearing: hearing, Tasks: tasks}, nil
}

// Published reads the publish index. It works without the queue database.
func (s *QueueService) Published() (PublishedResponse, error) {
	entries, err := stage.ReadIndex(s.indexRoot)
	if err != nil {
		return PublishedResponse{}, err
	}
	if entries == nil {
		entries = []stage.IndexEntry{}
	}
	return PublishedResponse{Entries: entries}, nil
}
