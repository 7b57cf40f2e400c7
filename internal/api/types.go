package api

import (
	"docket/internal/health"
	"docket/internal/queue"
	"docket/internal/stage"
)

// Health gate states reported by GET /health.
const (
	StatusOK      = "ok"
	StatusFailing = "failing"
)

// HealthResponse is the GET /health payload. Failures is empty when the
// gate passes.
type HealthResponse struct {
	Status   string        `json:"status"`
	Failures []string      `json:"failures,omitempty"`
	Report   health.Report `json:"report"`
}

// DeadLetterListResponse is one page of dead-letter items.
type DeadLetterListResponse struct {
	Items  []*queue.DeadLetterItem `json:"items"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// RunListResponse lists recent producer and drain runs.
type RunListResponse struct {
	Runs []*queue.RunAudit `json:"runs"`
}

// HearingResponse describes one hearing and its stage tasks.
type HearingResponse struct {
	Hearing *queue.Hearing     `json:"hearing"`
	Tasks   []*queue.StageTask `json:"tasks"`
}

// PublishedResponse mirrors transcripts/index.json.
type PublishedResponse struct {
	Entries []stage.IndexEntry `json:"entries"`
}

// ErrorResponse carries a failed request's message.
type ErrorResponse struct {
	Error string `json:"error"`
}
