package stage

import (
	"context"
	"encoding/json"

	"docket/internal/queue"
	"docket/internal/services"
)

// Checkpoint is the opaque JSON a handler hands to the next stage. The queue
// stores it verbatim.
type Checkpoint = json.RawMessage

// Input is everything a handler learns about the task it is running.
type Input struct {
	Hearing        queue.Hearing
	Stage          queue.Stage
	PublishVersion int
	Attempt        int
	Prior          Checkpoint
}

// Handler runs one pipeline stage for one hearing. Errors wrapping
// services.ErrTerminal (or classifying as terminal) skip the retry budget;
// anything else is retried.
type Handler interface {
	Run(ctx context.Context, in Input) (Checkpoint, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (Checkpoint, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, in Input) (Checkpoint, error) {
	return f(ctx, in)
}

// HealthChecker is implemented by handlers that can report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}

// DecodeCheckpoint unmarshals a checkpoint into a field map. An empty
// checkpoint decodes to an empty map. Malformed JSON is a terminal
// validation error since retrying cannot fix it.
func DecodeCheckpoint(stageName string, raw Checkpoint) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, services.Wrap(services.ErrValidation, stageName, "decode checkpoint",
			"checkpoint must be a JSON object", err)
	}
	return fields, nil
}
