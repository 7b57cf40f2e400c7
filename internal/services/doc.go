// Package services defines shared plumbing consumed by stage handlers, the
// discovery producer, and outbox notifiers.
//
// Key responsibilities:
//   - Context helpers that stamp hearing IDs, stage names, worker identities,
//     and correlation identifiers for logging.
//   - Error markers plus the Wrap helper that split handler failures into
//     retryable and terminal outcomes.
//
// Use these helpers when wiring new handlers so failure classification stays
// uniform across the pipeline.
package services
