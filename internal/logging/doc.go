// Package logging assembles structured slog loggers used across docket.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so workers automatically tag
// log lines with hearing IDs, stages, worker identities, and correlation IDs.
package logging
