// Package main hosts the docket CLI entrypoint and command graph.
//
// Every command is a bounded, single-process operation against the queue
// store: drains claim up to --max-tasks items and exit, requeue and list
// commands act on the dead-letter queue, and health is a read-only pass/fail
// gate. serve is the one long-running command and simply schedules the same
// operations with cron.
//
// Keep this package lean: behaviour lives in internal packages and commands
// here only resolve config, open the store and render results.
package main
