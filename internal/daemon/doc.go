// Package daemon coordinates the long-running `docket serve` process.
//
// It wires scheduled jobs (discovery, the three drains, the health check) and
// the HTTP API into a single lifecycle with flock-based locking to prevent
// multiple instances per state directory. Jobs are driven by cron specs from
// [schedule]; a job still running when its next tick fires is skipped rather
// than overlapped.
//
// Keep orchestration logic here: the work itself lives in the discovery,
// workflow and health packages, and the daemon only decides when it runs and
// how it shuts down. Stopping cancels the shared context, so drains in
// flight abandon their leases instead of recording failures.
package daemon
