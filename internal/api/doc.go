// Package api serves the read-only HTTP surface of `docket serve`.
//
// # Routes
//
// GET /health: health report evaluated against [health] thresholds; 200 when
// the gate passes, 503 when it fails or the store is unreachable. Always
// unauthenticated so load balancers and monitors can probe it.
//
// GET /dead-letter?limit=&offset=&all=: dead-letter items, newest failure
// first. all=1 includes resolved items.
//
// GET /runs?limit=: recent producer and drain run audits.
//
// GET /hearings/{id}: one hearing and its stage tasks.
//
// GET /published: transcripts/index.json, read without touching the queue.
//
// Every route except /health requires "Authorization: Bearer <token>" when
// [api] token is configured.
//
// Payloads reuse the queue model JSON tags (snake_case) so the CLI's --json
// output and the API agree.
package api
