// Package queue persists the hearing pipeline in a transactional SQL store
// and exposes the lease protocol every worker goes through.
//
// The Store owns discovery jobs, hearings, stage tasks, outbox events,
// dead-letter records, and run audits. Workers never hold authoritative state
// in memory: they claim a row under a time-boxed lease, renew it while busy,
// and release it together with the outcome in one transaction. An expired
// lease is claimable by any worker, which is the only crash recovery path.
//
// SQLite (modernc.org/sqlite) is the default dialect; PostgreSQL is reachable
// through pgx's database/sql driver. Both share the same queries, written with
// '?' placeholders and rebound per dialect.
//
// Treat this package as the single source of truth for queue semantics; when
// you add a table or column, add a numbered migration for both dialects.
package queue
