// Package discovery turns date windows into queued hearings.
//
// A window is recorded as a discovery job, leased like any other queue row,
// and handed to a Source. Every result that passes the committee filter is
// inserted with its first capture task; a hearing already known by source id
// is reported as a duplicate. Source failures park the job as failed until
// the same window is enqueued again.
//
// RunOnce is the single-shot path used by `enqueue-discovery --run-now`. It
// takes a file lock under the state directory so two shells cannot run the
// same producer concurrently.
package discovery
