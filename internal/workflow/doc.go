// Package workflow drains the queue: StageWorker pushes stage tasks through
// their handlers and OutboxConsumer delivers published events downstream.
//
// Both follow the same protocol. A bounded drain claims one row at a time
// under a lease, keeps the lease alive with a LeaseRenewer while the handler
// or notifier runs outside any transaction, then releases it by completing
// or failing the row. Losing the lease cancels the in-flight work and the row
// is left untouched for whoever reclaimed it. Concurrency runs independent
// claim loops that share one task budget; the store is the only coordination
// point, so separate processes can drain the same queue.
//
// Feature switches make a drain a logged no-op: queue_read gates stage
// tasks and outbox_digest gates delivery.
package workflow
