// Package notifications delivers outbox events downstream and operator alerts.
//
// The outbox consumer depends only on the Notifier interface. Built-in
// notifiers post to a webhook, an ntfy topic, or a Redis stream, or simply log
// the delivery (the default). Every notifier carries the event id as its
// idempotency key because delivery is at-least-once.
//
// Alerter is the separate operator channel the health command uses when the
// gate fails; it degrades to a no-op when no ntfy topic is configured.
package notifications
