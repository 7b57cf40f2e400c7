package config

import "fmt"

// FeatureSet is the resolved, read-only view of the feature switches. It is
// computed once at startup; flipping a switch means restarting the process.
type FeatureSet struct {
	version      int
	queueWrite   bool
	queueRead    bool
	outboxDigest bool
}

// ResolveFeatures resolves the configured switches.
func (c *Config) ResolveFeatures() FeatureSet {
	return FeatureSet{
		version:      c.Features.Version,
		queueWrite:   c.Features.QueueWrite,
		queueRead:    c.Features.QueueRead,
		outboxDigest: c.Features.OutboxDigest,
	}
}

// Version reports the switch layout version.
func (f FeatureSet) Version() int { return f.version }

// QueueWrite gates inserting discovered hearings into the queue.
func (f FeatureSet) QueueWrite() bool { return f.queueWrite }

// QueueRead gates draining stage tasks from the queue.
func (f FeatureSet) QueueRead() bool { return f.queueRead }

// OutboxDigest gates consuming outbox events for delivery.
func (f FeatureSet) OutboxDigest() bool { return f.outboxDigest }

func (f FeatureSet) String() string {
	return fmt.Sprintf("v%d queue_write=%t queue_read=%t outbox_digest=%t", f.version, f.queueWrite, f.queueRead, f.outboxDigest)
}
