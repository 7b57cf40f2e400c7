package stage

import "docket/internal/queue"

// Health summarizes whether a stage can run on this host.
type Health struct {
	Stage   queue.Stage
	Handler string
	Ready   bool
	Detail  string
}

// Healthy constructs a ready Health record.
func Healthy(stage queue.Stage, handler string) Health {
	return Health{Stage: stage, Handler: handler, Ready: true}
}

// Unhealthy constructs a failing Health record with the reason.
func Unhealthy(stage queue.Stage, handler, detail string) Health {
	return Health{Stage: stage, Handler: handler, Detail: detail}
}
