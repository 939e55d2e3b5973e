package workflow

import "time"

// Event is a transient message addressed to a single workflow instance. It is
// consumed by exactly one waiting step, or dropped once the instance has
// finished.
type Event struct {
	Type       string
	WorkflowID string
	Payload    any
	Timestamp  time.Time
}
