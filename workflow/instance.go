package workflow

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepResult is the recorded output of one completed step.
type StepResult struct {
	Name        string    `json:"name"`
	Value       any       `json:"value,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Instance is one execution of a workflow definition. It is mutated only by
// the engine goroutine running it; everything handed out to callers or stores
// is a copy.
type Instance struct {
	ID       string `json:"id"`
	Workflow string `json:"workflow"`

	Input any `json:"input,omitempty"`

	// Results in execution order; each step sees the results of the steps
	// before it.
	Results []StepResult `json:"results,omitempty"`

	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Err *Error `json:"error,omitempty"`
}

// Result returns the recorded result of the named step.
func (i *Instance) Result(name string) (any, bool) {
	for _, r := range i.Results {
		if r.Name == name {
			return r.Value, true
		}
	}

	return nil, false
}

func (i *Instance) copy() *Instance {
	c := *i
	c.Results = make([]StepResult, len(i.Results))
	copy(c.Results, i.Results)

	return &c
}
