package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prospectly/enrichflow/backoff"
)

// Action is the unit of work of a step. It receives the run handle of the
// owning instance and returns the step's result. The context is canceled when
// the step's timeout elapses.
type Action func(ctx context.Context, run *Run) (any, error)

// ErrorHook is invoked when a step, or the workflow as a whole, fails
// unrecoverably.
type ErrorHook func(ctx context.Context, run *Run, err error)

// Step is one unit of a workflow definition. Steps run strictly in the order
// they are listed; a step's result is visible to every later step via the run
// handle.
type Step struct {
	Name string

	Action Action

	// Retry wraps the action in a retry loop. nil means a single attempt.
	Retry *backoff.Policy

	// Timeout bounds the step including all retry attempts. 0 means no
	// timeout.
	Timeout time.Duration

	OnError ErrorHook
}

// Definition is an immutable, named sequence of steps. Construct it once at
// startup and share it freely; the engine never mutates it.
type Definition struct {
	Name  string
	Steps []Step

	// OnError runs after a step has failed unrecoverably and the instance
	// has been marked failed. It receives the accumulated run context.
	OnError ErrorHook
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return errors.New("workflow definition requires a name")
	}

	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.Name)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow %q has a step without a name", d.Name)
		}

		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("workflow %q has duplicate step %q", d.Name, s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.Action == nil {
			return fmt.Errorf("step %q has no action", s.Name)
		}
	}

	return nil
}

// WaitForEvent returns a step that suspends the instance until an event of
// the given type addressed to it arrives, or until timeout elapses. The
// step's result is the event payload. An event emitted before the step starts
// waiting is not lost; it resolves the step immediately.
func WaitForEvent(name, eventType string, timeout time.Duration) Step {
	return Step{
		Name:    name,
		Timeout: timeout,
		Action: func(ctx context.Context, run *Run) (any, error) {
			ev, err := run.engine.waitForEvent(ctx, run.instance.ID, eventType)
			if err != nil {
				return nil, err
			}

			return ev.Payload, nil
		},
	}
}
