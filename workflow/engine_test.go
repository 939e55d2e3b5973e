package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prospectly/enrichflow/backoff"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// newTestEngine creates an engine that is shut down and leak-checked when the
// test finishes. Cleanups run LIFO, so the goleak verification registered
// first runs last.
func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()

	t.Cleanup(func() { goleak.VerifyNone(t) })

	store := NewMemoryInstanceStore(time.Minute)
	t.Cleanup(store.Close)

	e := NewEngine(append([]EngineOption{WithInstanceStore(store)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Shutdown(ctx))
	})

	return e
}

func waitForStatus(t *testing.T, e *Engine, id string, want Status) *Instance {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		instance, err := e.Instance(context.Background(), id)
		require.NoError(t, err)

		if instance.Status == want {
			return instance
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("instance %s did not reach status %s", id, want)
	return nil
}

func Test_Engine_RunsStepsInOrder(t *testing.T) {
	e := newTestEngine(t)

	def := &Definition{
		Name: "ordered",
		Steps: []Step{
			{
				Name: "first",
				Action: func(ctx context.Context, run *Run) (any, error) {
					return fmt.Sprintf("hello %v", run.Input()), nil
				},
			},
			{
				Name: "second",
				Action: func(ctx context.Context, run *Run) (any, error) {
					first, ok := run.Result("first")
					if !ok {
						return nil, errors.New("first step result missing")
					}

					return first.(string) + "!", nil
				},
			},
		},
	}

	instance, err := e.Trigger(context.Background(), def, "world")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, instance.Status)

	done := waitForStatus(t, e, instance.ID, StatusCompleted)
	require.Len(t, done.Results, 2)
	require.Equal(t, "first", done.Results[0].Name)
	require.Equal(t, "second", done.Results[1].Name)

	second, ok := done.Result("second")
	require.True(t, ok)
	require.Equal(t, "hello world!", second)
	require.NotNil(t, done.CompletedAt)
}

func Test_Engine_TriggerValidatesDefinition(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Trigger(context.Background(), &Definition{Name: "empty"}, nil)
	require.ErrorContains(t, err, "no steps")

	_, err = e.Trigger(context.Background(), &Definition{
		Name: "dup",
		Steps: []Step{
			{Name: "a", Action: func(ctx context.Context, run *Run) (any, error) { return nil, nil }},
			{Name: "a", Action: func(ctx context.Context, run *Run) (any, error) { return nil, nil }},
		},
	}, nil)
	require.ErrorContains(t, err, "duplicate step")
}

func Test_Engine_RetriesStepPerPolicy(t *testing.T) {
	e := newTestEngine(t)

	var attempts atomic.Int32

	def := &Definition{
		Name: "retrying",
		Steps: []Step{
			{
				Name: "flaky",
				Retry: &backoff.Policy{
					MaxAttempts:  3,
					Strategy:     backoff.StrategyConstant,
					InitialDelay: time.Millisecond,
				},
				Action: func(ctx context.Context, run *Run) (any, error) {
					if attempts.Add(1) < 3 {
						return nil, errors.New("transient")
					}

					return "ok", nil
				},
			},
		},
	}

	instance, err := e.Trigger(context.Background(), def, nil)
	require.NoError(t, err)

	done := waitForStatus(t, e, instance.ID, StatusCompleted)
	require.EqualValues(t, 3, attempts.Load())

	result, ok := done.Result("flaky")
	require.True(t, ok)
	require.Equal(t, "ok", result)
}

func Test_Engine_RetriesExhaustedFailsInstance(t *testing.T) {
	e := newTestEngine(t)

	var attempts atomic.Int32
	hookErrs := make(chan error, 2)

	def := &Definition{
		Name: "exhausted",
		Steps: []Step{
			{
				Name: "always-failing",
				Retry: &backoff.Policy{
					MaxAttempts:  2,
					Strategy:     backoff.StrategyConstant,
					InitialDelay: time.Millisecond,
				},
				Action: func(ctx context.Context, run *Run) (any, error) {
					attempts.Add(1)
					return nil, errors.New("boom")
				},
			},
			{
				Name: "never-reached",
				Action: func(ctx context.Context, run *Run) (any, error) {
					t.Error("step after a failed step must not run")
					return nil, nil
				},
			},
		},
		OnError: func(ctx context.Context, run *Run, err error) {
			hookErrs <- err
		},
	}

	instance, err := e.Trigger(context.Background(), def, nil)
	require.NoError(t, err)

	done := waitForStatus(t, e, instance.ID, StatusFailed)
	require.EqualValues(t, 2, attempts.Load())
	require.NotNil(t, done.Err)
	require.Contains(t, done.Err.Message, "boom")

	select {
	case hookErr := <-hookErrs:
		require.ErrorContains(t, hookErr, "boom")
	case <-time.After(time.Second):
		t.Fatal("workflow error hook was not invoked")
	}

	// Exactly once.
	select {
	case <-hookErrs:
		t.Fatal("workflow error hook invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_Engine_RetryPolicyAllowList(t *testing.T) {
	e := newTestEngine(t)

	var attempts atomic.Int32

	def := &Definition{
		Name: "allow-list",
		Steps: []Step{
			{
				Name: "coded",
				Retry: &backoff.Policy{
					MaxAttempts:    5,
					Strategy:       backoff.StrategyConstant,
					InitialDelay:   time.Millisecond,
					RetryableCodes: []string{"transient"},
				},
				Action: func(ctx context.Context, run *Run) (any, error) {
					attempts.Add(1)
					return nil, &Error{Code: "validation", Message: "bad input"}
				},
			},
		},
	}

	instance, err := e.Trigger(context.Background(), def, nil)
	require.NoError(t, err)

	waitForStatus(t, e, instance.ID, StatusFailed)
	require.EqualValues(t, 1, attempts.Load(), "non-matching code must not be retried")
}

func Test_Engine_StepTimeoutIsDistinguishable(t *testing.T) {
	e := newTestEngine(t)

	hookErrs := make(chan error, 2)

	def := &Definition{
		Name: "timing-out",
		Steps: []Step{
			WaitForEvent("await-callback", "callback", 20*time.Millisecond),
		},
		OnError: func(ctx context.Context, run *Run, err error) {
			hookErrs <- err
		},
	}

	instance, err := e.Trigger(context.Background(), def, nil)
	require.NoError(t, err)

	done := waitForStatus(t, e, instance.ID, StatusFailed)
	require.Equal(t, CodeTimeout, done.Err.Code)

	select {
	case hookErr := <-hookErrs:
		require.True(t, IsTimeout(hookErr), "hook error must be a timeout, got %v", hookErr)
	case <-time.After(time.Second):
		t.Fatal("workflow error hook was not invoked")
	}

	select {
	case <-hookErrs:
		t.Fatal("workflow error hook invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_Engine_WaitForEventResolvesOnEmit(t *testing.T) {
	e := newTestEngine(t)

	def := &Definition{
		Name: "waiting",
		Steps: []Step{
			WaitForEvent("await-callback", "callback", time.Second),
		},
	}

	instance, err := e.Trigger(context.Background(), def, nil)
	require.NoError(t, err)

	// Give the instance a moment to reach the waiting step, then resolve it.
	time.Sleep(10 * time.Millisecond)
	require.True(t, e.EmitEvent(instance.ID, "callback", "payload"))

	done := waitForStatus(t, e, instance.ID, StatusCompleted)

	result, ok := done.Result("await-callback")
	require.True(t, ok)
	require.Equal(t, "payload", result)
}

func Test_Engine_EmitBeforeWaitIsNotLost(t *testing.T) {
	e := newTestEngine(t)

	release := make(chan struct{})

	def := &Definition{
		Name: "early-event",
		Steps: []Step{
			{
				Name: "hold",
				Action: func(ctx context.Context, run *Run) (any, error) {
					<-release
					return nil, nil
				},
			},
			WaitForEvent("await-callback", "callback", time.Second),
		},
	}

	instance, err := e.Trigger(context.Background(), def, nil)
	require.NoError(t, err)

	// The event arrives while the first step is still running, before the
	// waiting step registered.
	require.True(t, e.EmitEvent(instance.ID, "callback", 42))
	close(release)

	done := waitForStatus(t, e, instance.ID, StatusCompleted)

	result, ok := done.Result("await-callback")
	require.True(t, ok)
	require.Equal(t, 42, result)
}

func Test_Engine_EmitToUnknownInstanceIsNoop(t *testing.T) {
	e := newTestEngine(t)

	require.False(t, e.EmitEvent("no-such-workflow", "callback", nil))
}

func Test_Engine_EmitAfterCompletionIsNoop(t *testing.T) {
	e := newTestEngine(t)

	def := &Definition{
		Name: "short-lived",
		Steps: []Step{
			{Name: "only", Action: func(ctx context.Context, run *Run) (any, error) { return nil, nil }},
		},
	}

	instance, err := e.Trigger(context.Background(), def, nil)
	require.NoError(t, err)

	waitForStatus(t, e, instance.ID, StatusCompleted)

	require.False(t, e.EmitEvent(instance.ID, "callback", nil))
}

func Test_Engine_StepPanicFailsInstance(t *testing.T) {
	e := newTestEngine(t)

	def := &Definition{
		Name: "panicking",
		Steps: []Step{
			{
				Name: "explode",
				Action: func(ctx context.Context, run *Run) (any, error) {
					panic("kaboom")
				},
			},
		},
	}

	instance, err := e.Trigger(context.Background(), def, nil)
	require.NoError(t, err)

	done := waitForStatus(t, e, instance.ID, StatusFailed)
	require.Equal(t, CodePanic, done.Err.Code)
	require.Contains(t, done.Err.Message, "kaboom")
	require.NotEmpty(t, done.Err.Stacktrace)
}

func Test_Engine_StepErrorHookRunsBeforeWorkflowHook(t *testing.T) {
	e := newTestEngine(t)

	order := make(chan string, 2)

	def := &Definition{
		Name: "hooks",
		Steps: []Step{
			{
				Name: "failing",
				Action: func(ctx context.Context, run *Run) (any, error) {
					return nil, errors.New("boom")
				},
				OnError: func(ctx context.Context, run *Run, err error) {
					order <- "step"
				},
			},
		},
		OnError: func(ctx context.Context, run *Run, err error) {
			order <- "workflow"
		},
	}

	instance, err := e.Trigger(context.Background(), def, nil)
	require.NoError(t, err)

	waitForStatus(t, e, instance.ID, StatusFailed)

	require.Equal(t, "step", <-order)
	require.Equal(t, "workflow", <-order)
}

func Test_Engine_ConcurrentInstances(t *testing.T) {
	e := newTestEngine(t)

	def := &Definition{
		Name: "concurrent",
		Steps: []Step{
			WaitForEvent("await-callback", "callback", time.Second),
			{
				Name: "record",
				Action: func(ctx context.Context, run *Run) (any, error) {
					payload, _ := run.Result("await-callback")
					return payload, nil
				},
			},
		},
	}

	ids := make([]string, 10)
	for i := range ids {
		instance, err := e.Trigger(context.Background(), def, i)
		require.NoError(t, err)
		ids[i] = instance.ID
	}

	// Each event must reach exactly the instance it is addressed to.
	for i, id := range ids {
		require.True(t, e.EmitEvent(id, "callback", i))
	}

	for i, id := range ids {
		done := waitForStatus(t, e, id, StatusCompleted)

		result, ok := done.Result("record")
		require.True(t, ok)
		require.Equal(t, i, result)
	}
}

func Test_Engine_ShutdownRejectsNewTriggers(t *testing.T) {
	store := NewMemoryInstanceStore(time.Minute)
	defer store.Close()

	e := NewEngine(WithInstanceStore(store))
	require.NoError(t, e.Shutdown(context.Background()))

	def := &Definition{
		Name: "late",
		Steps: []Step{
			{Name: "only", Action: func(ctx context.Context, run *Run) (any, error) { return nil, nil }},
		},
	}

	_, err := e.Trigger(context.Background(), def, nil)
	require.ErrorIs(t, err, ErrEngineClosed)
}
