package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prospectly/enrichflow/log"
	"github.com/prospectly/enrichflow/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrEngineClosed = errors.New("engine is shut down")

// Engine runs workflow instances. Every triggered instance executes on its
// own goroutine; steps within an instance are strictly sequential.
type Engine struct {
	store  InstanceStore
	logger *slog.Logger
	clock  clock.Clock
	mc     metrics.Client
	tracer trace.Tracer

	mu     sync.Mutex
	boxes  map[string]*mailbox
	closed bool

	wg sync.WaitGroup
}

// NewEngine creates an engine. Pass WithInstanceStore to externalize instance
// state; the default keeps it in memory.
func NewEngine(opts ...EngineOption) *Engine {
	options := applyOptions(opts...)

	store := options.Store
	if store == nil {
		store = NewMemoryInstanceStore(options.FinishedRetention)
	}

	return &Engine{
		store:  store,
		logger: options.Logger,
		clock:  options.Clock,
		mc:     options.Metrics,
		tracer: options.TracerProvider.Tracer("enrichflow/workflow"),
		boxes:  make(map[string]*mailbox),
	}
}

// Run is the handle a step action receives. It exposes the instance's input
// and the results of the steps that already ran.
type Run struct {
	engine   *Engine
	instance *Instance
	logger   *slog.Logger
}

// ID returns the workflow id of the running instance.
func (r *Run) ID() string {
	return r.instance.ID
}

// Input returns the value the workflow was triggered with.
func (r *Run) Input() any {
	return r.instance.Input
}

// Result returns the result recorded for an earlier step.
func (r *Run) Result(name string) (any, bool) {
	return r.instance.Result(name)
}

// Logger returns a logger scoped to the running instance.
func (r *Run) Logger() *slog.Logger {
	return r.logger
}

// Trigger creates a new instance of the given definition and starts executing
// it without blocking the caller. The returned instance is a snapshot; use
// Instance to observe progress.
func (e *Engine) Trigger(ctx context.Context, def *Definition, input any) (*Instance, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("Trigger: %s", def.Name), trace.WithAttributes(
		attribute.String(log.WorkflowNameKey, def.Name),
	))
	defer span.End()

	instance := &Instance{
		ID:        uuid.NewString(),
		Workflow:  def.Name,
		Input:     input,
		Status:    StatusRunning,
		StartedAt: e.clock.Now(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}

	if err := e.store.Create(ctx, instance); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("creating workflow instance: %w", err)
	}

	e.boxes[instance.ID] = newMailbox()
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Debug("Triggered workflow instance",
		log.WorkflowIDKey, instance.ID,
		log.WorkflowNameKey, def.Name,
	)
	e.mc.Counter(metrics.WorkflowInstanceCreated, metrics.Tags{metrics.WorkflowName: def.Name}, 1)

	go e.run(def, instance)

	return instance.copy(), nil
}

// Instance returns a snapshot of the instance with the given workflow id.
func (e *Engine) Instance(ctx context.Context, id string) (*Instance, error) {
	return e.store.Get(ctx, id)
}

// Shutdown waits for all in-flight instances to finish. New triggers are
// rejected once it has been called.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(def *Definition, instance *Instance) {
	defer e.wg.Done()

	// Execution is detached from the caller's context; a workflow instance
	// outlives the request that triggered it.
	ctx, span := e.tracer.Start(context.Background(), fmt.Sprintf("Workflow: %s", def.Name), trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, instance.ID),
		attribute.String(log.WorkflowNameKey, def.Name),
	))
	defer span.End()

	logger := e.logger.With(
		log.WorkflowIDKey, instance.ID,
		log.WorkflowNameKey, def.Name,
	)

	run := &Run{
		engine:   e,
		instance: instance,
		logger:   logger,
	}

	for _, step := range def.Steps {
		result, err := e.runStep(ctx, run, step)
		if err != nil {
			if step.OnError != nil {
				step.OnError(ctx, run, err)
			}

			e.finish(ctx, instance, FromError(err))

			logger.Error("Workflow instance failed",
				log.StepNameKey, step.Name,
				log.ReasonKey, err.Error(),
			)
			e.mc.Counter(metrics.WorkflowInstanceFailed, metrics.Tags{metrics.WorkflowName: def.Name, metrics.StepName: step.Name}, 1)

			if def.OnError != nil {
				def.OnError(ctx, run, err)
			}

			return
		}

		instance.Results = append(instance.Results, StepResult{
			Name:        step.Name,
			Value:       result,
			CompletedAt: e.clock.Now(),
		})

		if err := e.store.Update(ctx, instance.copy()); err != nil {
			logger.Error("Persisting step result", log.StepNameKey, step.Name, log.ReasonKey, err.Error())
		}
	}

	e.finish(ctx, instance, nil)

	logger.Debug("Workflow instance completed")
	e.mc.Counter(metrics.WorkflowInstanceCompleted, metrics.Tags{metrics.WorkflowName: def.Name}, 1)
}

func (e *Engine) finish(ctx context.Context, instance *Instance, werr *Error) {
	now := e.clock.Now()
	instance.CompletedAt = &now

	if werr != nil {
		instance.Status = StatusFailed
		instance.Err = werr
	} else {
		instance.Status = StatusCompleted
	}

	if err := e.store.Update(ctx, instance.copy()); err != nil {
		e.logger.Error("Persisting finished instance",
			log.WorkflowIDKey, instance.ID,
			log.ReasonKey, err.Error(),
		)
	}

	e.mu.Lock()
	delete(e.boxes, instance.ID)
	e.mu.Unlock()
}

// runStep executes one step, racing its retry-wrapped attempts against the
// step timeout.
func (e *Engine) runStep(ctx context.Context, run *Run, step Step) (any, error) {
	t := metrics.Timer(e.mc, metrics.WorkflowStepDuration, metrics.Tags{metrics.StepName: step.Name})
	defer t.Stop()

	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("Step: %s", step.Name), trace.WithAttributes(
		attribute.String(log.StepNameKey, step.Name),
	))
	defer span.End()

	stepCtx := ctx
	var timedOut atomic.Bool

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithCancel(ctx)
		defer cancel()

		timer := e.clock.AfterFunc(step.Timeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	attempt := 1
	for {
		result, err := e.attempt(stepCtx, run, step)
		if err == nil {
			return result, nil
		}

		if timedOut.Load() {
			return nil, &TimeoutError{Step: step.Name, Timeout: step.Timeout}
		}
		if stepCtx.Err() != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, stepCtx.Err())
		}

		if step.Retry == nil || attempt >= step.Retry.MaxAttempts || !step.Retry.Retryable(err) {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}

		delay := step.Retry.Delay(attempt)

		run.logger.Debug("Retrying step",
			log.StepNameKey, step.Name,
			log.AttemptKey, attempt,
			log.DelayKey, delay.String(),
			log.ReasonKey, err.Error(),
		)
		e.mc.Counter(metrics.WorkflowStepRetried, metrics.Tags{metrics.StepName: step.Name}, 1)

		timer := e.clock.Timer(delay)
		select {
		case <-stepCtx.Done():
			timer.Stop()

			if timedOut.Load() {
				return nil, &TimeoutError{Step: step.Name, Timeout: step.Timeout}
			}

			return nil, fmt.Errorf("step %q: %w", step.Name, stepCtx.Err())
		case <-timer.C:
		}

		attempt++
	}
}

func (e *Engine) attempt(ctx context.Context, run *Run, step Step) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = newPanicError(r)
		}
	}()

	return step.Action(ctx, run)
}
