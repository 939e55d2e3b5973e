package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prospectly/enrichflow/backoff"
	"github.com/prospectly/enrichflow/correlation"
	"github.com/prospectly/enrichflow/log"
	"github.com/prospectly/enrichflow/metrics"
	"github.com/prospectly/enrichflow/provider"
	"github.com/prospectly/enrichflow/workflow"
)

// Step and event names of the enrichment workflow.
const (
	WorkflowName = "email-enrichment"

	StepAssemble = "assemble-batch"
	StepSubmit   = "submit-batch"
	StepAwait    = "await-callback"
	StepProcess  = "process-results"

	EventCallback = "enrichment-callback"
)

// DefaultCallbackTimeout bounds how long a batch waits for its webhook
// callback before its jobs are failed.
const DefaultCallbackTimeout = 30 * time.Minute

// Submitter is the slice of the provider client the pipeline needs.
type Submitter interface {
	Submit(ctx context.Context, items []provider.Item, webhookURL string) (string, error)
}

// CallbackResult is one per-item result delivered by the provider's webhook.
type CallbackResult struct {
	Email        string         `json:"email"`
	SubscriberID string         `json:"subscriberId"`
	CreditsUsed  float64        `json:"creditsUsed"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// assembledBatch is the result of the assemble step, visible to the later
// steps of the same instance.
type assembledBatch struct {
	JobIDs []string
	Items  []provider.Item
}

// processSummary is the result of the final step.
type processSummary struct {
	Enriched int
	Missing  int
	Credits  float64
}

// Pipeline builds the enrichment workflow definition: assemble the batch,
// submit it, suspend until the provider's callback arrives, then write the
// results back. The engine knows nothing about jobs; the definition's error
// hook is where batch failures are translated into job failures.
type Pipeline struct {
	engine   *workflow.Engine
	jobs     Store
	submit   Submitter
	registry correlation.Registry
	failures *FailureHandler

	webhookURL      string
	callbackTimeout time.Duration

	clock  clock.Clock
	logger *slog.Logger
	mc     metrics.Client

	def *workflow.Definition
}

type PipelineOption func(*Pipeline)

func WithCallbackTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.callbackTimeout = d
	}
}

func WithPipelineClock(c clock.Clock) PipelineOption {
	return func(p *Pipeline) {
		p.clock = c
	}
}

func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithPipelineMetrics(mc metrics.Client) PipelineOption {
	return func(p *Pipeline) {
		p.mc = mc
	}
}

func NewPipeline(
	engine *workflow.Engine,
	jobs Store,
	submit Submitter,
	registry correlation.Registry,
	failures *FailureHandler,
	webhookURL string,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		engine:          engine,
		jobs:            jobs,
		submit:          submit,
		registry:        registry,
		failures:        failures,
		webhookURL:      webhookURL,
		callbackTimeout: DefaultCallbackTimeout,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.mc == nil {
		p.mc = metrics.NewNoopClient()
	}

	p.def = p.definition()

	return p
}

// Submit triggers one workflow instance for the given batch of pending jobs.
func (p *Pipeline) Submit(ctx context.Context, batch []*Job) (*workflow.Instance, error) {
	instance, err := p.engine.Trigger(ctx, p.def, batch)
	if err != nil {
		return nil, fmt.Errorf("triggering enrichment workflow: %w", err)
	}

	p.mc.Counter(metrics.JobsSubmitted, metrics.Tags{}, float64(len(batch)))

	return instance, nil
}

func (p *Pipeline) definition() *workflow.Definition {
	return &workflow.Definition{
		Name: WorkflowName,
		Steps: []workflow.Step{
			{
				Name:   StepAssemble,
				Action: p.assembleBatch,
			},
			{
				Name:   StepSubmit,
				Action: p.submitBatch,
				// Transport-level retries live inside the provider client;
				// one more workflow-level attempt covers transient provider
				// outages that exhausted them.
				Retry: &backoff.Policy{
					MaxAttempts:    2,
					Strategy:       backoff.StrategyExponential,
					InitialDelay:   time.Minute,
					MaxDelay:       5 * time.Minute,
					RetryableCodes: []string{provider.CodeRateLimited, provider.CodeServerError, provider.CodeNetwork},
				},
			},
			workflow.WaitForEvent(StepAwait, EventCallback, p.callbackTimeout),
			{
				Name:   StepProcess,
				Action: p.processResults,
			},
		},
		OnError: p.failBatch,
	}
}

func (p *Pipeline) assembleBatch(ctx context.Context, run *workflow.Run) (any, error) {
	batch, ok := run.Input().([]*Job)
	if !ok {
		return nil, fmt.Errorf("unexpected workflow input %T", run.Input())
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("batch is empty")
	}

	assembled := assembledBatch{
		JobIDs: make([]string, len(batch)),
		Items:  make([]provider.Item, len(batch)),
	}

	for i, job := range batch {
		assembled.JobIDs[i] = job.ID
		assembled.Items[i] = provider.Item{
			SubscriberID: job.SubscriberID,
			Email:        job.Email,
		}
	}

	return assembled, nil
}

func (p *Pipeline) submitBatch(ctx context.Context, run *workflow.Run) (any, error) {
	assembled, err := p.assembled(run)
	if err != nil {
		return nil, err
	}

	correlationID, err := p.submit.Submit(ctx, assembled.Items, p.webhookURL)
	if err != nil {
		return nil, fmt.Errorf("submitting batch: %w", err)
	}

	// Register first so a fast callback cannot beat the mapping.
	if err := p.registry.Register(ctx, correlationID, run.ID()); err != nil {
		return nil, fmt.Errorf("registering correlation id: %w", err)
	}

	if err := p.jobs.StoreCorrelationID(ctx, assembled.JobIDs, correlationID); err != nil {
		return nil, fmt.Errorf("storing correlation id: %w", err)
	}

	run.Logger().Info("Submitted enrichment batch",
		log.CorrelationIDKey, correlationID,
		log.BatchSizeKey, len(assembled.Items),
	)

	return correlationID, nil
}

func (p *Pipeline) processResults(ctx context.Context, run *workflow.Run) (any, error) {
	assembled, err := p.assembled(run)
	if err != nil {
		return nil, err
	}

	payload, _ := run.Result(StepAwait)
	results, ok := payload.([]CallbackResult)
	if !ok {
		return nil, fmt.Errorf("unexpected callback payload %T", payload)
	}

	bySubscriber := make(map[string]CallbackResult, len(results))
	byEmail := make(map[string]CallbackResult, len(results))
	for _, r := range results {
		if r.SubscriberID != "" {
			bySubscriber[r.SubscriberID] = r
		}
		if r.Email != "" {
			byEmail[r.Email] = r
		}
	}

	summary := processSummary{}

	for i, jobID := range assembled.JobIDs {
		item := assembled.Items[i]

		result, ok := bySubscriber[item.SubscriberID]
		if !ok {
			result, ok = byEmail[item.Email]
		}
		if !ok {
			// The provider returned no result for this item; count it as a
			// job-level failure with the usual retry budget.
			if _, err := p.failures.RecordFailure(ctx, jobID, "no result in provider callback"); err != nil {
				return nil, err
			}
			summary.Missing++

			continue
		}

		credits := result.CreditsUsed
		now := p.clock.Now()

		err := p.jobs.UpdateStatus(ctx, jobID, JobUpdate{
			Status:        ptr(StatusEnriched),
			ActualCredits: &credits,
			Enrichment:    result.Fields,
			CompletedAt:   &now,
		})
		if err != nil {
			return nil, fmt.Errorf("marking job %s enriched: %w", jobID, err)
		}

		summary.Enriched++
		summary.Credits += credits
	}

	p.unregister(ctx, run)

	run.Logger().Info("Processed enrichment callback",
		log.BatchSizeKey, len(assembled.JobIDs),
		log.StatusKey, fmt.Sprintf("enriched=%d missing=%d", summary.Enriched, summary.Missing),
	)
	p.mc.Counter(metrics.JobsEnriched, metrics.Tags{}, float64(summary.Enriched))

	return summary, nil
}

// failBatch is the workflow-level error hook: any unrecoverable step failure
// fails every job of the batch and releases the correlation mapping.
func (p *Pipeline) failBatch(ctx context.Context, run *workflow.Run, err error) {
	reason := "enrichment workflow failed: " + err.Error()
	if workflow.IsTimeout(err) {
		reason = "no callback received from provider within window"
	}

	assembled, aerr := p.assembled(run)
	if aerr != nil {
		// The assemble step itself failed; there is nothing to mark.
		run.Logger().Error("Enrichment batch failed before assembly", log.ReasonKey, err.Error())
		return
	}

	for _, jobID := range assembled.JobIDs {
		if _, ferr := p.failures.RecordFailure(ctx, jobID, reason); ferr != nil {
			run.Logger().Error("Recording job failure",
				log.JobIDKey, jobID,
				log.ReasonKey, ferr.Error(),
			)
		}
	}

	p.unregister(ctx, run)
}

func (p *Pipeline) assembled(run *workflow.Run) (assembledBatch, error) {
	v, ok := run.Result(StepAssemble)
	if !ok {
		return assembledBatch{}, fmt.Errorf("step %q has not run", StepAssemble)
	}

	assembled, ok := v.(assembledBatch)
	if !ok {
		return assembledBatch{}, fmt.Errorf("unexpected assemble result %T", v)
	}

	return assembled, nil
}

// unregister drops the correlation mapping once the instance is done with it.
// Removal is idempotent; a duplicate webhook delivery afterwards is a no-op.
func (p *Pipeline) unregister(ctx context.Context, run *workflow.Run) {
	correlationID, ok := run.Result(StepSubmit)
	if !ok {
		return
	}

	id, ok := correlationID.(string)
	if !ok || id == "" {
		return
	}

	if err := p.registry.Unregister(ctx, id); err != nil {
		run.Logger().Error("Unregistering correlation id",
			log.CorrelationIDKey, id,
			log.ReasonKey, err.Error(),
		)
	}
}
