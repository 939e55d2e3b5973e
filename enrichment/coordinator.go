package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prospectly/enrichflow/log"
)

// IneligibleReason is recorded on jobs whose email the classifier declines.
const IneligibleReason = "email not eligible for enrichment"

// Coordinator drives submission cycles: it pulls pending jobs, filters them
// through the classifier, chunks them to provider-sized batches and triggers
// one workflow instance per batch. It also runs the staleness sweep. The
// per-cycle query limit is what bounds how many instances are in flight.
type Coordinator struct {
	jobs       Store
	classifier Classifier
	pipeline   *Pipeline
	failures   *FailureHandler

	batchSize  int
	queryLimit int
	staleAfter time.Duration

	clock  clock.Clock
	logger *slog.Logger
}

type CoordinatorConfig struct {
	// BatchSize caps items per provider submission. Defaults to
	// DefaultBatchSize.
	BatchSize int

	// QueryLimit caps jobs pulled per cycle, bounding concurrent workflow
	// instances. Defaults to 10 batches worth.
	QueryLimit int

	// StaleAfter is the pending-age threshold for the sweep.
	StaleAfter time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

func NewCoordinator(jobs Store, classifier Classifier, pipeline *Pipeline, failures *FailureHandler, cfg CoordinatorConfig) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = cfg.BatchSize * 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		jobs:       jobs,
		classifier: classifier,
		pipeline:   pipeline,
		failures:   failures,
		batchSize:  cfg.BatchSize,
		queryLimit: cfg.QueryLimit,
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
}

// RunCycle executes one submission cycle and returns the number of workflow
// instances triggered.
func (c *Coordinator) RunCycle(ctx context.Context) (int, error) {
	pending, err := c.jobs.QueryPending(ctx, c.queryLimit)
	if err != nil {
		return 0, fmt.Errorf("querying pending jobs: %w", err)
	}

	eligible := make([]*Job, 0, len(pending))
	for _, job := range pending {
		// Jobs already stamped with a correlation id belong to an in-flight
		// batch awaiting its callback.
		if job.CorrelationID != "" {
			continue
		}

		if !c.classifier.NeedsEnrichment(job.Email) {
			err := c.jobs.UpdateStatus(ctx, job.ID, JobUpdate{
				Status:        ptr(StatusFailed),
				FailureReason: ptr(IneligibleReason),
				CompletedAt:   ptr(c.clock.Now()),
			})
			if err != nil {
				return 0, fmt.Errorf("marking job %s ineligible: %w", job.ID, err)
			}

			continue
		}

		eligible = append(eligible, job)
	}

	batches, err := Chunk(eligible, c.batchSize)
	if err != nil {
		return 0, err
	}

	triggered := 0
	for _, batch := range batches {
		instance, err := c.pipeline.Submit(ctx, batch)
		if err != nil {
			return triggered, fmt.Errorf("submitting batch: %w", err)
		}

		c.logger.Debug("Triggered enrichment batch",
			log.WorkflowIDKey, instance.ID,
			log.BatchSizeKey, len(batch),
		)
		triggered++
	}

	return triggered, nil
}

// Run loops submission cycles and staleness sweeps until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := c.RunCycle(ctx); err != nil {
			c.logger.Error("Enrichment cycle failed", log.ReasonKey, err.Error())
		}

		if _, err := c.failures.SweepStale(ctx, c.staleAfter); err != nil {
			c.logger.Error("Staleness sweep failed", log.ReasonKey, err.Error())
		}
	}
}
