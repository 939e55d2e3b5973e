package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prospectly/enrichflow/log"
	"github.com/prospectly/enrichflow/metrics"
)

// StaleReason is the synthetic failure reason the sweep writes.
const StaleReason = "job exceeded pending threshold without resolution"

// DefaultMaxRetries is the per-job failure budget before a job is marked
// failed for good.
const DefaultMaxRetries = 3

var ErrJobNotTerminal = fmt.Errorf("job is not in a terminal state")

// FailureHandler applies the job-level retry budget, sweeps jobs stuck in
// pending past a threshold, and resets terminal jobs back into the pending
// pool on operator request.
type FailureHandler struct {
	store      Store
	clock      clock.Clock
	logger     *slog.Logger
	mc         metrics.Client
	maxRetries int
}

type FailureHandlerOption func(*FailureHandler)

func WithFailureLogger(logger *slog.Logger) FailureHandlerOption {
	return func(h *FailureHandler) {
		h.logger = logger
	}
}

func WithFailureClock(c clock.Clock) FailureHandlerOption {
	return func(h *FailureHandler) {
		h.clock = c
	}
}

func WithFailureMetrics(mc metrics.Client) FailureHandlerOption {
	return func(h *FailureHandler) {
		h.mc = mc
	}
}

func NewFailureHandler(store Store, maxRetries int, opts ...FailureHandlerOption) *FailureHandler {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}

	h := &FailureHandler{
		store:      store,
		maxRetries: maxRetries,
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.clock == nil {
		h.clock = clock.New()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.mc == nil {
		h.mc = metrics.NewNoopClient()
	}

	return h
}

// RecordFailure increments the job's retry count. Once the count reaches the
// budget the job is marked failed with the given reason; until then it stays
// pending for the next batch cycle. The return value reports whether another
// attempt should happen.
func (h *FailureHandler) RecordFailure(ctx context.Context, jobID, reason string) (bool, error) {
	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("loading job: %w", err)
	}

	retryCount := job.RetryCount + 1

	if retryCount >= h.maxRetries {
		now := h.clock.Now()

		err := h.store.UpdateStatus(ctx, jobID, JobUpdate{
			Status:        ptr(StatusFailed),
			RetryCount:    &retryCount,
			FailureReason: &reason,
			CompletedAt:   &now,
		})
		if err != nil {
			return false, fmt.Errorf("marking job failed: %w", err)
		}

		h.logger.Warn("Enrichment job failed permanently",
			log.JobIDKey, jobID,
			log.RetryCountKey, retryCount,
			log.ReasonKey, reason,
		)
		h.mc.Counter(metrics.JobsFailed, metrics.Tags{}, 1)

		return false, nil
	}

	// Clear the correlation id; the job will be re-batched under a new one.
	err = h.store.UpdateStatus(ctx, jobID, JobUpdate{
		Status:        ptr(StatusPending),
		RetryCount:    &retryCount,
		CorrelationID: ptr(""),
	})
	if err != nil {
		return false, fmt.Errorf("resetting job for retry: %w", err)
	}

	h.logger.Debug("Enrichment job will be retried",
		log.JobIDKey, jobID,
		log.RetryCountKey, retryCount,
		log.ReasonKey, reason,
	)

	return true, nil
}

// SweepStale marks every pending job created before now-threshold as stale.
// Only pending jobs are considered, which makes re-running the sweep
// idempotent. Returns the number of jobs marked.
func (h *FailureHandler) SweepStale(ctx context.Context, threshold time.Duration) (int, error) {
	pending, err := h.store.QueryPending(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("querying pending jobs: %w", err)
	}

	now := h.clock.Now()
	cutoff := now.Add(-threshold)

	swept := 0
	for _, job := range pending {
		if !job.CreatedAt.Before(cutoff) {
			continue
		}

		err := h.store.UpdateStatus(ctx, job.ID, JobUpdate{
			Status:        ptr(StatusStale),
			FailureReason: ptr(StaleReason),
			CompletedAt:   &now,
		})
		if err != nil {
			return swept, fmt.Errorf("marking job %s stale: %w", job.ID, err)
		}

		swept++
	}

	if swept > 0 {
		h.logger.Info("Swept stale enrichment jobs", log.JobsSweptKey, swept)
		h.mc.Counter(metrics.JobsSwept, metrics.Tags{}, float64(swept))
	}

	return swept, nil
}

// Retry resets a failed or stale job back to pending, clearing its
// correlation id, failure reason, retry count and completion timestamp. Jobs
// that are not in a terminal state are rejected.
func (h *FailureHandler) Retry(ctx context.Context, jobID string) error {
	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}

	if !job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobNotTerminal, jobID, job.Status)
	}

	err = h.store.UpdateStatus(ctx, jobID, JobUpdate{
		Status:           ptr(StatusPending),
		CorrelationID:    ptr(""),
		FailureReason:    ptr(""),
		RetryCount:       ptr(0),
		ClearCompletedAt: true,
	})
	if err != nil {
		return fmt.Errorf("resetting job: %w", err)
	}

	h.logger.Info("Enrichment job reset for retry", log.JobIDKey, jobID)
	h.mc.Counter(metrics.JobsRetried, metrics.Tags{}, 1)

	return nil
}
