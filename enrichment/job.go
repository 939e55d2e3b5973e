// Package enrichment contains the domain side of the pipeline: enrichment
// jobs, batching, the failure and staleness policy, and the workflow
// definition that ties batching, submission and callback processing together.
package enrichment

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusEnriched Status = "enriched"
	StatusFailed   Status = "failed"
	StatusStale    Status = "stale"
)

// Terminal reports whether a job in this status is eligible for an operator
// retry.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusStale
}

// Job is one subscriber email awaiting enrichment. Jobs are created pending
// by the ingestion side; the pipeline moves them to enriched, failed or
// stale.
type Job struct {
	ID           string `json:"id"`
	SubscriberID string `json:"subscriber_id"`
	Email        string `json:"email"`

	Status Status `json:"status"`

	// CorrelationID is the provider-assigned batch id, set once the job has
	// been submitted.
	CorrelationID string `json:"correlation_id,omitempty"`

	EstimatedCredits float64  `json:"estimated_credits,omitempty"`
	ActualCredits    *float64 `json:"actual_credits,omitempty"`

	// Enrichment holds the provider's result attributes once the job is
	// enriched.
	Enrichment map[string]any `json:"enrichment,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
	RetryCount    int    `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

var ErrJobNotFound = errors.New("enrichment job not found")

// JobUpdate is a partial update; nil fields are left untouched. Pointers to
// zero values clear a field.
type JobUpdate struct {
	Status        *Status
	CorrelationID *string
	ActualCredits *float64
	Enrichment    map[string]any
	FailureReason *string
	RetryCount    *int
	CompletedAt   *time.Time

	// ClearCompletedAt resets the completion timestamp, used when a terminal
	// job re-enters the pending pool.
	ClearCompletedAt bool
}

// Store is the narrow persistence contract the pipeline depends on. The
// relational schema behind it belongs to the host application.
type Store interface {
	// QueryPending returns pending jobs in creation order, up to limit.
	// limit <= 0 returns all pending jobs.
	QueryPending(ctx context.Context, limit int) ([]*Job, error)

	// UpdateStatus applies a partial update to one job.
	UpdateStatus(ctx context.Context, id string, update JobUpdate) error

	// StoreCorrelationID stamps the provider batch id onto the given jobs.
	StoreCorrelationID(ctx context.Context, ids []string, correlationID string) error

	// Get returns a single job by id.
	Get(ctx context.Context, id string) (*Job, error)
}

func ptr[T any](v T) *T {
	return &v
}
