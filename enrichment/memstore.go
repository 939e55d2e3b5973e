package enrichment

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
)

// MemoryStore is an in-memory job store for tests and single-process
// deployments. Production deployments plug their relational store in behind
// the Store interface instead.
type MemoryStore struct {
	clock clock.Clock

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}

	return &MemoryStore{
		clock: c,
		jobs:  make(map[string]*Job),
	}
}

// Create adds a new pending job. Ingestion-side concern, exposed here so
// tests and the memory-backed daemon can seed work.
func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("enrichment job %s already exists", job.ID)
	}

	c := *job
	if c.Status == "" {
		c.Status = StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock.Now()
	}
	c.UpdatedAt = c.CreatedAt

	s.jobs[job.ID] = &c
	s.order = append(s.order, job.ID)

	return nil
}

func (s *MemoryStore) QueryPending(ctx context.Context, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Status != StatusPending {
			continue
		}

		c := *job
		pending = append(pending, &c)

		if limit > 0 && len(pending) == limit {
			break
		}
	}

	return pending, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, update JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.CorrelationID != nil {
		job.CorrelationID = *update.CorrelationID
	}
	if update.ActualCredits != nil {
		job.ActualCredits = update.ActualCredits
	}
	if update.Enrichment != nil {
		job.Enrichment = update.Enrichment
	}
	if update.FailureReason != nil {
		job.FailureReason = *update.FailureReason
	}
	if update.RetryCount != nil {
		job.RetryCount = *update.RetryCount
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	if update.ClearCompletedAt {
		job.CompletedAt = nil
	}

	job.UpdatedAt = s.clock.Now()

	return nil
}

func (s *MemoryStore) StoreCorrelationID(ctx context.Context, ids []string, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}

		job.CorrelationID = correlationID
		job.UpdatedAt = s.clock.Now()
	}

	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	c := *job

	return &c, nil
}

var _ Store = (*MemoryStore)(nil)
