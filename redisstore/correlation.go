package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prospectly/enrichflow/correlation"
	"github.com/redis/go-redis/v9"
)

// CorrelationRegistry is a redis-backed correlation.Registry. Register uses
// SETNX so at most one live mapping exists per correlation id even across
// engine replicas.
type CorrelationRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewCorrelationRegistry(client redis.UniversalClient, ttl time.Duration) *CorrelationRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &CorrelationRegistry{
		client: client,
		ttl:    ttl,
	}
}

func (r *CorrelationRegistry) Register(ctx context.Context, correlationID, workflowID string) error {
	set, err := r.client.SetNX(ctx, correlationKeyPrefix+correlationID, workflowID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("registering correlation id: %w", err)
	}

	if !set {
		return fmt.Errorf("%w: %s", correlation.ErrAlreadyRegistered, correlationID)
	}

	return nil
}

func (r *CorrelationRegistry) Lookup(ctx context.Context, correlationID string) (string, bool, error) {
	workflowID, err := r.client.Get(ctx, correlationKeyPrefix+correlationID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("looking up correlation id: %w", err)
	}

	return workflowID, true, nil
}

func (r *CorrelationRegistry) Unregister(ctx context.Context, correlationID string) error {
	if err := r.client.Del(ctx, correlationKeyPrefix+correlationID).Err(); err != nil {
		return fmt.Errorf("unregistering correlation id: %w", err)
	}

	return nil
}

var _ correlation.Registry = (*CorrelationRegistry)(nil)
