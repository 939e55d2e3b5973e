package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prospectly/enrichflow/workflow"
	"github.com/redis/go-redis/v9"
)

// InstanceStore persists workflow instances as JSON values keyed by workflow
// id.
type InstanceStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewInstanceStore(client redis.UniversalClient, ttl time.Duration) *InstanceStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &InstanceStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *InstanceStore) Create(ctx context.Context, instance *workflow.Instance) error {
	payload, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("encoding instance: %w", err)
	}

	set, err := s.client.SetNX(ctx, instanceKeyPrefix+instance.ID, payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}

	if !set {
		return fmt.Errorf("%w: %s", workflow.ErrInstanceAlreadyExists, instance.ID)
	}

	return nil
}

func (s *InstanceStore) Update(ctx context.Context, instance *workflow.Instance) error {
	payload, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("encoding instance: %w", err)
	}

	key := instanceKeyPrefix + instance.ID

	set, err := s.client.SetXX(ctx, key, payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}

	if !set {
		return fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, instance.ID)
	}

	return nil
}

func (s *InstanceStore) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	payload, err := s.client.Get(ctx, instanceKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrInstanceNotFound, id)
		}

		return nil, fmt.Errorf("loading instance: %w", err)
	}

	var instance workflow.Instance
	if err := json.Unmarshal(payload, &instance); err != nil {
		return nil, fmt.Errorf("decoding instance: %w", err)
	}

	return &instance, nil
}

var _ workflow.InstanceStore = (*InstanceStore)(nil)
