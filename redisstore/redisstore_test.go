package redisstore

// These tests need a redis server at localhost:6379 and are skipped in short
// mode.

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prospectly/enrichflow/correlation"
	"github.com/prospectly/enrichflow/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func getClient(t *testing.T) redis.UniversalClient {
	t.Helper()

	if testing.Short() {
		t.Skip("redis tests are skipped in short mode")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	return client
}

func Test_CorrelationRegistry_RoundTrip(t *testing.T) {
	r := NewCorrelationRegistry(getClient(t), time.Minute)
	ctx := context.Background()

	correlationID := uuid.NewString()

	require.NoError(t, r.Register(ctx, correlationID, "wf1"))

	workflowID, ok, err := r.Lookup(ctx, correlationID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "wf1", workflowID)

	require.ErrorIs(t, r.Register(ctx, correlationID, "wf2"), correlation.ErrAlreadyRegistered)

	require.NoError(t, r.Unregister(ctx, correlationID))

	_, ok, err = r.Lookup(ctx, correlationID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.Unregister(ctx, correlationID))
}

func Test_InstanceStore_RoundTrip(t *testing.T) {
	s := NewInstanceStore(getClient(t), time.Minute)
	ctx := context.Background()

	instance := &workflow.Instance{
		ID:        uuid.NewString(),
		Workflow:  "email-enrichment",
		Status:    workflow.StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	require.NoError(t, s.Create(ctx, instance))
	require.ErrorIs(t, s.Create(ctx, instance), workflow.ErrInstanceAlreadyExists)

	instance.Status = workflow.StatusCompleted
	now := time.Now().UTC()
	instance.CompletedAt = &now
	instance.Results = []workflow.StepResult{
		{Name: "submit-batch", Value: "abc", CompletedAt: now},
	}
	require.NoError(t, s.Update(ctx, instance))

	got, err := s.Get(ctx, instance.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusCompleted, got.Status)

	value, ok := got.Result("submit-batch")
	require.True(t, ok)
	require.Equal(t, "abc", value)
}

func Test_InstanceStore_UpdateUnknown(t *testing.T) {
	s := NewInstanceStore(getClient(t), time.Minute)

	err := s.Update(context.Background(), &workflow.Instance{ID: uuid.NewString()})
	require.ErrorIs(t, err, workflow.ErrInstanceNotFound)
}

func Test_InstanceStore_GetUnknown(t *testing.T) {
	s := NewInstanceStore(getClient(t), time.Minute)

	_, err := s.Get(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, workflow.ErrInstanceNotFound)
}
