package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_MemoryInstanceStore_CreateAndGet(t *testing.T) {
	s := NewMemoryInstanceStore(time.Minute)
	defer s.Close()

	ctx := context.Background()

	instance := &Instance{
		ID:        "wf1",
		Workflow:  "test",
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	require.NoError(t, s.Create(ctx, instance))

	got, err := s.Get(ctx, "wf1")
	require.NoError(t, err)
	require.Equal(t, "wf1", got.ID)
	require.Equal(t, StatusRunning, got.Status)

	// The store hands out copies; mutating one must not affect the other.
	got.Status = StatusFailed
	again, err := s.Get(ctx, "wf1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, again.Status)
}

func Test_MemoryInstanceStore_DuplicateCreate(t *testing.T) {
	s := NewMemoryInstanceStore(time.Minute)
	defer s.Close()

	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Instance{ID: "wf1"}))
	require.ErrorIs(t, s.Create(ctx, &Instance{ID: "wf1"}), ErrInstanceAlreadyExists)
}

func Test_MemoryInstanceStore_GetUnknown(t *testing.T) {
	s := NewMemoryInstanceStore(time.Minute)
	defer s.Close()

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func Test_MemoryInstanceStore_UpdateUnknown(t *testing.T) {
	s := NewMemoryInstanceStore(time.Minute)
	defer s.Close()

	err := s.Update(context.Background(), &Instance{ID: "missing"})
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func Test_MemoryInstanceStore_FinishedInstancesStayQueryable(t *testing.T) {
	s := NewMemoryInstanceStore(time.Minute)
	defer s.Close()

	ctx := context.Background()

	instance := &Instance{ID: "wf1", Status: StatusRunning}
	require.NoError(t, s.Create(ctx, instance))

	now := time.Now()
	instance.Status = StatusCompleted
	instance.CompletedAt = &now
	require.NoError(t, s.Update(ctx, instance))

	got, err := s.Get(ctx, "wf1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	// A finished instance cannot be re-created while retained.
	require.ErrorIs(t, s.Create(ctx, &Instance{ID: "wf1"}), ErrInstanceAlreadyExists)
}

func Test_MemoryInstanceStore_FinishedRetentionExpires(t *testing.T) {
	s := NewMemoryInstanceStore(20 * time.Millisecond)
	defer s.Close()

	ctx := context.Background()

	instance := &Instance{ID: "wf1", Status: StatusRunning}
	require.NoError(t, s.Create(ctx, instance))

	instance.Status = StatusFailed
	require.NoError(t, s.Update(ctx, instance))

	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, "wf1")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}
