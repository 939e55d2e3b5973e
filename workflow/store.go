package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrInstanceNotFound      = errors.New("workflow instance not found")
	ErrInstanceAlreadyExists = errors.New("workflow instance already exists")
)

// InstanceStore persists workflow instances keyed by workflow id. The engine
// takes the store as a capability at construction so durability is a storage
// concern, not an engine concern.
type InstanceStore interface {
	Create(ctx context.Context, instance *Instance) error

	Update(ctx context.Context, instance *Instance) error

	Get(ctx context.Context, id string) (*Instance, error)
}

// MemoryInstanceStore keeps active instances in a map and finished ones in a
// TTL cache so completed runs stay queryable for a retention window without
// growing without bound. State does not survive a process restart.
type MemoryInstanceStore struct {
	mu       sync.Mutex
	active   map[string]*Instance
	finished *ttlcache.Cache[string, *Instance]
}

// NewMemoryInstanceStore creates an in-memory store retaining finished
// instances for the given duration.
func NewMemoryInstanceStore(retention time.Duration) *MemoryInstanceStore {
	c := ttlcache.New(
		ttlcache.WithTTL[string, *Instance](retention),
	)

	go c.Start()

	return &MemoryInstanceStore{
		active:   make(map[string]*Instance),
		finished: c,
	}
}

func (s *MemoryInstanceStore) Create(ctx context.Context, instance *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[instance.ID]; ok {
		return fmt.Errorf("%w: %s", ErrInstanceAlreadyExists, instance.ID)
	}
	if s.finished.Get(instance.ID) != nil {
		return fmt.Errorf("%w: %s", ErrInstanceAlreadyExists, instance.ID)
	}

	s.active[instance.ID] = instance.copy()

	return nil
}

func (s *MemoryInstanceStore) Update(ctx context.Context, instance *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[instance.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instance.ID)
	}

	if instance.Status.Finished() {
		delete(s.active, instance.ID)
		s.finished.Set(instance.ID, instance.copy(), ttlcache.DefaultTTL)

		return nil
	}

	s.active[instance.ID] = instance.copy()

	return nil
}

func (s *MemoryInstanceStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if instance, ok := s.active[id]; ok {
		return instance.copy(), nil
	}

	if item := s.finished.Get(id); item != nil {
		return item.Value().copy(), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
}

// Close stops the background expiration loop.
func (s *MemoryInstanceStore) Close() {
	s.finished.Stop()
}

var _ InstanceStore = (*MemoryInstanceStore)(nil)
