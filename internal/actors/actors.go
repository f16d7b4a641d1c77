// Package actors is the role registry. The credential layer authenticates
// identities; this package records which governance role each identity holds
// and ledgers every role change.
package actors

import (
	"context"
	"sort"
	"sync"
	"time"

	"fairway/internal/policy"
	id "fairway/pkg/domain"
	"fairway/pkg/platform/sentinel"
)

// Actor is one registered identity and its current role.
type Actor struct {
	ID        id.ActorID
	Role      policy.Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists registered actors.
type Store interface {
	Save(ctx context.Context, actor Actor) error
	Get(ctx context.Context, actorID id.ActorID) (Actor, error)
	List(ctx context.Context) ([]Actor, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	actors map[id.ActorID]Actor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actors: make(map[id.ActorID]Actor)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Save(_ context.Context, actor Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.actors[actor.ID]; ok {
		actor.CreatedAt = existing.CreatedAt
	} else if actor.CreatedAt.IsZero() {
		actor.CreatedAt = now
	}
	if actor.UpdatedAt.IsZero() {
		actor.UpdatedAt = now
	}
	s.actors[actor.ID] = actor
	return nil
}

func (s *MemoryStore) Get(_ context.Context, actorID id.ActorID) (Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	actor, ok := s.actors[actorID]
	if !ok {
		return Actor{}, sentinel.ErrNotFound
	}
	return actor, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Actor, 0, len(s.actors))
	for _, actor := range s.actors {
		out = append(out, actor)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
