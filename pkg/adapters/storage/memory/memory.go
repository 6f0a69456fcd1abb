package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
)

// StateStore implements ports.StateStore using an in-memory map.
// States are deep-copied on the way in and out so callers never share them.
type StateStore struct {
	states map[string]*domain.OrchestratorState
	mu     sync.RWMutex
}

// NewStateStore creates a new in-memory state store
func NewStateStore() *StateStore {
	return &StateStore{
		states: make(map[string]*domain.OrchestratorState),
	}
}

// Save persists a copy of state and bumps its version
func (s *StateStore) Save(ctx context.Context, state *domain.OrchestratorState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("state id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.states[state.ID]; ok {
		current = existing.Version
	}
	if current != state.Version {
		return fmt.Errorf("%w: %s (stored %d, got %d)", ports.ErrVersionConflict, state.ID, current, state.Version)
	}

	stateCopy, err := state.Clone()
	if err != nil {
		return err
	}
	stateCopy.Version = current + 1
	stateCopy.UpdatedAt = time.Now().UTC()
	s.states[state.ID] = stateCopy

	state.Version = stateCopy.Version
	state.UpdatedAt = stateCopy.UpdatedAt
	return nil
}

// Load returns a copy of the stored state
func (s *StateStore) Load(ctx context.Context, id string) (*domain.OrchestratorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}
	return state.Clone()
}

// List returns copies of all stored states ordered by id
func (s *StateStore) List(ctx context.Context) ([]*domain.OrchestratorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*domain.OrchestratorState, 0, len(s.states))
	for _, state := range s.states {
		cp, err := state.Clone()
		if err != nil {
			return nil, err
		}
		states = append(states, cp)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states, nil
}

// Delete removes the state for id
func (s *StateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, id)
	return nil
}
