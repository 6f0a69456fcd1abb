package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "taskloop:state:"

// StateStore implements ports.StateStore using Redis
type StateStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStateStore creates a new Redis state store. A zero ttl keeps states forever.
func NewStateStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StateStore {
	return &StateStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Save persists state under a WATCH on its key so concurrent writers are detected
func (s *StateStore) Save(ctx context.Context, state *domain.OrchestratorState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("state id is required")
	}
	key := getStateKey(state.ID)

	next := *state
	next.UpdatedAt = time.Now().UTC()

	txf := func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != state.Version {
			return fmt.Errorf("%w: %s (stored %d, got %d)", ports.ErrVersionConflict, state.ID, current, state.Version)
		}

		next.Version = current + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %s (concurrent write)", ports.ErrVersionConflict, state.ID)
		}
		if errors.Is(err, ports.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("failed to save state: %w", err)
	}

	state.Version = next.Version
	state.UpdatedAt = next.UpdatedAt

	s.logger.Debug("state saved",
		zap.String("agent_id", state.ID),
		zap.Int64("version", state.Version))

	return nil
}

// Load retrieves state for an agent
func (s *StateStore) Load(ctx context.Context, id string) (*domain.OrchestratorState, error) {
	data, err := s.client.Get(ctx, getStateKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	var state domain.OrchestratorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	state.Normalize()

	return &state, nil
}

// List returns all stored states ordered by id
func (s *StateStore) List(ctx context.Context) ([]*domain.OrchestratorState, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	states := make([]*domain.OrchestratorState, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			// expired between SCAN and GET
			continue
		}

		var state domain.OrchestratorState
		if err := json.Unmarshal(data, &state); err != nil {
			s.logger.Warn("skipping undecodable state",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		state.Normalize()
		states = append(states, &state)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states, nil
}

// Delete removes state for an agent
func (s *StateStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, getStateKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}

	s.logger.Debug("state deleted", zap.String("agent_id", id))
	return nil
}

// storedVersion reads the version of the state at key, 0 when absent
func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get state: %w", err)
	}

	var stored struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return 0, fmt.Errorf("failed to unmarshal stored version: %w", err)
	}
	return stored.Version, nil
}

// getStateKey returns the Redis key for an agent state
func getStateKey(id string) string {
	return keyPrefix + id
}
