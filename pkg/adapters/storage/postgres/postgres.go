package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS taskloop_agents (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    role       TEXT NOT NULL,
    version    BIGINT NOT NULL,
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

// StateStore implements ports.StateStore on PostgreSQL
type StateStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open connects to dsn and ensures the schema exists
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*StateStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &StateStore{pool: pool, logger: logger}, nil
}

// Close releases the connection pool
func (s *StateStore) Close() {
	s.pool.Close()
}

// Save inserts or updates state, comparing the stored version first
func (s *StateStore) Save(ctx context.Context, state *domain.OrchestratorState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("state id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	exists := true
	err = tx.QueryRow(ctx, `SELECT version FROM taskloop_agents WHERE id=$1 FOR UPDATE`, state.ID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	if current != state.Version {
		return fmt.Errorf("%w: %s (stored %d, got %d)", ports.ErrVersionConflict, state.ID, current, state.Version)
	}

	next := *state
	next.Version = current + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if exists {
		tag, err := tx.Exec(ctx,
			`UPDATE taskloop_agents SET name=$1, role=$2, version=$3, data=$4, updated_at=$5 WHERE id=$6 AND version=$7`,
			next.Name, next.Role, next.Version, data, next.UpdatedAt, next.ID, current)
		if err != nil {
			return fmt.Errorf("failed to update state: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: %s (concurrent write)", ports.ErrVersionConflict, state.ID)
		}
	} else {
		if _, err := tx.Exec(ctx,
			`INSERT INTO taskloop_agents(id, name, role, version, data, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`,
			next.ID, next.Name, next.Role, next.Version, data, next.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert state: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
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
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM taskloop_agents WHERE id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	return decodeState(data)
}

// List returns all stored states ordered by id
func (s *StateStore) List(ctx context.Context) ([]*domain.OrchestratorState, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM taskloop_agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()

	var states []*domain.OrchestratorState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		state, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// Delete removes state for an agent
func (s *StateStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM taskloop_agents WHERE id=$1`, id); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

func decodeState(data []byte) (*domain.OrchestratorState, error) {
	var state domain.OrchestratorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	state.Normalize()
	return &state, nil
}
