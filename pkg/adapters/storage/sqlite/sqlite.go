package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// StateStore implements ports.StateStore on an embedded SQLite database
type StateStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies migrations
func Open(path string, logger *zap.Logger) (*StateStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	return &StateStore{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *StateStore) Close() error {
	return s.db.Close()
}

// Save inserts or updates state, comparing the stored version first
func (s *StateStore) Save(ctx context.Context, state *domain.OrchestratorState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("state id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT version FROM agents WHERE id=?`, state.ID).Scan(&current)
	if err == sql.ErrNoRows {
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
	updatedAt := next.UpdatedAt.Format(time.RFC3339Nano)

	if exists {
		res, err := tx.ExecContext(ctx, `UPDATE agents SET name=?, role=?, version=?, data=?, updated_at=? WHERE id=? AND version=?`,
			next.Name, next.Role, next.Version, string(data), updatedAt, next.ID, current)
		if err != nil {
			return fmt.Errorf("failed to update state: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s (concurrent write)", ports.ErrVersionConflict, state.ID)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `INSERT INTO agents(id,name,role,version,data,updated_at) VALUES (?,?,?,?,?,?)`,
			next.ID, next.Name, next.Role, next.Version, string(data), updatedAt); err != nil {
			return fmt.Errorf("failed to insert state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
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
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM agents WHERE id=?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	return decodeState(data)
}

// List returns all stored states ordered by id
func (s *StateStore) List(ctx context.Context) ([]*domain.OrchestratorState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()

	var states []*domain.OrchestratorState
	for rows.Next() {
		var data string
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

func decodeState(data string) (*domain.OrchestratorState, error) {
	var state domain.OrchestratorState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	state.Normalize()
	return &state, nil
}
