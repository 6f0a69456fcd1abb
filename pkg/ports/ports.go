// Package ports declares the interfaces the orchestration core consumes.
// Adapters under pkg/adapters and strategies under internal/application
// implement them.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
)

var (
	// ErrNotFound is returned by StateStore.Load when no state exists for an id
	ErrNotFound = errors.New("state not found")

	// ErrVersionConflict is returned by StateStore.Save when the stored
	// version differs from the version the caller loaded
	ErrVersionConflict = errors.New("state version conflict")
)

// StateStore persists orchestrator state keyed by id.
//
// Save must reject a state whose Version does not match the stored version
// with ErrVersionConflict, and must increment Version on success.
type StateStore interface {
	Save(ctx context.Context, state *domain.OrchestratorState) error
	Load(ctx context.Context, id string) (*domain.OrchestratorState, error)
	List(ctx context.Context) ([]*domain.OrchestratorState, error)
	Delete(ctx context.Context, id string) error
}

// EventHandler handles events delivered by an EventBus
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes workflow events
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// EventHistory is implemented by event buses that retain recent events
type EventHistory interface {
	Recent(ctx context.Context, topic string, n int) ([]domain.Event, error)
}

// Planner decomposes a MainTask into an ordered, dependency-linked subtask list
type Planner interface {
	Plan(ctx context.Context, mainTask *domain.MainTask) ([]domain.SubTask, error)
}

// Replanner is implemented by planners that want the driver to plan again
// even though a plan exists
type Replanner interface {
	ShouldReplan(mainTask *domain.MainTask) bool
}

// Worker performs the work of a single subtask. A returned error is an
// infrastructure failure; a WorkResult with Success=false is a work failure.
type Worker interface {
	Run(ctx context.Context, mainTask *domain.MainTask, subtask domain.SubTask) (*domain.WorkResult, error)
}

// RuleProposer derives candidate rules from completed subtasks
type RuleProposer interface {
	Propose(mainTask *domain.MainTask, completed []domain.SubTask) []domain.Rule
}

// RuleValidator decides whether a learned rule is still relevant
type RuleValidator interface {
	Validate(rule domain.Rule, mainTask *domain.MainTask) bool
}

// MetricsCollector records orchestration metrics
type MetricsCollector interface {
	RecordMainTaskStarted()
	RecordMainTaskFinished(status string, iterations int, duration time.Duration)
	RecordSubTaskExecuted(status string, duration time.Duration)
	RecordRuleLearned()
	RecordRuleValidated()
	RecordStoreError(op string)
	SetActiveLoops(count int)
	RecordWorkerPoolStatus(idle, busy int)
	RecordLLMCall(model string, inputTokens, outputTokens int64, latency time.Duration)
}
