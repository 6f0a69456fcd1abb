package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/taskloop/internal/application/orchestrator"
	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
)

var (
	// ErrAgentExists is returned when creating an agent whose id is taken
	ErrAgentExists = errors.New("agent already exists")

	// ErrAgentBusy is returned when a workflow loop holds the agent
	ErrAgentBusy = errors.New("agent is running a workflow")
)

// ListAgents returns the records of every stored orchestrator
func (d *Driver) ListAgents(ctx context.Context) ([]domain.AgentRecord, error) {
	states, err := d.orchCfg.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	records := make([]domain.AgentRecord, 0, len(states))
	for _, st := range states {
		records = append(records, st.Record())
	}
	return records, nil
}

// GetAgent returns the stored state of one orchestrator
func (d *Driver) GetAgent(ctx context.Context, id string) (*domain.OrchestratorState, error) {
	state, err := d.orchCfg.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// CreateAgent stores a new orchestrator built from record
func (d *Driver) CreateAgent(ctx context.Context, record domain.AgentRecord) (domain.AgentRecord, error) {
	if record.Name == "" {
		record.Name = d.managerName
	}
	if record.Role == "" {
		record.Role = managerRole
	}
	state := domain.StateFromRecord(record)

	if err := d.orchCfg.Store.Save(ctx, state); err != nil {
		if errors.Is(err, ports.ErrVersionConflict) {
			return domain.AgentRecord{}, fmt.Errorf("%w: %s", ErrAgentExists, state.ID)
		}
		return domain.AgentRecord{}, fmt.Errorf("failed to save agent: %w", err)
	}
	return state.Record(), nil
}

// SendMessage appends a message to an agent's conversation. It fails with
// ErrAgentBusy while a workflow loop runs on the agent.
func (d *Driver) SendMessage(ctx context.Context, id, content string) (string, error) {
	release, ok := d.locks.TryAcquire(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentBusy, id)
	}
	defer release()

	orch, err := d.open(ctx, id)
	if err != nil {
		return "", err
	}
	return orch.ProcessMessage(ctx, content)
}

// ActiveMainTask returns the durable active MainTask of an agent
func (d *Driver) ActiveMainTask(ctx context.Context, id string) (*domain.MainTask, error) {
	orch, err := d.open(ctx, id)
	if err != nil {
		return nil, err
	}
	return orch.MainTask()
}

// CancelMainTask marks the agent's active MainTask Cancelled. A running
// loop observes the status at the top of its next iteration.
func (d *Driver) CancelMainTask(ctx context.Context, id string) (bool, error) {
	orch, err := d.open(ctx, id)
	if err != nil {
		return false, err
	}
	return orch.CancelMainTask(ctx)
}

// LearnedRules returns the rules in an agent's long-term memory
func (d *Driver) LearnedRules(ctx context.Context, id string) ([]domain.Rule, error) {
	state, err := d.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return state.LongTermMemory.LearnedRules, nil
}

// open creates an orchestrator for a stored agent
func (d *Driver) open(ctx context.Context, id string) (*orchestrator.Orchestrator, error) {
	orch, err := orchestrator.New(d.orchCfg, domain.NewOrchestratorState(id, "", ""))
	if err != nil {
		return nil, err
	}
	found, err := orch.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}
	return orch, nil
}
