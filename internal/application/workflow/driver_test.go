package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/taskloop/internal/application/orchestrator"
	"github.com/aescanero/taskloop/internal/application/planner"
	"github.com/aescanero/taskloop/internal/application/rules"
	"github.com/aescanero/taskloop/internal/application/workers"
	eventsmemory "github.com/aescanero/taskloop/pkg/adapters/events/memory"
	storagememory "github.com/aescanero/taskloop/pkg/adapters/storage/memory"
	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type workerFunc func(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error)

func (f workerFunc) Run(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
	return f(ctx, mt, st)
}

type plannerFunc func(ctx context.Context, mt *domain.MainTask) ([]domain.SubTask, error)

func (f plannerFunc) Plan(ctx context.Context, mt *domain.MainTask) ([]domain.SubTask, error) {
	return f(ctx, mt)
}

// replanningPlanner produces a fresh two-step chain on every iteration
type replanningPlanner struct{}

func (replanningPlanner) Plan(context.Context, *domain.MainTask) ([]domain.SubTask, error) {
	a := domain.NewSubTask("first", "")
	b := domain.NewSubTask("second", "", a.ID)
	return []domain.SubTask{a, b}, nil
}

func (replanningPlanner) ShouldReplan(*domain.MainTask) bool { return true }

// unavailableStore fails every operation
type unavailableStore struct{}

func (unavailableStore) Save(context.Context, *domain.OrchestratorState) error {
	return errors.New("connection refused")
}

func (unavailableStore) Load(context.Context, string) (*domain.OrchestratorState, error) {
	return nil, errors.New("connection refused")
}

func (unavailableStore) List(context.Context) ([]*domain.OrchestratorState, error) {
	return nil, errors.New("connection refused")
}

func (unavailableStore) Delete(context.Context, string) error {
	return errors.New("connection refused")
}

// flakyStore fails saves of states whose active main task matches fail.
// A negative failures count fails every match.
type flakyStore struct {
	ports.StateStore

	mu       sync.Mutex
	failures int
	fail     func(mt *domain.MainTask) bool
}

func (s *flakyStore) Save(ctx context.Context, state *domain.OrchestratorState) error {
	mt, _ := state.ActiveMainTask()

	s.mu.Lock()
	if mt != nil && s.failures != 0 && s.fail(mt) {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return errors.New("i/o timeout")
	}
	s.mu.Unlock()

	return s.StateStore.Save(ctx, state)
}

func orchestratorConfig(store ports.StateStore) *orchestrator.Config {
	return &orchestrator.Config{
		Store:         store,
		EventBus:      eventsmemory.NewEventBus(),
		Planner:       planner.NewDefaultPlanner(),
		Worker:        workers.NewAckWorker(),
		RuleProposer:  rules.NewOutcomeReviewProposer(""),
		RuleValidator: rules.NewKeywordValidator(),
		Logger:        zap.NewNop(),
	}
}

func newDriver(t *testing.T, orchCfg *orchestrator.Config, opts ...func(*Config)) *Driver {
	t.Helper()
	cfg := &Config{
		Orchestrator: orchCfg,
		PollInterval: time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	d, err := NewDriver(cfg)
	require.NoError(t, err)
	return d
}

func featureRequest() domain.RunRequest {
	return domain.RunRequest{
		UserQuery:          "Develop feature X",
		DesignatedAgentIDs: []string{"agent-a"},
		GoalDescription:    "Ship feature X",
	}
}

func TestRunLinearChain(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	d := newDriver(t, orchestratorConfig(store))

	res := d.RunMainTaskLoop(ctx, featureRequest())

	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.Equal(t, 3, res.Iterations)
	assert.Empty(t, res.Reason)
	assert.NotEmpty(t, res.MainTaskID)
	require.Len(t, res.SubTasks, 3)
	for _, st := range res.SubTasks {
		assert.Equal(t, domain.TaskStatusCompleted, st.Status)
	}
	outputs, ok := res.Results["outputs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, outputs, 3)
	assert.Equal(t, 1, res.LearnedRulesCount)

	stored, err := store.Load(ctx, DefaultManagerID)
	require.NoError(t, err)
	assert.Equal(t, defaultManagerName, stored.Name)
	require.Len(t, stored.LongTermMemory.PastProjectIterations, 1)
	assert.Equal(t, "completed", stored.LongTermMemory.PastProjectIterations[0]["status"])
}

func TestRunRulesDedupAndMonotonicValidation(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	d := newDriver(t, orchestratorConfig(store))

	first := d.RunMainTaskLoop(ctx, featureRequest())
	require.Equal(t, domain.TaskStatusCompleted, first.Status)
	state, err := store.Load(ctx, DefaultManagerID)
	require.NoError(t, err)
	require.Len(t, state.LongTermMemory.LearnedRules, 1)
	countAfterFirst := state.LongTermMemory.LearnedRules[0].ValidationCount
	assert.Positive(t, countAfterFirst)

	second := d.RunMainTaskLoop(ctx, featureRequest())
	require.Equal(t, domain.TaskStatusCompleted, second.Status)
	assert.Equal(t, 1, second.LearnedRulesCount)

	state, err = store.Load(ctx, DefaultManagerID)
	require.NoError(t, err)
	require.Len(t, state.LongTermMemory.LearnedRules, 1)
	assert.Greater(t, state.LongTermMemory.LearnedRules[0].ValidationCount, countAfterFirst)
	assert.Len(t, state.LongTermMemory.PastProjectIterations, 2)
}

func TestRunDeadlockOnDanglingDependency(t *testing.T) {
	cfg := orchestratorConfig(storagememory.NewStateStore())
	cfg.Planner = plannerFunc(func(context.Context, *domain.MainTask) ([]domain.SubTask, error) {
		return []domain.SubTask{domain.NewSubTask("orphan", "", "subtask_missing")}, nil
	})
	d := newDriver(t, cfg)

	res := d.RunMainTaskLoop(context.Background(), featureRequest())

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.Contains(t, res.Reason, "deadlock")
	assert.Contains(t, res.Reason, "subtask_missing")
	assert.Equal(t, res.Reason, res.Results["error"])
}

func TestRunDeadlockOnCycle(t *testing.T) {
	cfg := orchestratorConfig(storagememory.NewStateStore())
	cfg.Planner = plannerFunc(func(context.Context, *domain.MainTask) ([]domain.SubTask, error) {
		a := domain.NewSubTask("a", "")
		b := domain.NewSubTask("b", "", a.ID)
		a.Dependencies = []string{b.ID}
		return []domain.SubTask{a, b}, nil
	})
	d := newDriver(t, cfg)

	res := d.RunMainTaskLoop(context.Background(), featureRequest())

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.LessOrEqual(t, res.Iterations, d.MaxIterations())
	assert.Contains(t, res.Reason, "dependency cycle")
}

func TestRunIterationCap(t *testing.T) {
	cfg := orchestratorConfig(storagememory.NewStateStore())
	cfg.Planner = replanningPlanner{}
	d := newDriver(t, cfg)

	res := d.RunMainTaskLoop(context.Background(), featureRequest())

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, DefaultMaxIterations, res.Iterations)
	assert.Contains(t, res.Reason, "iteration cap")
}

func TestRunCustomIterationCap(t *testing.T) {
	cfg := orchestratorConfig(storagememory.NewStateStore())
	cfg.Planner = replanningPlanner{}
	d := newDriver(t, cfg, func(c *Config) { c.MaxIterations = 4 })

	res := d.RunMainTaskLoop(context.Background(), featureRequest())

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, 4, res.Iterations)
}

func TestRunWorkerFailurePropagates(t *testing.T) {
	cfg := orchestratorConfig(storagememory.NewStateStore())
	cfg.Worker = workerFunc(func(context.Context, *domain.MainTask, domain.SubTask) (*domain.WorkResult, error) {
		return &domain.WorkResult{Success: false, Results: map[string]interface{}{"error": "compiler crashed"}}, nil
	})
	d := newDriver(t, cfg)

	res := d.RunMainTaskLoop(context.Background(), featureRequest())

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, 2, res.Iterations)
	assert.Contains(t, res.Reason, "compiler crashed")
	assert.Equal(t, domain.TaskStatusFailed, res.SubTasks[0].Status)
	assert.Equal(t, domain.TaskStatusPending, res.SubTasks[1].Status)
}

func TestRunCancellation(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	cfg := orchestratorConfig(store)

	var d *Driver
	var calls atomic.Int32
	cfg.Worker = workerFunc(func(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
		if calls.Add(1) == 1 {
			ok, err := d.CancelMainTask(ctx, DefaultManagerID)
			require.NoError(t, err)
			require.True(t, ok)
		}
		return workers.NewAckWorker().Run(ctx, mt, st)
	})
	d = newDriver(t, cfg)

	res := d.RunMainTaskLoop(ctx, featureRequest())

	assert.Equal(t, domain.TaskStatusCancelled, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "cancelled by request", res.Reason)

	state, err := store.Load(ctx, DefaultManagerID)
	require.NoError(t, err)
	assert.Empty(t, state.LongTermMemory.PastProjectIterations)
}

func TestRunDeadline(t *testing.T) {
	cfg := orchestratorConfig(storagememory.NewStateStore())
	cfg.Worker = workerFunc(func(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newDriver(t, cfg, func(c *Config) { c.Deadline = 20 * time.Millisecond })

	res := d.RunMainTaskLoop(context.Background(), featureRequest())

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, "workflow deadline exceeded", res.Reason)
}

func TestRunStoreUnavailable(t *testing.T) {
	d := newDriver(t, orchestratorConfig(unavailableStore{}))

	res := d.RunMainTaskLoop(context.Background(), featureRequest())

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Contains(t, res.Reason, "store unavailable")
	assert.Zero(t, res.Iterations)
}

func TestRunPlannerPanic(t *testing.T) {
	cfg := orchestratorConfig(storagememory.NewStateStore())
	cfg.Planner = plannerFunc(func(context.Context, *domain.MainTask) ([]domain.SubTask, error) {
		panic("template index out of range")
	})
	d := newDriver(t, cfg)

	res := d.RunMainTaskLoop(context.Background(), featureRequest())

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Contains(t, res.Reason, "internal error")
}

func TestRunRequiresQuery(t *testing.T) {
	d := newDriver(t, orchestratorConfig(storagememory.NewStateStore()))

	res := d.RunMainTaskLoop(context.Background(), domain.RunRequest{GoalDescription: "g"})

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, "user query is required", res.Reason)
}

func TestRunUsesRequestedManager(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	d := newDriver(t, orchestratorConfig(store))

	req := featureRequest()
	req.ManagerID = "manager-7"
	res := d.RunMainTaskLoop(ctx, req)
	require.Equal(t, domain.TaskStatusCompleted, res.Status)

	_, err := store.Load(ctx, "manager-7")
	require.NoError(t, err)
	_, err = store.Load(ctx, DefaultManagerID)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestSendMessageWhileRunning(t *testing.T) {
	ctx := context.Background()
	cfg := orchestratorConfig(storagememory.NewStateStore())

	var d *Driver
	var busyErr error
	cfg.Worker = workerFunc(func(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
		_, busyErr = d.SendMessage(ctx, DefaultManagerID, "status?")
		return workers.NewAckWorker().Run(ctx, mt, st)
	})
	d = newDriver(t, cfg)

	res := d.RunMainTaskLoop(ctx, featureRequest())
	require.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.ErrorIs(t, busyErr, ErrAgentBusy)

	reply, err := d.SendMessage(ctx, DefaultManagerID, "status?")
	require.NoError(t, err)
	assert.Contains(t, reply, "status?")
}

func TestRunRequeuesUnsavedSubTaskResult(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		StateStore: storagememory.NewStateStore(),
		failures:   1,
		fail: func(mt *domain.MainTask) bool {
			return len(mt.SubTasks) > 0 && mt.SubTasks[0].Status == domain.TaskStatusCompleted
		},
	}
	cfg := orchestratorConfig(store)

	var calls atomic.Int32
	cfg.Worker = workerFunc(func(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
		calls.Add(1)
		return workers.NewAckWorker().Run(ctx, mt, st)
	})
	d := newDriver(t, cfg)

	res := d.RunMainTaskLoop(ctx, featureRequest())

	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.Empty(t, res.Reason)
	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, int32(4), calls.Load())
	for _, st := range res.SubTasks {
		assert.Equal(t, domain.TaskStatusCompleted, st.Status)
	}
}

func TestRunRequeuesStalledSubTaskOnLaterIteration(t *testing.T) {
	ctx := context.Background()

	// fails the result save of the first subtask and the requeue right after it
	failed := 0
	store := &flakyStore{
		StateStore: storagememory.NewStateStore(),
		failures:   -1,
		fail: func(mt *domain.MainTask) bool {
			switch {
			case failed == 0 && len(mt.SubTasks) > 0 && mt.SubTasks[0].Status == domain.TaskStatusCompleted:
				failed++
				return true
			case failed == 1:
				failed++
				return true
			}
			return false
		},
	}
	cfg := orchestratorConfig(store)

	var calls atomic.Int32
	cfg.Worker = workerFunc(func(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
		calls.Add(1)
		return workers.NewAckWorker().Run(ctx, mt, st)
	})
	d := newDriver(t, cfg)

	res := d.RunMainTaskLoop(ctx, featureRequest())

	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.Equal(t, 5, res.Iterations)
	assert.Equal(t, int32(4), calls.Load())
}

func TestRunReportsFailedWhenFailedStatusIsNotSaved(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{
		StateStore: storagememory.NewStateStore(),
		failures:   -1,
		fail: func(mt *domain.MainTask) bool {
			return mt.Status == domain.TaskStatusFailed
		},
	}
	cfg := orchestratorConfig(store)
	cfg.Planner = replanningPlanner{}
	d := newDriver(t, cfg)

	res := d.RunMainTaskLoop(ctx, featureRequest())

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, DefaultMaxIterations, res.Iterations)
	assert.Contains(t, res.Reason, "iteration cap of 10 reached")
	assert.Contains(t, res.Reason, "failed status not persisted")
	assert.NotEmpty(t, res.SubTasks)

	state, err := store.Load(ctx, DefaultManagerID)
	require.NoError(t, err)
	mt, err := state.ActiveMainTask()
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInProgress, mt.Status)
	assert.Empty(t, state.LongTermMemory.PastProjectIterations)
}

func TestRunPassesLearnedRulesToLaterRuns(t *testing.T) {
	ctx := context.Background()
	cfg := orchestratorConfig(storagememory.NewStateStore())

	var mu sync.Mutex
	var seen [][]domain.Rule
	cfg.Worker = workerFunc(func(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
		mu.Lock()
		seen = append(seen, mt.AppliedRules)
		mu.Unlock()
		return workers.NewAckWorker().Run(ctx, mt, st)
	})
	d := newDriver(t, cfg)

	first := d.RunMainTaskLoop(ctx, featureRequest())
	require.Equal(t, domain.TaskStatusCompleted, first.Status)
	require.Equal(t, 1, first.LearnedRulesCount)
	require.NotEmpty(t, seen)
	assert.Empty(t, seen[0])

	learned, err := d.LearnedRules(ctx, DefaultManagerID)
	require.NoError(t, err)
	require.Len(t, learned, 1)

	seen = nil
	second := d.RunMainTaskLoop(ctx, featureRequest())
	require.Equal(t, domain.TaskStatusCompleted, second.Status)
	require.NotEmpty(t, seen)
	require.Len(t, seen[0], 1)
	assert.Equal(t, learned[0].Description, seen[0][0].Description)
}
