package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

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

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig(store ports.StateStore) *Config {
	return &Config{
		Store:         store,
		EventBus:      eventsmemory.NewEventBus(),
		Planner:       planner.NewDefaultPlanner(),
		Worker:        workers.NewAckWorker(),
		RuleProposer:  rules.NewOutcomeReviewProposer(""),
		RuleValidator: rules.NewKeywordValidator(),
		Logger:        zap.NewNop(),
	}
}

func newOrchestrator(t *testing.T, cfg *Config) *Orchestrator {
	t.Helper()
	o, err := New(cfg, domain.NewOrchestratorState("manager-1", "Manager", "Manager"))
	require.NoError(t, err)
	require.NoError(t, o.EnsureState(context.Background()))
	return o
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(storagememory.NewStateStore())
	require.NoError(t, cfg.Validate())

	cfg.BatchMode = "everything"
	assert.Error(t, cfg.Validate())

	cfg = testConfig(nil)
	assert.Error(t, cfg.Validate())
}

func TestInitiateAndPlan(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	o := newOrchestrator(t, testConfig(store))

	mt, err := o.Initiate(ctx, "Develop feature X", []string{"agent-a"}, "Ship feature X", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, mt.Status)
	assert.Equal(t, 1, mt.OverallGoal.Priority)
	assert.NotEmpty(t, mt.SessionSnapshot)

	subtasks, err := o.PlanSubTasks(ctx)
	require.NoError(t, err)
	require.Len(t, subtasks, 3)

	stored, err := store.Load(ctx, "manager-1")
	require.NoError(t, err)
	active, err := stored.ActiveMainTask()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, mt.ID, active.ID)
	assert.Equal(t, domain.TaskStatusInProgress, active.Status)
	assert.Equal(t, active.SubTaskIDs(), active.OverallGoal.RelatedSubtaskIDs)
}

func TestPlanFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(storagememory.NewStateStore())
	cfg.Planner = plannerFunc(func(context.Context, *domain.MainTask) ([]domain.SubTask, error) {
		return nil, nil
	})
	o := newOrchestrator(t, cfg)

	_, err := o.Initiate(ctx, "q", nil, "g", 1)
	require.NoError(t, err)
	_, err = o.PlanSubTasks(ctx)
	assert.Error(t, err)
}

func TestExecuteGroupPersistsBeforeAndAfterWorker(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	cfg := testConfig(store)

	var seen domain.TaskStatus
	cfg.Worker = workerFunc(func(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
		stored, err := store.Load(ctx, "manager-1")
		require.NoError(t, err)
		active, err := stored.ActiveMainTask()
		require.NoError(t, err)
		seen = active.FindSubTask(st.ID).Status
		return workers.NewAckWorker().Run(ctx, mt, st)
	})
	o := newOrchestrator(t, cfg)

	_, err := o.Initiate(ctx, "feature", []string{"agent-a", "agent-b"}, "g", 1)
	require.NoError(t, err)
	_, err = o.PlanSubTasks(ctx)
	require.NoError(t, err)

	group := o.NextExecutableGroup()
	require.Len(t, group, 1)
	require.NoError(t, o.ExecuteGroup(ctx, group))
	assert.Equal(t, domain.TaskStatusInProgress, seen)

	mt, err := o.Reload(ctx)
	require.NoError(t, err)
	first := mt.SubTasks[0]
	assert.Equal(t, domain.TaskStatusCompleted, first.Status)
	assert.Equal(t, "acknowledged execution", first.Results["status_message"])
	require.NotNil(t, first.AssignedAgentID)
	assert.Equal(t, "agent-a", *first.AssignedAgentID)
	assert.Equal(t, domain.TaskStatusPending, mt.SubTasks[1].Status)
	assert.Equal(t, domain.TaskStatusInProgress, mt.Status)
}

func TestExecuteAllCompletesMainTask(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(storagememory.NewStateStore())
	rec := &recorder{}
	require.NoError(t, cfg.EventBus.Subscribe(ctx, domain.TopicWorkflow, rec.handle))
	o := newOrchestrator(t, cfg)

	_, err := o.Initiate(ctx, "report", nil, "g", 1)
	require.NoError(t, err)
	_, err = o.PlanSubTasks(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		group := o.NextExecutableGroup()
		require.Len(t, group, 1)
		require.NoError(t, o.ExecuteGroup(ctx, group))
		_, err := o.Reload(ctx)
		require.NoError(t, err)
	}
	assert.Empty(t, o.NextExecutableGroup())

	mt, err := o.MainTask()
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, mt.Status)
	assert.Equal(t, completedSummary, mt.FinalResults["summary"])
	outputs, ok := mt.FinalResults["outputs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, outputs, 3)

	assert.Contains(t, rec.types(), domain.EventTypeMainTaskCompleted)
	assert.Contains(t, rec.types(), domain.EventTypeSubTaskStarted)
}

func TestExecuteGroupWorkerFailures(t *testing.T) {
	tests := []struct {
		name   string
		worker workerFunc
		want   string
	}{
		{
			name: "error",
			worker: func(context.Context, *domain.MainTask, domain.SubTask) (*domain.WorkResult, error) {
				return nil, errors.New("model unavailable")
			},
			want: "model unavailable",
		},
		{
			name: "unsuccessful",
			worker: func(context.Context, *domain.MainTask, domain.SubTask) (*domain.WorkResult, error) {
				return &domain.WorkResult{Success: false, Results: map[string]interface{}{}}, nil
			},
			want: "worker reported failure",
		},
		{
			name: "panic",
			worker: func(context.Context, *domain.MainTask, domain.SubTask) (*domain.WorkResult, error) {
				panic("nil map")
			},
			want: "worker panic: nil map",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(storagememory.NewStateStore())
			cfg.Worker = tt.worker
			o := newOrchestrator(t, cfg)

			_, err := o.Initiate(ctx, "feature", nil, "g", 1)
			require.NoError(t, err)
			_, err = o.PlanSubTasks(ctx)
			require.NoError(t, err)
			require.NoError(t, o.ExecuteGroup(ctx, o.NextExecutableGroup()))

			mt, err := o.Reload(ctx)
			require.NoError(t, err)
			failed := FailedSubTask(mt)
			require.NotNil(t, failed)
			assert.Equal(t, tt.want, failed.Results["error"])
			assert.Empty(t, o.NextExecutableGroup())
			assert.Equal(t, domain.TaskStatusInProgress, mt.Status)
		})
	}
}

func TestExecuteGroupFrontier(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(storagememory.NewStateStore())
	cfg.BatchMode = BatchModeFrontier
	cfg.MaxParallel = 4
	cfg.Planner = plannerFunc(func(context.Context, *domain.MainTask) ([]domain.SubTask, error) {
		a := domain.NewSubTask("a", "")
		b := domain.NewSubTask("b", "")
		c := domain.NewSubTask("c", "", a.ID, b.ID)
		return []domain.SubTask{a, b, c}, nil
	})
	o := newOrchestrator(t, cfg)

	_, err := o.Initiate(ctx, "q", nil, "g", 1)
	require.NoError(t, err)
	_, err = o.PlanSubTasks(ctx)
	require.NoError(t, err)

	group := o.NextExecutableGroup()
	require.Len(t, group, 2)
	require.NoError(t, o.ExecuteGroup(ctx, group))

	_, err = o.Reload(ctx)
	require.NoError(t, err)
	group = o.NextExecutableGroup()
	require.Len(t, group, 1)
	assert.Equal(t, "c", group[0].Name)
	require.NoError(t, o.ExecuteGroup(ctx, group))

	mt, err := o.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, mt.Status)
}

func TestExecuteGroupSkipsStaleSubTasks(t *testing.T) {
	ctx := context.Background()
	called := false
	cfg := testConfig(storagememory.NewStateStore())
	cfg.Worker = workerFunc(func(context.Context, *domain.MainTask, domain.SubTask) (*domain.WorkResult, error) {
		called = true
		return &domain.WorkResult{Success: true}, nil
	})
	o := newOrchestrator(t, cfg)

	_, err := o.Initiate(ctx, "feature", nil, "g", 1)
	require.NoError(t, err)
	subtasks, err := o.PlanSubTasks(ctx)
	require.NoError(t, err)

	// second subtask still depends on the first
	require.NoError(t, o.ExecuteGroup(ctx, []domain.SubTask{subtasks[1]}))
	assert.False(t, called)
}

func TestRetrospectDeduplicatesRules(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	cfg := testConfig(storagememory.NewStateStore())
	require.NoError(t, cfg.EventBus.Subscribe(ctx, domain.TopicWorkflow, rec.handle))
	o := newOrchestrator(t, cfg)

	run := func() {
		_, err := o.Initiate(ctx, "Develop feature X", nil, "g", 1)
		require.NoError(t, err)
		_, err = o.PlanSubTasks(ctx)
		require.NoError(t, err)
		group := o.NextExecutableGroup()
		require.NoError(t, o.ExecuteGroup(ctx, group))
		_, err = o.Reload(ctx)
		require.NoError(t, err)
		_, err = o.Retrospect(ctx, []string{group[0].ID})
		require.NoError(t, err)
	}

	run()
	run()

	_, err := o.Reload(ctx)
	require.NoError(t, err)
	learned := o.State().LongTermMemory.LearnedRules
	require.Len(t, learned, 1)
	assert.Contains(t, learned[0].Description, "Develop feature X")
	assert.Equal(t, "Retrospection on 1 tasks. New rules proposed: no.",
		o.State().ShortTermMemory.Scratchpad[RetrospectionSummaryKey])

	count := 0
	for _, typ := range rec.types() {
		if typ == domain.EventTypeRuleLearned {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRetrospectIgnoresIncompleteSubTasks(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, testConfig(storagememory.NewStateStore()))

	_, err := o.Initiate(ctx, "feature", nil, "g", 1)
	require.NoError(t, err)
	subtasks, err := o.PlanSubTasks(ctx)
	require.NoError(t, err)

	added, err := o.Retrospect(ctx, []string{subtasks[0].ID})
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Empty(t, o.State().LongTermMemory.LearnedRules)
}

func TestRevalidateRulesIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	o := newOrchestrator(t, testConfig(store))

	o.State().LongTermMemory.LearnedRules = []domain.Rule{
		domain.NewRule("Review task outcomes for acknowledged execution", "task_review", "g", "s"),
		domain.NewRule("Unrelated", "task_review", "g", "s"),
	}
	require.True(t, o.SaveState(ctx))

	for i := 1; i <= 3; i++ {
		n, err := o.RevalidateRules(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stored, err := store.Load(ctx, "manager-1")
		require.NoError(t, err)
		require.Len(t, stored.LongTermMemory.LearnedRules, 2)
		assert.Equal(t, i, stored.LongTermMemory.LearnedRules[0].ValidationCount)
		assert.NotNil(t, stored.LongTermMemory.LearnedRules[0].LastValidatedAt)
		assert.Zero(t, stored.LongTermMemory.LearnedRules[1].ValidationCount)
	}
}

func TestCancelMainTask(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	cfg := testConfig(store)
	o := newOrchestrator(t, cfg)

	_, err := o.Initiate(ctx, "feature", nil, "g", 1)
	require.NoError(t, err)

	other, err := New(cfg, domain.NewOrchestratorState("manager-1", "", ""))
	require.NoError(t, err)
	ok, err := other.CancelMainTask(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// the first orchestrator holds a stale version and cannot overwrite the cancellation
	_, err = o.PlanSubTasks(ctx)
	assert.ErrorIs(t, err, ErrNotPersisted)

	mt, err := o.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, mt.Status)

	ok, err = other.CancelMainTask(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelWithoutActiveTask(t *testing.T) {
	o := newOrchestrator(t, testConfig(storagememory.NewStateStore()))
	_, err := o.CancelMainTask(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveMainTask)
}

func TestProcessMessage(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	o := newOrchestrator(t, testConfig(store))

	reply, err := o.ProcessMessage(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "Manager received message: hello", reply)

	stored, err := store.Load(ctx, "manager-1")
	require.NoError(t, err)
	require.Len(t, stored.ShortTermMemory.History, 2)
	assert.Equal(t, "user", stored.ShortTermMemory.History[0].Role)
	assert.Equal(t, "hello", stored.ShortTermMemory.History[0].Content)

	_, err = o.ProcessMessage(ctx, "")
	assert.Error(t, err)
}

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storagememory.NewStateStore()
	cfg := testConfig(store)
	o := newOrchestrator(t, cfg)

	_, err := o.Initiate(ctx, "feature", []string{"x"}, "g", 2)
	require.NoError(t, err)
	_, err = o.PlanSubTasks(ctx)
	require.NoError(t, err)
	before, err := o.MainTask()
	require.NoError(t, err)

	fresh, err := New(cfg, domain.NewOrchestratorState("manager-1", "", ""))
	require.NoError(t, err)
	found, err := fresh.LoadState(ctx)
	require.NoError(t, err)
	require.True(t, found)

	after, err := fresh.MainTask()
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.SubTaskIDs(), after.SubTaskIDs())
	assert.Equal(t, before.OverallGoal, after.OverallGoal)
	assert.Equal(t, "Manager", fresh.State().Name)
}

func TestLoadStateAbsent(t *testing.T) {
	o, err := New(testConfig(storagememory.NewStateStore()), domain.NewOrchestratorState("nobody", "", ""))
	require.NoError(t, err)

	found, err := o.LoadState(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}
