package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"go.uber.org/zap"
)

var (
	// ErrNoActiveMainTask is returned when an operation needs an active MainTask and there is none
	ErrNoActiveMainTask = errors.New("no active main task")

	// ErrNotPersisted is returned when a mutation could not be made durable
	ErrNotPersisted = errors.New("state not persisted")
)

// Config holds the collaborators and tunables of an Orchestrator
type Config struct {
	Store         ports.StateStore
	EventBus      ports.EventBus
	Metrics       ports.MetricsCollector
	Planner       ports.Planner
	Worker        ports.Worker
	RuleProposer  ports.RuleProposer
	RuleValidator ports.RuleValidator
	Logger        *zap.Logger

	BatchMode    BatchMode
	MaxParallel  int
	StoreRetries int
	RetryDelay   time.Duration
	StoreTimeout time.Duration

	// Now defaults to time.Now
	Now func() time.Time
}

// Validate checks that all required collaborators are set
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("state store is required")
	}
	if c.Planner == nil {
		return fmt.Errorf("planner is required")
	}
	if c.Worker == nil {
		return fmt.Errorf("worker is required")
	}
	if c.RuleProposer == nil {
		return fmt.Errorf("rule proposer is required")
	}
	if c.RuleValidator == nil {
		return fmt.Errorf("rule validator is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if _, err := ParseBatchMode(string(c.BatchMode)); err != nil {
		return err
	}
	if c.StoreRetries < 0 {
		return fmt.Errorf("store retries must be >= 0")
	}
	return nil
}

// Orchestrator is the manager agent owning one OrchestratorState
type Orchestrator struct {
	store         ports.StateStore
	eventBus      ports.EventBus
	metrics       ports.MetricsCollector
	planner       ports.Planner
	worker        ports.Worker
	proposer      ports.RuleProposer
	ruleValidator ports.RuleValidator
	validator     *Validator
	logger        *zap.Logger

	batchMode    BatchMode
	maxParallel  int
	storeRetries int
	retryDelay   time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	state *domain.OrchestratorState
}

// New creates an orchestrator around state. The state is not loaded or
// saved; call LoadState to pick up the durable copy.
func New(cfg *Config, state *domain.OrchestratorState) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if state == nil {
		return nil, fmt.Errorf("state is required")
	}
	state.Normalize()

	mode, _ := ParseBatchMode(string(cfg.BatchMode))
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &Orchestrator{
		store:         cfg.Store,
		eventBus:      cfg.EventBus,
		metrics:       metrics,
		planner:       cfg.Planner,
		worker:        cfg.Worker,
		proposer:      cfg.RuleProposer,
		ruleValidator: cfg.RuleValidator,
		validator:     NewValidator(),
		logger:        cfg.Logger.With(zap.String("agent_id", state.ID)),
		batchMode:     mode,
		maxParallel:   maxParallel,
		storeRetries:  cfg.StoreRetries,
		retryDelay:    cfg.RetryDelay,
		storeTimeout:  cfg.StoreTimeout,
		now:           now,
		state:         state,
	}, nil
}

// ID returns the orchestrator's agent id
func (o *Orchestrator) ID() string {
	return o.state.ID
}

// State returns the in-memory state. Callers must not mutate it.
func (o *Orchestrator) State() *domain.OrchestratorState {
	return o.state
}

// Planner returns the planning strategy in use
func (o *Orchestrator) Planner() ports.Planner {
	return o.planner
}

// Validator returns the plan validator
func (o *Orchestrator) Validator() *Validator {
	return o.validator
}

// SaveState persists the in-memory state. Failures are logged and reported
// as false; the in-memory state is left as is.
func (o *Orchestrator) SaveState(ctx context.Context) bool {
	return o.persist(ctx) == nil
}

// persist saves the state, retrying transient store errors. Version
// conflicts are not retried: another writer advanced the state.
func (o *Orchestrator) persist(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= o.storeRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, o.retryDelay); err != nil {
				break
			}
		}

		err := o.withStoreTimeout(ctx, func(ctx context.Context) error {
			return o.store.Save(ctx, o.state)
		})
		if err == nil {
			o.logger.Debug("state saved", zap.Int64("version", o.state.Version))
			return nil
		}

		lastErr = err
		o.metrics.RecordStoreError("save")
		if errors.Is(err, ports.ErrVersionConflict) {
			o.logger.Warn("state save rejected, stored version is newer", zap.Error(err))
			return fmt.Errorf("%w: %w", ErrNotPersisted, err)
		}
		o.logger.Warn("failed to save state",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	o.logger.Error("giving up saving state", zap.Error(lastErr))
	return fmt.Errorf("%w: %w", ErrNotPersisted, lastErr)
}

// LoadState replaces the in-memory state with the durable copy. It returns
// false with a nil error when nothing is stored under the agent id.
func (o *Orchestrator) LoadState(ctx context.Context) (bool, error) {
	var loaded *domain.OrchestratorState
	err := o.withStoreTimeout(ctx, func(ctx context.Context) error {
		var err error
		loaded, err = o.store.Load(ctx, o.state.ID)
		return err
	})
	if errors.Is(err, ports.ErrNotFound) {
		o.logger.Debug("no stored state")
		return false, nil
	}
	if err != nil {
		o.metrics.RecordStoreError("load")
		o.logger.Error("failed to load state", zap.Error(err))
		return false, fmt.Errorf("failed to load state %s: %w", o.state.ID, err)
	}

	loaded.Normalize()
	o.state = loaded
	return true, nil
}

// EnsureState loads the durable state, creating and saving the in-memory
// one when nothing is stored yet
func (o *Orchestrator) EnsureState(ctx context.Context) error {
	found, err := o.LoadState(ctx)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	o.logger.Info("creating orchestrator state",
		zap.String("name", o.state.Name),
		zap.String("role", o.state.Role))
	return o.persist(ctx)
}

// Reload loads the durable state and decodes the active MainTask
func (o *Orchestrator) Reload(ctx context.Context) (*domain.MainTask, error) {
	found, err := o.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, o.state.ID)
	}
	return o.MainTask()
}

// MainTask decodes the active MainTask from the in-memory state
func (o *Orchestrator) MainTask() (*domain.MainTask, error) {
	mt, err := o.state.ActiveMainTask()
	if err != nil {
		return nil, err
	}
	if mt == nil {
		return nil, ErrNoActiveMainTask
	}
	return mt, nil
}

// saveMainTask embeds mt in short-term memory and persists the state
func (o *Orchestrator) saveMainTask(ctx context.Context, mt *domain.MainTask) error {
	if err := o.state.SetActiveMainTask(mt); err != nil {
		return err
	}
	return o.persist(ctx)
}

// Initiate creates a MainTask for query, records a snapshot of the current
// session and makes it the active task
func (o *Orchestrator) Initiate(ctx context.Context, query string, agentIDs []string, goalDescription string, priority int) (*domain.MainTask, error) {
	if priority == 0 {
		priority = 1
	}
	mt := domain.NewMainTask(query, domain.NewGoal(goalDescription, priority), agentIDs)

	snapshot, err := o.sessionSnapshot()
	if err != nil {
		return nil, err
	}
	mt.SessionSnapshot = snapshot

	if err := o.saveMainTask(ctx, mt); err != nil {
		return nil, err
	}

	o.publish(ctx, domain.EventTypeMainTaskInitiated, mt.ID, "", map[string]interface{}{
		"user_query": query,
		"goal":       goalDescription,
	})
	o.logger.Info("main task initiated",
		zap.String("main_task_id", mt.ID),
		zap.String("user_query", query))

	return mt, nil
}

// sessionSnapshot serializes short-term memory without the embedded task
// data, so snapshots do not nest previous tasks
func (o *Orchestrator) sessionSnapshot() (json.RawMessage, error) {
	stm := o.state.ShortTermMemory
	data, err := json.Marshal(struct {
		SessionID  string                 `json:"session_id"`
		History    []domain.Message       `json:"history"`
		Scratchpad map[string]interface{} `json:"scratchpad"`
	}{stm.SessionID, stm.History, stm.Scratchpad})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot session: %w", err)
	}
	return data, nil
}

// PlanSubTasks runs the planner for the active MainTask, replacing any
// previous plan, and moves the task to InProgress
func (o *Orchestrator) PlanSubTasks(ctx context.Context) ([]domain.SubTask, error) {
	mt, err := o.MainTask()
	if err != nil {
		return nil, err
	}

	subtasks, err := o.planner.Plan(ctx, mt)
	if err != nil {
		o.logger.Error("planning failed",
			zap.String("main_task_id", mt.ID),
			zap.Error(err))
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("planning failed: planner returned no subtasks")
	}
	if err := o.validator.Validate(subtasks); err != nil {
		// unsatisfiable plans are kept and surface as a deadlock
		o.logger.Warn("plan is not executable",
			zap.String("main_task_id", mt.ID),
			zap.Error(err))
	}

	mt.SubTasks = subtasks
	mt.Status = domain.TaskStatusInProgress
	mt.OverallGoal.RelatedSubtaskIDs = mt.SubTaskIDs()

	if err := o.saveMainTask(ctx, mt); err != nil {
		return nil, err
	}

	o.publish(ctx, domain.EventTypeMainTaskPlanned, mt.ID, "", map[string]interface{}{
		"subtask_count": len(subtasks),
	})
	o.logger.Info("main task planned",
		zap.String("main_task_id", mt.ID),
		zap.Int("subtasks", len(subtasks)))

	return subtasks, nil
}

// NextExecutableGroup returns the next runnable subtasks of the in-memory
// active MainTask using the configured batch mode
func (o *Orchestrator) NextExecutableGroup() []domain.SubTask {
	mt, err := o.MainTask()
	if err != nil {
		return nil
	}
	return NextExecutableGroup(mt, o.batchMode)
}

// FinishMainTask moves the active MainTask to a terminal status. A non
// empty reason is recorded under final_results["error"].
func (o *Orchestrator) FinishMainTask(ctx context.Context, status domain.TaskStatus, reason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	mt, err := o.MainTask()
	if err != nil {
		return err
	}
	if mt.Status.IsTerminal() {
		return nil
	}

	mt.Status = status
	if mt.FinalResults == nil {
		mt.FinalResults = map[string]interface{}{}
	}
	if reason != "" {
		mt.FinalResults["error"] = reason
	}
	if err := o.saveMainTask(ctx, mt); err != nil {
		return err
	}

	eventType := domain.EventTypeMainTaskFailed
	switch status {
	case domain.TaskStatusCompleted:
		eventType = domain.EventTypeMainTaskCompleted
	case domain.TaskStatusCancelled:
		eventType = domain.EventTypeMainTaskCancelled
	}
	o.publish(ctx, eventType, mt.ID, "", map[string]interface{}{"reason": reason})
	o.logger.Info("main task finished",
		zap.String("main_task_id", mt.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return nil
}

// CancelMainTask marks the durable active MainTask Cancelled. It reports
// false when there is no active task or it is already terminal.
func (o *Orchestrator) CancelMainTask(ctx context.Context) (bool, error) {
	mt, err := o.Reload(ctx)
	if err != nil {
		return false, err
	}
	if mt.Status.IsTerminal() {
		return false, nil
	}
	if err := o.FinishMainTask(ctx, domain.TaskStatusCancelled, "cancelled by request"); err != nil {
		return false, err
	}
	return true, nil
}

// RecordIteration appends a run summary to long-term memory
func (o *Orchestrator) RecordIteration(ctx context.Context, mt *domain.MainTask, iterations int) error {
	o.state.LongTermMemory.PastProjectIterations = append(o.state.LongTermMemory.PastProjectIterations,
		map[string]interface{}{
			"main_task_id": mt.ID,
			"user_query":   mt.UserQuery,
			"status":       string(mt.Status),
			"iterations":   iterations,
			"finished_at":  o.now().UTC().Format(time.RFC3339),
		})
	return o.persist(ctx)
}

// ProcessMessage appends a user message and an acknowledgement to the
// conversation history and persists it
func (o *Orchestrator) ProcessMessage(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("message content is required")
	}
	now := o.now().UTC()
	reply := fmt.Sprintf("%s received message: %s", o.state.Name, content)

	o.state.ShortTermMemory.History = append(o.state.ShortTermMemory.History,
		domain.Message{Role: "user", Content: content, Timestamp: now},
		domain.Message{Role: "assistant", Content: reply, Timestamp: now},
	)
	if err := o.persist(ctx); err != nil {
		return "", err
	}
	return reply, nil
}

func (o *Orchestrator) withStoreTimeout(ctx context.Context, fn func(context.Context) error) error {
	if o.storeTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
