package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aescanero/taskloop/internal/application/orchestrator"
	"github.com/aescanero/taskloop/internal/telemetry"
	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultMaxIterations bounds the control loop
	DefaultMaxIterations = 10

	// DefaultManagerID is used when a run request names no manager
	DefaultManagerID = "default_manager_001"

	defaultManagerName = "DefaultWorkflowManager"
	managerRole        = "Manager"
	tracerName         = "github.com/aescanero/taskloop/workflow"
)

// Config holds Driver settings
type Config struct {
	Orchestrator *orchestrator.Config

	MaxIterations    int
	PollInterval     time.Duration
	Deadline         time.Duration
	DefaultManagerID string
	ManagerName      string
}

// Driver runs workflow loops. At most one loop runs per orchestrator id.
type Driver struct {
	orchCfg *orchestrator.Config
	locks   *keyedLock
	tracer  trace.Tracer
	metrics ports.MetricsCollector
	logger  *zap.Logger

	maxIterations    int
	pollInterval     time.Duration
	deadline         time.Duration
	defaultManagerID string
	managerName      string

	active atomic.Int32
}

// NewDriver creates a new workflow driver
func NewDriver(cfg *Config) (*Driver, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator config is required")
	}
	if err := cfg.Orchestrator.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	managerID := cfg.DefaultManagerID
	if managerID == "" {
		managerID = DefaultManagerID
	}
	managerName := cfg.ManagerName
	if managerName == "" {
		managerName = defaultManagerName
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	var metrics ports.MetricsCollector = orchestrator.NoopMetrics{}
	if cfg.Orchestrator.Metrics != nil {
		metrics = cfg.Orchestrator.Metrics
	}

	return &Driver{
		orchCfg:          cfg.Orchestrator,
		locks:            newKeyedLock(),
		tracer:           telemetry.Tracer(tracerName),
		metrics:          metrics,
		logger:           cfg.Orchestrator.Logger,
		maxIterations:    maxIterations,
		pollInterval:     pollInterval,
		deadline:         cfg.Deadline,
		defaultManagerID: managerID,
		managerName:      managerName,
	}, nil
}

// MaxIterations returns the iteration cap
func (d *Driver) MaxIterations() int {
	return d.maxIterations
}

// DefaultManagerID returns the manager used when a run request names none
func (d *Driver) DefaultManagerID() string {
	return d.defaultManagerID
}

// RunMainTaskLoop initiates a MainTask for req and drives it until it
// reaches a terminal status or the iteration cap. Failures never escape as
// errors: they are reported through the result's Status and Reason.
func (d *Driver) RunMainTaskLoop(ctx context.Context, req domain.RunRequest) (result domain.RunResult) {
	started := time.Now()
	managerID := req.ManagerID
	if managerID == "" {
		managerID = d.defaultManagerID
	}
	logger := d.logger.With(zap.String("agent_id", managerID))

	d.metrics.RecordMainTaskStarted()
	d.metrics.SetActiveLoops(int(d.active.Add(1)))
	defer func() {
		d.metrics.SetActiveLoops(int(d.active.Add(-1)))
		d.metrics.RecordMainTaskFinished(string(result.Status), result.Iterations, time.Since(started))
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("workflow loop panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
			result.Status = domain.TaskStatusFailed
			result.Reason = fmt.Sprintf("internal error: %v", r)
		}
	}()

	if req.UserQuery == "" {
		return failedResult("", "user query is required")
	}

	release, err := d.locks.Acquire(ctx, managerID)
	if err != nil {
		return failedResult("", fmt.Sprintf("orchestrator %s is busy: %v", managerID, err))
	}
	defer release()

	if d.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.deadline)
		defer cancel()
	}

	orch, err := orchestrator.New(d.orchCfg, domain.NewOrchestratorState(managerID, d.managerName, managerRole))
	if err != nil {
		return failedResult("", err.Error())
	}
	if err := orch.EnsureState(ctx); err != nil {
		return failedResult("", fmt.Sprintf("store unavailable: %v", err))
	}

	mt, err := orch.Initiate(ctx, req.UserQuery, req.DesignatedAgentIDs, req.GoalDescription, req.GoalPriority)
	if err != nil {
		return failedResult("", fmt.Sprintf("failed to initiate main task: %v", err))
	}
	logger = logger.With(zap.String("main_task_id", mt.ID))
	logger.Info("workflow loop started", zap.String("user_query", req.UserQuery))

	iterations, failReason := d.loop(ctx, orch, logger)

	if ctx.Err() != nil && failReason != "" {
		failReason = interruptedReason(ctx.Err())
	}
	result = d.finish(context.WithoutCancel(ctx), orch, mt, iterations, failReason, logger)

	logger.Info("workflow loop finished",
		zap.String("status", string(result.Status)),
		zap.Int("iterations", result.Iterations),
		zap.String("reason", result.Reason))
	return result
}

// loop runs iterations until the MainTask is terminal or a failure reason
// is found. The returned reason must be recorded by forcing Failed.
func (d *Driver) loop(ctx context.Context, orch *orchestrator.Orchestrator, logger *zap.Logger) (int, string) {
	replanner, _ := orch.Planner().(ports.Replanner)
	iterations := 0

	for iterations < d.maxIterations {
		if err := ctx.Err(); err != nil {
			return iterations, interruptedReason(err)
		}

		// cancellation and terminal statuses are observed here only
		mt, err := orch.Reload(ctx)
		if err != nil {
			return iterations, fmt.Sprintf("failed to reload state: %v", err)
		}
		if mt.Status.IsTerminal() {
			return iterations, ""
		}

		iterations++
		ilog := logger.With(zap.Int("iteration", iterations))
		ilog.Debug("iteration started")

		if len(mt.SubTasks) == 0 || (replanner != nil && replanner.ShouldReplan(mt)) {
			err := d.step(ctx, "workflow.plan", mt.ID, iterations, func(ctx context.Context) error {
				_, err := orch.PlanSubTasks(ctx)
				return err
			})
			if errors.Is(err, orchestrator.ErrNotPersisted) {
				ilog.Warn("plan not persisted, reloading", zap.Error(err))
				continue
			}
			if err != nil {
				return iterations, err.Error()
			}
			if mt, err = orch.MainTask(); err != nil {
				return iterations, fmt.Sprintf("failed to decode main task: %v", err)
			}
		}

		var group []domain.SubTask
		_ = d.step(ctx, "workflow.schedule", mt.ID, iterations, func(ctx context.Context) error {
			group = orch.NextExecutableGroup()
			return nil
		})

		if len(group) == 0 {
			if mt.AllCompleted() {
				if err := orch.FinishMainTask(ctx, domain.TaskStatusCompleted, ""); err != nil {
					ilog.Warn("failed to mark main task completed", zap.Error(err))
					continue
				}
				return iterations, ""
			}
			if failed := orchestrator.FailedSubTask(mt); failed != nil {
				return iterations, fmt.Sprintf("subtask %s (%s) failed: %v", failed.ID, failed.Name, failed.Results["error"])
			}
			if mt.AnyInStatus(domain.TaskStatusInProgress) {
				// workers run inside ExecuteGroup and this loop holds the
				// orchestrator lock, so an InProgress subtask here lost its
				// result save
				if _, err := orch.RequeueStalled(ctx); err != nil {
					ilog.Warn("failed to requeue stalled subtasks", zap.Error(err))
					sleep(ctx, d.pollInterval)
				}
				continue
			}

			reason := "deadlock: no executable subtasks and none in progress"
			if derr := orch.Validator().Diagnose(mt); derr != nil {
				reason = fmt.Sprintf("%s (%v)", reason, derr)
			}
			return iterations, reason
		}

		err = d.step(ctx, "workflow.execute", mt.ID, iterations, func(ctx context.Context) error {
			return orch.ExecuteGroup(ctx, group)
		})
		if err != nil {
			ilog.Warn("group execution not persisted, requeueing", zap.Error(err))
			if _, err := orch.RequeueStalled(ctx); err != nil {
				ilog.Warn("failed to requeue stalled subtasks", zap.Error(err))
			}
			continue
		}

		mt, err = orch.Reload(ctx)
		if err != nil {
			return iterations, fmt.Sprintf("failed to reload state: %v", err)
		}

		if completed := completedIDs(mt, group); len(completed) > 0 {
			err := d.step(ctx, "workflow.retrospect", mt.ID, iterations, func(ctx context.Context) error {
				_, err := orch.Retrospect(ctx, completed)
				return err
			})
			if err != nil {
				ilog.Warn("retrospection failed", zap.Error(err))
			}
		}

		err = d.step(ctx, "workflow.revalidate", mt.ID, iterations, func(ctx context.Context) error {
			_, err := orch.RevalidateRules(ctx)
			return err
		})
		if err != nil {
			ilog.Warn("rule revalidation failed", zap.Error(err))
		}

		if mt.Status == domain.TaskStatusCompleted {
			return iterations, ""
		}
	}

	return iterations, fmt.Sprintf("iteration cap of %d reached", d.maxIterations)
}

// finish forces Failed when a reason is given, records the run in
// long-term memory and builds the result from the durable state. A run with
// a failure reason always reports Failed, even when that status could not be
// persisted.
func (d *Driver) finish(ctx context.Context, orch *orchestrator.Orchestrator, initial *domain.MainTask, iterations int, failReason string, logger *zap.Logger) domain.RunResult {
	var persistErr error
	if failReason != "" {
		if _, err := orch.Reload(ctx); err != nil {
			persistErr = err
		} else if err := orch.FinishMainTask(ctx, domain.TaskStatusFailed, failReason); err != nil {
			persistErr = err
		}
		if persistErr != nil {
			logger.Error("failed to persist failed status", zap.Error(persistErr))
		}
	}

	mt, err := orch.Reload(ctx)
	if err != nil {
		logger.Error("failed to load final state", zap.Error(err))
		reason := failReason
		if reason == "" {
			reason = fmt.Sprintf("failed to load final state: %v", err)
		} else if persistErr != nil {
			reason = unpersistedReason(failReason, persistErr)
		}
		res := failedResult(initial.ID, reason)
		res.Iterations = iterations
		return res
	}

	if failReason != "" && !mt.Status.IsTerminal() {
		if persistErr == nil {
			persistErr = fmt.Errorf("stored status is still %s", mt.Status)
		}
		res := failedResult(mt.ID, unpersistedReason(failReason, persistErr))
		res.Iterations = iterations
		res.SubTasks = mt.SubTasks
		res.LearnedRulesCount = len(orch.State().LongTermMemory.LearnedRules)
		return res
	}

	if mt.Status == domain.TaskStatusCompleted || mt.Status == domain.TaskStatusFailed {
		if err := orch.RecordIteration(ctx, mt, iterations); err != nil {
			logger.Warn("failed to record run summary", zap.Error(err))
		}
	}

	reason := failReason
	if reason == "" {
		reason, _ = mt.FinalResults["error"].(string)
	}

	return domain.RunResult{
		MainTaskID:        mt.ID,
		Status:            mt.Status,
		Iterations:        iterations,
		Results:           mt.FinalResults,
		SubTasks:          mt.SubTasks,
		LearnedRulesCount: len(orch.State().LongTermMemory.LearnedRules),
		Reason:            reason,
	}
}

// step runs fn inside a span named after the loop step
func (d *Driver) step(ctx context.Context, name, mainTaskID string, iteration int, fn func(context.Context) error) error {
	ctx, span := d.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("main_task_id", mainTaskID),
		attribute.Int("iteration", iteration),
	))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func completedIDs(mt *domain.MainTask, group []domain.SubTask) []string {
	var ids []string
	for _, g := range group {
		if st := mt.FindSubTask(g.ID); st != nil && st.Status == domain.TaskStatusCompleted {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

func failedResult(mainTaskID, reason string) domain.RunResult {
	return domain.RunResult{
		MainTaskID: mainTaskID,
		Status:     domain.TaskStatusFailed,
		Results:    map[string]interface{}{},
		SubTasks:   []domain.SubTask{},
		Reason:     reason,
	}
}

func unpersistedReason(reason string, err error) string {
	return fmt.Sprintf("%s (failed status not persisted: %v)", reason, err)
}

func interruptedReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "workflow deadline exceeded"
	}
	return fmt.Sprintf("workflow interrupted: %v", err)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
