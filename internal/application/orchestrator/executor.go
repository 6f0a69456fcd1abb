package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const completedSummary = "All subtasks completed successfully."

// outcome is the result of a single worker call
type outcome struct {
	result   *domain.WorkResult
	err      error
	duration time.Duration
}

// ExecuteGroup runs the given subtasks of the active MainTask. Each subtask
// is persisted InProgress before the worker runs and persisted again with
// its result. When every subtask is completed the MainTask is completed too.
//
// An error means a transition could not be made durable; the caller should
// reload before continuing.
func (o *Orchestrator) ExecuteGroup(ctx context.Context, group []domain.SubTask) error {
	if len(group) == 0 {
		return nil
	}
	mt, err := o.MainTask()
	if err != nil {
		return err
	}

	if o.batchMode == BatchModeFrontier && len(group) > 1 {
		return o.executeFrontier(ctx, mt, group)
	}

	for _, st := range group {
		if err := o.executeOne(ctx, mt, st.ID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) executeOne(ctx context.Context, mt *domain.MainTask, id string) error {
	started := o.startSubTask(mt, id)
	if started == nil {
		return nil
	}
	if err := o.saveMainTask(ctx, mt); err != nil {
		return fmt.Errorf("failed to persist start of subtask %s: %w", id, err)
	}
	o.publish(ctx, domain.EventTypeSubTaskStarted, mt.ID, id, map[string]interface{}{"name": started.Name})

	out := o.runWorker(ctx, o.workerView(mt), *started)
	return o.finishSubTask(ctx, mt, id, out)
}

func (o *Orchestrator) executeFrontier(ctx context.Context, mt *domain.MainTask, group []domain.SubTask) error {
	started := make([]domain.SubTask, 0, len(group))
	for _, st := range group {
		if s := o.startSubTask(mt, st.ID); s != nil {
			started = append(started, *s)
		}
	}
	if len(started) == 0 {
		return nil
	}
	if err := o.saveMainTask(ctx, mt); err != nil {
		return fmt.Errorf("failed to persist start of %d subtasks: %w", len(started), err)
	}
	for _, st := range started {
		o.publish(ctx, domain.EventTypeSubTaskStarted, mt.ID, st.ID, map[string]interface{}{"name": st.Name})
	}

	view := o.workerView(mt)
	outcomes := make([]outcome, len(started))

	var g errgroup.Group
	g.SetLimit(o.maxParallel)
	for i, st := range started {
		g.Go(func() error {
			outcomes[i] = o.runWorker(ctx, view, st)
			return nil
		})
	}
	_ = g.Wait()

	for i, st := range started {
		if err := o.finishSubTask(ctx, mt, st.ID, outcomes[i]); err != nil {
			return err
		}
	}
	return nil
}

// startSubTask moves a pending subtask with satisfied dependencies to
// InProgress and returns a copy of it, or nil when it must not run
func (o *Orchestrator) startSubTask(mt *domain.MainTask, id string) *domain.SubTask {
	for i := range mt.SubTasks {
		st := &mt.SubTasks[i]
		if st.ID != id {
			continue
		}
		if st.Status != domain.TaskStatusPending {
			o.logger.Warn("skipping subtask that is not pending",
				zap.String("subtask_id", id),
				zap.String("status", string(st.Status)))
			return nil
		}
		if !st.DependenciesSatisfied(mt.SubTasks) {
			o.logger.Warn("skipping subtask with unsatisfied dependencies",
				zap.String("subtask_id", id))
			return nil
		}

		st.Status = domain.TaskStatusInProgress
		if n := len(mt.DesignatedAgentIDs); n > 0 {
			agent := mt.DesignatedAgentIDs[i%n]
			st.AssignedAgentID = &agent
		}
		cp := *st
		return &cp
	}

	o.logger.Warn("subtask not found", zap.String("subtask_id", id))
	return nil
}

// runWorker calls the worker, turning panics into failures
func (o *Orchestrator) runWorker(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (out outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("worker panicked",
				zap.String("subtask_id", st.ID),
				zap.Any("panic", r))
			out = outcome{err: fmt.Errorf("worker panic: %v", r)}
		}
		out.duration = time.Since(start)
	}()

	o.logger.Debug("running subtask",
		zap.String("main_task_id", mt.ID),
		zap.String("subtask_id", st.ID),
		zap.String("name", st.Name))

	out.result, out.err = o.worker.Run(ctx, mt, st)
	return out
}

// finishSubTask applies a worker outcome, completes the MainTask when
// possible and persists
func (o *Orchestrator) finishSubTask(ctx context.Context, mt *domain.MainTask, id string, out outcome) error {
	st := mt.FindSubTask(id)
	if st == nil {
		return fmt.Errorf("subtask %s disappeared from main task %s", id, mt.ID)
	}

	switch {
	case out.err != nil:
		st.Status = domain.TaskStatusFailed
		st.Results = map[string]interface{}{"error": out.err.Error()}
	case out.result == nil:
		st.Status = domain.TaskStatusFailed
		st.Results = map[string]interface{}{"error": "worker returned no result"}
	case !out.result.Success:
		st.Status = domain.TaskStatusFailed
		st.Results = copyResults(out.result.Results)
		if _, ok := st.Results["error"]; !ok {
			st.Results["error"] = "worker reported failure"
		}
	default:
		st.Status = domain.TaskStatusCompleted
		st.Results = copyResults(out.result.Results)
	}
	o.metrics.RecordSubTaskExecuted(string(st.Status), out.duration)

	mainTaskCompleted := completeIfDone(mt)

	if err := o.saveMainTask(ctx, mt); err != nil {
		return fmt.Errorf("failed to persist result of subtask %s: %w", id, err)
	}

	if st.Status == domain.TaskStatusCompleted {
		o.publish(ctx, domain.EventTypeSubTaskCompleted, mt.ID, id, map[string]interface{}{"results": st.Results})
		o.logger.Info("subtask completed",
			zap.String("main_task_id", mt.ID),
			zap.String("subtask_id", id),
			zap.Duration("duration", out.duration))
	} else {
		o.publish(ctx, domain.EventTypeSubTaskFailed, mt.ID, id, map[string]interface{}{"error": st.Results["error"]})
		o.logger.Warn("subtask failed",
			zap.String("main_task_id", mt.ID),
			zap.String("subtask_id", id),
			zap.Any("error", st.Results["error"]))
	}

	if mainTaskCompleted {
		o.publish(ctx, domain.EventTypeMainTaskCompleted, mt.ID, "", map[string]interface{}{
			"subtask_count": len(mt.SubTasks),
		})
		o.logger.Info("main task completed", zap.String("main_task_id", mt.ID))
	}
	return nil
}

// completeIfDone marks mt Completed with the subtask outputs when every
// subtask is completed. It reports whether the status changed.
func completeIfDone(mt *domain.MainTask) bool {
	if mt.Status == domain.TaskStatusCompleted || !mt.AllCompleted() {
		return false
	}

	outputs := make([]interface{}, 0, len(mt.SubTasks))
	for _, st := range mt.SubTasks {
		outputs = append(outputs, st.Results)
	}
	mt.Status = domain.TaskStatusCompleted
	mt.FinalResults = map[string]interface{}{
		"summary": completedSummary,
		"outputs": outputs,
	}
	return true
}

// FailedSubTask returns the first failed subtask in storage order, or nil
func FailedSubTask(mt *domain.MainTask) *domain.SubTask {
	for i := range mt.SubTasks {
		if mt.SubTasks[i].Status == domain.TaskStatusFailed {
			return &mt.SubTasks[i]
		}
	}
	return nil
}

// workerView returns a copy of mt that workers may read concurrently. Its
// AppliedRules also carry the rules learned in earlier runs, which are not
// copied into the task itself.
func (o *Orchestrator) workerView(mt *domain.MainTask) *domain.MainTask {
	view := *mt
	view.SubTasks = append([]domain.SubTask(nil), mt.SubTasks...)
	view.AppliedRules = append([]domain.Rule(nil), mt.AppliedRules...)
	for _, r := range o.state.LongTermMemory.LearnedRules {
		if !hasRule(view.AppliedRules, r.Description) {
			view.AppliedRules = append(view.AppliedRules, r)
		}
	}
	return &view
}

// RequeueStalled moves the InProgress subtasks of the durable active
// MainTask back to Pending and returns how many were moved. The caller must
// own the loop of this orchestrator so that no worker call is in flight.
func (o *Orchestrator) RequeueStalled(ctx context.Context) (int, error) {
	mt, err := o.Reload(ctx)
	if err != nil {
		return 0, err
	}
	if mt.Status.IsTerminal() {
		return 0, nil
	}

	var ids []string
	for i := range mt.SubTasks {
		st := &mt.SubTasks[i]
		if st.Status != domain.TaskStatusInProgress {
			continue
		}
		st.Status = domain.TaskStatusPending
		st.AssignedAgentID = nil
		ids = append(ids, st.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := o.saveMainTask(ctx, mt); err != nil {
		return 0, fmt.Errorf("failed to requeue %d subtasks: %w", len(ids), err)
	}
	o.logger.Info("requeued stalled subtasks",
		zap.String("main_task_id", mt.ID),
		zap.Strings("subtask_ids", ids))
	return len(ids), nil
}

func copyResults(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
