package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/aescanero/taskloop/pkg/domain"
	"go.uber.org/zap"
)

// StatusMessage is the status message reported for model-executed subtasks
const StatusMessage = "llm execution"

const workerSystemPrompt = "You are a worker agent executing one step of a larger task. " +
	"Answer with the result of the step only."

// Worker executes subtasks by prompting a model
type Worker struct {
	client Completer
	logger *zap.Logger
}

// NewWorker creates a model-backed worker
func NewWorker(client Completer, logger *zap.Logger) *Worker {
	return &Worker{client: client, logger: logger}
}

// Run implements ports.Worker. Model errors are returned as errors so the
// pool can retry them; an empty answer is a work failure.
func (w *Worker) Run(ctx context.Context, mt *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
	answer, err := w.client.Complete(ctx, workerSystemPrompt, buildWorkerPrompt(mt, st))
	if err != nil {
		return nil, err
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		w.logger.Warn("model returned an empty answer", zap.String("subtask_id", st.ID))
		return &domain.WorkResult{
			Results: map[string]interface{}{"error": "model returned an empty answer"},
			Success: false,
		}, nil
	}

	return &domain.WorkResult{
		Results: map[string]interface{}{
			"output":         answer,
			"model":          w.client.Model(),
			"status_message": StatusMessage,
		},
		Success: true,
	}, nil
}

func buildWorkerPrompt(mt *domain.MainTask, st domain.SubTask) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Overall request: %s\n", mt.UserQuery)
	if mt.OverallGoal.Description != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", mt.OverallGoal.Description)
	}
	fmt.Fprintf(&sb, "\nCurrent step: %s\n", st.Name)
	if st.Description != "" {
		fmt.Fprintf(&sb, "Details: %s\n", st.Description)
	}

	for _, depID := range st.Dependencies {
		dep := mt.FindSubTask(depID)
		if dep == nil {
			continue
		}
		if out, ok := dep.Results["output"]; ok {
			fmt.Fprintf(&sb, "\nResult of %q:\n%v\n", dep.Name, out)
		}
	}

	if len(mt.AppliedRules) > 0 {
		sb.WriteString("\nGuidelines learned from earlier tasks:\n")
		for _, r := range mt.AppliedRules {
			fmt.Fprintf(&sb, "- %s\n", r.ActionableGuideline)
		}
	}
	return sb.String()
}
