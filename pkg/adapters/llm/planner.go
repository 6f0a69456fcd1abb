package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"go.uber.org/zap"
)

const (
	plannerSystemPrompt = "You are a planning agent. Break the request into a short ordered list of steps. " +
		`Reply with a JSON array only, each element {"name": "...", "description": "..."}.`

	maxPlannedSteps = 12
)

// Planner asks a model for a linear plan and falls back to another planner
type Planner struct {
	client   Completer
	fallback ports.Planner
	logger   *zap.Logger
}

// NewPlanner creates a model-backed planner
func NewPlanner(client Completer, fallback ports.Planner, logger *zap.Logger) *Planner {
	return &Planner{client: client, fallback: fallback, logger: logger}
}

type plannedStep struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Plan implements ports.Planner
func (p *Planner) Plan(ctx context.Context, mt *domain.MainTask) ([]domain.SubTask, error) {
	prompt := fmt.Sprintf("Request: %s\nGoal: %s", mt.UserQuery, mt.OverallGoal.Description)

	answer, err := p.client.Complete(ctx, plannerSystemPrompt, prompt)
	if err == nil {
		var steps []plannedStep
		steps, err = parseSteps(answer)
		if err == nil {
			return chain(steps), nil
		}
	}

	if p.fallback == nil {
		return nil, fmt.Errorf("model planning failed: %w", err)
	}
	p.logger.Warn("model planning failed, using fallback planner",
		zap.String("main_task_id", mt.ID),
		zap.Error(err))
	return p.fallback.Plan(ctx, mt)
}

// parseSteps extracts the JSON array from a model answer, tolerating
// surrounding prose or code fences
func parseSteps(answer string) ([]plannedStep, error) {
	start := strings.Index(answer, "[")
	end := strings.LastIndex(answer, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in model answer")
	}

	var steps []plannedStep
	if err := json.Unmarshal([]byte(answer[start:end+1]), &steps); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}

	valid := steps[:0]
	for _, s := range steps {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name != "" {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	if len(valid) > maxPlannedSteps {
		valid = valid[:maxPlannedSteps]
	}
	return valid, nil
}

func chain(steps []plannedStep) []domain.SubTask {
	subtasks := make([]domain.SubTask, 0, len(steps))
	for _, s := range steps {
		var deps []string
		if n := len(subtasks); n > 0 {
			deps = append(deps, subtasks[n-1].ID)
		}
		subtasks = append(subtasks, domain.NewSubTask(s.Name, s.Description, deps...))
	}
	return subtasks
}
