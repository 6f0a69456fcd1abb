package orchestrator

import (
	"context"
	"fmt"

	"github.com/aescanero/taskloop/pkg/domain"
	"go.uber.org/zap"
)

// RetrospectionSummaryKey is the scratchpad key holding the last retrospection summary
const RetrospectionSummaryKey = "last_retrospection_summary"

// Retrospect asks the rule proposer for candidate rules derived from the
// given completed subtasks and adds those whose description is not already
// learned. It returns the number of rules added.
func (o *Orchestrator) Retrospect(ctx context.Context, completedIDs []string) (int, error) {
	mt, err := o.MainTask()
	if err != nil {
		return 0, err
	}

	wanted := make(map[string]bool, len(completedIDs))
	for _, id := range completedIDs {
		wanted[id] = true
	}
	var completed []domain.SubTask
	for _, st := range mt.SubTasks {
		if wanted[st.ID] && st.Status == domain.TaskStatusCompleted {
			completed = append(completed, st)
		}
	}
	if len(completed) == 0 {
		o.logger.Debug("nothing to retrospect", zap.String("main_task_id", mt.ID))
		return 0, nil
	}

	ltm := &o.state.LongTermMemory
	added := 0
	for _, candidate := range o.proposer.Propose(mt, completed) {
		if hasRule(ltm.LearnedRules, candidate.Description) {
			continue
		}
		ltm.LearnedRules = append(ltm.LearnedRules, candidate)
		mt.AppliedRules = append(mt.AppliedRules, candidate)
		added++

		o.metrics.RecordRuleLearned()
		o.publish(ctx, domain.EventTypeRuleLearned, mt.ID, "", map[string]interface{}{
			"rule_id":     candidate.ID,
			"description": candidate.Description,
		})
		o.logger.Info("rule learned",
			zap.String("main_task_id", mt.ID),
			zap.String("rule_id", candidate.ID),
			zap.String("description", candidate.Description))
	}

	proposed := "no"
	if added > 0 {
		proposed = "yes"
	}
	o.state.ShortTermMemory.Scratchpad[RetrospectionSummaryKey] = fmt.Sprintf(
		"Retrospection on %d tasks. New rules proposed: %s.", len(completed), proposed)

	if err := o.saveMainTask(ctx, mt); err != nil {
		return added, err
	}
	return added, nil
}

// RevalidateRules runs the rule validator over every learned rule and
// bumps the validation count of those that pass. Rules are never removed.
func (o *Orchestrator) RevalidateRules(ctx context.Context) (int, error) {
	rules := o.state.LongTermMemory.LearnedRules
	if len(rules) == 0 {
		return 0, nil
	}

	// a nil task is fine: validators must cope with no active task
	mt, _ := o.MainTask()
	mainTaskID := ""
	if mt != nil {
		mainTaskID = mt.ID
	}

	validated := 0
	for i := range rules {
		if !o.ruleValidator.Validate(rules[i], mt) {
			continue
		}
		now := o.now().UTC()
		rules[i].ValidationCount++
		rules[i].LastValidatedAt = &now
		validated++

		o.metrics.RecordRuleValidated()
		o.publish(ctx, domain.EventTypeRuleValidated, mainTaskID, "", map[string]interface{}{
			"rule_id":          rules[i].ID,
			"validation_count": rules[i].ValidationCount,
		})
	}

	if validated == 0 {
		return 0, nil
	}
	o.logger.Debug("rules revalidated",
		zap.Int("validated", validated),
		zap.Int("total", len(rules)))
	return validated, o.persist(ctx)
}

func hasRule(rules []domain.Rule, description string) bool {
	for _, r := range rules {
		if r.Description == description {
			return true
		}
	}
	return false
}
