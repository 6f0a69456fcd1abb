package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Goal describes the outcome a MainTask is working towards
type Goal struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description"`
	Priority           int      `json:"priority"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	RelatedSubtaskIDs  []string `json:"related_subtask_ids"`
}

// SubTask is an atomic unit of work inside a MainTask
type SubTask struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	Status          TaskStatus             `json:"status"`
	AssignedAgentID *string                `json:"assigned_agent_id,omitempty"`
	Results         map[string]interface{} `json:"results"`
	Dependencies    []string               `json:"dependencies"`
	Effort          int                    `json:"effort"`
}

// Rule is a guideline learned from past task outcomes
type Rule struct {
	ID                  string     `json:"id"`
	Description         string     `json:"description"`
	Context             string     `json:"context"`
	ActionableGuideline string     `json:"actionable_guideline"`
	Source              string     `json:"source"`
	ValidationCount     int        `json:"validation_count"`
	LastValidatedAt     *time.Time `json:"last_validated_at,omitempty"`
}

// MainTask is the top-level unit of work requested by a caller
type MainTask struct {
	ID                 string                 `json:"id"`
	UserQuery          string                 `json:"user_query"`
	OverallGoal        Goal                   `json:"overall_goal"`
	SubTasks           []SubTask              `json:"sub_tasks"`
	DesignatedAgentIDs []string               `json:"designated_agent_ids"`
	Status             TaskStatus             `json:"status"`
	SessionSnapshot    json.RawMessage        `json:"session_stm_snapshot,omitempty"`
	AppliedRules       []Rule                 `json:"applied_rules"`
	FinalResults       map[string]interface{} `json:"final_results"`
}

// NewGoal creates a goal with a generated id
func NewGoal(description string, priority int) Goal {
	return Goal{
		ID:                 "goal_" + uuid.New().String(),
		Description:        description,
		Priority:           priority,
		AcceptanceCriteria: []string{},
		RelatedSubtaskIDs:  []string{},
	}
}

// NewSubTask creates a pending subtask depending on the given ids
func NewSubTask(name, description string, dependencies ...string) SubTask {
	deps := make([]string, 0, len(dependencies))
	deps = append(deps, dependencies...)
	return SubTask{
		ID:           "subtask_" + uuid.New().String(),
		Name:         name,
		Description:  description,
		Status:       TaskStatusPending,
		Results:      map[string]interface{}{},
		Dependencies: deps,
		Effort:       1,
	}
}

// NewRule creates a rule with a generated id and no validations
func NewRule(description, context, guideline, source string) Rule {
	return Rule{
		ID:                  "rule_" + uuid.New().String(),
		Description:         description,
		Context:             context,
		ActionableGuideline: guideline,
		Source:              source,
	}
}

// NewMainTask creates a pending main task for a user query
func NewMainTask(userQuery string, goal Goal, designatedAgentIDs []string) *MainTask {
	agents := make([]string, 0, len(designatedAgentIDs))
	agents = append(agents, designatedAgentIDs...)
	return &MainTask{
		ID:                 "maintask_" + uuid.New().String(),
		UserQuery:          userQuery,
		OverallGoal:        goal,
		SubTasks:           []SubTask{},
		DesignatedAgentIDs: agents,
		Status:             TaskStatusPending,
		AppliedRules:       []Rule{},
		FinalResults:       map[string]interface{}{},
	}
}

// DependenciesSatisfied reports whether every dependency resolves to a
// completed subtask in graph. An id that does not resolve is never satisfied.
func (s *SubTask) DependenciesSatisfied(graph []SubTask) bool {
	for _, depID := range s.Dependencies {
		satisfied := false
		for i := range graph {
			if graph[i].ID == depID {
				satisfied = graph[i].Status == TaskStatusCompleted
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}

// FindSubTask returns a pointer into SubTasks, or nil
func (m *MainTask) FindSubTask(id string) *SubTask {
	for i := range m.SubTasks {
		if m.SubTasks[i].ID == id {
			return &m.SubTasks[i]
		}
	}
	return nil
}

// AllCompleted reports whether there is at least one subtask and all are completed
func (m *MainTask) AllCompleted() bool {
	if len(m.SubTasks) == 0 {
		return false
	}
	for _, st := range m.SubTasks {
		if st.Status != TaskStatusCompleted {
			return false
		}
	}
	return true
}

// AnyInStatus reports whether any subtask has the given status
func (m *MainTask) AnyInStatus(status TaskStatus) bool {
	for _, st := range m.SubTasks {
		if st.Status == status {
			return true
		}
	}
	return false
}

// SubTaskIDs returns subtask ids in storage order
func (m *MainTask) SubTaskIDs() []string {
	ids := make([]string, 0, len(m.SubTasks))
	for _, st := range m.SubTasks {
		ids = append(ids, st.ID)
	}
	return ids
}
