package domain

// RunRequest holds the inputs of a single workflow run
type RunRequest struct {
	ManagerID          string   `json:"manager_id,omitempty"`
	UserQuery          string   `json:"user_query" binding:"required"`
	DesignatedAgentIDs []string `json:"designated_agent_ids"`
	GoalDescription    string   `json:"overall_goal_desc" binding:"required"`
	GoalPriority       int      `json:"goal_priority,omitempty"`
}

// RunResult is the outcome of a workflow run. Failures are reported through
// Status and Reason, never as errors.
type RunResult struct {
	MainTaskID        string                 `json:"main_task_id"`
	Status            TaskStatus             `json:"status"`
	Iterations        int                    `json:"iterations"`
	Results           map[string]interface{} `json:"results"`
	SubTasks          []SubTask              `json:"subtasks"`
	LearnedRulesCount int                    `json:"learned_rules_count"`
	Reason            string                 `json:"reason,omitempty"`
}

// WorkResult is what a Worker reports for one subtask
type WorkResult struct {
	Results map[string]interface{} `json:"results"`
	Success bool                   `json:"success"`
}
