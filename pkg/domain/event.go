package domain

import "time"

// EventType represents the type of a workflow event
type EventType string

const (
	EventTypeMainTaskInitiated EventType = "maintask.initiated"
	EventTypeMainTaskPlanned   EventType = "maintask.planned"
	EventTypeMainTaskCompleted EventType = "maintask.completed"
	EventTypeMainTaskFailed    EventType = "maintask.failed"
	EventTypeMainTaskCancelled EventType = "maintask.cancelled"
	EventTypeSubTaskStarted    EventType = "subtask.started"
	EventTypeSubTaskCompleted  EventType = "subtask.completed"
	EventTypeSubTaskFailed     EventType = "subtask.failed"
	EventTypeRuleLearned       EventType = "rule.learned"
	EventTypeRuleValidated     EventType = "rule.validated"
)

// Event is published on the event bus as the workflow progresses
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	AgentID    string                 `json:"agent_id"`
	MainTaskID string                 `json:"main_task_id,omitempty"`
	SubTaskID  string                 `json:"subtask_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Topic names used by the orchestrator
const (
	TopicWorkflow = "workflow.events"
)
