package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActiveMainTaskKey is the CurrentTaskData key holding the serialized active MainTask
const ActiveMainTaskKey = "active_main_task"

// Message is a single entry of an agent's conversation history
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ShortTermMemory is session-scoped agent memory
type ShortTermMemory struct {
	SessionID       string                     `json:"session_id"`
	History         []Message                  `json:"history"`
	CurrentTaskData map[string]json.RawMessage `json:"current_task_data"`
	Scratchpad      map[string]interface{}     `json:"scratchpad"`
}

// LongTermMemory is cross-session, append-mostly agent memory
type LongTermMemory struct {
	KnowledgeBase         map[string]interface{}   `json:"knowledge_base"`
	LearnedRules          []Rule                   `json:"learned_rules"`
	PastProjectIterations []map[string]interface{} `json:"past_project_iterations"`
}

// OrchestratorState is the persisted state of an orchestrating agent
type OrchestratorState struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Role              string                 `json:"role"`
	Config            map[string]interface{} `json:"config"`
	ShortTermMemory   ShortTermMemory        `json:"stm"`
	LongTermMemory    LongTermMemory         `json:"ltm"`
	CurrentMainTaskID *string                `json:"current_main_task_id,omitempty"`

	// Version is bumped by the store on every successful save
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentRecord is the serializable projection of OrchestratorState exposed to callers
type AgentRecord struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Role            string                 `json:"role"`
	Config          map[string]interface{} `json:"config"`
	ShortTermMemory ShortTermMemory        `json:"stm"`
	LongTermMemory  LongTermMemory         `json:"ltm"`
}

// NewShortTermMemory creates an empty short-term memory with a fresh session id
func NewShortTermMemory() ShortTermMemory {
	return ShortTermMemory{
		SessionID:       uuid.New().String(),
		History:         []Message{},
		CurrentTaskData: map[string]json.RawMessage{},
		Scratchpad:      map[string]interface{}{},
	}
}

// NewLongTermMemory creates an empty long-term memory
func NewLongTermMemory() LongTermMemory {
	return LongTermMemory{
		KnowledgeBase:         map[string]interface{}{},
		LearnedRules:          []Rule{},
		PastProjectIterations: []map[string]interface{}{},
	}
}

// NewOrchestratorState creates a fresh state. An empty id gets a generated one.
func NewOrchestratorState(id, name, role string) *OrchestratorState {
	if id == "" {
		id = uuid.New().String()
	}
	return &OrchestratorState{
		ID:              id,
		Name:            name,
		Role:            role,
		Config:          map[string]interface{}{},
		ShortTermMemory: NewShortTermMemory(),
		LongTermMemory:  NewLongTermMemory(),
	}
}

// Normalize replaces nil collections left by decoding with empty ones
func (s *OrchestratorState) Normalize() {
	if s.Config == nil {
		s.Config = map[string]interface{}{}
	}
	if s.ShortTermMemory.History == nil {
		s.ShortTermMemory.History = []Message{}
	}
	if s.ShortTermMemory.CurrentTaskData == nil {
		s.ShortTermMemory.CurrentTaskData = map[string]json.RawMessage{}
	}
	if s.ShortTermMemory.Scratchpad == nil {
		s.ShortTermMemory.Scratchpad = map[string]interface{}{}
	}
	if s.LongTermMemory.KnowledgeBase == nil {
		s.LongTermMemory.KnowledgeBase = map[string]interface{}{}
	}
	if s.LongTermMemory.LearnedRules == nil {
		s.LongTermMemory.LearnedRules = []Rule{}
	}
	if s.LongTermMemory.PastProjectIterations == nil {
		s.LongTermMemory.PastProjectIterations = []map[string]interface{}{}
	}
}

// SetActiveMainTask serializes mt into short-term memory and marks it current
func (s *OrchestratorState) SetActiveMainTask(mt *MainTask) error {
	data, err := json.Marshal(mt)
	if err != nil {
		return fmt.Errorf("failed to marshal main task: %w", err)
	}
	if s.ShortTermMemory.CurrentTaskData == nil {
		s.ShortTermMemory.CurrentTaskData = map[string]json.RawMessage{}
	}
	s.ShortTermMemory.CurrentTaskData[ActiveMainTaskKey] = data
	id := mt.ID
	s.CurrentMainTaskID = &id
	return nil
}

// ActiveMainTask decodes the embedded MainTask. It returns nil when there is
// no active task or the embedded snapshot belongs to a different task.
func (s *OrchestratorState) ActiveMainTask() (*MainTask, error) {
	if s.CurrentMainTaskID == nil {
		return nil, nil
	}
	data, ok := s.ShortTermMemory.CurrentTaskData[ActiveMainTaskKey]
	if !ok || len(data) == 0 {
		return nil, nil
	}
	var mt MainTask
	if err := json.Unmarshal(data, &mt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal main task: %w", err)
	}
	if mt.ID != *s.CurrentMainTaskID {
		return nil, nil
	}
	return &mt, nil
}

// Record returns the agent record projection
func (s *OrchestratorState) Record() AgentRecord {
	return AgentRecord{
		ID:              s.ID,
		Name:            s.Name,
		Role:            s.Role,
		Config:          s.Config,
		ShortTermMemory: s.ShortTermMemory,
		LongTermMemory:  s.LongTermMemory,
	}
}

// Clone returns a deep copy made through the JSON encoding used by the stores
func (s *OrchestratorState) Clone() (*OrchestratorState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var cp OrchestratorState
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	cp.Normalize()
	return &cp, nil
}

// StateFromRecord builds a fresh orchestrator state from a caller supplied record
func StateFromRecord(r AgentRecord) *OrchestratorState {
	st := NewOrchestratorState(r.ID, r.Name, r.Role)
	if r.Config != nil {
		st.Config = r.Config
	}
	if r.ShortTermMemory.SessionID != "" {
		st.ShortTermMemory = r.ShortTermMemory
	}
	if r.LongTermMemory.LearnedRules != nil || r.LongTermMemory.KnowledgeBase != nil {
		st.LongTermMemory = r.LongTermMemory
	}
	st.Normalize()
	return st
}
