package orchestrator

import (
	"context"
	"time"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// publish emits a workflow event. Publishing is best effort: the durable
// state is the source of truth, so failures are only logged.
func (o *Orchestrator) publish(ctx context.Context, eventType domain.EventType, mainTaskID, subTaskID string, data map[string]interface{}) {
	if o.eventBus == nil {
		return
	}

	event := domain.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		AgentID:    o.state.ID,
		MainTaskID: mainTaskID,
		SubTaskID:  subTaskID,
		Timestamp:  o.now().UTC(),
		Data:       data,
	}

	if err := o.eventBus.Publish(ctx, domain.TopicWorkflow, event); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("type", string(eventType)),
			zap.String("main_task_id", mainTaskID),
			zap.Error(err))
	}
}

// NoopMetrics discards all metrics
type NoopMetrics struct{}

func (NoopMetrics) RecordMainTaskStarted() {}
func (NoopMetrics) RecordMainTaskFinished(string, int, time.Duration) {}
func (NoopMetrics) RecordSubTaskExecuted(string, time.Duration) {}
func (NoopMetrics) RecordRuleLearned() {}
func (NoopMetrics) RecordRuleValidated() {}
func (NoopMetrics) RecordStoreError(string) {}
func (NoopMetrics) SetActiveLoops(int) {}
func (NoopMetrics) RecordWorkerPoolStatus(int, int) {}
func (NoopMetrics) RecordLLMCall(string, int64, int64, time.Duration) {}
