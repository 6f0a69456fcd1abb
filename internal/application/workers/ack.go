package workers

import (
	"context"
	"fmt"

	"github.com/aescanero/taskloop/pkg/domain"
)

// AckStatusMessage is the status message reported by AckWorker
const AckStatusMessage = "acknowledged execution"

// AckWorker acknowledges every subtask without doing any work
type AckWorker struct{}

// NewAckWorker creates an acknowledging worker
func NewAckWorker() *AckWorker {
	return &AckWorker{}
}

// Run implements ports.Worker
func (w *AckWorker) Run(ctx context.Context, _ *domain.MainTask, st domain.SubTask) (*domain.WorkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.WorkResult{
		Results: map[string]interface{}{
			"output":         fmt.Sprintf("Successfully completed %s", st.Name),
			"status_message": AckStatusMessage,
		},
		Success: true,
	}, nil
}
