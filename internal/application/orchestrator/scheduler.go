package orchestrator

import (
	"fmt"

	"github.com/aescanero/taskloop/pkg/domain"
)

// BatchMode selects how many runnable subtasks a scheduling step returns
type BatchMode string

const (
	// BatchModeSingle returns only the first runnable subtask in storage order
	BatchModeSingle BatchMode = "single"
	// BatchModeFrontier returns every runnable subtask in storage order
	BatchModeFrontier BatchMode = "frontier"
)

// ParseBatchMode converts a configuration string into a BatchMode
func ParseBatchMode(s string) (BatchMode, error) {
	switch BatchMode(s) {
	case "", BatchModeSingle:
		return BatchModeSingle, nil
	case BatchModeFrontier:
		return BatchModeFrontier, nil
	default:
		return "", fmt.Errorf("invalid batch mode: %s (must be single or frontier)", s)
	}
}

// NextExecutableGroup scans subtasks in stored order and returns copies of
// the pending ones whose dependencies are all completed. In single mode at
// most one subtask is returned.
func NextExecutableGroup(mt *domain.MainTask, mode BatchMode) []domain.SubTask {
	if mt == nil {
		return nil
	}

	var group []domain.SubTask
	for _, st := range mt.SubTasks {
		if st.Status != domain.TaskStatusPending {
			continue
		}
		if !st.DependenciesSatisfied(mt.SubTasks) {
			continue
		}
		group = append(group, st)
		if mode != BatchModeFrontier {
			break
		}
	}
	return group
}
