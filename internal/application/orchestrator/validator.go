package orchestrator

import (
	"fmt"
	"strings"

	"github.com/aescanero/taskloop/pkg/domain"
)

// Validator checks the structure of a planned subtask graph
type Validator struct{}

// NewValidator creates a new plan validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks subtask ids and dependency edges. It reports duplicate
// ids, dangling dependencies and dependency cycles.
func (v *Validator) Validate(subtasks []domain.SubTask) error {
	ids := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		if st.ID == "" {
			return fmt.Errorf("subtask %q has no id", st.Name)
		}
		if ids[st.ID] {
			return fmt.Errorf("duplicate subtask ID: %s", st.ID)
		}
		ids[st.ID] = true
	}

	for _, st := range subtasks {
		for _, dep := range st.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", st.ID, dep)
			}
		}
	}

	if cycle := findCycle(subtasks); len(cycle) > 0 {
		return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	return nil
}

// Diagnose explains why a main task cannot make progress, or returns nil
// when its graph is well formed
func (v *Validator) Diagnose(mt *domain.MainTask) error {
	if mt == nil {
		return fmt.Errorf("main task is nil")
	}
	if len(mt.SubTasks) == 0 {
		return fmt.Errorf("main task %s has no subtasks", mt.ID)
	}
	return v.Validate(mt.SubTasks)
}

// findCycle returns the ids of one dependency cycle, first id repeated at
// the end, or nil if the graph is acyclic
func findCycle(subtasks []domain.SubTask) []string {
	const (
		white = iota
		grey
		black
	)

	deps := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		deps[st.ID] = st.Dependencies
	}

	color := make(map[string]int, len(subtasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			switch color[dep] {
			case grey:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, st := range subtasks {
		if color[st.ID] == white && visit(st.ID) {
			return cycle
		}
	}
	return nil
}
