package orchestrator

import (
	"testing"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond() *domain.MainTask {
	a := domain.NewSubTask("a", "")
	b := domain.NewSubTask("b", "", a.ID)
	c := domain.NewSubTask("c", "", a.ID)
	d := domain.NewSubTask("d", "", b.ID, c.ID)

	mt := domain.NewMainTask("q", domain.NewGoal("g", 1), nil)
	mt.SubTasks = []domain.SubTask{a, b, c, d}
	return mt
}

func TestNextExecutableGroupSingle(t *testing.T) {
	mt := diamond()

	group := NextExecutableGroup(mt, BatchModeSingle)
	require.Len(t, group, 1)
	assert.Equal(t, "a", group[0].Name)

	mt.SubTasks[0].Status = domain.TaskStatusCompleted
	group = NextExecutableGroup(mt, BatchModeSingle)
	require.Len(t, group, 1)
	assert.Equal(t, "b", group[0].Name)
}

func TestNextExecutableGroupFrontier(t *testing.T) {
	mt := diamond()
	mt.SubTasks[0].Status = domain.TaskStatusCompleted

	group := NextExecutableGroup(mt, BatchModeFrontier)
	require.Len(t, group, 2)
	assert.Equal(t, "b", group[0].Name)
	assert.Equal(t, "c", group[1].Name)
}

func TestNextExecutableGroupEmpty(t *testing.T) {
	assert.Empty(t, NextExecutableGroup(nil, BatchModeSingle))

	mt := diamond()
	for i := range mt.SubTasks {
		mt.SubTasks[i].Status = domain.TaskStatusCompleted
	}
	assert.Empty(t, NextExecutableGroup(mt, BatchModeSingle))
	assert.True(t, mt.AllCompleted())

	// failed dependency blocks dependents forever
	mt = diamond()
	mt.SubTasks[0].Status = domain.TaskStatusFailed
	assert.Empty(t, NextExecutableGroup(mt, BatchModeFrontier))
}

func TestNextExecutableGroupDanglingDependency(t *testing.T) {
	mt := domain.NewMainTask("q", domain.NewGoal("g", 1), nil)
	mt.SubTasks = []domain.SubTask{domain.NewSubTask("a", "", "subtask_missing")}

	assert.Empty(t, NextExecutableGroup(mt, BatchModeSingle))
}

func TestNextExecutableGroupReturnsCopies(t *testing.T) {
	mt := diamond()

	group := NextExecutableGroup(mt, BatchModeSingle)
	group[0].Status = domain.TaskStatusFailed
	assert.Equal(t, domain.TaskStatusPending, mt.SubTasks[0].Status)
}

func TestParseBatchMode(t *testing.T) {
	mode, err := ParseBatchMode("")
	require.NoError(t, err)
	assert.Equal(t, BatchModeSingle, mode)

	mode, err = ParseBatchMode("frontier")
	require.NoError(t, err)
	assert.Equal(t, BatchModeFrontier, mode)

	_, err = ParseBatchMode("all")
	assert.Error(t, err)
}
