package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCompleter struct {
	answer string
	err    error
	prompt string
}

func (f *fakeCompleter) Complete(_ context.Context, _, prompt string) (string, error) {
	f.prompt = prompt
	return f.answer, f.err
}

func (f *fakeCompleter) Model() string { return "fake-model" }

type staticPlanner struct{ subtasks []domain.SubTask }

func (s staticPlanner) Plan(context.Context, *domain.MainTask) ([]domain.SubTask, error) {
	return s.subtasks, nil
}

func TestWorkerRun(t *testing.T) {
	design := domain.NewSubTask("Design", "")
	design.Status = domain.TaskStatusCompleted
	design.Results = map[string]interface{}{"output": "use a queue"}
	build := domain.NewSubTask("Build", "implement it", design.ID)

	mt := domain.NewMainTask("feature X", domain.NewGoal("ship", 1), nil)
	mt.SubTasks = []domain.SubTask{design, build}

	fake := &fakeCompleter{answer: "  built  "}
	res, err := NewWorker(fake, zap.NewNop()).Run(context.Background(), mt, build)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "built", res.Results["output"])
	assert.Equal(t, "fake-model", res.Results["model"])
	assert.Contains(t, fake.prompt, "use a queue")
	assert.Contains(t, fake.prompt, "Current step: Build")
}

func TestWorkerRunFailures(t *testing.T) {
	mt := domain.NewMainTask("q", domain.NewGoal("g", 1), nil)
	st := domain.NewSubTask("s", "")

	_, err := NewWorker(&fakeCompleter{err: errors.New("rate limited")}, zap.NewNop()).Run(context.Background(), mt, st)
	assert.Error(t, err)

	res, err := NewWorker(&fakeCompleter{answer: " "}, zap.NewNop()).Run(context.Background(), mt, st)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestPlannerParsesSteps(t *testing.T) {
	fake := &fakeCompleter{answer: "Here you go:\n```json\n[{\"name\":\"Research\",\"description\":\"read\"},{\"name\":\" \"},{\"name\":\"Write\"}]\n```"}
	p := NewPlanner(fake, nil, zap.NewNop())

	subtasks, err := p.Plan(context.Background(), domain.NewMainTask("essay", domain.NewGoal("g", 1), nil))
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, "Research", subtasks[0].Name)
	assert.Equal(t, []string{subtasks[0].ID}, subtasks[1].Dependencies)
}

func TestPlannerFallback(t *testing.T) {
	fallback := staticPlanner{subtasks: []domain.SubTask{domain.NewSubTask("fallback", "")}}
	mt := domain.NewMainTask("essay", domain.NewGoal("g", 1), nil)

	for _, fake := range []*fakeCompleter{
		{answer: "I cannot help"},
		{answer: "[]"},
		{err: errors.New("timeout")},
	} {
		subtasks, err := NewPlanner(fake, fallback, zap.NewNop()).Plan(context.Background(), mt)
		require.NoError(t, err)
		require.Len(t, subtasks, 1)
		assert.Equal(t, "fallback", subtasks[0].Name)
	}

	_, err := NewPlanner(&fakeCompleter{err: errors.New("timeout")}, nil, zap.NewNop()).Plan(context.Background(), mt)
	assert.Error(t, err)
}

func TestNewClientUnsupportedProvider(t *testing.T) {
	_, err := NewClient(&Config{Provider: "openai", Logger: zap.NewNop()})
	assert.Error(t, err)
}
