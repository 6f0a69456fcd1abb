package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "state.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	state := domain.NewOrchestratorState("mgr", "Manager", "Manager")
	mt := domain.NewMainTask("Develop feature X", domain.NewGoal("Ship", 1), []string{"agent-a"})
	mt.SubTasks = []domain.SubTask{domain.NewSubTask("Design feature", "desc")}
	require.NoError(t, state.SetActiveMainTask(mt))
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "mgr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)

	active, err := loaded.ActiveMainTask()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, mt.ID, active.ID)
	require.Len(t, active.SubTasks, 1)
	assert.Equal(t, domain.TaskStatusPending, active.SubTasks[0].Status)

	require.NoError(t, store.Save(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)
}

func TestVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Save(ctx, domain.NewOrchestratorState("mgr", "Manager", "Manager")))

	a, err := store.Load(ctx, "mgr")
	require.NoError(t, err)
	b, err := store.Load(ctx, "mgr")
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, a))
	assert.ErrorIs(t, store.Save(ctx, b), ports.ErrVersionConflict)
	assert.ErrorIs(t, store.Save(ctx, domain.NewOrchestratorState("mgr", "x", "y")), ports.ErrVersionConflict)
}

func TestListDeleteAndMissing(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.Load(ctx, "nobody")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	for _, id := range []string{"b", "a"} {
		require.NoError(t, store.Save(ctx, domain.NewOrchestratorState(id, id, "Manager")))
	}
	states, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].ID)

	require.NoError(t, store.Delete(ctx, "a"))
	states, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, Migrate(store.db))
}
