package taskstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/rferr"
	"github.com/ringforge/hub/internal/taskstore"
)

func TestCreate_DefaultsPriorityAndClampsTTL(t *testing.T) {
	ctx := context.Background()
	store := taskstore.NewMemory(nil)

	task, err := store.Create(ctx, "F1", "ag_a", taskstore.CreateAttrs{Type: "build", TTLMs: 999_999})
	require.NoError(t, err)
	assert.Equal(t, taskstore.PriorityNormal, task.Priority)
	assert.Equal(t, int64(300_000), task.TTLMs)
	assert.Equal(t, taskstore.StatusPending, task.Status)
}

func TestPendingForFleet_OrdersByPriorityThenCreation(t *testing.T) {
	ctx := context.Background()
	store := taskstore.NewMemory(nil)

	low, err := store.Create(ctx, "F1", "ag_a", taskstore.CreateAttrs{Priority: taskstore.PriorityLow})
	require.NoError(t, err)
	high, err := store.Create(ctx, "F1", "ag_a", taskstore.CreateAttrs{Priority: taskstore.PriorityHigh})
	require.NoError(t, err)
	normal, err := store.Create(ctx, "F1", "ag_a", taskstore.CreateAttrs{Priority: taskstore.PriorityNormal})
	require.NoError(t, err)

	pending, err := store.PendingForFleet(ctx, "F1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, high.TaskID, pending[0].TaskID)
	assert.Equal(t, normal.TaskID, pending[1].TaskID)
	assert.Equal(t, low.TaskID, pending[2].TaskID)
}

func TestAssign_SecondCallerGetsInvalidStatus(t *testing.T) {
	ctx := context.Background()
	store := taskstore.NewMemory(nil)

	task, err := store.Create(ctx, "F1", "ag_a", taskstore.CreateAttrs{})
	require.NoError(t, err)

	_, err = store.Assign(ctx, task.TaskID, "ag_worker1")
	require.NoError(t, err)

	_, err = store.Assign(ctx, task.TaskID, "ag_worker2")
	require.Error(t, err)
	kind, ok := rferr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, rferr.KindInvalidStatus, kind)

	pending, err := store.PendingForFleet(ctx, "F1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	active, err := store.ActiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ag_worker1", active[0].AssignedTo)
}

func TestFullLifecycle_PendingToCompleted(t *testing.T) {
	ctx := context.Background()
	store := taskstore.NewMemory(nil)

	task, err := store.Create(ctx, "F1", "ag_a", taskstore.CreateAttrs{})
	require.NoError(t, err)

	_, err = store.Assign(ctx, task.TaskID, "ag_worker")
	require.NoError(t, err)
	_, err = store.Start(ctx, task.TaskID)
	require.NoError(t, err)

	done, err := store.Complete(ctx, task.TaskID, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusCompleted, done.Status)

	active, err := store.ActiveTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestComplete_IsIdempotentOnTerminalTask(t *testing.T) {
	ctx := context.Background()
	var terminalCalls int
	store := taskstore.NewMemory(func(string) { terminalCalls++ })

	task, err := store.Create(ctx, "F1", "ag_a", taskstore.CreateAttrs{})
	require.NoError(t, err)
	_, err = store.Assign(ctx, task.TaskID, "ag_worker")
	require.NoError(t, err)

	first, err := store.Fail(ctx, task.TaskID, "boom")
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, first.Status)

	second, err := store.Timeout(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, taskstore.StatusFailed, second.Status, "terminal transition must be a no-op")
	assert.Equal(t, 1, terminalCalls)
}

func TestTasksToday_CountsCreatedTasks(t *testing.T) {
	ctx := context.Background()
	store := taskstore.NewMemory(nil)

	_, err := store.Create(ctx, "F1", "ag_a", taskstore.CreateAttrs{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "F1", "ag_a", taskstore.CreateAttrs{})
	require.NoError(t, err)

	n, err := store.TasksToday(ctx, time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
