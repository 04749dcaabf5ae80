package master

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvql/ringmaster/internal/model"
)

func newTask(id string, priority model.TaskPriority, createdAt time.Time) *model.Task {
	return &model.Task{
		ID:         id,
		Type:       "process_data",
		Priority:   priority,
		MaxRetries: 3,
		CreatedAt:  createdAt,
	}
}

func TestTaskRegistryLifecycle(t *testing.T) {
	r := NewTaskRegistry()
	now := time.Now()

	require.NoError(t, r.Add(newTask("t1", model.TaskPriorityNormal, now)))

	task, err := r.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Equal(t, 1, r.PendingLen())

	require.NoError(t, r.MarkAssigned("t1", "w1"))
	task, _ = r.Get("t1")
	assert.Equal(t, model.TaskStatusAssigned, task.Status)
	assert.Equal(t, "w1", task.WorkerID)
	assert.Equal(t, 0, r.PendingLen())

	require.NoError(t, r.MarkRunning("t1"))

	require.NoError(t, r.MarkCompleted("t1", json.RawMessage(`{"ok":true}`)))
	task, _ = r.Get("t1")
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.JSONEq(t, `{"ok":true}`, string(task.Result))
	require.NotNil(t, task.CompletedAt)
}

func TestTaskRegistryInvalidTransitions(t *testing.T) {
	r := NewTaskRegistry()
	now := time.Now()

	require.NoError(t, r.Add(newTask("t1", model.TaskPriorityNormal, now)))

	t.Run("running requires assigned", func(t *testing.T) {
		require.ErrorIs(t, r.MarkRunning("t1"), ErrInvalidTransition)
	})

	t.Run("completed is terminal", func(t *testing.T) {
		require.NoError(t, r.MarkAssigned("t1", "w1"))
		require.NoError(t, r.MarkCompleted("t1", nil))
		require.ErrorIs(t, r.MarkRunning("t1"), ErrInvalidTransition)
		require.ErrorIs(t, r.MarkFailed("t1", "late failure"), ErrInvalidTransition)
		_, err := r.Requeue("t1")
		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("double assignment rejected", func(t *testing.T) {
		require.NoError(t, r.Add(newTask("t2", model.TaskPriorityNormal, now)))
		require.NoError(t, r.MarkAssigned("t2", "w1"))
		require.ErrorIs(t, r.MarkAssigned("t2", "w2"), ErrInvalidTransition)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		require.ErrorIs(t, r.Add(newTask("t1", model.TaskPriorityNormal, now)), ErrDuplicateTask)
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := r.Get("missing")
		require.ErrorIs(t, err, ErrTaskNotFound)
		require.ErrorIs(t, r.MarkAssigned("missing", "w1"), ErrTaskNotFound)
	})
}

func TestTaskRegistryDispatchOrder(t *testing.T) {
	r := NewTaskRegistry()
	base := time.Now()

	require.NoError(t, r.Add(newTask("low", model.TaskPriorityLow, base)))
	require.NoError(t, r.Add(newTask("high", model.TaskPriorityHigh, base.Add(time.Second))))
	require.NoError(t, r.Add(newTask("normal-1", model.TaskPriorityNormal, base.Add(2*time.Second))))
	require.NoError(t, r.Add(newTask("normal-2", model.TaskPriorityNormal, base.Add(3*time.Second))))

	pending := r.PendingInOrder()
	require.Len(t, pending, 4)

	ids := make([]string, len(pending))
	for i, task := range pending {
		ids[i] = task.ID
	}
	assert.Equal(t, []string{"high", "normal-1", "normal-2", "low"}, ids)
}

func TestTaskRegistryRequeue(t *testing.T) {
	r := NewTaskRegistry()

	require.NoError(t, r.Add(newTask("t1", model.TaskPriorityNormal, time.Now())))
	require.NoError(t, r.MarkAssigned("t1", "w1"))

	retries, err := r.Requeue("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	task, _ := r.Get("t1")
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Empty(t, task.WorkerID)
	assert.Nil(t, task.AssignedAt)
	assert.Equal(t, 1, r.PendingLen())
}

func TestTaskRegistryReleaseDoesNotCountRetry(t *testing.T) {
	r := NewTaskRegistry()

	require.NoError(t, r.Add(newTask("t1", model.TaskPriorityNormal, time.Now())))
	require.NoError(t, r.MarkAssigned("t1", "w1"))
	require.NoError(t, r.Release("t1"))

	task, _ := r.Get("t1")
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.RetryCount)
}
