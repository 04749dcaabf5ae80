package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// captureSubmitter records submitted tasks for assertions.
type captureSubmitter struct {
	mu    sync.Mutex
	tasks []*model.Task
}

func (s *captureSubmitter) SubmitTask(_ context.Context, task *model.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return "scheduled-task-id", nil
}

func (s *captureSubmitter) submitted() []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Task(nil), s.tasks...)
}

func TestScheduleManagerFires(t *testing.T) {
	sub := &captureSubmitter{}
	m := NewScheduleManager(sub, zap.NewNop())

	schedule := &model.TaskSchedule{
		Name:       "fleet-health",
		Expression: "* * * * * *",
		TaskType:   "health_check",
		Priority:   model.TaskPriorityHigh,
		MaxRetries: 2,
	}
	require.NoError(t, m.Add(context.Background(), schedule))
	assert.NotEmpty(t, schedule.ID)
	require.NotNil(t, schedule.NextRunTime)

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return len(sub.submitted()) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	task := sub.submitted()[0]
	assert.Equal(t, "health_check", task.Type)
	assert.Equal(t, model.TaskPriorityHigh, task.Priority)
	assert.Equal(t, 2, task.MaxRetries)

	got, err := m.Get(schedule.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunTime)
}

func TestScheduleManagerValidation(t *testing.T) {
	m := NewScheduleManager(&captureSubmitter{}, zap.NewNop())

	t.Run("missing task type", func(t *testing.T) {
		err := m.Add(context.Background(), &model.TaskSchedule{Expression: "* * * * * *"})
		require.Error(t, err)
	})

	t.Run("bad expression", func(t *testing.T) {
		err := m.Add(context.Background(), &model.TaskSchedule{
			TaskType:   "health_check",
			Expression: "not-a-cron",
		})
		require.Error(t, err)
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := &model.TaskSchedule{
			ID:         "dup",
			TaskType:   "health_check",
			Expression: "0 * * * * *",
		}
		require.NoError(t, m.Add(context.Background(), s))
		err := m.Add(context.Background(), &model.TaskSchedule{
			ID:         "dup",
			TaskType:   "health_check",
			Expression: "0 * * * * *",
		})
		require.Error(t, err)
	})
}

func TestScheduleManagerRemoveAndList(t *testing.T) {
	m := NewScheduleManager(&captureSubmitter{}, zap.NewNop())

	first := &model.TaskSchedule{ID: "a", TaskType: "health_check", Expression: "0 * * * * *"}
	second := &model.TaskSchedule{ID: "b", TaskType: "process_data", Expression: "30 * * * * *"}
	require.NoError(t, m.Add(context.Background(), first))
	require.NoError(t, m.Add(context.Background(), second))

	assert.Len(t, m.List(), 2)

	require.NoError(t, m.Remove("a"))
	assert.Len(t, m.List(), 1)

	_, err := m.Get("a")
	require.ErrorIs(t, err, ErrScheduleNotFound)

	err = m.Remove("a")
	require.ErrorIs(t, err, ErrScheduleNotFound)
}
