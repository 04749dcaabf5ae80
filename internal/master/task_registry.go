package master

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rvql/ringmaster/internal/model"
)

// queuedTask is a pending-heap entry. seq preserves submission order among
// tasks with equal priority and creation time.
type queuedTask struct {
	task  *model.Task
	seq   uint64
	index int
}

// taskQueue implements heap.Interface ordered by priority, then submission
// time. Access is guarded by the owning registry's mutex.
type taskQueue []*queuedTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	if !q[i].task.CreatedAt.Equal(q[j].task.CreatedAt) {
		return q[i].task.CreatedAt.Before(q[j].task.CreatedAt)
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	entry := x.(*queuedTask)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

// TaskRegistry owns every task the master knows about and validates all
// status transitions at the mutation boundary.
type TaskRegistry struct {
	mu      sync.RWMutex
	tasks   map[string]*model.Task
	pending taskQueue
	entries map[string]*queuedTask
	seq     uint64
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks:   make(map[string]*model.Task),
		entries: make(map[string]*queuedTask),
	}
}

// Add stores a new task and queues it as pending.
func (r *TaskRegistry) Add(task *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("task %s: %w", task.ID, ErrDuplicateTask)
	}

	stored := cloneTask(task)
	stored.Status = model.TaskStatusPending
	r.tasks[stored.ID] = stored
	r.enqueue(stored)
	return nil
}

// Get returns a copy of the task.
func (r *TaskRegistry) Get(id string) (model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return *cloneTask(task), nil
}

// List returns copies of all tasks ordered by creation time.
func (r *TaskRegistry) List() []model.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, *cloneTask(t))
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// PendingInOrder returns copies of the pending tasks in dispatch order.
func (r *TaskRegistry) PendingInOrder() []model.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*queuedTask, len(r.pending))
	copy(entries, r.pending)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].task.Priority != entries[j].task.Priority {
			return entries[i].task.Priority > entries[j].task.Priority
		}
		if !entries[i].task.CreatedAt.Equal(entries[j].task.CreatedAt) {
			return entries[i].task.CreatedAt.Before(entries[j].task.CreatedAt)
		}
		return entries[i].seq < entries[j].seq
	})

	tasks := make([]model.Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, *cloneTask(e.task))
	}
	return tasks
}

// MarkAssigned moves a pending task to a worker.
func (r *TaskRegistry) MarkAssigned(id, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.transition(id, model.TaskStatusAssigned)
	if err != nil {
		return err
	}

	now := time.Now()
	task.WorkerID = workerID
	task.AssignedAt = &now
	r.dequeue(id)
	return nil
}

// MarkRunning records that the assigned worker started executing.
func (r *TaskRegistry) MarkRunning(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.transition(id, model.TaskStatusRunning)
	if err != nil {
		return err
	}

	now := time.Now()
	task.StartedAt = &now
	return nil
}

// MarkCompleted finishes a task with its result payload.
func (r *TaskRegistry) MarkCompleted(id string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.transition(id, model.TaskStatusCompleted)
	if err != nil {
		return err
	}

	now := time.Now()
	task.Result = result
	task.CompletedAt = &now
	return nil
}

// MarkFailed finishes a task with a terminal error.
func (r *TaskRegistry) MarkFailed(id, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.transition(id, model.TaskStatusFailed)
	if err != nil {
		return err
	}

	now := time.Now()
	task.ErrorMessage = errMsg
	task.CompletedAt = &now
	return nil
}

// Requeue puts an assigned or running task back in the pending queue after a
// failure, counting the attempt. Returns the new retry count.
func (r *TaskRegistry) Requeue(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.transition(id, model.TaskStatusPending)
	if err != nil {
		return 0, err
	}

	task.RetryCount++
	r.resetAssignment(task)
	r.enqueue(task)
	return task.RetryCount, nil
}

// Release puts an assigned task back in the pending queue without counting a
// retry, for assignments that never reached the worker.
func (r *TaskRegistry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.transition(id, model.TaskStatusPending)
	if err != nil {
		return err
	}

	r.resetAssignment(task)
	r.enqueue(task)
	return nil
}

// Counts tallies tasks per status.
func (r *TaskRegistry) Counts() map[model.TaskStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[model.TaskStatus]int)
	for _, t := range r.tasks {
		counts[t.Status]++
	}
	return counts
}

// PendingLen returns the number of queued tasks.
func (r *TaskRegistry) PendingLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// transition validates and applies a status change. Callers hold r.mu.
func (r *TaskRegistry) transition(id string, to model.TaskStatus) (*model.Task, error) {
	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if !legalTransition(task.Status, to) {
		return nil, fmt.Errorf("task %s: %s -> %s: %w", id, task.Status, to, ErrInvalidTransition)
	}
	task.Status = to
	return task, nil
}

func legalTransition(from, to model.TaskStatus) bool {
	switch to {
	case model.TaskStatusAssigned:
		return from == model.TaskStatusPending
	case model.TaskStatusRunning:
		return from == model.TaskStatusAssigned
	case model.TaskStatusCompleted, model.TaskStatusFailed:
		return from == model.TaskStatusAssigned || from == model.TaskStatusRunning
	case model.TaskStatusPending:
		return from == model.TaskStatusAssigned || from == model.TaskStatusRunning
	}
	return false
}

// resetAssignment clears execution state when a task returns to pending.
// Callers hold r.mu.
func (r *TaskRegistry) resetAssignment(task *model.Task) {
	task.WorkerID = ""
	task.AssignedAt = nil
	task.StartedAt = nil
}

// enqueue pushes a pending task onto the heap. Callers hold r.mu.
func (r *TaskRegistry) enqueue(task *model.Task) {
	r.seq++
	entry := &queuedTask{task: task, seq: r.seq}
	r.entries[task.ID] = entry
	heap.Push(&r.pending, entry)
}

// dequeue removes a task from the pending heap. Callers hold r.mu.
func (r *TaskRegistry) dequeue(id string) {
	entry, ok := r.entries[id]
	if !ok {
		return
	}
	heap.Remove(&r.pending, entry.index)
	delete(r.entries, id)
}

func cloneTask(t *model.Task) *model.Task {
	c := *t
	return &c
}
