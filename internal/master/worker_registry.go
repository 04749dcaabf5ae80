package master

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rvql/ringmaster/internal/model"
)

// WorkerRegistry owns every worker the master has ever seen. Dead workers
// are kept for audit and history but excluded from dispatch and ring
// membership.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]*model.Worker
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{workers: make(map[string]*model.Worker)}
}

// Register records a worker from its registration message. Re-registration
// refreshes the record and revives a dead worker; the previous ring and task
// counters survive a restart under the same id. If a live worker was still
// holding a task, its id is returned so the caller can reclaim it — the
// restarted agent has no memory of the assignment.
func (r *WorkerRegistry) Register(id string, reg model.RegistrationPayload) (model.Worker, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		w = &model.Worker{
			ID:           id,
			Ring:         model.RingUnassigned,
			RegisteredAt: time.Now(),
		}
		r.workers[id] = w
	}

	heldTask := ""
	if exists && w.Alive() {
		heldTask = w.CurrentTaskID
	}

	w.Name = reg.Name
	w.Capabilities = reg.Capabilities
	w.OSVersion = reg.OSVersion
	w.AppVersion = reg.AppVersion
	w.Device = reg.Device
	w.Status = model.WorkerStatusRegistered
	w.CurrentTaskID = ""
	w.LastHeartbeat = time.Now()

	return *w, heldTask
}

// Get returns a copy of the worker.
func (r *WorkerRegistry) Get(id string) (model.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return model.Worker{}, fmt.Errorf("worker %s: %w", id, ErrWorkerNotFound)
	}
	return *w, nil
}

// List returns copies of all workers ordered by registration time.
func (r *WorkerRegistry) List() []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers := make([]model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, *w)
	}
	sortWorkers(workers)
	return workers
}

// Idle returns copies of the idle, alive workers in registration order.
func (r *WorkerRegistry) Idle() []model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []model.Worker
	for _, w := range r.workers {
		if w.Status == model.WorkerStatusIdle {
			idle = append(idle, *w)
		}
	}
	sortWorkers(idle)
	return idle
}

// Heartbeat refreshes the worker's liveness timestamp.
func (r *WorkerRegistry) Heartbeat(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerNotFound)
	}
	if !w.Alive() {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerDead)
	}
	w.LastHeartbeat = at
	return nil
}

// UpdateDevice stores the worker's latest device metrics.
func (r *WorkerRegistry) UpdateDevice(id string, device model.DeviceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerNotFound)
	}
	if !w.Alive() {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerDead)
	}
	w.Device = device
	return nil
}

// SetRing moves the worker to a ring and returns the previous one.
func (r *WorkerRegistry) SetRing(id string, ring model.Ring) (model.Ring, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return model.RingUnassigned, fmt.Errorf("worker %s: %w", id, ErrWorkerNotFound)
	}
	old := w.Ring
	w.Ring = ring
	return old, nil
}

// SetBusy hands a task to an idle worker. Rejects anything else so a worker
// never holds two tasks.
func (r *WorkerRegistry) SetBusy(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerNotFound)
	}
	if w.Status != model.WorkerStatusIdle {
		return fmt.Errorf("worker %s is %s: %w", id, w.Status, ErrWorkerNotIdle)
	}
	w.Status = model.WorkerStatusBusy
	w.CurrentTaskID = taskID
	return nil
}

// SetIdle makes a newly registered or freed worker dispatchable.
func (r *WorkerRegistry) SetIdle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerNotFound)
	}
	if !w.Alive() {
		return fmt.Errorf("worker %s: %w", id, ErrWorkerDead)
	}
	w.Status = model.WorkerStatusIdle
	w.CurrentTaskID = ""
	return nil
}

// FinishTask frees the worker after it reported on the given task, bumping
// its counters. Reports for a task the worker no longer holds are ignored.
func (r *WorkerRegistry) FinishTask(id, taskID string, success bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || !w.Alive() || w.CurrentTaskID != taskID {
		return false
	}

	if success {
		w.TasksCompleted++
	} else {
		w.TasksFailed++
	}
	w.Status = model.WorkerStatusIdle
	w.CurrentTaskID = ""
	return true
}

// MarkDead transitions the worker to dead and returns the task it held, if
// any. The record itself is kept.
func (r *WorkerRegistry) MarkDead(id string) (heldTask string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return "", fmt.Errorf("worker %s: %w", id, ErrWorkerNotFound)
	}
	if !w.Alive() {
		return "", nil
	}

	heldTask = w.CurrentTaskID
	w.Status = model.WorkerStatusDead
	w.CurrentTaskID = ""
	return heldTask, nil
}

// TimedOut returns the ids of alive workers whose last heartbeat is older
// than the cutoff.
func (r *WorkerRegistry) TimedOut(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, w := range r.workers {
		if w.Alive() && w.LastHeartbeat.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RingCounts tallies alive workers per ring.
func (r *WorkerRegistry) RingCounts() map[model.Ring]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[model.Ring]int)
	for _, w := range r.workers {
		if w.Alive() && w.Ring != model.RingUnassigned {
			counts[w.Ring]++
		}
	}
	return counts
}

// Counts tallies workers per lifecycle status.
func (r *WorkerRegistry) Counts() (total, idle, busy, dead int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		switch w.Status {
		case model.WorkerStatusIdle:
			idle++
		case model.WorkerStatusBusy:
			busy++
		case model.WorkerStatusDead:
			dead++
		}
	}
	return len(r.workers), idle, busy, dead
}

func sortWorkers(workers []model.Worker) {
	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].RegisteredAt.Equal(workers[j].RegisteredAt) {
			return workers[i].RegisteredAt.Before(workers[j].RegisteredAt)
		}
		return workers[i].ID < workers[j].ID
	})
}
