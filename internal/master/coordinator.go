package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/channel"
	"github.com/rvql/ringmaster/internal/model"
	"github.com/rvql/ringmaster/internal/ring"
	"github.com/rvql/ringmaster/internal/storage"
)

// Config holds the coordinator tunables.
type Config struct {
	// ID is the coordinator's address on the message channel.
	ID string

	// DispatchInterval bounds how long a pending task waits when no wake
	// event arrives.
	DispatchInterval time.Duration

	// LivenessInterval is the dead-worker sweep period.
	LivenessInterval time.Duration

	// WorkerTimeout marks a worker dead once its last heartbeat is older
	// than this.
	WorkerTimeout time.Duration

	// RebalanceInterval is the ring rebalancing period.
	RebalanceInterval time.Duration

	// ReceiveTimeout paces the inbound message loop.
	ReceiveTimeout time.Duration

	// DefaultMaxRetries applies to submitted tasks that do not set a limit.
	DefaultMaxRetries int
}

// DefaultConfig returns the stock coordinator settings.
func DefaultConfig() Config {
	return Config{
		ID:                "master-orchestrator",
		DispatchInterval:  1 * time.Second,
		LivenessInterval:  5 * time.Second,
		WorkerTimeout:     20 * time.Second,
		RebalanceInterval: 30 * time.Second,
		ReceiveTimeout:    1 * time.Second,
		DefaultMaxRetries: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ID == "" {
		c.ID = def.ID
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = def.DispatchInterval
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = def.LivenessInterval
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = def.WorkerTimeout
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = def.RebalanceInterval
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = def.DefaultMaxRetries
	}
	return c
}

// ClusterStatus is the on-demand aggregate of worker, ring, task and channel
// state. It is computed fresh on every call, never cached.
type ClusterStatus struct {
	TotalWorkers     int                           `json:"total_workers"`
	IdleWorkers      int                           `json:"idle_workers"`
	BusyWorkers      int                           `json:"busy_workers"`
	DeadWorkers      int                           `json:"dead_workers"`
	HealthyWorkers   int                           `json:"healthy_workers"`
	RingDistribution map[model.Ring]int            `json:"ring_distribution"`
	TaskCounts       map[model.TaskStatus]int      `json:"task_counts"`
	PendingTasks     int                           `json:"pending_tasks"`
	ChannelStats     map[string]channel.QueueStats `json:"channel_stats"`
}

// Coordinator is the master process: it owns the worker and task registries,
// dispatches work, monitors liveness, and rebalances deployment rings. All
// composite registry mutations are serialized through its mutex; workers only
// reach it through the message channel.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger
	ch     channel.Channel
	policy *ring.Policy
	store  storage.EventStore

	tasks   *TaskRegistry
	workers *WorkerRegistry

	mu   sync.Mutex
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator wires up a coordinator. A nil store disables the audit
// trail, a nil policy gets default thresholds.
func NewCoordinator(cfg Config, ch channel.Channel, policy *ring.Policy, store storage.EventStore, logger *zap.Logger) *Coordinator {
	if policy == nil {
		policy = ring.NewPolicy(ring.DefaultConfig(), nil)
	}
	if store == nil {
		store = storage.NopEventStore{}
	}
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("master"),
		ch:      ch,
		policy:  policy,
		store:   store,
		tasks:   NewTaskRegistry(),
		workers: NewWorkerRegistry(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// ID returns the coordinator's channel address.
func (c *Coordinator) ID() string {
	return c.cfg.ID
}

// Start launches the message, dispatch, liveness and rebalancing loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("Starting coordinator",
		zap.String("id", c.cfg.ID),
		zap.Duration("worker_timeout", c.cfg.WorkerTimeout),
		zap.Duration("rebalance_interval", c.cfg.RebalanceInterval))

	c.wg.Add(4)
	go c.messageLoop(ctx)
	go c.dispatchLoop(ctx)
	go c.livenessLoop(ctx)
	go c.rebalanceLoop(ctx)

	return nil
}

// Stop broadcasts a shutdown to all workers, halts the loops, and waits for
// them to drain.
func (c *Coordinator) Stop() {
	c.logger.Info("Stopping coordinator")

	c.send(context.Background(), model.MessageTypeShutdown, model.BroadcastReceiver,
		model.ShutdownPayload{Reason: "coordinator shutting down"})

	close(c.stop)
	c.wg.Wait()
}

// SubmitTask registers a task and queues it for dispatch, returning its id.
// Missing fields get defaults: a generated id, normal priority, and the
// configured retry limit.
func (c *Coordinator) SubmitTask(ctx context.Context, task *model.Task) (string, error) {
	if task == nil || task.Type == "" {
		return "", fmt.Errorf("task type is required")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Priority == 0 {
		task.Priority = model.TaskPriorityNormal
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = c.cfg.DefaultMaxRetries
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	if err := c.tasks.Add(task); err != nil {
		return "", err
	}

	c.logger.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Int("priority", int(task.Priority)))
	c.record(ctx, &storage.Event{Kind: storage.EventTaskSubmitted, TaskID: task.ID})

	c.wakeDispatcher()
	return task.ID, nil
}

// GetTask returns a copy of the task's current state.
func (c *Coordinator) GetTask(id string) (model.Task, error) {
	return c.tasks.Get(id)
}

// ListTasks returns copies of all known tasks.
func (c *Coordinator) ListTasks() []model.Task {
	return c.tasks.List()
}

// ListWorkers returns copies of all known workers, dead ones included.
func (c *Coordinator) ListWorkers() []model.Worker {
	return c.workers.List()
}

// AssignWorkerToRing moves an alive worker to the given ring, bypassing the
// policy. The reason is recorded for audit; empty reasons become manual.
func (c *Coordinator) AssignWorkerToRing(ctx context.Context, workerID string, target model.Ring, reason string) error {
	if _, err := model.ParseRing(string(target)); err != nil {
		return fmt.Errorf("%q: %w", target, ErrInvalidRing)
	}
	if reason == "" {
		reason = ring.ReasonManual
	}

	c.mu.Lock()
	w, err := c.workers.Get(workerID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !w.Alive() {
		c.mu.Unlock()
		return fmt.Errorf("worker %s: %w", workerID, ErrWorkerDead)
	}
	prev, err := c.workers.SetRing(workerID, target)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Info("Worker assigned to ring",
		zap.String("worker_id", workerID),
		zap.String("ring", string(target)),
		zap.String("reason", reason))
	c.record(ctx, &storage.Event{
		Kind:     storage.EventRingChanged,
		WorkerID: workerID,
		Ring:     target,
		PrevRing: prev,
		Reason:   reason,
	})
	c.send(ctx, model.MessageTypeRingAssign, workerID,
		model.RingAssignmentPayload{Ring: target, Reason: reason})
	return nil
}

// ClusterStatus computes the current cluster aggregate.
func (c *Coordinator) ClusterStatus() ClusterStatus {
	c.mu.Lock()
	total, idle, busy, dead := c.workers.Counts()
	healthy := 0
	for _, w := range c.workers.List() {
		if w.Alive() && c.policy.Healthy(w.Device) {
			healthy++
		}
	}
	status := ClusterStatus{
		TotalWorkers:     total,
		IdleWorkers:      idle,
		BusyWorkers:      busy,
		DeadWorkers:      dead,
		HealthyWorkers:   healthy,
		RingDistribution: c.workers.RingCounts(),
		TaskCounts:       c.tasks.Counts(),
		PendingTasks:     c.tasks.PendingLen(),
	}
	c.mu.Unlock()

	status.ChannelStats = c.ch.Stats()
	return status
}

// messageLoop drains the coordinator's inbox.
func (c *Coordinator) messageLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		msg, err := c.ch.Receive(ctx, c.cfg.ID, c.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, channel.ErrReceiveTimeout) {
				continue
			}
			if errors.Is(err, channel.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			c.logger.Error("Failed to receive message", zap.Error(err))
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, msg *model.Message) {
	switch msg.Type {
	case model.MessageTypeRegistration:
		c.handleRegistration(ctx, msg)
	case model.MessageTypeHeartbeat:
		c.handleHeartbeat(msg)
	case model.MessageTypeDeviceStatus:
		c.handleDeviceStatus(msg)
	case model.MessageTypeTaskStatus:
		c.handleTaskStatus(msg)
	case model.MessageTypeTaskResult:
		c.handleTaskResult(ctx, msg)
	case model.MessageTypeError:
		c.handleError(ctx, msg)
	default:
		c.logger.Warn("Ignoring unexpected message",
			zap.String("type", string(msg.Type)),
			zap.String("sender", msg.Sender))
	}
}

func (c *Coordinator) handleRegistration(ctx context.Context, msg *model.Message) {
	var reg model.RegistrationPayload
	if err := msg.DecodePayload(&reg); err != nil {
		c.logger.Error("Rejecting malformed registration",
			zap.String("sender", msg.Sender),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	worker, heldTask := c.workers.Register(msg.Sender, reg)
	var reclaims []*storage.Event
	if heldTask != "" {
		cause := fmt.Sprintf("worker %s re-registered mid-task", msg.Sender)
		reclaims, _ = c.reclaimTask(msg.Sender, heldTask, cause)
	}
	assigned := worker.Ring
	placed := false
	if assigned == model.RingUnassigned {
		assigned = c.policy.Place(reg.Device, c.workers.RingCounts())
		if _, err := c.workers.SetRing(msg.Sender, assigned); err == nil {
			placed = true
		}
	}
	if err := c.workers.SetIdle(msg.Sender); err != nil {
		c.logger.Error("Failed to activate worker", zap.String("worker_id", msg.Sender), zap.Error(err))
	}
	c.mu.Unlock()

	for _, e := range reclaims {
		c.record(ctx, e)
	}

	c.logger.Info("Worker registered",
		zap.String("worker_id", msg.Sender),
		zap.String("name", reg.Name),
		zap.String("ring", string(assigned)),
		zap.Strings("capabilities", reg.Capabilities))
	c.record(ctx, &storage.Event{Kind: storage.EventWorkerRegistered, WorkerID: msg.Sender, Ring: assigned})
	if placed {
		c.record(ctx, &storage.Event{
			Kind:     storage.EventRingChanged,
			WorkerID: msg.Sender,
			Ring:     assigned,
			PrevRing: model.RingUnassigned,
			Reason:   ring.ReasonAutoAssign,
		})
	}

	c.send(ctx, model.MessageTypeAck, msg.Sender,
		model.AckPayload{Status: "registered", Ring: assigned})
	if placed {
		c.send(ctx, model.MessageTypeRingAssign, msg.Sender,
			model.RingAssignmentPayload{Ring: assigned, Reason: ring.ReasonAutoAssign})
	}

	c.wakeDispatcher()
}

func (c *Coordinator) handleHeartbeat(msg *model.Message) {
	if err := c.workers.Heartbeat(msg.Sender, time.Now()); err != nil {
		c.logger.Warn("Dropping heartbeat",
			zap.String("worker_id", msg.Sender),
			zap.Error(err))
	}
}

func (c *Coordinator) handleDeviceStatus(msg *model.Message) {
	var p model.DeviceStatusPayload
	if err := msg.DecodePayload(&p); err != nil {
		c.logger.Warn("Dropping malformed device status",
			zap.String("worker_id", msg.Sender),
			zap.Error(err))
		return
	}
	if err := c.workers.UpdateDevice(msg.Sender, p.Device); err != nil {
		c.logger.Warn("Dropping device status",
			zap.String("worker_id", msg.Sender),
			zap.Error(err))
	}
}

func (c *Coordinator) handleTaskStatus(msg *model.Message) {
	var p model.TaskStatusPayload
	if err := msg.DecodePayload(&p); err != nil {
		c.logger.Warn("Dropping malformed task status",
			zap.String("worker_id", msg.Sender),
			zap.Error(err))
		return
	}

	c.logger.Debug("Task progress",
		zap.String("task_id", p.TaskID),
		zap.String("worker_id", msg.Sender),
		zap.Int("progress", p.Progress))

	if p.Status == model.TaskStatusRunning {
		if err := c.tasks.MarkRunning(p.TaskID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			c.logger.Warn("Failed to mark task running",
				zap.String("task_id", p.TaskID),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) handleTaskResult(ctx context.Context, msg *model.Message) {
	var result model.TaskResult
	if err := msg.DecodePayload(&result); err != nil {
		c.logger.Warn("Dropping malformed task result",
			zap.String("worker_id", msg.Sender),
			zap.Error(err))
		return
	}
	c.finishTask(ctx, msg.Sender, result.TaskID, result.Result, result.Error, result.Status != model.TaskStatusFailed)
}

func (c *Coordinator) handleError(ctx context.Context, msg *model.Message) {
	var p model.ErrorPayload
	if err := msg.DecodePayload(&p); err != nil {
		c.logger.Warn("Dropping malformed error report",
			zap.String("worker_id", msg.Sender),
			zap.Error(err))
		return
	}

	if p.TaskID == "" {
		c.logger.Warn("Worker reported error",
			zap.String("worker_id", msg.Sender),
			zap.String("message", p.Message))
		return
	}

	c.finishTask(ctx, msg.Sender, p.TaskID, nil, p.Message, false)
}

// finishTask applies a worker's terminal report for a task: completion, or
// the central retry-or-fail decision. Reports from workers that no longer
// hold the task are dropped so a reassigned task cannot be corrupted by a
// stale result.
func (c *Coordinator) finishTask(ctx context.Context, workerID, taskID string, result json.RawMessage, errMsg string, success bool) {
	c.mu.Lock()
	task, err := c.tasks.Get(taskID)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("Report for unknown task",
			zap.String("task_id", taskID),
			zap.String("worker_id", workerID))
		return
	}
	if task.WorkerID != workerID {
		c.mu.Unlock()
		c.logger.Warn("Dropping stale task report",
			zap.String("task_id", taskID),
			zap.String("worker_id", workerID),
			zap.String("assigned_to", task.WorkerID))
		return
	}

	var (
		event   storage.EventKind
		retries int
	)
	switch {
	case success:
		err = c.tasks.MarkCompleted(taskID, result)
		event = storage.EventTaskCompleted
	case task.RetryCount < task.MaxRetries:
		retries, err = c.tasks.Requeue(taskID)
		event = storage.EventTaskRequeued
	default:
		err = c.tasks.MarkFailed(taskID, errMsg)
		event = storage.EventTaskFailed
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("Failed to apply task report",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	c.workers.FinishTask(workerID, taskID, success)
	c.mu.Unlock()

	switch event {
	case storage.EventTaskCompleted:
		c.logger.Info("Task completed",
			zap.String("task_id", taskID),
			zap.String("worker_id", workerID))
	case storage.EventTaskRequeued:
		c.logger.Warn("Task failed, requeued",
			zap.String("task_id", taskID),
			zap.String("worker_id", workerID),
			zap.String("error", errMsg),
			zap.Int("retry", retries),
			zap.Int("max_retries", task.MaxRetries))
	case storage.EventTaskFailed:
		c.logger.Error("Task failed permanently",
			zap.String("task_id", taskID),
			zap.String("worker_id", workerID),
			zap.String("error", errMsg),
			zap.Int("retries", task.RetryCount))
	}
	c.record(ctx, &storage.Event{Kind: event, TaskID: taskID, WorkerID: workerID, Reason: errMsg})

	c.wakeDispatcher()
}

// reclaimTask takes a task stranded on a worker (died, or restarted without
// memory of the assignment) back through the same retry-or-fail path as an
// error report. Callers hold c.mu; the returned audit events are recorded
// after the lock is released.
func (c *Coordinator) reclaimTask(workerID, taskID, cause string) (events []*storage.Event, requeued bool) {
	task, err := c.tasks.Get(taskID)
	if err != nil || task.WorkerID != workerID {
		return nil, false
	}

	if task.RetryCount < task.MaxRetries {
		retries, err := c.tasks.Requeue(taskID)
		if err != nil {
			return nil, false
		}
		c.logger.Warn("Task reclaimed, requeued",
			zap.String("task_id", taskID),
			zap.String("worker_id", workerID),
			zap.String("reason", cause),
			zap.Int("retry", retries))
		return []*storage.Event{{
			Kind:     storage.EventTaskRequeued,
			TaskID:   taskID,
			WorkerID: workerID,
			Reason:   cause,
		}}, true
	}

	if err := c.tasks.MarkFailed(taskID, cause); err != nil {
		return nil, false
	}
	c.logger.Error("Task failed permanently, worker lost",
		zap.String("task_id", taskID),
		zap.String("worker_id", workerID),
		zap.String("reason", cause))
	return []*storage.Event{{
		Kind:     storage.EventTaskFailed,
		TaskID:   taskID,
		WorkerID: workerID,
		Reason:   cause,
	}}, false
}

// dispatchLoop matches pending tasks to idle workers. It wakes on task
// submission and on workers turning idle, with a ticker as backstop.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.wake:
		case <-ticker.C:
		}
		c.dispatchPending(ctx)
	}
}

// dispatchPending runs one greedy matching pass: highest-priority task first,
// each to the first idle worker advertising its type. Tasks with no eligible
// worker stay pending for the next pass.
func (c *Coordinator) dispatchPending(ctx context.Context) {
	type assignment struct {
		task     model.Task
		workerID string
	}

	c.mu.Lock()
	pending := c.tasks.PendingInOrder()
	idle := c.workers.Idle()
	var assignments []assignment
	if len(pending) > 0 && len(idle) > 0 {
		used := make(map[string]bool, len(idle))
		for _, task := range pending {
			for _, w := range idle {
				if used[w.ID] || !w.CanRun(task.Type) {
					continue
				}
				if err := c.tasks.MarkAssigned(task.ID, w.ID); err != nil {
					c.logger.Error("Failed to assign task",
						zap.String("task_id", task.ID),
						zap.Error(err))
					used[w.ID] = true
					break
				}
				if err := c.workers.SetBusy(w.ID, task.ID); err != nil {
					_ = c.tasks.Release(task.ID)
					used[w.ID] = true
					continue
				}
				used[w.ID] = true
				if t, err := c.tasks.Get(task.ID); err == nil {
					assignments = append(assignments, assignment{task: t, workerID: w.ID})
				}
				break
			}
		}
	}
	c.mu.Unlock()

	for _, a := range assignments {
		msg, err := model.NewMessage(model.MessageTypeTaskAssign, c.cfg.ID, a.workerID, a.task)
		if err == nil {
			err = c.ch.Send(ctx, msg)
		}
		if err != nil {
			c.logger.Warn("Failed to deliver assignment, releasing task",
				zap.String("task_id", a.task.ID),
				zap.String("worker_id", a.workerID),
				zap.Error(err))
			c.mu.Lock()
			_ = c.tasks.Release(a.task.ID)
			_ = c.workers.SetIdle(a.workerID)
			c.mu.Unlock()
			continue
		}

		c.logger.Info("Task dispatched",
			zap.String("task_id", a.task.ID),
			zap.String("type", a.task.Type),
			zap.String("worker_id", a.workerID),
			zap.Int("priority", int(a.task.Priority)))
		c.record(ctx, &storage.Event{
			Kind:     storage.EventTaskDispatched,
			TaskID:   a.task.ID,
			WorkerID: a.workerID,
		})
	}
}

// livenessLoop sweeps for workers whose heartbeat went silent.
func (c *Coordinator) livenessLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepDeadWorkers(ctx)
		}
	}
}

// sweepDeadWorkers marks timed-out workers dead and treats any task they
// held exactly like a reported task error: requeue while retries remain,
// terminal failure after.
func (c *Coordinator) sweepDeadWorkers(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.WorkerTimeout)

	c.mu.Lock()
	var events []*storage.Event
	requeued := false
	for _, id := range c.workers.TimedOut(cutoff) {
		heldTask, err := c.workers.MarkDead(id)
		if err != nil {
			continue
		}
		c.logger.Warn("Worker timed out, marked dead",
			zap.String("worker_id", id),
			zap.Duration("timeout", c.cfg.WorkerTimeout))
		events = append(events, &storage.Event{Kind: storage.EventWorkerDead, WorkerID: id})

		if heldTask == "" {
			continue
		}
		cause := fmt.Sprintf("worker %s stopped heartbeating", id)
		reclaims, r := c.reclaimTask(id, heldTask, cause)
		events = append(events, reclaims...)
		requeued = requeued || r
	}
	c.mu.Unlock()

	for _, e := range events {
		c.record(ctx, e)
	}
	if requeued {
		c.wakeDispatcher()
	}
}

// rebalanceLoop periodically reassigns workers between rings.
func (c *Coordinator) rebalanceLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.rebalanceRings(ctx)
		}
	}
}

// rebalanceRings runs one policy sweep over all alive workers.
func (c *Coordinator) rebalanceRings(ctx context.Context) {
	type move struct {
		workerID string
		from, to model.Ring
		reason   string
	}

	c.mu.Lock()
	var moves []move
	for _, w := range c.workers.List() {
		if !w.Alive() {
			continue
		}
		next, reason, ok := c.policy.Rebalance(w.Ring, w.Device, c.workers.RingCounts())
		if !ok || next == w.Ring {
			continue
		}
		if _, err := c.workers.SetRing(w.ID, next); err != nil {
			continue
		}
		moves = append(moves, move{workerID: w.ID, from: w.Ring, to: next, reason: reason})
	}
	c.mu.Unlock()

	for _, m := range moves {
		c.logger.Info("Worker moved to ring",
			zap.String("worker_id", m.workerID),
			zap.String("from", string(m.from)),
			zap.String("to", string(m.to)),
			zap.String("reason", m.reason))
		c.record(ctx, &storage.Event{
			Kind:     storage.EventRingChanged,
			WorkerID: m.workerID,
			Ring:     m.to,
			PrevRing: m.from,
			Reason:   m.reason,
		})
		c.send(ctx, model.MessageTypeRingAssign, m.workerID,
			model.RingAssignmentPayload{Ring: m.to, Reason: m.reason})
	}
}

// send builds and delivers a best-effort control message. Delivery failures
// are logged, not escalated.
func (c *Coordinator) send(ctx context.Context, t model.MessageType, receiver string, payload any) {
	msg, err := model.NewMessage(t, c.cfg.ID, receiver, payload)
	if err != nil {
		c.logger.Error("Failed to build message",
			zap.String("type", string(t)),
			zap.Error(err))
		return
	}
	if err := c.ch.Send(ctx, msg); err != nil {
		c.logger.Warn("Failed to deliver message",
			zap.String("type", string(t)),
			zap.String("receiver", receiver),
			zap.Error(err))
	}
}

func (c *Coordinator) record(ctx context.Context, event *storage.Event) {
	if err := c.store.Record(ctx, event); err != nil {
		c.logger.Warn("Failed to record audit event",
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

func (c *Coordinator) wakeDispatcher() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
