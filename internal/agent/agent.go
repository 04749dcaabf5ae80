// Package agent implements the worker side of the orchestration protocol: it
// registers with the master, executes assigned tasks through pluggable
// handlers, and keeps the master informed with heartbeats and device metrics.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/channel"
	"github.com/rvql/ringmaster/internal/model"
)

// Config holds the agent tunables.
type Config struct {
	// ID is the agent's address on the message channel.
	ID string

	// Name is a human-readable device name reported at registration.
	Name string

	// Capabilities lists the task types this agent accepts. Empty means
	// any type.
	Capabilities []string

	// OSVersion and AppVersion are reported at registration.
	OSVersion  string
	AppVersion string

	// MasterID addresses the coordinator on the channel.
	MasterID string

	// HeartbeatInterval paces the liveness beacon.
	HeartbeatInterval time.Duration

	// DeviceStatusInterval paces the device metrics report.
	DeviceStatusInterval time.Duration

	// RegisterTimeout bounds one wait for the registration acknowledgement.
	RegisterTimeout time.Duration

	// MaxRegisterRetries caps registration attempts before startup fails.
	MaxRegisterRetries int

	// RegisterBackoff is the base delay between registration attempts,
	// scaled linearly by the attempt number.
	RegisterBackoff time.Duration

	// ReceiveTimeout paces the inbound message loop.
	ReceiveTimeout time.Duration
}

// DefaultConfig returns the stock agent settings.
func DefaultConfig() Config {
	return Config{
		MasterID:             "master-orchestrator",
		HeartbeatInterval:    5 * time.Second,
		DeviceStatusInterval: 10 * time.Second,
		RegisterTimeout:      5 * time.Second,
		MaxRegisterRetries:   3,
		RegisterBackoff:      1 * time.Second,
		ReceiveTimeout:       1 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ID == "" {
		c.ID = "agent-" + uuid.New().String()[:8]
	}
	if c.MasterID == "" {
		c.MasterID = def.MasterID
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.DeviceStatusInterval <= 0 {
		c.DeviceStatusInterval = def.DeviceStatusInterval
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = def.RegisterTimeout
	}
	if c.MaxRegisterRetries <= 0 {
		c.MaxRegisterRetries = def.MaxRegisterRetries
	}
	if c.RegisterBackoff <= 0 {
		c.RegisterBackoff = def.RegisterBackoff
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	return c
}

// Agent is one worker process. Start registers it with the master and runs
// three independent activities: heartbeat emission, device status emission,
// and inbound message processing. Task execution happens on its own
// goroutine so a slow handler never starves the liveness signal.
type Agent struct {
	cfg     Config
	logger  *zap.Logger
	ch      channel.Channel
	sampler DeviceSampler

	mu         sync.Mutex
	handlers   map[string]TaskHandler
	status     model.WorkerStatus
	ring       model.Ring
	current    *model.Task
	cancelTask context.CancelFunc
	started    bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	taskWG   sync.WaitGroup
}

// NewAgent wires up an agent. A nil sampler reads real host metrics.
func NewAgent(cfg Config, ch channel.Channel, sampler DeviceSampler, logger *zap.Logger) *Agent {
	cfg = cfg.withDefaults()
	if sampler == nil {
		sampler = NewSystemSampler("", logger)
	}
	return &Agent{
		cfg:      cfg,
		logger:   logger.Named("agent").With(zap.String("agent_id", cfg.ID)),
		ch:       ch,
		sampler:  sampler,
		handlers: make(map[string]TaskHandler),
		status:   model.WorkerStatusRegistered,
		ring:     model.RingUnassigned,
		stop:     make(chan struct{}),
	}
}

// ID returns the agent's channel address.
func (a *Agent) ID() string {
	return a.cfg.ID
}

// Ring returns the agent's current deployment ring.
func (a *Agent) Ring() model.Ring {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ring
}

// Status returns the agent's lifecycle status.
func (a *Agent) Status() model.WorkerStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// RegisterTaskHandler associates a task type with its handler. Handlers must
// be registered before Start.
func (a *Agent) RegisterTaskHandler(taskType string, handler TaskHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[taskType] = handler
}

// Start registers the agent with the master and launches its activities. It
// returns ErrRegistrationFailed once the retry budget is exhausted without an
// acknowledgement; in that case nothing keeps running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	if err := a.register(ctx); err != nil {
		return err
	}

	a.wg.Add(3)
	go a.heartbeatLoop(ctx)
	go a.deviceStatusLoop(ctx)
	go a.messageLoop(ctx)

	a.logger.Info("Agent started",
		zap.Strings("capabilities", a.cfg.Capabilities),
		zap.String("ring", string(a.Ring())))
	return nil
}

// Stop shuts the agent down. An in-flight task is interrupted through its
// context and reported as failed before the agent exits.
func (a *Agent) Stop() {
	a.shutdown("stop requested")
	a.taskWG.Wait()
	a.wg.Wait()
}

// Wait blocks until the agent's activities have exited, for hosting
// processes that stop via SHUTDOWN messages rather than calling Stop.
func (a *Agent) Wait() {
	<-a.stop
	a.taskWG.Wait()
	a.wg.Wait()
}

func (a *Agent) shutdown(reason string) {
	a.stopOnce.Do(func() {
		a.logger.Info("Agent shutting down", zap.String("reason", reason))
		a.mu.Lock()
		cancel := a.cancelTask
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(a.stop)
	})
}

// register announces the agent and waits for the master's acknowledgement,
// retrying with linear backoff up to the configured attempt budget.
func (a *Agent) register(ctx context.Context) error {
	device, err := a.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample device status: %w", err)
	}

	payload := model.RegistrationPayload{
		Name:         a.cfg.Name,
		Capabilities: a.cfg.Capabilities,
		OSVersion:    a.cfg.OSVersion,
		AppVersion:   a.cfg.AppVersion,
		Device:       device,
	}

	for attempt := 1; attempt <= a.cfg.MaxRegisterRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * a.cfg.RegisterBackoff
			a.logger.Warn("Registration not acknowledged, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := a.send(ctx, model.MessageTypeRegistration, payload); err != nil {
			continue
		}
		if a.awaitAck(ctx, a.cfg.RegisterTimeout) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("no acknowledgement after %d attempts: %w",
		a.cfg.MaxRegisterRetries, ErrRegistrationFailed)
}

// awaitAck drains the inbox until the registration acknowledgement arrives
// or the deadline passes. Ring assignments racing the ack are applied.
func (a *Agent) awaitAck(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		msg, err := a.ch.Receive(ctx, a.cfg.ID, remaining)
		if err != nil {
			return false
		}

		switch msg.Type {
		case model.MessageTypeAck:
			var ack model.AckPayload
			if err := msg.DecodePayload(&ack); err != nil {
				a.logger.Warn("Dropping malformed acknowledgement", zap.Error(err))
				continue
			}
			a.mu.Lock()
			a.status = model.WorkerStatusIdle
			if ack.Ring != "" {
				a.ring = ack.Ring
			}
			a.mu.Unlock()
			a.logger.Info("Registered with master",
				zap.String("master_id", a.cfg.MasterID),
				zap.String("ring", string(ack.Ring)))
			return true
		case model.MessageTypeRingAssign:
			a.applyRingAssignment(ctx, msg)
		case model.MessageTypeTaskAssign:
			// The dispatcher can race the ack. Reject so the master
			// requeues instead of holding the task against us forever.
			var task model.Task
			if err := msg.DecodePayload(&task); err != nil {
				a.logger.Warn("Dropping malformed assignment", zap.Error(err))
				continue
			}
			a.logger.Warn("Rejecting assignment, registration not acknowledged",
				zap.String("task_id", task.ID))
			a.send(ctx, model.MessageTypeError, model.ErrorPayload{
				Code:    "not_ready",
				TaskID:  task.ID,
				Message: "registration not acknowledged yet",
			})
		default:
			a.logger.Debug("Ignoring message while awaiting registration",
				zap.String("type", string(msg.Type)))
		}
	}
}

// messageLoop drains the agent's inbox.
func (a *Agent) messageLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		default:
		}

		msg, err := a.ch.Receive(ctx, a.cfg.ID, a.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, channel.ErrReceiveTimeout) {
				continue
			}
			if errors.Is(err, channel.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			a.logger.Error("Failed to receive message", zap.Error(err))
			continue
		}

		a.handleMessage(ctx, msg)
	}
}

func (a *Agent) handleMessage(ctx context.Context, msg *model.Message) {
	switch msg.Type {
	case model.MessageTypeTaskAssign:
		a.handleAssignment(ctx, msg)
	case model.MessageTypeRingAssign:
		a.applyRingAssignment(ctx, msg)
	case model.MessageTypeShutdown:
		var p model.ShutdownPayload
		_ = msg.DecodePayload(&p)
		a.shutdown(p.Reason)
	case model.MessageTypeAck:
		// Late registration ack duplicates are harmless.
	default:
		a.logger.Warn("Ignoring unexpected message",
			zap.String("type", string(msg.Type)),
			zap.String("sender", msg.Sender))
	}
}

// handleAssignment accepts a task if the agent is free and has a handler for
// its type. Anything else is rejected with an error report so the master can
// reschedule immediately.
func (a *Agent) handleAssignment(ctx context.Context, msg *model.Message) {
	var task model.Task
	if err := msg.DecodePayload(&task); err != nil {
		a.logger.Error("Rejecting malformed assignment", zap.Error(err))
		a.send(ctx, model.MessageTypeError, model.ErrorPayload{
			Code:    "malformed_assignment",
			Message: err.Error(),
		})
		return
	}

	a.mu.Lock()
	if a.current != nil {
		busyWith := a.current.ID
		a.mu.Unlock()
		a.logger.Warn("Rejecting assignment, already busy",
			zap.String("task_id", task.ID),
			zap.String("current_task_id", busyWith))
		a.send(ctx, model.MessageTypeError, model.ErrorPayload{
			Code:    "busy",
			TaskID:  task.ID,
			Message: fmt.Sprintf("%s: already executing task %s", ErrBusy, busyWith),
		})
		return
	}
	handler, ok := a.handlers[task.Type]
	if !ok {
		a.mu.Unlock()
		a.logger.Warn("Rejecting assignment, no handler",
			zap.String("task_id", task.ID),
			zap.String("type", task.Type))
		a.send(ctx, model.MessageTypeError, model.ErrorPayload{
			Code:    "no_handler",
			TaskID:  task.ID,
			Message: fmt.Sprintf("%s: %s", ErrHandlerNotFound, task.Type),
		})
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	a.status = model.WorkerStatusBusy
	a.current = &task
	a.cancelTask = cancel
	a.mu.Unlock()

	a.logger.Info("Task accepted",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type))

	a.taskWG.Add(1)
	go a.runTask(taskCtx, handler, &task)
}

// runTask executes one task and emits exactly one terminal report. Terminal
// sends use a fresh context so a shutdown interruption still gets reported.
func (a *Agent) runTask(ctx context.Context, handler TaskHandler, task *model.Task) {
	defer a.taskWG.Done()

	a.sendProgress(ctx, task.ID, 25, "handler started")
	result, err := handler.Execute(ctx, task)
	if err == nil && result != nil && result.Status != model.TaskStatusFailed {
		a.sendProgress(ctx, task.ID, 75, "handler finished")
	}

	a.mu.Lock()
	a.status = model.WorkerStatusIdle
	a.current = nil
	a.cancelTask = nil
	a.mu.Unlock()

	reportCtx := context.Background()
	switch {
	case err != nil:
		a.logger.Warn("Task failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
		a.send(reportCtx, model.MessageTypeError, model.ErrorPayload{
			Code:    "execution_failed",
			TaskID:  task.ID,
			Message: err.Error(),
		})
	case result == nil:
		a.send(reportCtx, model.MessageTypeError, model.ErrorPayload{
			Code:    "execution_failed",
			TaskID:  task.ID,
			Message: "handler returned no result",
		})
	default:
		result.TaskID = task.ID
		result.WorkerID = a.cfg.ID
		if result.Status == "" {
			result.Status = model.TaskStatusCompleted
		}
		if result.CompletedAt.IsZero() {
			result.CompletedAt = time.Now()
		}
		a.logger.Info("Task finished",
			zap.String("task_id", task.ID),
			zap.String("status", string(result.Status)))
		a.send(reportCtx, model.MessageTypeTaskResult, result)
	}
}

func (a *Agent) applyRingAssignment(ctx context.Context, msg *model.Message) {
	var p model.RingAssignmentPayload
	if err := msg.DecodePayload(&p); err != nil {
		a.logger.Warn("Dropping malformed ring assignment", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.ring = p.Ring
	a.mu.Unlock()

	a.logger.Info("Moved to ring",
		zap.String("ring", string(p.Ring)),
		zap.String("reason", p.Reason))
	a.send(ctx, model.MessageTypeAck, model.AckPayload{Status: "ring_updated", Ring: p.Ring})
}

// heartbeatLoop emits the liveness beacon on a fixed interval, independent of
// task execution.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.mu.Lock()
			payload := model.HeartbeatPayload{Status: a.status}
			if a.current != nil {
				payload.CurrentTaskID = a.current.ID
			}
			a.mu.Unlock()
			a.send(ctx, model.MessageTypeHeartbeat, payload)
		}
	}
}

// deviceStatusLoop recomputes and reports the device snapshot on a fixed
// interval. These reports are the master's sole input to ring placement.
func (a *Agent) deviceStatusLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.DeviceStatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			device, err := a.sampler.Sample(ctx)
			if err != nil {
				a.logger.Warn("Failed to sample device status", zap.Error(err))
				continue
			}
			a.send(ctx, model.MessageTypeDeviceStatus, model.DeviceStatusPayload{Device: device})
		}
	}
}

// send builds and delivers a best-effort message to the master. Delivery
// failures are logged, not escalated.
func (a *Agent) send(ctx context.Context, t model.MessageType, payload any) error {
	msg, err := model.NewMessage(t, a.cfg.ID, a.cfg.MasterID, payload)
	if err != nil {
		a.logger.Error("Failed to build message",
			zap.String("type", string(t)),
			zap.Error(err))
		return err
	}
	if err := a.ch.Send(ctx, msg); err != nil {
		a.logger.Warn("Failed to deliver message",
			zap.String("type", string(t)),
			zap.Error(err))
		return err
	}
	return nil
}

func (a *Agent) sendProgress(ctx context.Context, taskID string, progress int, detail string) {
	a.send(ctx, model.MessageTypeTaskStatus, model.TaskStatusPayload{
		TaskID:   taskID,
		Status:   model.TaskStatusRunning,
		Progress: progress,
		Detail:   detail,
	})
}
