package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// TaskSubmitter accepts tasks for dispatch. The coordinator satisfies it.
type TaskSubmitter interface {
	SubmitTask(ctx context.Context, task *model.Task) (string, error)
}

// ScheduleManager submits recurring tasks on cron expressions, e.g. a fleet
// health check every minute. Expressions use seconds granularity.
type ScheduleManager struct {
	logger    *zap.Logger
	submitter TaskSubmitter
	cron      *cron.Cron
	parser    cron.Parser

	mu        sync.Mutex
	schedules map[string]*model.TaskSchedule
	entryIDs  map[string]cron.EntryID
}

// cronLogger adapts zap.Logger to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, zap.Error(err))
}

// NewScheduleManager creates a schedule manager submitting into submitter.
func NewScheduleManager(submitter TaskSubmitter, logger *zap.Logger) *ScheduleManager {
	logger = logger.Named("schedules")
	cl := &cronLogger{logger: logger.Named("cron")}
	return &ScheduleManager{
		logger:    logger,
		submitter: submitter,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl)),
		),
		parser:    cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		schedules: make(map[string]*model.TaskSchedule),
		entryIDs:  make(map[string]cron.EntryID),
	}
}

// Start begins firing schedules.
func (m *ScheduleManager) Start() {
	m.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (m *ScheduleManager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// Add registers a schedule. Missing fields get defaults.
func (m *ScheduleManager) Add(ctx context.Context, schedule *model.TaskSchedule) error {
	if schedule.TaskType == "" {
		return fmt.Errorf("schedule task type is required")
	}
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.Priority == 0 {
		schedule.Priority = model.TaskPriorityNormal
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}

	spec, err := m.parser.Parse(schedule.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.Expression, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.schedules[schedule.ID]; exists {
		return fmt.Errorf("schedule %s already exists", schedule.ID)
	}

	entryID, err := m.cron.AddJob(schedule.Expression, &scheduleJob{
		manager:  m,
		ctx:      ctx,
		schedule: schedule,
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	next := spec.Next(time.Now())
	schedule.NextRunTime = &next
	m.schedules[schedule.ID] = schedule
	m.entryIDs[schedule.ID] = entryID

	m.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("expression", schedule.Expression),
		zap.String("task_type", schedule.TaskType),
		zap.Time("next_run", next))
	return nil
}

// Remove deletes a schedule.
func (m *ScheduleManager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entryID, ok := m.entryIDs[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrScheduleNotFound)
	}

	m.cron.Remove(entryID)
	delete(m.entryIDs, id)
	delete(m.schedules, id)

	m.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// Get returns a copy of the schedule.
func (m *ScheduleManager) Get(id string) (model.TaskSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	schedule, ok := m.schedules[id]
	if !ok {
		return model.TaskSchedule{}, fmt.Errorf("schedule %s: %w", id, ErrScheduleNotFound)
	}
	return *schedule, nil
}

// List returns copies of all schedules.
func (m *ScheduleManager) List() []model.TaskSchedule {
	m.mu.Lock()
	defer m.mu.Unlock()

	schedules := make([]model.TaskSchedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		schedules = append(schedules, *s)
	}
	return schedules
}

// scheduleJob implements cron.Job, submitting one task per firing.
type scheduleJob struct {
	manager  *ScheduleManager
	ctx      context.Context
	schedule *model.TaskSchedule
}

// Run implements cron.Job.
func (j *scheduleJob) Run() {
	m := j.manager
	now := time.Now()

	m.mu.Lock()
	j.schedule.LastRunTime = &now
	if spec, err := m.parser.Parse(j.schedule.Expression); err == nil {
		next := spec.Next(now)
		j.schedule.NextRunTime = &next
	}
	task := &model.Task{
		Type:       j.schedule.TaskType,
		Priority:   j.schedule.Priority,
		MaxRetries: j.schedule.MaxRetries,
		Payload:    j.schedule.Payload,
	}
	m.mu.Unlock()

	taskID, err := m.submitter.SubmitTask(j.ctx, task)
	if err != nil {
		m.logger.Error("Failed to submit scheduled task",
			zap.String("schedule_id", j.schedule.ID),
			zap.String("task_type", j.schedule.TaskType),
			zap.Error(err))
		return
	}

	m.logger.Info("Submitted scheduled task",
		zap.String("schedule_id", j.schedule.ID),
		zap.String("task_id", taskID),
		zap.Time("executed_at", now))
}
