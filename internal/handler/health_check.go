package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// HealthCheckPayload represents the payload for health check tasks
type HealthCheckPayload struct {
	// DiskPath is where disk usage is measured. Defaults to "/".
	DiskPath string `json:"disk_path"`

	// Thresholds fail the check when exceeded. Zero disables a threshold.
	MaxCPUPercent    float64 `json:"max_cpu_percent"`
	MaxMemoryPercent float64 `json:"max_memory_percent"`
	MaxDiskPercent   float64 `json:"max_disk_percent"`
}

// HealthCheckReport is the result payload of a health check task
type HealthCheckReport struct {
	Hostname      string    `json:"hostname"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	CheckedAt     time.Time `json:"checked_at"`
}

// HealthCheckHandler reports host health metrics
type HealthCheckHandler struct {
	logger *zap.Logger
}

// NewHealthCheckHandler creates a new health check handler
func NewHealthCheckHandler(logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		logger: logger.Named("health-check"),
	}
}

// Execute collects host metrics and fails the task when a configured
// threshold is exceeded.
func (h *HealthCheckHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload HealthCheckPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if payload.DiskPath == "" {
		payload.DiskPath = "/"
	}

	report := HealthCheckReport{CheckedAt: time.Now()}

	if info, err := host.InfoWithContext(ctx); err != nil {
		h.logger.Warn("Failed to read host info", zap.Error(err))
	} else {
		report.Hostname = info.Hostname
		report.UptimeSeconds = info.Uptime
	}

	if percents, err := cpu.PercentWithContext(ctx, time.Second, false); err != nil {
		return nil, fmt.Errorf("failed to read CPU usage: %w", err)
	} else if len(percents) > 0 {
		report.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage: %w", err)
	}
	report.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, payload.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage at %s: %w", payload.DiskPath, err)
	}
	report.DiskPercent = du.UsedPercent

	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}

	result := &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Result:      data,
		CompletedAt: time.Now(),
	}

	switch {
	case payload.MaxCPUPercent > 0 && report.CPUPercent > payload.MaxCPUPercent:
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("cpu usage %.1f%% above threshold %.1f%%", report.CPUPercent, payload.MaxCPUPercent)
	case payload.MaxMemoryPercent > 0 && report.MemoryPercent > payload.MaxMemoryPercent:
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("memory usage %.1f%% above threshold %.1f%%", report.MemoryPercent, payload.MaxMemoryPercent)
	case payload.MaxDiskPercent > 0 && report.DiskPercent > payload.MaxDiskPercent:
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("disk usage %.1f%% above threshold %.1f%%", report.DiskPercent, payload.MaxDiskPercent)
	}

	h.logger.Info("Health check finished",
		zap.String("task_id", task.ID),
		zap.Float64("cpu", report.CPUPercent),
		zap.Float64("memory", report.MemoryPercent),
		zap.Float64("disk", report.DiskPercent),
		zap.String("status", string(result.Status)))

	return result, nil
}
