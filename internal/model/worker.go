package model

import "time"

// WorkerStatus represents the lifecycle state of a worker agent
type WorkerStatus string

const (
	WorkerStatusRegistered WorkerStatus = "registered"
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusBusy       WorkerStatus = "busy"
	WorkerStatusDead       WorkerStatus = "dead"
)

// Worker represents a slave agent known to the master
type Worker struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	Status       WorkerStatus `json:"status"`
	Ring         Ring         `json:"ring"`
	Capabilities []string     `json:"capabilities,omitempty"`
	OSVersion    string       `json:"os_version,omitempty"`
	AppVersion   string       `json:"app_version,omitempty"`

	Device        DeviceStatus `json:"device"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`

	CurrentTaskID  string `json:"current_task_id,omitempty"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksFailed    int    `json:"tasks_failed"`
}

// Alive reports whether the worker is still considered part of the cluster.
func (w *Worker) Alive() bool {
	return w.Status != WorkerStatusDead
}

// CanRun reports whether the worker advertises a capability for the task type.
// A worker with no declared capabilities accepts any task type.
func (w *Worker) CanRun(taskType string) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	for _, c := range w.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// DeviceStatus carries the device metrics a worker reports periodically
type DeviceStatus struct {
	BatteryLevel    int       `json:"battery_level"`
	BatteryCharging bool      `json:"battery_charging"`
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	DiskUsage       float64   `json:"disk_usage"`
	UpdatedAt       time.Time `json:"updated_at"`
}
