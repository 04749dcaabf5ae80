package model

import (
	"encoding/json"
	"time"
)

// TaskSchedule describes a recurring task submission
type TaskSchedule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Expression string          `json:"expression"`
	TaskType   string          `json:"task_type"`
	Priority   TaskPriority    `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
