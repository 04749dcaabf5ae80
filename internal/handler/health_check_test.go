package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

func TestHealthCheckReportsMetrics(t *testing.T) {
	h := NewHealthCheckHandler(zap.NewNop())

	result, err := h.Execute(context.Background(), &model.Task{ID: "hc-1", Type: "health_check"})
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, result.Status)

	var report HealthCheckReport
	require.NoError(t, json.Unmarshal(result.Result, &report))
	assert.False(t, report.CheckedAt.IsZero())
	assert.GreaterOrEqual(t, report.CPUPercent, 0.0)
	assert.Greater(t, report.MemoryPercent, 0.0)
	assert.Greater(t, report.DiskPercent, 0.0)
}

func TestHealthCheckThresholds(t *testing.T) {
	h := NewHealthCheckHandler(zap.NewNop())

	// A threshold no real host stays under forces a failure.
	payload, err := json.Marshal(HealthCheckPayload{MaxMemoryPercent: 0.000001})
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), &model.Task{
		ID:      "hc-2",
		Type:    "health_check",
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Contains(t, result.Error, "memory usage")
}

func TestHealthCheckBadDiskPath(t *testing.T) {
	h := NewHealthCheckHandler(zap.NewNop())

	payload, err := json.Marshal(HealthCheckPayload{DiskPath: "/definitely/not/a/mount"})
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), &model.Task{
		ID:      "hc-3",
		Type:    "health_check",
		Payload: payload,
	})
	require.Error(t, err)
}
