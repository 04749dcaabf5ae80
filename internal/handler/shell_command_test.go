package handler

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

func shellTask(t *testing.T, payload ShellCommandPayload) *model.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.Task{ID: "shell-1", Type: "shell_command", Payload: data}
}

type shellReport struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

func TestShellCommandSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	h := NewShellCommandHandler(zap.NewNop())
	result, err := h.Execute(context.Background(), shellTask(t, ShellCommandPayload{
		Command: "echo",
		Args:    []string{"hello"},
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, result.Status)

	var report shellReport
	require.NoError(t, json.Unmarshal(result.Result, &report))
	assert.Equal(t, "hello\n", report.Output)
	assert.Zero(t, report.ExitCode)
}

func TestShellCommandFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	h := NewShellCommandHandler(zap.NewNop())
	result, err := h.Execute(context.Background(), shellTask(t, ShellCommandPayload{
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Equal(t, "boom", result.Error)

	var report shellReport
	require.NoError(t, json.Unmarshal(result.Result, &report))
	assert.Equal(t, 3, report.ExitCode)
}

func TestShellCommandTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	h := NewShellCommandHandler(zap.NewNop())
	result, err := h.Execute(context.Background(), shellTask(t, ShellCommandPayload{
		Command: "sleep",
		Args:    []string{"5"},
		Timeout: 100 * time.Millisecond,
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, result.Status)
	assert.Equal(t, "command execution timed out", result.Error)
}

func TestShellCommandMissingCommand(t *testing.T) {
	h := NewShellCommandHandler(zap.NewNop())
	_, err := h.Execute(context.Background(), shellTask(t, ShellCommandPayload{}))
	require.Error(t, err)
}
