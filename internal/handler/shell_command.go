package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// ShellCommandPayload represents the payload for shell command tasks
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Timeout    time.Duration     `json:"timeout"`
}

// ShellCommandHandler handles shell command execution tasks
type ShellCommandHandler struct {
	logger *zap.Logger
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger: logger.Named("shell-command"),
	}
}

// Execute runs the shell command
func (h *ShellCommandHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload ShellCommandPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmdCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	if len(payload.Env) > 0 {
		env := make([]string, 0, len(payload.Env))
		for k, v := range payload.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = append(cmd.Env, env...)
	}

	h.logger.Info("Executing shell command",
		zap.String("task_id", task.ID),
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()

	// ProcessState is nil when the command never started.
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	report, marshalErr := json.Marshal(struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exit_code"`
	}{
		Output:   string(output),
		ExitCode: exitCode,
	})
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", marshalErr)
	}

	result := &model.TaskResult{
		TaskID:      task.ID,
		CompletedAt: time.Now(),
		Result:      report,
	}
	if err != nil {
		result.Status = model.TaskStatusFailed
		if cmdCtx.Err() == context.DeadlineExceeded {
			result.Error = "command execution timed out"
		} else if msg := strings.TrimSpace(string(output)); msg != "" {
			result.Error = msg
		} else {
			result.Error = err.Error()
		}
	} else {
		result.Status = model.TaskStatusCompleted
	}

	return result, nil
}
