package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// HTTPProbePayload represents the payload for HTTP probe tasks
type HTTPProbePayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout time.Duration     `json:"timeout"`

	// ExpectStatus fails the probe on any other response code. Zero accepts
	// anything below 400.
	ExpectStatus int `json:"expect_status"`
}

// HTTPProbeHandler probes HTTP endpoints
type HTTPProbeHandler struct {
	logger *zap.Logger
	client *http.Client
}

// NewHTTPProbeHandler creates a new HTTP probe handler
func NewHTTPProbeHandler(logger *zap.Logger) *HTTPProbeHandler {
	return &HTTPProbeHandler{
		logger: logger.Named("http-probe"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Execute performs the HTTP request and reports status and body.
func (h *HTTPProbeHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload HTTPProbePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}
	req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}

	h.logger.Info("Probing endpoint",
		zap.String("task_id", task.ID),
		zap.String("method", payload.Method),
		zap.String("url", payload.URL))

	started := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	report, err := json.Marshal(struct {
		StatusCode int    `json:"status_code"`
		DurationMS int64  `json:"duration_ms"`
		Body       string `json:"body"`
	}{
		StatusCode: resp.StatusCode,
		DurationMS: time.Since(started).Milliseconds(),
		Body:       string(respBody),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}

	result := &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Result:      report,
		CompletedAt: time.Now(),
	}

	switch {
	case payload.ExpectStatus != 0 && resp.StatusCode != payload.ExpectStatus:
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("expected status %d, got %d", payload.ExpectStatus, resp.StatusCode)
	case payload.ExpectStatus == 0 && resp.StatusCode >= 400:
		result.Status = model.TaskStatusFailed
		result.Error = fmt.Sprintf("probe failed with status %d", resp.StatusCode)
	}

	return result, nil
}
