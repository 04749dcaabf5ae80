package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// DataProcessingPayload represents the payload for data processing tasks
type DataProcessingPayload struct {
	Input      []float64          `json:"input"`
	Operation  string             `json:"operation"`
	Parameters map[string]float64 `json:"parameters"`
}

// DataProcessor defines one data processing operation
type DataProcessor interface {
	Process(ctx context.Context, input []float64, params map[string]float64) (any, error)
}

// DataProcessingHandler handles data processing tasks
type DataProcessingHandler struct {
	logger     *zap.Logger
	processors map[string]DataProcessor
}

// NewDataProcessingHandler creates a handler with the built-in processors
// registered.
func NewDataProcessingHandler(logger *zap.Logger) *DataProcessingHandler {
	h := &DataProcessingHandler{
		logger:     logger.Named("data-processing"),
		processors: make(map[string]DataProcessor),
	}

	h.RegisterProcessor("filter", &FilterProcessor{})
	h.RegisterProcessor("transform", &TransformProcessor{})
	h.RegisterProcessor("aggregate", &AggregateProcessor{})

	return h
}

// RegisterProcessor registers a new data processor
func (h *DataProcessingHandler) RegisterProcessor(operation string, processor DataProcessor) {
	h.processors[operation] = processor
}

// Execute performs the data processing task
func (h *DataProcessingHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload DataProcessingPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	processor, ok := h.processors[payload.Operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %s", payload.Operation)
	}

	h.logger.Info("Processing data",
		zap.String("task_id", task.ID),
		zap.String("operation", payload.Operation),
		zap.Int("points", len(payload.Input)))

	output, err := processor.Process(ctx, payload.Input, payload.Parameters)
	if err != nil {
		return &model.TaskResult{
			TaskID:      task.ID,
			Status:      model.TaskStatusFailed,
			Error:       err.Error(),
			CompletedAt: time.Now(),
		}, nil
	}

	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Result:      data,
		CompletedAt: time.Now(),
	}, nil
}

// FilterProcessor keeps values within the [min, max] window.
type FilterProcessor struct{}

func (p *FilterProcessor) Process(_ context.Context, input []float64, params map[string]float64) (any, error) {
	min, hasMin := params["min"]
	max, hasMax := params["max"]
	if !hasMin && !hasMax {
		return nil, fmt.Errorf("filter requires a min or max parameter")
	}

	out := make([]float64, 0, len(input))
	for _, v := range input {
		if hasMin && v < min {
			continue
		}
		if hasMax && v > max {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// TransformProcessor applies scale then offset to every value.
type TransformProcessor struct{}

func (p *TransformProcessor) Process(_ context.Context, input []float64, params map[string]float64) (any, error) {
	scale, ok := params["scale"]
	if !ok {
		scale = 1
	}
	offset := params["offset"]

	out := make([]float64, len(input))
	for i, v := range input {
		out[i] = v*scale + offset
	}
	return out, nil
}

// AggregateProcessor computes summary statistics.
type AggregateProcessor struct{}

func (p *AggregateProcessor) Process(_ context.Context, input []float64, _ map[string]float64) (any, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("aggregate requires at least one value")
	}

	sorted := make([]float64, len(input))
	copy(sorted, input)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return map[string]float64{
		"count": float64(len(sorted)),
		"sum":   sum,
		"mean":  sum / float64(len(sorted)),
		"min":   sorted[0],
		"max":   sorted[len(sorted)-1],
	}, nil
}
