package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/agent"
	"github.com/rvql/ringmaster/internal/channel"
	"github.com/rvql/ringmaster/internal/config"
	"github.com/rvql/ringmaster/internal/handler"
	"github.com/rvql/ringmaster/internal/master"
	"github.com/rvql/ringmaster/internal/model"
)

// demoCapabilities are sampled per simulated agent.
var demoCapabilities = []string{"process_data", "health_check", "probe_endpoint", "monitor"}

// startDemoFleet spawns simulated in-process agents and a batch of tasks so
// the master has something to orchestrate on the in-memory channel. Returns
// a stop function; a no-op when the demo is disabled.
func startDemoFleet(ctx context.Context, cfg *config.Config, ch channel.Channel, coordinator *master.Coordinator, zl *zap.Logger) func() {
	if cfg.Demo.Agents <= 0 {
		return func() {}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	agents := make([]*agent.Agent, 0, cfg.Demo.Agents)

	for i := 0; i < cfg.Demo.Agents; i++ {
		capabilities := pickCapabilities(rng)
		sampler := agent.NewSimulatedSampler(model.DeviceStatus{
			BatteryLevel: 30 + rng.Intn(70),
			CPUUsage:     float64(10 + rng.Intn(60)),
			MemoryUsage:  float64(20 + rng.Intn(50)),
			DiskUsage:    float64(30 + rng.Intn(40)),
		}, nil)

		a := agent.NewAgent(agent.Config{
			ID:           fmt.Sprintf("demo-agent-%d", i+1),
			Name:         fmt.Sprintf("Demo Device %d", i+1),
			Capabilities: capabilities,
			MasterID:     cfg.Master.ID,
			OSVersion:    "demo-os 1.0",
			AppVersion:   "demo-app 1.0",
		}, ch, sampler, zl)

		a.RegisterTaskHandler("process_data", handler.NewDataProcessingHandler(zl))
		a.RegisterTaskHandler("health_check", handler.NewHealthCheckHandler(zl))
		a.RegisterTaskHandler("probe_endpoint", handler.NewHTTPProbeHandler(zl))
		a.RegisterTaskHandler("monitor", agent.HandlerFunc(simulateMonitor))

		if err := a.Start(ctx); err != nil {
			zl.Error("Failed to start demo agent",
				zap.String("agent_id", a.ID()),
				zap.Error(err))
			continue
		}
		agents = append(agents, a)
	}

	zl.Info("Demo fleet started", zap.Int("agents", len(agents)))

	for i := 0; i < cfg.Demo.Tasks; i++ {
		submitDemoTask(ctx, coordinator, rng, i, zl)
	}

	return func() {
		for _, a := range agents {
			a.Stop()
		}
	}
}

func pickCapabilities(rng *rand.Rand) []string {
	n := 1 + rng.Intn(len(demoCapabilities))
	picked := make([]string, 0, n)
	for _, idx := range rng.Perm(len(demoCapabilities))[:n] {
		picked = append(picked, demoCapabilities[idx])
	}
	return picked
}

func submitDemoTask(ctx context.Context, coordinator *master.Coordinator, rng *rand.Rand, i int, zl *zap.Logger) {
	input := make([]float64, 5+rng.Intn(10))
	for j := range input {
		input[j] = rng.Float64() * 100
	}
	payload, err := json.Marshal(handler.DataProcessingPayload{
		Input:     input,
		Operation: "aggregate",
	})
	if err != nil {
		zl.Error("Failed to marshal demo payload", zap.Error(err))
		return
	}

	priority := model.TaskPriorityNormal
	if i%3 == 0 {
		priority = model.TaskPriorityHigh
	}

	taskID, err := coordinator.SubmitTask(ctx, &model.Task{
		Type:     "process_data",
		Priority: priority,
		Payload:  payload,
	})
	if err != nil {
		zl.Error("Failed to submit demo task", zap.Error(err))
		return
	}
	zl.Info("Submitted demo task", zap.String("task_id", taskID))
}

// simulateMonitor stands in for a device-side monitoring probe.
func simulateMonitor(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.TaskResult{
		TaskID: task.ID,
		Status: model.TaskStatusCompleted,
		Result: json.RawMessage(`{"monitor":"ok"}`),
	}, nil
}
