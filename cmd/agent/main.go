package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/agent"
	"github.com/rvql/ringmaster/internal/channel"
	"github.com/rvql/ringmaster/internal/config"
	"github.com/rvql/ringmaster/internal/handler"
	"github.com/rvql/ringmaster/internal/logger"
	"github.com/rvql/ringmaster/internal/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.Build(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc := connectNATS(cfg.NATS, zl)
	defer nc.Close()

	ch := channel.NewNATSChannel(nc, cfg.Channel.SubjectPrefix, cfg.Channel.QueueSize, zl)
	defer ch.Close()

	var sampler agent.DeviceSampler
	if cfg.Agent.SimulateDevice {
		sampler = agent.NewSimulatedSampler(model.DeviceStatus{
			BatteryLevel: 80,
			CPUUsage:     25,
			MemoryUsage:  40,
			DiskUsage:    50,
		}, nil)
	} else {
		sampler = agent.NewSystemSampler(cfg.Agent.DiskPath, zl)
	}

	hostname, _ := os.Hostname()
	name := cfg.Agent.Name
	if name == "" {
		name = hostname
	}

	a := agent.NewAgent(agent.Config{
		ID:                   cfg.Agent.ID,
		Name:                 name,
		Capabilities:         cfg.Agent.Capabilities,
		MasterID:             cfg.Master.ID,
		HeartbeatInterval:    cfg.Agent.HeartbeatInterval,
		DeviceStatusInterval: cfg.Agent.DeviceStatusInterval,
		RegisterTimeout:      cfg.Agent.RegisterTimeout,
		MaxRegisterRetries:   cfg.Agent.MaxRegisterRetries,
	}, ch, sampler, zl)

	registerHandlers(a, zl)

	if err := a.Start(ctx); err != nil {
		zl.Fatal("Failed to start agent", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()

	select {
	case sig := <-sigCh:
		zl.Info("Received shutdown signal", zap.String("signal", sig.String()))
		a.Stop()
	case <-done:
		zl.Info("Agent stopped by master")
	}

	zl.Info("Agent shut down gracefully")
}

// registerHandlers wires the built-in task handlers. The deploy handler is
// skipped when no Docker daemon is reachable.
func registerHandlers(a *agent.Agent, zl *zap.Logger) {
	a.RegisterTaskHandler("process_data", handler.NewDataProcessingHandler(zl))
	a.RegisterTaskHandler("health_check", handler.NewHealthCheckHandler(zl))
	a.RegisterTaskHandler("probe_endpoint", handler.NewHTTPProbeHandler(zl))
	a.RegisterTaskHandler("shell_command", handler.NewShellCommandHandler(zl))

	deploy, err := handler.NewDeployHandler(zl)
	if err != nil {
		zl.Warn("Docker unavailable, deploy tasks disabled", zap.Error(err))
		return
	}
	a.RegisterTaskHandler("deploy", deploy)
}

func connectNATS(cfg config.NATS, zl *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name("ringmaster-agent"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zl.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zl.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			zl.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
			return nc
		}
		zl.Warn("Failed to connect to NATS, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	zl.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	return nil
}
