package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/channel"
	"github.com/rvql/ringmaster/internal/config"
	"github.com/rvql/ringmaster/internal/logger"
	"github.com/rvql/ringmaster/internal/master"
	"github.com/rvql/ringmaster/internal/model"
	"github.com/rvql/ringmaster/internal/ring"
	"github.com/rvql/ringmaster/internal/storage"
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

	ch, cleanupChannel := buildChannel(ctx, cfg, zl)
	defer cleanupChannel()

	var store storage.EventStore = storage.NopEventStore{}
	if cfg.Master.AuditDBPath != "" {
		sqlStore, err := storage.NewSQLiteEventStore(zl, cfg.Master.AuditDBPath)
		if err != nil {
			zl.Fatal("Failed to open audit store",
				zap.String("path", cfg.Master.AuditDBPath),
				zap.Error(err))
		}
		defer sqlStore.Close()
		store = sqlStore
		zl.Info("Audit trail enabled", zap.String("path", cfg.Master.AuditDBPath))
	}

	policy := ring.NewPolicy(ring.Config{
		BatteryFloor:   cfg.Ring.BatteryFloor,
		CPUCeiling:     cfg.Ring.CPUCeiling,
		MemoryCeiling:  cfg.Ring.MemoryCeiling,
		ReassignChance: cfg.Ring.ReassignChance,
	}, nil)

	coordinator := master.NewCoordinator(master.Config{
		ID:                cfg.Master.ID,
		DispatchInterval:  cfg.Master.DispatchInterval,
		LivenessInterval:  cfg.Master.LivenessInterval,
		WorkerTimeout:     cfg.Master.WorkerTimeout,
		RebalanceInterval: cfg.Master.RebalanceInterval,
		DefaultMaxRetries: cfg.Master.DefaultMaxRetries,
	}, ch, policy, store, zl)

	if err := coordinator.Start(ctx); err != nil {
		zl.Fatal("Failed to start coordinator", zap.Error(err))
	}

	schedules := master.NewScheduleManager(coordinator, zl)
	for _, s := range cfg.Master.Schedules {
		schedule := &model.TaskSchedule{
			Name:       s.Name,
			Expression: s.Expression,
			TaskType:   s.TaskType,
			Priority:   model.TaskPriority(s.Priority),
			MaxRetries: s.MaxRetries,
		}
		if s.Payload != "" {
			schedule.Payload = []byte(s.Payload)
		}
		if err := schedules.Add(ctx, schedule); err != nil {
			zl.Error("Failed to add schedule",
				zap.String("name", s.Name),
				zap.Error(err))
		}
	}
	schedules.Start()
	defer schedules.Stop()

	stopDemo := startDemoFleet(ctx, cfg, ch, coordinator, zl)
	defer stopDemo()

	go reportClusterStatus(ctx, coordinator, zl)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl.Info("Received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	coordinator.Stop()
	zl.Info("Master shut down gracefully")
}

// buildChannel constructs the configured message channel backend. The
// returned cleanup tears down the channel and any NATS resources it owns.
func buildChannel(ctx context.Context, cfg *config.Config, zl *zap.Logger) (channel.Channel, func()) {
	switch cfg.Channel.Backend {
	case "memory":
		ch := channel.NewMemoryChannel(cfg.Channel.QueueSize, zl)
		return ch, func() { ch.Close() }

	case "nats":
		url := cfg.NATS.URL
		var embedded *natsserver.Server
		if cfg.NATS.Embedded {
			embedded = startEmbeddedServer(zl)
			url = embedded.ClientURL()
		}

		nc := connectNATS(ctx, url, cfg.NATS, zl)
		ch := channel.NewNATSChannel(nc, cfg.Channel.SubjectPrefix, cfg.Channel.QueueSize, zl)
		return ch, func() {
			ch.Close()
			nc.Close()
			if embedded != nil {
				embedded.Shutdown()
			}
		}

	default:
		zl.Fatal("Unknown channel backend", zap.String("backend", cfg.Channel.Backend))
		return nil, nil
	}
}

// startEmbeddedServer runs an in-process NATS server on a free port.
func startEmbeddedServer(zl *zap.Logger) *natsserver.Server {
	s, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		zl.Fatal("Failed to create embedded NATS server", zap.Error(err))
	}

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		zl.Fatal("Embedded NATS server did not become ready")
	}

	zl.Info("Embedded NATS server started", zap.String("url", s.ClientURL()))
	return s
}

func connectNATS(ctx context.Context, url string, cfg config.NATS, zl *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name("ringmaster-master"),
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
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			zl.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
			return nc
		}
		zl.Warn("Failed to connect to NATS, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			zl.Fatal("Shutdown while connecting to NATS")
		}
	}
	zl.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	return nil
}

// reportClusterStatus logs the cluster aggregate periodically.
func reportClusterStatus(ctx context.Context, coordinator *master.Coordinator, zl *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := coordinator.ClusterStatus()
			zl.Info("Cluster status",
				zap.Int("workers_total", status.TotalWorkers),
				zap.Int("workers_idle", status.IdleWorkers),
				zap.Int("workers_busy", status.BusyWorkers),
				zap.Int("workers_dead", status.DeadWorkers),
				zap.Int("workers_healthy", status.HealthyWorkers),
				zap.Int("tasks_pending", status.PendingTasks),
				zap.Any("rings", status.RingDistribution),
				zap.Any("tasks", status.TaskCounts))
		}
	}
}
