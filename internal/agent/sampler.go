package agent

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// DeviceSampler produces the device health snapshot an agent reports to the
// master. Snapshots drive ring placement, so tests inject deterministic
// samplers.
type DeviceSampler interface {
	Sample(ctx context.Context) (model.DeviceStatus, error)
}

// SystemSampler reads real CPU, memory and disk usage from the host. Servers
// expose no battery, so the battery walks a simulated drain/charge cycle to
// keep the health predicate exercised end to end.
type SystemSampler struct {
	logger *zap.Logger
	path   string

	mu      sync.Mutex
	battery *batteryWalk
}

// NewSystemSampler creates a sampler reading host metrics. Disk usage is
// measured at path, defaulting to the filesystem root.
func NewSystemSampler(path string, logger *zap.Logger) *SystemSampler {
	if path == "" {
		path = "/"
	}
	return &SystemSampler{
		logger:  logger.Named("sampler"),
		path:    path,
		battery: newBatteryWalk(nil),
	}
}

// Sample implements DeviceSampler. Individual metric failures are logged and
// leave the field at zero rather than failing the whole snapshot.
func (s *SystemSampler) Sample(ctx context.Context) (model.DeviceStatus, error) {
	status := model.DeviceStatus{UpdatedAt: time.Now()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		s.logger.Warn("Failed to read CPU usage", zap.Error(err))
	} else if len(percents) > 0 {
		status.CPUUsage = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		s.logger.Warn("Failed to read memory usage", zap.Error(err))
	} else {
		status.MemoryUsage = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, s.path); err != nil {
		s.logger.Warn("Failed to read disk usage",
			zap.String("path", s.path),
			zap.Error(err))
	} else {
		status.DiskUsage = du.UsedPercent
	}

	s.mu.Lock()
	status.BatteryLevel, status.BatteryCharging = s.battery.step()
	s.mu.Unlock()

	return status, nil
}

// SimulatedSampler walks every metric with a random drift, for demo fleets
// and tests that need movement without real hardware.
type SimulatedSampler struct {
	mu      sync.Mutex
	rng     *rand.Rand
	battery *batteryWalk
	status  model.DeviceStatus
}

// NewSimulatedSampler seeds a simulated device. A nil rng gets a time-seeded
// source.
func NewSimulatedSampler(initial model.DeviceStatus, rng *rand.Rand) *SimulatedSampler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &SimulatedSampler{rng: rng, status: initial, battery: newBatteryWalk(rng)}
	s.battery.level = initial.BatteryLevel
	s.battery.charging = initial.BatteryCharging
	return s
}

// Sample implements DeviceSampler.
func (s *SimulatedSampler) Sample(context.Context) (model.DeviceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.BatteryLevel, s.status.BatteryCharging = s.battery.step()
	s.status.CPUUsage = clampPercent(s.status.CPUUsage + (s.rng.Float64()-0.5)*20)
	s.status.MemoryUsage = clampPercent(s.status.MemoryUsage + (s.rng.Float64()-0.5)*20)
	s.status.DiskUsage = clampPercent(s.status.DiskUsage + s.rng.Float64()*0.5)
	s.status.UpdatedAt = time.Now()
	return s.status, nil
}

// StaticSampler always returns the same snapshot, for deterministic tests.
type StaticSampler struct {
	Status model.DeviceStatus
}

// Sample implements DeviceSampler.
func (s StaticSampler) Sample(context.Context) (model.DeviceStatus, error) {
	status := s.Status
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now()
	}
	return status, nil
}

// batteryWalk drains the battery while discharging, plugs in below 15%, and
// unplugs again at 95%.
type batteryWalk struct {
	rng      *rand.Rand
	level    int
	charging bool
}

func newBatteryWalk(rng *rand.Rand) *batteryWalk {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &batteryWalk{rng: rng, level: 100}
}

func (b *batteryWalk) step() (int, bool) {
	if b.charging {
		b.level += 5
		if b.level >= 95 {
			b.level = 95
			b.charging = false
		}
	} else {
		b.level -= b.rng.Intn(3)
		if b.level <= 15 {
			b.charging = true
		}
		if b.level < 0 {
			b.level = 0
		}
	}
	return b.level, b.charging
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
