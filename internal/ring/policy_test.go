package ring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvql/ringmaster/internal/model"
)

func newTestPolicy(t *testing.T, cfg Config) *Policy {
	t.Helper()
	return NewPolicy(cfg, rand.New(rand.NewSource(1)))
}

func healthyDevice() model.DeviceStatus {
	return model.DeviceStatus{
		BatteryLevel: 90,
		CPUUsage:     10,
		MemoryUsage:  30,
	}
}

func TestHealthy(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	tests := []struct {
		name    string
		device  model.DeviceStatus
		healthy bool
	}{
		{"all clear", model.DeviceStatus{BatteryLevel: 90, CPUUsage: 10, MemoryUsage: 30}, true},
		{"battery at floor", model.DeviceStatus{BatteryLevel: 20, CPUUsage: 10, MemoryUsage: 30}, false},
		{"battery just above floor", model.DeviceStatus{BatteryLevel: 21, CPUUsage: 10, MemoryUsage: 30}, true},
		{"cpu at ceiling", model.DeviceStatus{BatteryLevel: 90, CPUUsage: 80, MemoryUsage: 30}, false},
		{"memory at ceiling", model.DeviceStatus{BatteryLevel: 90, CPUUsage: 10, MemoryUsage: 85}, false},
		{"everything maxed", model.DeviceStatus{BatteryLevel: 5, CPUUsage: 99, MemoryUsage: 99}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, p.Healthy(tt.device))
		})
	}
}

func TestPlaceHealthyPicksLeastPopulated(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	counts := map[model.Ring]int{
		model.RingCanary: 3,
		model.RingDev:    2,
		model.RingStage:  1,
		model.RingProd:   4,
	}
	assert.Equal(t, model.RingStage, p.Place(healthyDevice(), counts))
}

func TestPlaceTieFavorsEarliestRing(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	counts := map[model.Ring]int{
		model.RingCanary: 1,
		model.RingDev:    1,
		model.RingStage:  1,
		model.RingProd:   1,
	}
	assert.Equal(t, model.RingCanary, p.Place(healthyDevice(), counts))
}

func TestPlaceUnhealthyStaysInEarlyRings(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())
	unhealthy := model.DeviceStatus{BatteryLevel: 10, CPUUsage: 95, MemoryUsage: 90}

	counts := map[model.Ring]int{model.RingProd: 0}
	for i := 0; i < 50; i++ {
		r := p.Place(unhealthy, counts)
		assert.Contains(t, []model.Ring{model.RingCanary, model.RingDev}, r)
	}
}

func TestRebalanceAssignsUnplacedWorker(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())

	next, reason, moved := p.Rebalance(model.RingUnassigned, healthyDevice(), map[model.Ring]int{})
	require.True(t, moved)
	assert.Equal(t, ReasonAutoAssign, reason)
	assert.Contains(t, model.Rings(), next)
}

func TestRebalanceDemotesUnhealthyFromProd(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())
	unhealthy := model.DeviceStatus{BatteryLevel: 12, CPUUsage: 91.5, MemoryUsage: 40}

	next, reason, moved := p.Rebalance(model.RingProd, unhealthy, map[model.Ring]int{})
	require.True(t, moved)
	assert.Contains(t, []model.Ring{model.RingCanary, model.RingDev}, next)
	assert.Contains(t, reason, "moved from PROD")
	assert.Contains(t, reason, "Battery: 12%")
	assert.Contains(t, reason, "CPU: 91.5%")
}

func TestRebalanceUnhealthyOutsideProdStaysPut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReassignChance = 0
	p := newTestPolicy(t, cfg)
	unhealthy := model.DeviceStatus{BatteryLevel: 5, CPUUsage: 95, MemoryUsage: 90}

	_, _, moved := p.Rebalance(model.RingDev, unhealthy, map[model.Ring]int{})
	assert.False(t, moved)
}

func TestRebalanceZeroChanceNeverMoves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReassignChance = 0
	p := newTestPolicy(t, cfg)

	for i := 0; i < 100; i++ {
		_, _, moved := p.Rebalance(model.RingStage, healthyDevice(), map[model.Ring]int{})
		assert.False(t, moved)
	}
}

func TestRebalanceFullChanceMovesAmongAllRings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReassignChance = 1
	p := newTestPolicy(t, cfg)

	seen := make(map[model.Ring]bool)
	for i := 0; i < 200; i++ {
		next, reason, moved := p.Rebalance(model.RingCanary, healthyDevice(), map[model.Ring]int{})
		if moved {
			assert.Equal(t, ReasonRebalance, reason)
			assert.NotEqual(t, model.RingCanary, next)
			seen[next] = true
		}
	}
	assert.True(t, seen[model.RingProd], "healthy workers should reach prod eventually")
}

func TestRebalanceFullChanceKeepsUnhealthyOutOfProd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReassignChance = 1
	p := newTestPolicy(t, cfg)
	unhealthy := model.DeviceStatus{BatteryLevel: 5, CPUUsage: 95, MemoryUsage: 90}

	for i := 0; i < 200; i++ {
		next, _, moved := p.Rebalance(model.RingStage, unhealthy, map[model.Ring]int{})
		if moved {
			assert.NotEqual(t, model.RingProd, next)
		}
	}
}
