// Package ring decides which deployment ring a worker belongs to. The policy
// is pure: it reads device metrics and ring populations and proposes moves,
// while the master owns the actual assignments.
package ring

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rvql/ringmaster/internal/model"
)

// Reasons recorded alongside policy-driven ring moves.
const (
	ReasonAutoAssign = "Auto-assignment based on device health"
	ReasonRebalance  = "Random rebalancing for load distribution"
	ReasonManual     = "Manual assignment"
)

// Config holds the health thresholds and the random rebalancing rate.
type Config struct {
	BatteryFloor   int     `mapstructure:"battery_floor"`
	CPUCeiling     float64 `mapstructure:"cpu_ceiling"`
	MemoryCeiling  float64 `mapstructure:"memory_ceiling"`
	ReassignChance float64 `mapstructure:"reassign_chance"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		BatteryFloor:   20,
		CPUCeiling:     80,
		MemoryCeiling:  85,
		ReassignChance: 0.1,
	}
}

// Policy evaluates ring placement for workers. Safe for concurrent use.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a policy. A nil rng gets a time-seeded source; tests pass
// a fixed-seed rng for deterministic moves.
func NewPolicy(cfg Config, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{cfg: cfg, rng: rng}
}

// Healthy reports whether the device clears the deployment thresholds.
func (p *Policy) Healthy(d model.DeviceStatus) bool {
	return d.BatteryLevel > p.cfg.BatteryFloor &&
		d.CPUUsage < p.cfg.CPUCeiling &&
		d.MemoryUsage < p.cfg.MemoryCeiling
}

// Place chooses the initial ring for a worker. Healthy devices go to the
// least populated ring, unhealthy ones to one of the early rings.
func (p *Policy) Place(d model.DeviceStatus, counts map[model.Ring]int) model.Ring {
	if !p.Healthy(d) {
		return p.pick(model.RingCanary, model.RingDev)
	}

	best := model.RingCanary
	for _, r := range model.Rings() {
		if counts[r] < counts[best] {
			best = r
		}
	}
	return best
}

// Rebalance proposes a move for one worker during a rebalancing sweep. It
// returns the target ring, the reason to record, and whether to move at all.
func (p *Policy) Rebalance(current model.Ring, d model.DeviceStatus, counts map[model.Ring]int) (model.Ring, string, bool) {
	if current == model.RingUnassigned {
		return p.Place(d, counts), ReasonAutoAssign, true
	}

	healthy := p.Healthy(d)
	if !healthy && current == model.RingProd {
		reason := fmt.Sprintf("Device unhealthy - moved from PROD (Battery: %d%%, CPU: %.1f%%)",
			d.BatteryLevel, d.CPUUsage)
		return p.pick(model.RingCanary, model.RingDev), reason, true
	}

	if p.chance() {
		candidates := []model.Ring{model.RingCanary, model.RingDev, model.RingStage}
		if healthy {
			candidates = append(candidates, model.RingProd)
		}
		next := p.pick(candidates...)
		if next != current {
			return next, ReasonRebalance, true
		}
	}

	return current, "", false
}

func (p *Policy) pick(rings ...model.Ring) model.Ring {
	p.mu.Lock()
	defer p.mu.Unlock()
	return rings[p.rng.Intn(len(rings))]
}

func (p *Policy) chance() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64() < p.cfg.ReassignChance
}
