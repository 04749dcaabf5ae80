// Package config loads the application configuration from YAML and the
// environment via viper. Every orchestration tunable lives here so demo
// values never end up hard-coded.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for both the master and agent binaries.
type Config struct {
	App     App     `mapstructure:"app"`
	Logger  Logger  `mapstructure:"logger"`
	Channel Channel `mapstructure:"channel"`
	NATS    NATS    `mapstructure:"nats"`
	Master  Master  `mapstructure:"master"`
	Ring    Ring    `mapstructure:"ring"`
	Agent   Agent   `mapstructure:"agent"`
	Demo    Demo    `mapstructure:"demo"`
}

// App identifies the running binary.
type App struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// Logger configures log output.
type Logger struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// Channel selects and sizes the message channel backend.
type Channel struct {
	// Backend is "memory" or "nats".
	Backend string `mapstructure:"backend"`

	// QueueSize bounds each receiver's queue.
	QueueSize int `mapstructure:"queue_size"`

	// SubjectPrefix namespaces NATS subjects.
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// NATS configures the connection to the broker.
type NATS struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`

	// Embedded runs an in-process NATS server instead of dialing out.
	Embedded bool `mapstructure:"embedded"`
}

// Master configures the coordinator.
type Master struct {
	ID                string        `mapstructure:"id"`
	DispatchInterval  time.Duration `mapstructure:"dispatch_interval"`
	LivenessInterval  time.Duration `mapstructure:"liveness_interval"`
	WorkerTimeout     time.Duration `mapstructure:"worker_timeout"`
	RebalanceInterval time.Duration `mapstructure:"rebalance_interval"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`

	// AuditDBPath locates the SQLite audit trail. Empty disables it.
	AuditDBPath string `mapstructure:"audit_db_path"`

	// Schedules submit recurring tasks on cron expressions.
	Schedules []Schedule `mapstructure:"schedules"`
}

// Schedule declares one recurring task submission.
type Schedule struct {
	Name       string `mapstructure:"name"`
	Expression string `mapstructure:"expression"`
	TaskType   string `mapstructure:"task_type"`
	Priority   int    `mapstructure:"priority"`
	MaxRetries int    `mapstructure:"max_retries"`
	Payload    string `mapstructure:"payload"`
}

// Ring configures the ring assignment policy.
type Ring struct {
	BatteryFloor   int     `mapstructure:"battery_floor"`
	CPUCeiling     float64 `mapstructure:"cpu_ceiling"`
	MemoryCeiling  float64 `mapstructure:"memory_ceiling"`
	ReassignChance float64 `mapstructure:"reassign_chance"`
}

// Agent configures the worker agent.
type Agent struct {
	ID                   string        `mapstructure:"id"`
	Name                 string        `mapstructure:"name"`
	Capabilities         []string      `mapstructure:"capabilities"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	DeviceStatusInterval time.Duration `mapstructure:"device_status_interval"`
	RegisterTimeout      time.Duration `mapstructure:"register_timeout"`
	MaxRegisterRetries   int           `mapstructure:"max_register_retries"`

	// SimulateDevice reports randomly walking metrics instead of host ones.
	SimulateDevice bool `mapstructure:"simulate_device"`

	// DiskPath is where disk usage is measured when not simulating.
	DiskPath string `mapstructure:"disk_path"`
}

// Demo spawns an in-process fleet of simulated agents, for running the
// master standalone on the in-memory channel.
type Demo struct {
	Agents int `mapstructure:"agents"`
	Tasks  int `mapstructure:"tasks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ringmaster")
	v.SetDefault("app.env", "development")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")

	v.SetDefault("channel.backend", "memory")
	v.SetDefault("channel.queue_size", 1000)
	v.SetDefault("channel.subject_prefix", "ringmaster")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.embedded", false)

	v.SetDefault("master.id", "master-orchestrator")
	v.SetDefault("master.dispatch_interval", time.Second)
	v.SetDefault("master.liveness_interval", 5*time.Second)
	v.SetDefault("master.worker_timeout", 20*time.Second)
	v.SetDefault("master.rebalance_interval", 30*time.Second)
	v.SetDefault("master.default_max_retries", 3)
	v.SetDefault("master.audit_db_path", "")

	v.SetDefault("ring.battery_floor", 20)
	v.SetDefault("ring.cpu_ceiling", 80.0)
	v.SetDefault("ring.memory_ceiling", 85.0)
	v.SetDefault("ring.reassign_chance", 0.1)

	v.SetDefault("agent.capabilities", []string{"health_check", "process_data"})
	v.SetDefault("agent.heartbeat_interval", 5*time.Second)
	v.SetDefault("agent.device_status_interval", 10*time.Second)
	v.SetDefault("agent.register_timeout", 5*time.Second)
	v.SetDefault("agent.max_register_retries", 3)
	v.SetDefault("agent.simulate_device", false)
	v.SetDefault("agent.disk_path", "/")

	v.SetDefault("demo.agents", 0)
	v.SetDefault("demo.tasks", 0)
}

// Load reads config.yaml from the given search paths, falling back to
// defaults for anything unset. Environment variables prefixed RINGMASTER_
// override file values (e.g. RINGMASTER_NATS_URL).
func Load(paths ...string) (*Config, error) {
	v := viper.GetViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("ringmaster")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
