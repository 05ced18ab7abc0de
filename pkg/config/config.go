package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration schema for drover processes.
// Component packages define their own runtime Config structs; cmd maps
// these fields onto them at startup.
type Config struct {
	DataDir      string `yaml:"data_dir"`
	ArtifactRoot string `yaml:"artifact_root"`

	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Engine     EngineConfig     `yaml:"engine"`
	Queue      QueueConfig      `yaml:"queue"`
	Pool       PoolConfig       `yaml:"pool"`
	Budget     BudgetConfig     `yaml:"budget"`
	Workers    WorkerConfig     `yaml:"workers"`
	Registry   RegistryConfig   `yaml:"registry"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

// LogConfig selects level and format
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// APIConfig controls the HTTP surface
type APIConfig struct {
	Listen        string  `yaml:"listen"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`

	// AuthEnabled requires a bearer token on every /v1 route. The
	// server mints an admin token on first start when none exists.
	AuthEnabled bool `yaml:"auth_enabled"`
}

// EngineConfig controls how runs execute
type EngineConfig struct {
	// Dispatch is "pool" (nodes run in-process on the execution pool)
	// or "queue" (nodes are enqueued for workers to lease)
	Dispatch string `yaml:"dispatch"`

	// StepTimeout bounds one node execution on the pool path and is
	// stamped onto queued tasks on the queue path
	StepTimeout time.Duration `yaml:"step_timeout"`

	// ResultPoll is how often the engine checks queued tasks for
	// stage results
	ResultPoll time.Duration `yaml:"result_poll"`
}

// QueueConfig controls task queueing and leasing
type QueueConfig struct {
	// Backend is "local" (in-process, snapshot to disk) or "redis"
	Backend string `yaml:"backend"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	MaxAttempts   int           `yaml:"max_attempts"`

	// SweepInterval must not exceed LeaseDuration/4 so expired leases
	// are reclaimed promptly.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// AgingBoost is the head start each priority class gets over the
	// next weaker one. It bounds how long a strong class can keep a
	// weak one waiting.
	AgingBoost time.Duration `yaml:"aging_boost"`

	// PeekDepth bounds the capability-filtered scan during dequeue
	PeekDepth int `yaml:"peek_depth"`

	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// PoolConfig controls per-run execution pools
type PoolConfig struct {
	Concurrency int     `yaml:"concurrency"`
	Threshold   float64 `yaml:"threshold"`

	// CancelGrace is how long in-flight steps get to finish after a
	// cancellation before they are abandoned as failed.
	CancelGrace time.Duration `yaml:"cancel_grace"`
}

// BudgetConfig controls admission and ledger behavior
type BudgetConfig struct {
	// Slack is the safety margin projections keep below the hard
	// limit; admission itself compares exactly.
	Slack         float64       `yaml:"slack"`
	LedgerRetries int           `yaml:"ledger_retries"`
	LedgerBackoff time.Duration `yaml:"ledger_backoff"`
	// BreakerCooldown is how long a tripped ledger breaker stays open
	// before allowing a probe write.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// WorkerConfig controls worker processes
type WorkerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DequeueWait       time.Duration `yaml:"dequeue_wait"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
}

// RegistryConfig controls worker liveness tracking on the control plane
type RegistryConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// SchedulerConfig controls the run dispatch loop
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`

	// Burst caps how many runs one dispatch pass hands to the engine,
	// so a backlog drains over several ticks instead of one stampede.
	Burst int `yaml:"burst"`
}

// ReconcilerConfig controls the background repair loop
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file overrides it
func Default() Config {
	return Config{
		DataDir:      "/var/lib/drover",
		ArtifactRoot: "/var/lib/drover/artifacts",
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
		API: APIConfig{
			Listen:        ":8080",
			RatePerSecond: 100,
			RateBurst:     100,
		},
		Engine: EngineConfig{
			Dispatch:    "pool",
			StepTimeout: 120 * time.Second,
			ResultPoll:  200 * time.Millisecond,
		},
		Queue: QueueConfig{
			Backend:          "local",
			RedisPrefix:      "drover",
			LeaseDuration:    300 * time.Second,
			MaxAttempts:      3,
			SweepInterval:    75 * time.Second,
			AgingBoost:       5 * time.Minute,
			PeekDepth:        64,
			SnapshotInterval: 10 * time.Second,
		},
		Pool: PoolConfig{
			Concurrency: 10,
			Threshold:   0.8,
			CancelGrace: 5 * time.Second,
		},
		Budget: BudgetConfig{
			Slack:           0.05,
			LedgerRetries:   3,
			LedgerBackoff:   100 * time.Millisecond,
			BreakerCooldown: 30 * time.Second,
		},
		Workers: WorkerConfig{
			HeartbeatInterval: 15 * time.Second,
			DequeueWait:       5 * time.Second,
			StepTimeout:       120 * time.Second,
		},
		Registry: RegistryConfig{
			HeartbeatTimeout: 60 * time.Second,
			SweepInterval:    15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval: 2 * time.Second,
			Burst:    16,
		},
		Reconciler: ReconcilerConfig{
			Interval: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the invariants components rely on
func (c *Config) Validate() error {
	if c.Pool.Concurrency < 1 {
		return fmt.Errorf("pool.concurrency must be at least 1, got %d", c.Pool.Concurrency)
	}
	if c.Pool.Threshold <= 0 || c.Pool.Threshold > 1 {
		return fmt.Errorf("pool.threshold must be in (0,1], got %v", c.Pool.Threshold)
	}
	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("queue.lease_duration must be positive, got %v", c.Queue.LeaseDuration)
	}
	if c.Queue.SweepInterval > c.Queue.LeaseDuration/4 {
		return fmt.Errorf("queue.sweep_interval %v exceeds lease_duration/4 (%v)",
			c.Queue.SweepInterval, c.Queue.LeaseDuration/4)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.Backend != "local" && c.Queue.Backend != "redis" {
		return fmt.Errorf("queue.backend must be \"local\" or \"redis\", got %q", c.Queue.Backend)
	}
	if c.Engine.Dispatch != "pool" && c.Engine.Dispatch != "queue" {
		return fmt.Errorf("engine.dispatch must be \"pool\" or \"queue\", got %q", c.Engine.Dispatch)
	}
	if c.Budget.Slack < 0 || c.Budget.Slack >= 1 {
		return fmt.Errorf("budget.slack must be in [0,1), got %v", c.Budget.Slack)
	}
	if c.API.RatePerSecond <= 0 {
		return fmt.Errorf("api.rate_per_second must be positive, got %v", c.API.RatePerSecond)
	}
	if c.Workers.HeartbeatInterval <= 0 || c.Registry.HeartbeatTimeout <= c.Workers.HeartbeatInterval {
		return fmt.Errorf("registry.heartbeat_timeout %v must exceed workers.heartbeat_interval %v",
			c.Registry.HeartbeatTimeout, c.Workers.HeartbeatInterval)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %v", c.Scheduler.Interval)
	}
	if c.Scheduler.Burst < 1 {
		return fmt.Errorf("scheduler.burst must be at least 1, got %d", c.Scheduler.Burst)
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be positive, got %v", c.Reconciler.Interval)
	}
	return nil
}
