// Package health tracks the liveness of control plane components for
// readiness reporting. Components register probe functions; the
// monitor runs them on demand with a per-probe budget and smooths
// one-off blips with a consecutive-failure threshold.
package health

import (
	"context"
	"sync"
	"time"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// CheckFunc probes one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Config bounds probing
type Config struct {
	// Timeout is the per-component probe budget
	Timeout time.Duration

	// Retries is the consecutive failure count at which a component
	// turns unhealthy. One success resets it.
	Retries int
}

// DefaultConfig returns the probing defaults
func DefaultConfig() Config {
	return Config{
		Timeout: 250 * time.Millisecond,
		Retries: 1,
	}
}

// Status tracks one component across probes
type Status struct {
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	ConsecutiveSuccesses int    `json:"consecutive_successes"`
	LastResult           Result `json:"last_result"`
	Healthy              bool   `json:"healthy"`
}

// Monitor runs registered checks and keeps per-component status.
// Components start healthy; they turn unhealthy only after Retries
// consecutive probe failures.
type Monitor struct {
	cfg Config

	mu     sync.Mutex
	order  []string
	checks map[string]CheckFunc
	status map[string]*Status
}

// NewMonitor builds an empty monitor
func NewMonitor(cfg Config) *Monitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	return &Monitor{
		cfg:    cfg,
		checks: make(map[string]CheckFunc),
		status: make(map[string]*Status),
	}
}

// Register adds a named component probe. Registering a name twice
// replaces the probe and resets the component's status.
func (m *Monitor) Register(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checks[name]; !exists {
		m.order = append(m.order, name)
	}
	m.checks[name] = fn
	m.status[name] = &Status{Healthy: true}
}

// CheckAll probes every component once and returns the raw results.
// Smoothing applies to Healthy and Snapshot, not to the returned
// results.
func (m *Monitor) CheckAll(ctx context.Context) map[string]Result {
	m.mu.Lock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.Unlock()

	results := make(map[string]Result, len(names))
	for _, name := range names {
		results[name] = m.probe(ctx, name, checks[name])
	}
	return results
}

func (m *Monitor) probe(ctx context.Context, name string, fn CheckFunc) Result {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := fn(probeCtx)
	res := Result{
		Healthy:   err == nil,
		CheckedAt: start.UTC(),
		Duration:  time.Since(start),
	}
	if err != nil {
		res.Message = err.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status[name]
	if st == nil {
		return res
	}
	st.LastResult = res
	if res.Healthy {
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		st.Healthy = true
	} else {
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
		if st.ConsecutiveFailures >= m.cfg.Retries {
			st.Healthy = false
		}
	}
	return res
}

// Healthy reports whether every component is healthy after smoothing
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.status {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every component's tracked status
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.status))
	for name, st := range m.status {
		out[name] = *st
	}
	return out
}
