package metrics

import (
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// Sources the collector polls. Narrow interfaces keep this package
// free of dependencies on the components it observes.
type (
	// RunSource lists runs for the per-state gauge
	RunSource interface {
		ListRuns() ([]*types.Run, error)
	}

	// TenantSource lists tenants
	TenantSource interface {
		ListTenants() ([]*types.Tenant, error)
	}
)

// Collector refreshes the store-derived gauges on an interval. Runs
// mutate in several subsystems, so no single one of them can keep the
// per-state gauge honest; polling the store is the level-triggered
// answer. A nil source is skipped.
type Collector struct {
	runs     RunSource
	tenants  TenantSource
	interval time.Duration

	stop    chan struct{}
	stopped sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewCollector builds the collector and starts its polling loop. An
// interval of zero means 15 seconds.
func NewCollector(runs RunSource, tenants TenantSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	c := &Collector{
		runs:     runs,
		tenants:  tenants,
		interval: interval,
		stop:     make(chan struct{}),
	}
	c.stopped.Add(1)
	go c.loop()
	return c
}

// Close stops the polling loop. Safe to call twice.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.stopped.Wait()
	return nil
}

func (c *Collector) loop() {
	defer c.stopped.Done()

	// Collect immediately so gauges are warm before the first scrape
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stop:
			return
		}
	}
}

func (c *Collector) collect() {
	c.collectRuns()
	c.collectTenants()
}

func (c *Collector) collectRuns() {
	if c.runs == nil {
		return
	}
	runs, err := c.runs.ListRuns()
	if err != nil {
		return
	}

	counts := make(map[types.RunState]int)
	for _, run := range runs {
		counts[run.State]++
	}

	// Zero every known state so stale gauges clear
	for state := range types.ValidRunTransitions {
		RunsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectTenants() {
	if c.tenants == nil {
		return
	}
	tenants, err := c.tenants.ListTenants()
	if err != nil {
		return
	}
	TenantsTotal.Set(float64(len(tenants)))
}
