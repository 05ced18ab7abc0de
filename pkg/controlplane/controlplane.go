package controlplane

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/types"
)

// entry wraps one worker with its own lock, so heartbeat processing
// never serializes across workers
type entry struct {
	mu sync.Mutex
	w  types.Worker
}

// Registry tracks workers and their liveness. A sweeper marks workers
// dead once their heartbeat is older than the timeout and hands their
// leases back to the queue, where the tasks rejoin pending with the
// next attempt number.
type Registry struct {
	cfg    config.RegistryConfig
	queue  queue.Queue
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*entry

	stop    chan struct{}
	stopped sync.WaitGroup
	closed  bool
}

// NewRegistry builds the worker registry and starts the dead-worker
// sweeper
func NewRegistry(cfg config.RegistryConfig, q queue.Queue, broker *events.Broker) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatTimeout / 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}

	r := &Registry{
		cfg:     cfg,
		queue:   q,
		broker:  broker,
		logger:  log.WithComponent("controlplane"),
		workers: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	r.stopped.Add(1)
	go r.sweeper()
	return r
}

// Register adds a worker or refreshes an existing registration.
// Re-registering is idempotent: capabilities and limits are replaced
// and the worker counts as alive again.
func (r *Registry) Register(w types.Worker) error {
	if w.ID == "" {
		return fault.New(fault.CodeSpecInvalid, "worker id is required")
	}
	if w.MaxConcurrent < 1 {
		w.MaxConcurrent = 1
	}
	now := time.Now().UTC()

	r.mu.Lock()
	e, exists := r.workers[w.ID]
	if !exists {
		e = &entry{}
		r.workers[w.ID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	first := e.w.RegisteredAt.IsZero()
	if first {
		e.w.RegisteredAt = now
	}
	e.w.ID = w.ID
	e.w.Capabilities = append([]string(nil), w.Capabilities...)
	e.w.MaxConcurrent = w.MaxConcurrent
	e.w.Status = types.WorkerReady
	e.w.LastHeartbeat = now
	e.mu.Unlock()

	r.updateGauges()
	if first {
		r.logger.Info().Str("worker_id", w.ID).Strs("capabilities", w.Capabilities).Msg("Worker registered")
		r.publish(&types.Event{Type: events.EventWorkerJoined, WorkerID: w.ID})
	}
	return nil
}

// Heartbeat records that a worker is alive. This is the hot path: one
// timestamp update under the worker's own lock.
func (r *Registry) Heartbeat(workerID string, activeTasks int) error {
	r.mu.RLock()
	e, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return fault.Newf(fault.CodeWorkerUnknown, "worker %s", workerID)
	}

	e.mu.Lock()
	e.w.LastHeartbeat = time.Now().UTC()
	e.w.ActiveTasks = activeTasks
	revived := e.w.Status == types.WorkerDown
	e.w.Status = types.WorkerReady
	e.mu.Unlock()

	metrics.HeartbeatsReceived.Inc()
	if revived {
		r.updateGauges()
		r.logger.Info().Str("worker_id", workerID).Msg("Worker revived by heartbeat")
	}
	return nil
}

// Get returns a copy of one worker's registration
func (r *Registry) Get(workerID string) (*types.Worker, error) {
	r.mu.RLock()
	e, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.CodeWorkerUnknown, "worker %s", workerID)
	}

	e.mu.Lock()
	w := e.w
	w.Capabilities = append([]string(nil), e.w.Capabilities...)
	e.mu.Unlock()
	return &w, nil
}

// List returns all registered workers sorted by id
func (r *Registry) List() []*types.Worker {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*types.Worker, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		w := e.w
		w.Capabilities = append([]string(nil), e.w.Capabilities...)
		e.mu.Unlock()
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deregister removes a worker and returns its leased tasks to the
// queue. Used on graceful worker shutdown.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	delete(r.workers, workerID)
	r.mu.Unlock()
	if !ok {
		return fault.Newf(fault.CodeWorkerUnknown, "worker %s", workerID)
	}

	released, err := r.queue.ReleaseWorker(ctx, workerID)
	if err != nil {
		r.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to release leases on deregister")
	} else if len(released) > 0 {
		r.logger.Info().Str("worker_id", workerID).Strs("tasks", released).Msg("Released leases on deregister")
	}
	r.updateGauges()
	return nil
}

// Close stops the sweeper
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stop)
	r.stopped.Wait()
	return nil
}

func (r *Registry) sweeper() {
	defer r.stopped.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now().UTC())
		case <-r.stop:
			return
		}
	}
}

// sweep marks workers dead once their heartbeat ages past the timeout
// and releases their leases
func (r *Registry) sweep(now time.Time) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var dead []string
	for _, e := range entries {
		e.mu.Lock()
		if e.w.Status == types.WorkerReady && now.Sub(e.w.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			e.w.Status = types.WorkerDown
			e.w.ActiveTasks = 0
			dead = append(dead, e.w.ID)
		}
		e.mu.Unlock()
	}
	if len(dead) == 0 {
		return
	}

	r.updateGauges()
	for _, id := range dead {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		released, err := r.queue.ReleaseWorker(ctx, id)
		cancel()
		if err != nil {
			r.logger.Error().Err(err).Str("worker_id", id).Msg("Failed to release dead worker's leases")
		}
		r.logger.Warn().Str("worker_id", id).Strs("tasks", released).Msg("Worker marked dead")
		r.publish(&types.Event{
			Type:     events.EventWorkerDown,
			WorkerID: id,
			Data:     map[string]string{"released_tasks": strings.Join(released, ",")},
		})
	}
}

func (r *Registry) updateGauges() {
	counts := map[types.WorkerStatus]int{}
	r.mu.RLock()
	for _, e := range r.workers {
		e.mu.Lock()
		counts[e.w.Status]++
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	metrics.WorkersTotal.WithLabelValues(string(types.WorkerReady)).Set(float64(counts[types.WorkerReady]))
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerDown)).Set(float64(counts[types.WorkerDown]))
}

func (r *Registry) publish(ev *types.Event) {
	if r.broker != nil {
		r.broker.Publish(ev)
	}
}
