package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

const stateFile = "queue_state.json"

// Local is the single-node queue: everything in memory under one lock,
// snapshotted to queue_state.json at interval and on close, recovered
// on start. Leases held at crash time survive the restart and are
// reclaimed by expiry.
type Local struct {
	cfg    config.QueueConfig
	path   string // "" disables persistence
	broker *events.Broker
	logger zerolog.Logger

	mu       sync.Mutex
	tasks    map[string]*types.Task
	leases   map[string]string          // lease id -> task id
	byWorker map[string]map[string]bool // worker id -> task ids

	stop    chan struct{}
	stopped sync.WaitGroup
	closed  bool
}

type localState struct {
	SavedAt time.Time     `json:"saved_at"`
	Tasks   []*types.Task `json:"tasks"`
}

// NewLocal builds the in-process queue, recovering any previous
// snapshot under dataDir. An empty dataDir keeps the queue purely in
// memory.
func NewLocal(cfg config.QueueConfig, dataDir string, broker *events.Broker) (*Local, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.LeaseDuration / 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 10 * time.Second
	}

	q := &Local{
		cfg:      cfg,
		broker:   broker,
		logger:   log.WithComponent("queue"),
		tasks:    make(map[string]*types.Task),
		leases:   make(map[string]string),
		byWorker: make(map[string]map[string]bool),
		stop:     make(chan struct{}),
	}
	if dataDir != "" {
		q.path = filepath.Join(dataDir, stateFile)
		if err := q.recover(); err != nil {
			return nil, err
		}
	}

	q.stopped.Add(1)
	go q.background()
	return q, nil
}

func (q *Local) recover() error {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading queue state: %w", err)
	}

	var st localState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decoding queue state: %w", err)
	}
	for _, t := range st.Tasks {
		q.tasks[t.ID] = t
		if t.State == types.TaskLeased {
			q.leases[t.LeaseID] = t.ID
			q.indexWorker(t.WorkerID, t.ID)
		}
	}
	q.logger.Info().Int("tasks", len(st.Tasks)).Time("saved_at", st.SavedAt).Msg("Recovered queue state")
	q.updateDepth()
	return nil
}

func (q *Local) background() {
	defer q.stopped.Done()

	sweep := time.NewTicker(q.cfg.SweepInterval)
	defer sweep.Stop()
	snap := time.NewTicker(q.cfg.SnapshotInterval)
	defer snap.Stop()

	for {
		select {
		case <-sweep.C:
			q.mu.Lock()
			q.expireLocked(time.Now().UTC())
			q.mu.Unlock()
		case <-snap.C:
			if err := q.persist(); err != nil {
				q.logger.Warn().Err(err).Msg("Failed to snapshot queue state")
			}
		case <-q.stop:
			return
		}
	}
}

func (q *Local) persist() error {
	if q.path == "" {
		return nil
	}

	q.mu.Lock()
	st := localState{SavedAt: time.Now().UTC(), Tasks: make([]*types.Task, 0, len(q.tasks))}
	for _, t := range q.tasks {
		st.Tasks = append(st.Tasks, cloneTask(t))
	}
	q.mu.Unlock()

	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].ID < st.Tasks[j].ID })
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding queue state: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing queue state: %w", err)
	}
	return os.Rename(tmp, q.path)
}

// Enqueue adds a task in pending state
func (q *Local) Enqueue(ctx context.Context, task *types.Task) error {
	if err := prepare(task, q.cfg.MaxAttempts); err != nil {
		return err
	}

	q.mu.Lock()
	if _, exists := q.tasks[task.ID]; exists {
		q.mu.Unlock()
		return fault.Newf(fault.CodeSpecInvalid, "task %s already enqueued", task.ID)
	}
	q.tasks[task.ID] = cloneTask(task)
	q.updateDepth()
	q.mu.Unlock()

	metrics.TasksEnqueued.WithLabelValues(string(task.Priority)).Inc()
	q.publish(&types.Event{
		Type:     events.EventTaskEnqueued,
		TenantID: task.TenantID,
		RunID:    task.RunID,
		NodeID:   task.NodeID,
		TaskID:   task.ID,
	})
	return nil
}

// Dequeue leases the best eligible pending task for the worker. The
// capability scan is bounded: peeking stops after PeekDepth candidates
// so one unservable task cannot stall the queue, while tasks skipped
// over stay visible to capable workers.
func (q *Local) Dequeue(ctx context.Context, workerID string, caps []string, lease time.Duration) (*types.Task, error) {
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(now)

	candidates := q.pendingLocked()
	depth := q.cfg.PeekDepth
	if depth <= 0 || depth > len(candidates) {
		depth = len(candidates)
	}
	for _, t := range candidates[:depth] {
		if !covers(caps, t.Caps) {
			continue
		}
		t.State = types.TaskLeased
		t.LeaseID = NewLeaseID()
		t.WorkerID = workerID
		t.LeaseExpiresAt = now.Add(lease)
		t.UpdatedAt = now
		q.leases[t.LeaseID] = t.ID
		q.indexWorker(workerID, t.ID)
		q.updateDepth()
		return cloneTask(t), nil
	}
	return nil, nil
}

// Ack finishes a leased task; the report decides succeeded or failed
func (q *Local) Ack(ctx context.Context, leaseID string, report *types.StepReport) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.leasedLocked(leaseID)
	if err != nil {
		return err
	}

	t.State = ackState(report)
	if report != nil {
		if data, err := json.Marshal(report); err == nil {
			t.Result = data
		}
		t.Failure = report.Error
	}
	q.clearLeaseLocked(t)
	t.UpdatedAt = time.Now().UTC()
	q.updateDepth()
	metrics.TasksAcked.WithLabelValues(string(t.State)).Inc()
	return nil
}

// Nack returns a leased task to pending (retry) or dead-letters it
func (q *Local) Nack(ctx context.Context, leaseID string, reason string, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.leasedLocked(leaseID)
	if err != nil {
		return err
	}

	if retry {
		q.requeueLocked(t, reason)
	} else {
		q.deadLetterLocked(t, reason)
	}
	q.updateDepth()
	return nil
}

// Get returns a copy of a task in any state
func (q *Local) Get(ctx context.Context, taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, fault.Newf(fault.CodeTaskNotFound, "task %s", taskID)
	}
	return cloneTask(t), nil
}

// ReleaseWorker breaks every lease a worker holds, returning the task
// ids it gave back. Used by the control plane when a worker goes dead.
func (q *Local) ReleaseWorker(ctx context.Context, workerID string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var released []string
	for taskID := range q.byWorker[workerID] {
		t, ok := q.tasks[taskID]
		if !ok || t.State != types.TaskLeased {
			continue
		}
		q.requeueLocked(t, "worker lost")
		released = append(released, taskID)
	}
	delete(q.byWorker, workerID)
	q.updateDepth()
	sort.Strings(released)
	return released, nil
}

// Snapshot reports queue contents grouped by state
func (q *Local) Snapshot(ctx context.Context) (*State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := &State{
		Counts: make(map[types.TaskState]int),
		AsOf:   time.Now().UTC(),
	}
	for _, t := range q.tasks {
		st.Counts[t.State]++
		switch t.State {
		case types.TaskPending:
			st.Pending = append(st.Pending, cloneTask(t))
		case types.TaskLeased:
			st.Leased = append(st.Leased, cloneTask(t))
		case types.TaskDead:
			st.Dead = append(st.Dead, cloneTask(t))
		}
	}
	sortTasks(st.Pending)
	sortTasks(st.Leased)
	sortTasks(st.Dead)
	return st, nil
}

// Close stops the background loop and writes a final snapshot
func (q *Local) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	q.stopped.Wait()
	return q.persist()
}

// pendingLocked returns pending tasks in dequeue order. Holds q.mu.
func (q *Local) pendingLocked() []*types.Task {
	var out []*types.Task
	for _, t := range q.tasks {
		if t.State == types.TaskPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := score(out[i], q.cfg.AgingBoost), score(out[j], q.cfg.AgingBoost)
		if si != sj {
			return si < sj
		}
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// leasedLocked resolves a lease id to its live task. Holds q.mu.
func (q *Local) leasedLocked(leaseID string) (*types.Task, error) {
	taskID, ok := q.leases[leaseID]
	if !ok {
		return nil, fault.Newf(fault.CodeLeaseExpired, "lease %s is not active", leaseID)
	}
	t, ok := q.tasks[taskID]
	if !ok || t.State != types.TaskLeased || t.LeaseID != leaseID {
		return nil, fault.Newf(fault.CodeLeaseExpired, "lease %s is not active", leaseID)
	}
	return t, nil
}

// expireLocked reclaims overdue leases. Holds q.mu.
func (q *Local) expireLocked(now time.Time) {
	for _, t := range q.tasks {
		if t.State == types.TaskLeased && !t.LeaseExpiresAt.After(now) {
			metrics.LeaseExpirations.Inc()
			q.logger.Debug().Str("task_id", t.ID).Str("worker_id", t.WorkerID).Msg("Lease expired")
			q.requeueLocked(t, "lease expired")
		}
	}
	q.updateDepth()
}

// requeueLocked returns a broken lease to pending with the next attempt
// number, dead-lettering instead once the attempt budget is spent.
// Holds q.mu.
func (q *Local) requeueLocked(t *types.Task, reason string) {
	if t.Attempts >= t.MaxAttempts {
		q.deadLetterLocked(t, reason)
		return
	}
	t.Attempts++
	t.State = types.TaskPending
	t.Failure = reason
	q.clearLeaseLocked(t)
	t.UpdatedAt = time.Now().UTC()
}

// deadLetterLocked moves a task to the dead letter set. Holds q.mu.
func (q *Local) deadLetterLocked(t *types.Task, reason string) {
	t.State = types.TaskDead
	t.Failure = reason
	q.clearLeaseLocked(t)
	t.UpdatedAt = time.Now().UTC()
	metrics.TasksDeadLettered.Inc()
	q.logger.Warn().Str("task_id", t.ID).Str("run_id", t.RunID).Str("reason", reason).Msg("Task dead-lettered")
	q.publish(&types.Event{
		Type:     events.EventTaskDead,
		TenantID: t.TenantID,
		RunID:    t.RunID,
		NodeID:   t.NodeID,
		TaskID:   t.ID,
		Message:  reason,
	})
}

// clearLeaseLocked removes lease bookkeeping for a task. Holds q.mu.
func (q *Local) clearLeaseLocked(t *types.Task) {
	if t.LeaseID != "" {
		delete(q.leases, t.LeaseID)
	}
	if t.WorkerID != "" {
		if set := q.byWorker[t.WorkerID]; set != nil {
			delete(set, t.ID)
			if len(set) == 0 {
				delete(q.byWorker, t.WorkerID)
			}
		}
	}
	t.LeaseID = ""
	t.WorkerID = ""
	t.LeaseExpiresAt = time.Time{}
}

func (q *Local) indexWorker(workerID, taskID string) {
	set := q.byWorker[workerID]
	if set == nil {
		set = make(map[string]bool)
		q.byWorker[workerID] = set
	}
	set[taskID] = true
}

// updateDepth refreshes the queue depth gauges. Holds q.mu.
func (q *Local) updateDepth() {
	counts := make(map[types.TaskState]int)
	for _, t := range q.tasks {
		counts[t.State]++
	}
	for _, s := range []types.TaskState{types.TaskPending, types.TaskLeased, types.TaskSucceeded, types.TaskFailed, types.TaskDead} {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (q *Local) publish(ev *types.Event) {
	if q.broker != nil {
		q.broker.Publish(ev)
	}
}

func cloneTask(t *types.Task) *types.Task {
	c := *t
	if t.Caps != nil {
		c.Caps = append([]string(nil), t.Caps...)
	}
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	return &c
}

func sortTasks(ts []*types.Task) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
