package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/roles"
	"github.com/droverhq/drover/pkg/types"
)

// unknownAttemptBound caps retries for errors that carry no
// classification: one re-run, not the full attempt budget
const unknownAttemptBound = 2

// ControlPlane is the worker's view of the registry. Satisfied by
// controlplane.Registry in-process and by the REST client remotely.
type ControlPlane interface {
	Register(w types.Worker) error
	Heartbeat(workerID string, activeTasks int) error
	Deregister(ctx context.Context, workerID string) error
}

// Options identifies a worker and what it can execute
type Options struct {
	ID            string
	Capabilities  []string
	MaxConcurrent int
	LeaseDuration time.Duration

	// TraceDir receives worker_<id>.jsonl, one line per finished task.
	// Empty disables tracing.
	TraceDir string
}

// Worker pulls leased tasks, executes them through role adapters with
// a deadline, and acks or nacks by failure class. Stop drains in-flight
// tasks before returning.
type Worker struct {
	opts     Options
	cfg      config.WorkerConfig
	queue    queue.Queue
	cp       ControlPlane
	adapters *roles.Registry
	logger   zerolog.Logger

	active  atomic.Int32
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool

	traceMu sync.Mutex
	trace   *os.File
}

// traceLine is one record in the worker's execution trace
type traceLine struct {
	At       time.Time `json:"at"`
	TaskID   string    `json:"task_id"`
	RunID    string    `json:"run_id"`
	NodeID   string    `json:"node_id"`
	Role     string    `json:"role"`
	Attempt  int       `json:"attempt"`
	Outcome  string    `json:"outcome"` // acked, nacked-retry, nacked-dead
	Status   string    `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
	Duration int64     `json:"duration_ms"`
}

// New builds a worker around a queue, a control plane, and an adapter
// registry
func New(opts Options, cfg config.WorkerConfig, q queue.Queue, cp ControlPlane, adapters *roles.Registry) (*Worker, error) {
	if opts.ID == "" {
		return nil, fault.New(fault.CodeSpecInvalid, "worker id is required")
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 300 * time.Second
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}

	return &Worker{
		opts:     opts,
		cfg:      cfg,
		queue:    q,
		cp:       cp,
		adapters: adapters,
		logger:   log.WithComponent("worker").With().Str("worker_id", opts.ID).Logger(),
	}, nil
}

// Start registers with the control plane and launches the executor
// loops and the heartbeat ticker
func (w *Worker) Start() error {
	if w.started {
		return fault.New(fault.CodeInternal, "worker already started")
	}

	if err := w.cp.Register(types.Worker{
		ID:            w.opts.ID,
		Capabilities:  w.opts.Capabilities,
		MaxConcurrent: w.opts.MaxConcurrent,
	}); err != nil {
		return fmt.Errorf("registering worker %s: %w", w.opts.ID, err)
	}

	if w.opts.TraceDir != "" {
		path := filepath.Join(w.opts.TraceDir, fmt.Sprintf("worker_%s.jsonl", w.opts.ID))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening worker trace: %w", err)
		}
		w.trace = f
	}

	w.stop = make(chan struct{})
	w.started = true
	for i := 0; i < w.opts.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	w.wg.Add(1)
	go w.heartbeats()

	w.logger.Info().Strs("capabilities", w.opts.Capabilities).
		Int("max_concurrent", w.opts.MaxConcurrent).Msg("Worker started")
	return nil
}

// Stop drains in-flight tasks, deregisters, and closes the trace. The
// context bounds draining; leases still held after that return to the
// queue through deregistration.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started {
		return nil
	}
	w.started = false
	close(w.stop)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn().Msg("Stop deadline hit with tasks still in flight")
	}

	if err := w.cp.Deregister(ctx, w.opts.ID); err != nil {
		w.logger.Warn().Err(err).Msg("Deregistration failed")
	}

	w.traceMu.Lock()
	if w.trace != nil {
		_ = w.trace.Close()
		w.trace = nil
	}
	w.traceMu.Unlock()

	w.logger.Info().Msg("Worker stopped")
	return nil
}

// loop is one executor: dequeue with bounded wait, execute, report
func (w *Worker) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DequeueWait)
		task, err := w.queue.Dequeue(ctx, w.opts.ID, w.opts.Capabilities, w.opts.LeaseDuration)
		cancel()
		if err != nil {
			w.logger.Warn().Err(err).Msg("Dequeue failed")
			w.pause()
			continue
		}
		if task == nil {
			w.pause()
			continue
		}

		w.active.Add(1)
		w.execute(task)
		w.active.Add(-1)
	}
}

// pause waits the bounded dequeue interval or until stop
func (w *Worker) pause() {
	select {
	case <-time.After(w.cfg.DequeueWait):
	case <-w.stop:
	}
}

// execute runs one task through its role adapter with the task's
// deadline
func (w *Worker) execute(task *types.Task) {
	rc := w.runContext(task)

	adapter, err := w.adapters.Get(task.Role)
	if err != nil {
		// This worker should never have claimed the task; retrying
		// locally cannot help.
		w.finish(task, nil, err, time.Now())
		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.cfg.StepTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	report, execErr := adapter.Execute(ctx, rc)
	metrics.StepDuration.WithLabelValues(string(task.Role)).Observe(time.Since(started).Seconds())

	if execErr == nil && ctx.Err() != nil {
		execErr = fault.Wrap(fault.CodeTimeout, "step deadline exceeded", ctx.Err())
	}
	w.finish(task, report, execErr, started)
}

// finish acks a successful execution or nacks by error class:
// transient errors retry, permanent errors dead-letter, unclassified
// errors retry once
func (w *Worker) finish(task *types.Task, report *types.StepReport, execErr error, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	line := traceLine{
		At:       time.Now().UTC(),
		TaskID:   task.ID,
		RunID:    task.RunID,
		NodeID:   task.NodeID,
		Role:     string(task.Role),
		Attempt:  task.Attempts,
		Duration: time.Since(started).Milliseconds(),
	}

	if execErr == nil {
		if err := w.queue.Ack(ctx, task.LeaseID, report); err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Ack failed")
		}
		line.Outcome = "acked"
		if report != nil {
			line.Status = string(report.Status)
		}
		w.writeTrace(line)
		return
	}

	retry := false
	switch fault.Classify(execErr) {
	case fault.ClassTransient:
		retry = true
	case fault.ClassPermanent:
		retry = false
	default:
		if errors.Is(execErr, context.DeadlineExceeded) {
			retry = true
		} else {
			retry = task.Attempts < unknownAttemptBound
		}
	}

	if err := w.queue.Nack(ctx, task.LeaseID, execErr.Error(), retry); err != nil {
		w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Nack failed")
	}
	if retry {
		line.Outcome = "nacked-retry"
	} else {
		line.Outcome = "nacked-dead"
	}
	line.Error = execErr.Error()
	w.writeTrace(line)

	w.logger.Warn().Err(execErr).Str("task_id", task.ID).Str("node_id", task.NodeID).
		Int("attempt", task.Attempts).Bool("retry", retry).Msg("Step failed")
}

// runContext rebuilds the execution context shipped in the task
// payload, falling back to the task's own fields
func (w *Worker) runContext(task *types.Task) *types.RunContext {
	rc := &types.RunContext{}
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, rc); err != nil {
			w.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Undecodable task payload")
			rc = &types.RunContext{}
		}
	}
	if rc.RunID == "" {
		rc.RunID = task.RunID
	}
	if rc.TenantID == "" {
		rc.TenantID = task.TenantID
	}
	if rc.NodeID == "" {
		rc.NodeID = task.NodeID
	}
	if rc.Role == "" {
		rc.Role = task.Role
	}
	rc.Attempt = task.Attempts
	return rc
}

func (w *Worker) heartbeats() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := w.cp.Heartbeat(w.opts.ID, int(w.active.Load()))
			if err == nil {
				continue
			}
			if fault.CodeOf(err) == fault.CodeWorkerUnknown {
				// Registry restarted under us; re-register
				_ = w.cp.Register(types.Worker{
					ID:            w.opts.ID,
					Capabilities:  w.opts.Capabilities,
					MaxConcurrent: w.opts.MaxConcurrent,
				})
				continue
			}
			w.logger.Warn().Err(err).Msg("Heartbeat failed")
		case <-w.stop:
			return
		}
	}
}

func (w *Worker) writeTrace(line traceLine) {
	w.traceMu.Lock()
	defer w.traceMu.Unlock()
	if w.trace == nil {
		return
	}

	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	if _, err := w.trace.Write(append(data, '\n')); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to write trace line")
	}
}
