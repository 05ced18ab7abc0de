package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/types"
)

// pollFailureLimit is how many consecutive failed result polls the
// queue runner tolerates before declaring the queue unreachable.
const pollFailureLimit = 10

// QueueRunner executes stage nodes by leasing them out to workers
// through the task queue. The engine enqueues one task per node and
// polls for terminal states; retries, leases, and dead-lettering are
// the queue's business.
type QueueRunner struct {
	queue       queue.Queue
	stepTimeout time.Duration
	poll        time.Duration
	logger      zerolog.Logger
}

// NewQueueRunner creates the distributed stage runner
func NewQueueRunner(q queue.Queue, cfg config.EngineConfig) *QueueRunner {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	if cfg.ResultPoll <= 0 {
		cfg.ResultPoll = 200 * time.Millisecond
	}
	return &QueueRunner{
		queue:       q,
		stepTimeout: cfg.StepTimeout,
		poll:        cfg.ResultPoll,
		logger:      log.WithComponent("queue-runner"),
	}
}

// RunStage implements Runner. On cancellation the already-leased tasks
// keep running on their workers; the engine only stops waiting for
// them, and a later resume picks their results up from the queue.
func (r *QueueRunner) RunStage(ctx context.Context, run *types.Run, ten *types.Tenant, nodes []NodeExecution) ([]types.StepReport, error) {
	pending := make(map[string]NodeExecution, len(nodes))
	for _, ne := range nodes {
		payload, err := json.Marshal(ne.Ctx)
		if err != nil {
			return nil, fmt.Errorf("encoding run context for node %s: %w", ne.Node.ID, err)
		}
		task := &types.Task{
			ID:       queue.NewTaskID(),
			TenantID: run.TenantID,
			RunID:    run.ID,
			NodeID:   ne.Node.ID,
			Role:     ne.Node.Role,
			Caps:     capsFor(ne),
			Priority: run.Priority,
			Payload:  payload,
			Timeout:  r.stepTimeout,
		}
		if err := r.queue.Enqueue(ctx, task); err != nil {
			return nil, fmt.Errorf("enqueuing node %s: %w", ne.Node.ID, err)
		}
		pending[task.ID] = ne
	}

	var reports []types.StepReport
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	failures := 0
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return reports, fault.Wrap(fault.CodeTimeout, "stage cancelled", ctx.Err())
		case <-ticker.C:
		}

		for taskID, ne := range pending {
			task, err := r.queue.Get(ctx, taskID)
			if err != nil {
				if fault.CodeOf(err) == fault.CodeTaskNotFound {
					reports = append(reports, failureReport(ne, fmt.Errorf("task %s vanished from the queue", taskID)))
					delete(pending, taskID)
					continue
				}
				failures++
				if failures >= pollFailureLimit {
					return reports, fmt.Errorf("polling task %s: %w", taskID, err)
				}
				r.logger.Warn().Err(err).Str("task_id", taskID).Msg("Result poll failed")
				continue
			}
			failures = 0
			if !task.State.Terminal() {
				continue
			}
			reports = append(reports, r.reportFrom(task, ne))
			delete(pending, taskID)
		}
	}
	return reports, nil
}

// reportFrom recovers the step report a worker acked, or synthesizes
// a failure for tasks that died in the queue.
func (r *QueueRunner) reportFrom(task *types.Task, ne NodeExecution) types.StepReport {
	if task.State == types.TaskDead {
		rep := failureReport(ne, fmt.Errorf("task dead after %d attempts: %s", task.Attempts, task.Failure))
		rep.Attempt = task.Attempts
		return rep
	}

	if len(task.Result) > 0 {
		var rep types.StepReport
		if err := json.Unmarshal(task.Result, &rep); err == nil {
			return finalizeReport(ne, &rep, nil)
		}
		r.logger.Warn().Str("task_id", task.ID).Msg("Undecodable task result")
	}

	if task.State == types.TaskFailed {
		rep := failureReport(ne, fmt.Errorf("task failed: %s", task.Failure))
		rep.Attempt = task.Attempts
		return rep
	}

	// Acked without a decodable report. Treat as a bare success so the
	// run can proceed, with nothing to say for confidence.
	now := time.Now().UTC()
	return types.StepReport{
		RunID:      ne.Ctx.RunID,
		NodeID:     ne.Node.ID,
		Role:       ne.Node.Role,
		Attempt:    task.Attempts,
		Status:     types.ReportSuccess,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// capsFor is the capability tags a worker must cover to lease this
// node: the role itself plus whatever the spec demands run-wide.
func capsFor(ne NodeExecution) []string {
	caps := []string{string(ne.Node.Role)}
	if ne.Ctx.Spec != nil {
		caps = append(caps, ne.Ctx.Spec.Capabilities...)
	}
	return caps
}
