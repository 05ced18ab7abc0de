package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

// Queue is the task queue contract shared by the in-process and redis
// backends. A dequeued task is leased: invisible to other dequeues
// until acked, nacked, or expired. Dequeue returns (nil, nil) when no
// eligible task is available.
type Queue interface {
	Enqueue(ctx context.Context, task *types.Task) error
	Dequeue(ctx context.Context, workerID string, caps []string, lease time.Duration) (*types.Task, error)
	Ack(ctx context.Context, leaseID string, report *types.StepReport) error
	Nack(ctx context.Context, leaseID string, reason string, retry bool) error
	Get(ctx context.Context, taskID string) (*types.Task, error)
	ReleaseWorker(ctx context.Context, workerID string) ([]string, error)
	Snapshot(ctx context.Context) (*State, error)
	Close() error
}

// State is a point-in-time view of the queue for operators
type State struct {
	Counts  map[types.TaskState]int `json:"counts"`
	Pending []*types.Task           `json:"pending"`
	Leased  []*types.Task           `json:"leased"`
	Dead    []*types.Task           `json:"dead"`
	AsOf    time.Time               `json:"as_of"`
}

// NewTaskID returns a task identifier
func NewTaskID() string {
	return uuid.New().String()
}

// NewLeaseID returns a lease identifier
func NewLeaseID() string {
	return uuid.New().String()
}

// score orders pending tasks: enqueue time in millis minus a per-class
// head start. Lower dequeues first. The head start is a fixed multiple
// of the aging boost, so a weak-class task older than the differential
// overtakes fresh strong-class work and no class starves.
func score(t *types.Task, boost time.Duration) int64 {
	headStart := int64(4-t.Priority.Rank()) * boost.Milliseconds()
	return t.EnqueuedAt.UnixMilli() - headStart
}

// covers reports whether a worker's capability tags satisfy a task's
// requirements. Tasks without requirements run anywhere.
func covers(workerCaps []string, need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]bool, len(workerCaps))
	for _, c := range workerCaps {
		set[c] = true
	}
	for _, c := range need {
		if !set[c] {
			return false
		}
	}
	return true
}

// prepare validates and normalizes a task before it enters the queue
func prepare(t *types.Task, maxAttempts int) error {
	if t.ID == "" {
		return fault.New(fault.CodeSpecInvalid, "task id is required")
	}
	if t.RunID == "" || t.NodeID == "" {
		return fault.Newf(fault.CodeSpecInvalid, "task %s needs run and node ids", t.ID)
	}
	if !t.Priority.Valid() {
		t.Priority = types.PriorityNormal
	}
	if t.MaxAttempts < 1 {
		t.MaxAttempts = maxAttempts
	}
	if t.Attempts < 1 {
		t.Attempts = 1
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	t.State = types.TaskPending
	t.LeaseID = ""
	t.WorkerID = ""
	t.LeaseExpiresAt = time.Time{}
	return nil
}

// ackState maps a step report to the terminal task state it implies
func ackState(report *types.StepReport) types.TaskState {
	if report != nil && report.Status == types.ReportError {
		return types.TaskFailed
	}
	return types.TaskSucceeded
}
