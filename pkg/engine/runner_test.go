package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/plan"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/roles"
	"github.com/droverhq/drover/pkg/types"
)

// stubAdapter scripts one role's execution for runner tests
type stubAdapter struct {
	role types.Role
	fn   func(ctx context.Context, rc *types.RunContext) (*types.StepReport, error)
}

func (s *stubAdapter) Role() types.Role { return s.role }

func (s *stubAdapter) Execute(ctx context.Context, rc *types.RunContext) (*types.StepReport, error) {
	return s.fn(ctx, rc)
}

func execNode(id string) NodeExecution {
	return NodeExecution{
		Node: plan.Node{ID: id, Role: types.RoleExecution, Guard: always()},
		Ctx: &types.RunContext{
			RunID:    "run-1",
			TenantID: "acme",
			NodeID:   id,
			Role:     types.RoleExecution,
			Attempt:  1,
			Mode:     types.ModeNormal,
			Spec:     deliverySpec(1, nil),
		},
	}
}

func stubRegistry(t *testing.T, fn func(ctx context.Context, rc *types.RunContext) (*types.StepReport, error)) *roles.Registry {
	t.Helper()
	reg := roles.NewRegistry()
	require.NoError(t, reg.Register(&stubAdapter{role: types.RoleExecution, fn: fn}))
	return reg
}

func poolCfg() config.PoolConfig {
	return config.PoolConfig{Concurrency: 4, Threshold: 0.8, CancelGrace: 100 * time.Millisecond}
}

func successFor(rc *types.RunContext) *types.StepReport {
	return &types.StepReport{
		RunID:      rc.RunID,
		NodeID:     rc.NodeID,
		Role:       rc.Role,
		Attempt:    rc.Attempt,
		Decision:   types.DecisionProceed,
		Status:     types.ReportSuccess,
		Confidence: 0.9,
	}
}

func TestPoolRunnerReportsInCompletionOrder(t *testing.T) {
	delays := map[string]time.Duration{
		"slow": 90 * time.Millisecond,
		"mid":  50 * time.Millisecond,
		"fast": 10 * time.Millisecond,
	}
	reg := stubRegistry(t, func(ctx context.Context, rc *types.RunContext) (*types.StepReport, error) {
		select {
		case <-time.After(delays[rc.NodeID]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return successFor(rc), nil
	})
	runner := NewPoolRunner(poolCfg(), time.Second, reg)

	run := &types.Run{ID: "run-1", TenantID: "acme", Priority: types.PriorityNormal}
	ten := &types.Tenant{ID: "acme", Budget: &types.BudgetProfile{}}

	reports, err := runner.RunStage(context.Background(), run, ten,
		[]NodeExecution{execNode("slow"), execNode("mid"), execNode("fast")})
	require.NoError(t, err)
	require.Len(t, reports, 3)

	var order []string
	for _, r := range reports {
		order = append(order, r.NodeID)
	}
	assert.Equal(t, []string{"fast", "mid", "slow"}, order)
}

func TestPoolRunnerHonorsTenantAgentCap(t *testing.T) {
	var mu sync.Mutex
	cur, peak := 0, 0
	reg := stubRegistry(t, func(ctx context.Context, rc *types.RunContext) (*types.StepReport, error) {
		mu.Lock()
		cur++
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		cur--
		mu.Unlock()
		return successFor(rc), nil
	})
	runner := NewPoolRunner(poolCfg(), time.Second, reg)

	run := &types.Run{ID: "run-1", TenantID: "acme", Priority: types.PriorityNormal}
	ten := &types.Tenant{ID: "acme", Budget: &types.BudgetProfile{MaxAgents: 1}}

	reports, err := runner.RunStage(context.Background(), run, ten,
		[]NodeExecution{execNode("n1"), execNode("n2"), execNode("n3")})
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, 1, peak, "tenant agent cap must bound stage parallelism")
}

func TestPoolRunnerSynthesizesFailureForCrashedStep(t *testing.T) {
	reg := stubRegistry(t, func(ctx context.Context, rc *types.RunContext) (*types.StepReport, error) {
		return nil, errors.New("adapter exploded")
	})
	runner := NewPoolRunner(poolCfg(), time.Second, reg)

	run := &types.Run{ID: "run-1", TenantID: "acme", Priority: types.PriorityNormal}
	ten := &types.Tenant{ID: "acme", Budget: &types.BudgetProfile{}}

	// A crashed step is stage evidence, not a stage failure
	reports, err := runner.RunStage(context.Background(), run, ten, []NodeExecution{execNode("boom")})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, types.ReportError, reports[0].Status)
	assert.Equal(t, types.RiskHigh, reports[0].Risk)
	assert.Equal(t, "boom", reports[0].NodeID)
	assert.Equal(t, 1, reports[0].Attempt)
	assert.Contains(t, reports[0].Error, "adapter exploded")
}

func TestPoolRunnerEnforcesStepTimeout(t *testing.T) {
	reg := stubRegistry(t, func(ctx context.Context, rc *types.RunContext) (*types.StepReport, error) {
		select {
		case <-time.After(time.Second):
			return successFor(rc), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	runner := NewPoolRunner(poolCfg(), 40*time.Millisecond, reg)

	run := &types.Run{ID: "run-1", TenantID: "acme", Priority: types.PriorityNormal}
	ten := &types.Tenant{ID: "acme", Budget: &types.BudgetProfile{}}

	start := time.Now()
	reports, err := runner.RunStage(context.Background(), run, ten, []NodeExecution{execNode("laggard")})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, types.ReportError, reports[0].Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPoolRunnerCancelledStageAccountsEveryNode(t *testing.T) {
	reg := stubRegistry(t, func(ctx context.Context, rc *types.RunContext) (*types.StepReport, error) {
		select {
		case <-time.After(time.Second):
			return successFor(rc), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	runner := NewPoolRunner(poolCfg(), time.Second, reg)

	run := &types.Run{ID: "run-1", TenantID: "acme", Priority: types.PriorityNormal}
	ten := &types.Tenant{ID: "acme", Budget: &types.BudgetProfile{}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	reports, err := runner.RunStage(ctx, run, ten, []NodeExecution{execNode("a"), execNode("b")})
	require.Error(t, err)
	assert.Equal(t, fault.CodeTimeout, fault.CodeOf(err))

	// Cancellation still yields a report per node
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, types.ReportError, r.Status)
	}
}

func testQueueCfg() config.QueueConfig {
	return config.QueueConfig{
		Backend:          "local",
		LeaseDuration:    200 * time.Millisecond,
		MaxAttempts:      3,
		SweepInterval:    25 * time.Millisecond,
		AgingBoost:       10 * time.Millisecond,
		PeekDepth:        64,
		SnapshotInterval: time.Hour,
	}
}

func newLocalQueue(t *testing.T, cfg config.QueueConfig) *queue.Local {
	t.Helper()
	q, err := queue.NewLocal(cfg, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueueRunnerRoundTrip(t *testing.T) {
	q := newLocalQueue(t, testQueueCfg())
	runner := NewQueueRunner(q, config.EngineConfig{
		Dispatch:    "queue",
		StepTimeout: time.Second,
		ResultPoll:  10 * time.Millisecond,
	})

	run := &types.Run{ID: "run-1", TenantID: "acme", Priority: types.PriorityNormal}
	ten := &types.Tenant{ID: "acme", Budget: &types.BudgetProfile{}}

	type result struct {
		reports []types.StepReport
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		reports, err := runner.RunStage(context.Background(), run, ten, []NodeExecution{execNode("ship")})
		resCh <- result{reports, err}
	}()

	// Play the worker: lease the task, run the role, ack the report
	ctx := context.Background()
	var task *types.Task
	require.Eventually(t, func() bool {
		got, err := q.Dequeue(ctx, "w1", []string{"execution"}, time.Minute)
		if err != nil || got == nil {
			return false
		}
		task = got
		return true
	}, 2*time.Second, 10*time.Millisecond)

	var rc types.RunContext
	require.NoError(t, json.Unmarshal(task.Payload, &rc))
	assert.Equal(t, "ship", rc.NodeID)

	report, err := roles.NewBuiltinAdapter(types.RoleExecution).Execute(ctx, &rc)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, task.LeaseID, report))

	res := <-resCh
	require.NoError(t, res.err)
	require.Len(t, res.reports, 1)
	assert.Equal(t, types.ReportSuccess, res.reports[0].Status)
	assert.Equal(t, "ship", res.reports[0].NodeID)
	assert.NotEmpty(t, res.reports[0].IdempotencyTag)
}

func TestQueueRunnerDeadTaskBecomesFailureReport(t *testing.T) {
	cfg := testQueueCfg()
	cfg.MaxAttempts = 1
	q := newLocalQueue(t, cfg)
	runner := NewQueueRunner(q, config.EngineConfig{
		Dispatch:    "queue",
		StepTimeout: time.Second,
		ResultPoll:  10 * time.Millisecond,
	})

	run := &types.Run{ID: "run-1", TenantID: "acme", Priority: types.PriorityNormal}
	ten := &types.Tenant{ID: "acme", Budget: &types.BudgetProfile{}}

	type result struct {
		reports []types.StepReport
		err     error
	}
	resCh := make(chan result, 1)
	go func() {
		reports, err := runner.RunStage(context.Background(), run, ten, []NodeExecution{execNode("doomed")})
		resCh <- result{reports, err}
	}()

	ctx := context.Background()
	var task *types.Task
	require.Eventually(t, func() bool {
		got, err := q.Dequeue(ctx, "w1", []string{"execution"}, time.Minute)
		if err != nil || got == nil {
			return false
		}
		task = got
		return true
	}, 2*time.Second, 10*time.Millisecond)

	// With the attempt budget spent, a nack dead-letters the task
	require.NoError(t, q.Nack(ctx, task.LeaseID, "worker crashed", true))

	res := <-resCh
	require.NoError(t, res.err)
	require.Len(t, res.reports, 1)
	assert.Equal(t, types.ReportError, res.reports[0].Status)
	assert.Contains(t, res.reports[0].Error, "task dead")
	assert.Contains(t, res.reports[0].Error, "worker crashed")
}
