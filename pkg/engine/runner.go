package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/plan"
	"github.com/droverhq/drover/pkg/pool"
	"github.com/droverhq/drover/pkg/roles"
	"github.com/droverhq/drover/pkg/types"
)

// NodeExecution is one node ready to dispatch: the plan node plus the
// frozen run context its adapter executes against.
type NodeExecution struct {
	Node plan.Node
	Ctx  *types.RunContext
}

// Runner executes one stage worth of nodes and returns their reports
// in completion order. Nodes that produce no report, crash, or time
// out come back as synthesized failure reports, so the slice covers
// every dispatched node. A non-nil error means the stage could not be
// run to completion: the engine then pauses the run in place, keeping
// whatever reports were returned.
type Runner interface {
	RunStage(ctx context.Context, run *types.Run, ten *types.Tenant, nodes []NodeExecution) ([]types.StepReport, error)
}

// PoolRunner executes stage nodes in-process on a bounded execution
// pool. The pool is sized per stage from the tenant's agent cap, so
// one noisy tenant cannot widen its own parallelism.
type PoolRunner struct {
	cfg         config.PoolConfig
	stepTimeout time.Duration
	adapters    *roles.Registry
	logger      zerolog.Logger
}

// NewPoolRunner creates the in-process stage runner
func NewPoolRunner(cfg config.PoolConfig, stepTimeout time.Duration, adapters *roles.Registry) *PoolRunner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 10
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.8
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if stepTimeout <= 0 {
		stepTimeout = 2 * time.Minute
	}
	return &PoolRunner{
		cfg:         cfg,
		stepTimeout: stepTimeout,
		adapters:    adapters,
		logger:      log.WithComponent("pool-runner"),
	}
}

// RunStage implements Runner. Dependencies between the nodes of one
// stage cannot exist: stages are topological rank groups, so every
// dependency of a frontier node is already terminal before dispatch.
// The pool therefore receives no dependency wiring here.
func (r *PoolRunner) RunStage(ctx context.Context, run *types.Run, ten *types.Tenant, nodes []NodeExecution) ([]types.StepReport, error) {
	size := r.cfg.Concurrency
	if ten != nil && ten.Budget != nil && ten.Budget.MaxAgents > 0 {
		size = ten.Budget.MaxAgents
	}
	p, err := pool.New(size, r.cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("creating stage pool: %w", err)
	}

	var mu sync.Mutex
	var completed []types.StepReport
	done := make(map[string]bool, len(nodes))

	futures := make([]*pool.Future, 0, len(nodes))
	for _, ne := range nodes {
		ne := ne
		fut, serr := p.Submit(ne.Node.ID, run.Priority, nil, nil, func(taskCtx context.Context) (*types.StepReport, error) {
			report, execErr := r.executeNode(taskCtx, ne)
			final := finalizeReport(ne, report, execErr)
			mu.Lock()
			completed = append(completed, final)
			done[ne.Node.ID] = true
			mu.Unlock()
			return &final, execErr
		})
		if serr != nil {
			p.Cancel(0)
			return nil, fmt.Errorf("submitting node %s: %w", ne.Node.ID, serr)
		}
		futures = append(futures, fut)
	}

	settled := make(chan struct{})
	go func() {
		defer close(settled)
		for _, fut := range futures {
			fut.Wait(context.Background())
		}
	}()

	select {
	case <-settled:
		if err := p.Drain(context.Background()); err != nil {
			r.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Stage pool drain failed")
		}
	case <-ctx.Done():
		p.Cancel(r.cfg.CancelGrace)
		<-settled
	}

	// Abandoned nodes never reached their report append; synthesize
	// their failures so the stage stays fully accounted for.
	mu.Lock()
	defer mu.Unlock()
	for _, ne := range nodes {
		if done[ne.Node.ID] {
			continue
		}
		cause := ctx.Err()
		if cause == nil {
			cause = fmt.Errorf("node %s did not settle", ne.Node.ID)
		}
		completed = append(completed, failureReport(ne, cause))
	}

	if ctx.Err() != nil {
		return completed, fault.Wrap(fault.CodeTimeout, "stage cancelled", ctx.Err())
	}
	return completed, nil
}

// executeNode runs one adapter under the step deadline
func (r *PoolRunner) executeNode(ctx context.Context, ne NodeExecution) (*types.StepReport, error) {
	adapter, err := r.adapters.Get(ne.Node.Role)
	if err != nil {
		return nil, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()

	started := time.Now()
	report, execErr := adapter.Execute(stepCtx, ne.Ctx)
	metrics.StepDuration.WithLabelValues(string(ne.Node.Role)).Observe(time.Since(started).Seconds())

	if execErr == nil && stepCtx.Err() != nil {
		execErr = fault.Wrap(fault.CodeTimeout, fmt.Sprintf("step %s deadline exceeded", ne.Node.ID), stepCtx.Err())
	}
	return report, execErr
}

// finalizeReport normalizes an adapter's outcome into the report the
// engine records: identity fields filled, nil or errored executions
// turned into failure reports.
func finalizeReport(ne NodeExecution, report *types.StepReport, execErr error) types.StepReport {
	if execErr != nil {
		return failureReport(ne, execErr)
	}
	if report == nil {
		return failureReport(ne, fmt.Errorf("adapter for role %s returned no report", ne.Node.Role))
	}

	out := *report
	if out.RunID == "" {
		out.RunID = ne.Ctx.RunID
	}
	if out.NodeID == "" {
		out.NodeID = ne.Node.ID
	}
	if out.Role == "" {
		out.Role = ne.Node.Role
	}
	if out.Attempt == 0 {
		out.Attempt = ne.Ctx.Attempt
	}
	return out
}

// failureReport is the stand-in record for a node that produced no
// usable report. High risk, zero confidence: governance should see a
// crashed node as evidence against the run, not as silence.
func failureReport(ne NodeExecution, cause error) types.StepReport {
	now := time.Now().UTC()
	return types.StepReport{
		RunID:      ne.Ctx.RunID,
		NodeID:     ne.Node.ID,
		Role:       ne.Node.Role,
		Attempt:    ne.Ctx.Attempt,
		Status:     types.ReportError,
		Risk:       types.RiskHigh,
		Error:      cause.Error(),
		StartedAt:  now,
		FinishedAt: now,
	}
}
