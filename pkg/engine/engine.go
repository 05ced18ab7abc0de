package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/artifact"
	"github.com/droverhq/drover/pkg/budget"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/governance"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/plan"
	"github.com/droverhq/drover/pkg/state"
	"github.com/droverhq/drover/pkg/tenant"
	"github.com/droverhq/drover/pkg/types"
)

// Deps wires the engine to the subsystems it orchestrates. Every field
// is required except Broker.
type Deps struct {
	State      *state.Manager
	Tenants    *tenant.Registry
	Budget     *budget.Controller
	Artifacts  *artifact.Store
	Plans      *plan.Registry
	Governance *governance.Engine
	Runner     Runner
	Broker     *events.Broker
}

// Engine drives delivery runs through their lifecycle: admission,
// plan selection, stage dispatch, governance checkpoints, and the
// terminal seal. One engine instance drives each run at most once at a
// time; everything it learns lands in the run's artifact bundle before
// the run is allowed to finish.
type Engine struct {
	state     *state.Manager
	tenants   *tenant.Registry
	budget    *budget.Controller
	artifacts *artifact.Store
	plans     *plan.Registry
	selector  *plan.Selector
	gov       *governance.Engine
	runner    Runner
	broker    *events.Broker
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates the run engine
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.State == nil:
		return nil, fmt.Errorf("engine needs a state manager")
	case deps.Tenants == nil:
		return nil, fmt.Errorf("engine needs a tenant registry")
	case deps.Budget == nil:
		return nil, fmt.Errorf("engine needs a budget controller")
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("engine needs an artifact store")
	case deps.Plans == nil:
		return nil, fmt.Errorf("engine needs a plan registry")
	case deps.Governance == nil:
		return nil, fmt.Errorf("engine needs a governance engine")
	case deps.Runner == nil:
		return nil, fmt.Errorf("engine needs a stage runner")
	}
	return &Engine{
		state:     deps.State,
		tenants:   deps.Tenants,
		budget:    deps.Budget,
		artifacts: deps.Artifacts,
		plans:     deps.Plans,
		selector:  plan.NewSelector(deps.Plans),
		gov:       deps.Governance,
		runner:    deps.Runner,
		broker:    deps.Broker,
		logger:    log.WithComponent("engine"),
		inflight:  make(map[string]context.CancelFunc),
	}, nil
}

// Submit validates a delivery spec, admits it against the tenant's
// budget, and prepares the run and its artifact bundle. The run comes
// back in SPEC_READY, holding a concurrency slot until it reaches a
// terminal state. Rejected submissions leave no run and no bundle,
// only the tenant's rejection record.
func (e *Engine) Submit(tenantID string, spec *types.DeliverySpec, priority types.Priority) (*types.Run, error) {
	if spec == nil {
		return nil, fault.New(fault.CodeSpecInvalid, "spec required")
	}
	if strings.TrimSpace(spec.Objective) == "" {
		return nil, fault.New(fault.CodeSpecInvalid, "spec objective required")
	}
	if spec.EstimatedCost < 0 {
		return nil, fault.Newf(fault.CodeSpecInvalid, "estimated cost must be non-negative, got %v", spec.EstimatedCost)
	}
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fault.Newf(fault.CodeSpecInvalid, "unknown priority %q", priority)
	}

	token, err := e.budget.Admit(tenantID, spec.EstimatedCost)
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		ID:             types.NewRunID(),
		TenantID:       tenantID,
		Mode:           types.ModeNormal,
		Spec:           spec,
		Priority:       priority,
		AdmissionToken: token,
		EstimatedCost:  spec.EstimatedCost,
	}
	if err := e.state.Create(run); err != nil {
		e.budget.Release(token)
		return nil, err
	}
	if err := e.budget.BindRun(token, run.ID); err != nil {
		e.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to bind admission to run")
	}
	if err := e.artifacts.CreateBundle(run.ID, spec); err != nil {
		e.budget.Release(token)
		return nil, fmt.Errorf("creating artifact bundle: %w", err)
	}

	if _, err := e.state.Transition(run.ID, types.RunStateSpecReady, state.TransitionOpts{
		Reason: "admitted",
		Actor:  "engine",
	}); err != nil {
		e.budget.Release(token)
		return nil, err
	}
	run, err = e.state.Update(run.ID, func(r *types.Run) error {
		r.AdmittedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RunsSubmitted.Inc()
	e.event(run, events.EventRunAdmitted, fmt.Sprintf("estimate %.4f, priority %s", spec.EstimatedCost, priority), nil)
	e.logger.Info().
		Str("run_id", run.ID).
		Str("tenant_id", tenantID).
		Float64("estimate", spec.EstimatedCost).
		Msg("Run admitted")
	return run, nil
}

// Execute picks the initial plan for a SPEC_READY run and drives it
// until it parks in a terminal or paused state. The call is
// synchronous; callers wanting fire-and-forget run it in a goroutine.
// The driver claim is taken before the run is touched, so concurrent
// Execute calls for the same run collide here instead of racing the
// state machine.
func (e *Engine) Execute(ctx context.Context, runID string) (*types.Run, error) {
	driveCtx, done, err := e.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer done()

	run, err := e.state.Get(runID)
	if err != nil {
		return nil, err
	}
	if run.State != types.RunStateSpecReady {
		return nil, fault.Newf(fault.CodeTransitionIllegal, "run %s is %s, expected %s", runID, run.State, types.RunStateSpecReady)
	}

	if err := e.selectInitial(run); err != nil {
		return nil, err
	}
	if _, err := e.state.Transition(runID, types.RunStateRunning, state.TransitionOpts{
		Reason: "dispatch",
		Actor:  "engine",
		Mode:   types.ModeNormal,
	}); err != nil {
		return nil, err
	}
	return e.drive(driveCtx, runID)
}

// Resume applies an operator decision to a paused run: stop fails it
// and seals the evidence, the continue decisions re-enter the drive
// loop in the chosen mode.
func (e *Engine) Resume(ctx context.Context, runID string, decision types.OperatorDecision) (*types.Run, error) {
	driveCtx, done, err := e.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer done()

	run, err := e.state.Get(runID)
	if err != nil {
		return nil, err
	}
	if run.State != types.RunStatePaused {
		return nil, fault.Newf(fault.CodeNotPaused, "run %s is %s", runID, run.State)
	}
	if !decision.Valid() {
		return nil, fault.Newf(fault.CodeSpecInvalid, "unknown operator decision %q", decision)
	}

	if decision == types.DecisionStop {
		return e.stop(run)
	}

	mode := map[types.OperatorDecision]types.ExecutionMode{
		types.DecisionContinueNormal:   types.ModeNormal,
		types.DecisionContinueDegraded: types.ModeDegraded,
		types.DecisionContinueMinimal:  types.ModeMinimal,
	}[decision]

	run, err = e.state.Transition(runID, types.RunStateRunning, state.TransitionOpts{
		Reason: "operator decision " + string(decision),
		Actor:  "operator",
		Mode:   mode,
	})
	if err != nil {
		return nil, err
	}

	reports, err := e.loadReports(runID)
	if err != nil {
		return e.pauseSystem(run, err)
	}
	if run, _, _, err = e.reselect(run, mode, reports); err != nil {
		return e.pauseSystem(run, err)
	}
	return e.drive(driveCtx, runID)
}

// PatchSpec applies an operator patch to a copy of spec and returns
// the copy. Only the objective, parameters, and capabilities can
// change; parameters merge, the other fields replace. The input spec
// is never mutated, so callers can use it as a dry-run validator.
func PatchSpec(spec *types.DeliverySpec, patch map[string]any) (*types.DeliverySpec, error) {
	if len(patch) == 0 {
		return nil, fault.New(fault.CodePatchInvalid, "patch is empty")
	}

	out := clonedSpec(spec)
	for key, val := range patch {
		switch key {
		case "objective":
			s, ok := val.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, fault.New(fault.CodePatchInvalid, "objective must be a non-empty string")
			}
			out.Objective = s
		case "parameters":
			m, ok := val.(map[string]any)
			if !ok {
				return nil, fault.New(fault.CodePatchInvalid, "parameters must be an object")
			}
			if out.Parameters == nil {
				out.Parameters = make(map[string]any, len(m))
			}
			for k, v := range m {
				out.Parameters[k] = v
			}
		case "capabilities":
			caps, err := stringSlice(val)
			if err != nil {
				return nil, fault.New(fault.CodePatchInvalid, "capabilities must be a list of strings")
			}
			out.Capabilities = caps
		default:
			return nil, fault.Newf(fault.CodePatchInvalid, "unknown patch field %q", key)
		}
	}
	return out, nil
}

// ApplyPatch amends a paused run's spec and resumes it in NORMAL mode
func (e *Engine) ApplyPatch(ctx context.Context, runID string, patch map[string]any) (*types.Run, error) {
	driveCtx, done, err := e.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer done()

	run, err := e.state.Get(runID)
	if err != nil {
		return nil, err
	}
	if run.State != types.RunStatePaused {
		return nil, fault.Newf(fault.CodeNotPaused, "run %s is %s; patches apply to paused runs", runID, run.State)
	}
	spec, err := PatchSpec(run.Spec, patch)
	if err != nil {
		return nil, err
	}

	if err := e.artifacts.WritePatchedSpec(runID, spec); err != nil {
		return nil, err
	}
	run, err = e.state.Update(runID, func(r *types.Run) error {
		r.Spec = spec
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.event(run, events.EventRunPatched, "operator patch applied", nil)

	run, err = e.state.Transition(runID, types.RunStateRunning, state.TransitionOpts{
		Reason: "operator patch",
		Actor:  "operator",
		Mode:   types.ModeNormal,
	})
	if err != nil {
		return nil, err
	}
	reports, err := e.loadReports(runID)
	if err != nil {
		return e.pauseSystem(run, err)
	}
	if run, _, _, err = e.reselect(run, types.ModeNormal, reports); err != nil {
		return e.pauseSystem(run, err)
	}
	return e.drive(driveCtx, runID)
}

// Pause stops a running run at the next stage boundary. A run driven
// by this process is cancelled and parks itself once in-flight work
// settles, so the returned run usually still reads RUNNING; a run
// nobody is driving transitions directly.
func (e *Engine) Pause(runID, reason string) (*types.Run, error) {
	e.mu.Lock()
	cancel, driving := e.inflight[runID]
	e.mu.Unlock()

	if driving {
		cancel()
		return e.state.Get(runID)
	}
	if reason == "" {
		reason = "operator pause"
	}
	return e.state.Transition(runID, types.RunStatePaused, state.TransitionOpts{
		Reason: reason,
		Actor:  "operator",
	})
}

// stop fails a paused run on operator order and seals its bundle
func (e *Engine) stop(run *types.Run) (*types.Run, error) {
	e.appendBundleEvent(run, events.EventRunFailed, "stopped by operator")
	if _, err := e.artifacts.Seal(run.ID); err != nil {
		return run, fmt.Errorf("sealing bundle: %w", err)
	}
	final, err := e.state.Transition(run.ID, types.RunStateFailed, state.TransitionOpts{
		Reason:      "operator stop",
		Actor:       "operator",
		FailureCode: "operator_stop",
	})
	if err != nil {
		return run, err
	}
	e.budget.Release(run.AdmissionToken)
	return final, nil
}

// drive is the engine's core loop: find the topological frontier,
// dispatch it, record the evidence, checkpoint, apply the decided
// mode, repeat until the plan is exhausted or something parks the run.
// The caller holds the driver claim; driveCtx is the claimed context.
func (e *Engine) drive(driveCtx context.Context, runID string) (*types.Run, error) {
	run, err := e.state.Get(runID)
	if err != nil {
		return nil, err
	}
	ten, err := e.tenants.Get(run.TenantID)
	if err != nil {
		return e.pauseSystem(run, err)
	}
	current, err := e.plans.ByID(run.PlanID)
	if err != nil {
		return e.pauseSystem(run, fmt.Errorf("loading plan %s: %w", run.PlanID, err))
	}
	reports, err := e.loadReports(runID)
	if err != nil {
		return e.pauseSystem(run, err)
	}
	executed := make(map[string]string, len(reports))
	for i := range reports {
		executed[reports[i].NodeID] = outcomeOf(&reports[i])
	}

	checkpoint := run.Checkpoint
	lastRequiredFailure := -1
	lastSwitch := -1

	for {
		if driveCtx.Err() != nil {
			return e.pauseOperator(run)
		}

		stages, err := current.Stages()
		if err != nil {
			return e.pauseSystem(run, err)
		}
		stageIdx, frontier := frontierOf(stages, executed)
		if stageIdx < 0 {
			break
		}

		status, err := e.budget.Status(run.TenantID)
		if err != nil {
			return e.pauseSystem(run, err)
		}
		remaining := status.DailyLimit - status.DailySpent
		gin := plan.GuardInput{
			BudgetRemaining: remaining,
			MaxRisk:         maxRisk(reports),
			LastFailure:     plan.LastFailureFrom(reports),
		}
		prior := append([]types.StepReport(nil), reports...)

		var (
			execs        []NodeExecution
			stageReports []types.StepReport
			warnings     = make(map[string][]string)
			required     = make(map[string]bool, len(frontier))
			requiredFail = false
		)
		for _, n := range frontier {
			required[n.ID] = n.Required

			if !n.Guard.Evaluate(gin) {
				r := skippedReport(run, n)
				if err := e.record(run, stageIdx, &r); err != nil {
					return e.pauseSystem(run, err)
				}
				executed[n.ID] = outcomeSkipped
				reports = append(reports, r)
				stageReports = append(stageReports, r)
				continue
			}
			if failed := failedDeps(n.DependsOn, executed); len(failed) > 0 {
				r := depFailureReport(run, n, failed)
				if err := e.record(run, stageIdx, &r); err != nil {
					return e.pauseSystem(run, err)
				}
				executed[n.ID] = outcomeFailed
				if n.Required {
					requiredFail = true
				}
				reports = append(reports, r)
				stageReports = append(stageReports, r)
				continue
			}
			if soft := failedDeps(n.SoftDependsOn, executed); len(soft) > 0 {
				warnings[n.ID] = soft
			}
			execs = append(execs, NodeExecution{Node: n, Ctx: e.runContext(run, ten, n, remaining, prior)})
		}

		if len(execs) > 0 {
			e.event(run, events.EventStageStarted, fmt.Sprintf("stage %d, %d nodes", stageIdx, len(execs)),
				map[string]string{"stage": strconv.Itoa(stageIdx)})

			results, runErr := e.runner.RunStage(driveCtx, run, ten, execs)
			for i := range results {
				r := results[i]
				if soft := warnings[r.NodeID]; len(soft) > 0 {
					if r.Signals == nil {
						r.Signals = map[string]any{}
					}
					r.Signals[types.SignalSoftDepWarning] = strings.Join(soft, ",")
				}
				if err := e.record(run, stageIdx, &r); err != nil {
					return e.pauseSystem(run, err)
				}
				executed[r.NodeID] = outcomeOf(&r)
				if r.Status == types.ReportError && required[r.NodeID] {
					requiredFail = true
				}
				reports = append(reports, r)
				stageReports = append(stageReports, r)
			}
			if runErr != nil {
				if driveCtx.Err() != nil {
					return e.pauseOperator(run)
				}
				return e.pauseSystem(run, runErr)
			}
		}

		run, err = e.advanceCursor(run, stageReports)
		if err != nil {
			return e.pauseSystem(run, err)
		}

		decision, err := e.gov.Checkpoint(governance.CheckpointContext{
			RunID:             run.ID,
			TenantID:          run.TenantID,
			Checkpoint:        checkpoint,
			Stage:             stageIdx,
			RemainingEstimate: remainingEstimate(current, executed),
		}, stageReports)
		if err != nil {
			return e.pauseSystem(run, err)
		}
		if err := e.artifacts.WriteDecision(run.ID, decision); err != nil {
			return e.pauseSystem(run, err)
		}
		e.event(run, events.EventCheckpoint, decision.Rationale, map[string]string{
			"checkpoint": strconv.Itoa(checkpoint),
			"mode":       string(decision.Mode),
			"rule":       decision.RuleID,
		})
		if requiredFail {
			lastRequiredFailure = checkpoint
		}
		checkpoint++
		run, err = e.state.Update(run.ID, func(r *types.Run) error {
			r.Checkpoint = checkpoint
			return nil
		})
		if err != nil {
			return e.pauseSystem(run, err)
		}

		if decision.Mode == types.ModePaused {
			return e.state.Transition(run.ID, types.RunStatePaused, state.TransitionOpts{
				Reason: decision.Rationale,
				Actor:  "governance",
			})
		}
		// A mode decided at the final checkpoint has no work left to
		// govern; record it and finish in the mode the run earned.
		if decision.Mode != run.Mode && workRemains(current, executed) {
			run, err = e.state.Transition(run.ID, types.RunStateRunning, state.TransitionOpts{
				Reason: decision.Rationale,
				Actor:  "governance",
				Mode:   decision.Mode,
			})
			if err != nil {
				return e.pauseSystem(run, err)
			}
			var switched bool
			if run, current, switched, err = e.reselect(run, decision.Mode, reports); err != nil {
				return e.pauseSystem(run, err)
			}
			if switched {
				lastSwitch = checkpoint - 1
			}
		}
	}

	return e.finish(run, lastRequiredFailure, lastSwitch)
}

// Driving reports whether this engine currently holds the driver claim
// for a run. The dispatcher uses it to skip runs already in flight and
// the reconciler uses it to tell a stranded RUNNING run from a live one.
func (e *Engine) Driving(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[runID]
	return ok
}

// claim registers this goroutine as the run's driver. The returned
// context is cancelled by Pause; the returned func must run on exit.
func (e *Engine) claim(ctx context.Context, runID string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[runID]; busy {
		return nil, nil, fault.Newf(fault.CodeTransitionIllegal, "run %s is already being driven", runID)
	}
	driveCtx, cancel := context.WithCancel(ctx)
	e.inflight[runID] = cancel
	done := func() {
		e.mu.Lock()
		delete(e.inflight, runID)
		e.mu.Unlock()
		cancel()
	}
	return driveCtx, done, nil
}

// selectInitial runs the first plan selection for a run about to start
func (e *Engine) selectInitial(run *types.Run) error {
	status, err := e.budget.Status(run.TenantID)
	if err != nil {
		return err
	}
	sel, err := e.selector.Select(plan.SelectionInput{
		Mode:            types.ModeNormal,
		BudgetRemaining: status.DailyLimit - status.DailySpent,
	})
	if err != nil {
		return err
	}
	p, err := e.plans.ByID(sel.PlanID)
	if err != nil {
		return err
	}
	if err := e.artifacts.WritePlan(run.ID, p); err != nil {
		return err
	}
	if err := e.artifacts.AppendPlanHistory(run.ID, sel); err != nil {
		return err
	}
	if _, err := e.state.Update(run.ID, func(r *types.Run) error {
		r.PlanID = p.ID
		r.PlanVersion = p.Version
		return nil
	}); err != nil {
		return err
	}
	e.event(run, events.EventPlanSelected, fmt.Sprintf("plan %s v%d by %s", p.ID, p.Version, sel.RuleID),
		map[string]string{"plan_id": p.ID, "rule": sel.RuleID})
	return nil
}

// reselect re-runs plan selection for a new mode. Every selection is
// appended to the plan history; the plan snapshot and run fields only
// move when the selected plan differs from the current one. Nodes
// already executed keep their reports either way: scheduling continues
// from the current frontier, never backwards.
func (e *Engine) reselect(run *types.Run, mode types.ExecutionMode, reports []types.StepReport) (*types.Run, *plan.Plan, bool, error) {
	status, err := e.budget.Status(run.TenantID)
	if err != nil {
		return run, nil, false, err
	}
	sel, err := e.selector.Select(plan.SelectionInput{
		Mode:            mode,
		BudgetRemaining: status.DailyLimit - status.DailySpent,
		LastFailure:     plan.LastFailureFrom(reports),
	})
	if err != nil {
		return run, nil, false, err
	}
	if err := e.artifacts.AppendPlanHistory(run.ID, sel); err != nil {
		return run, nil, false, err
	}

	if sel.NoPlan || sel.PlanID == run.PlanID {
		cur, err := e.plans.ByID(run.PlanID)
		return run, cur, false, err
	}

	next, err := e.plans.ByID(sel.PlanID)
	if err != nil {
		return run, nil, false, err
	}
	if err := e.artifacts.WritePlan(run.ID, next); err != nil {
		return run, nil, false, err
	}
	run, err = e.state.Update(run.ID, func(r *types.Run) error {
		r.PlanID = next.ID
		r.PlanVersion = next.Version
		return nil
	})
	if err != nil {
		return run, nil, false, err
	}
	e.event(run, events.EventPlanSwitched, fmt.Sprintf("plan %s v%d by %s", next.ID, next.Version, sel.RuleID),
		map[string]string{"plan_id": next.ID, "rule": sel.RuleID})
	e.logger.Info().
		Str("run_id", run.ID).
		Str("plan_id", next.ID).
		Str("rule", sel.RuleID).
		Str("mode", string(mode)).
		Msg("Plan switched")
	return run, next, true, nil
}

// record writes one step report into the bundle and settles its cost.
// A retried step reporting without an idempotency tag additionally
// raises the duplicate-execution flag.
func (e *Engine) record(run *types.Run, stage int, r *types.StepReport) error {
	if r.RunID == "" {
		r.RunID = run.ID
	}

	if r.Attempt > 1 && r.IdempotencyTag == "" && r.Status != types.ReportSkipped {
		if r.Signals == nil {
			r.Signals = map[string]any{}
		}
		r.Signals[types.SignalDuplicateRisk] = true
		e.logger.Warn().
			Str("run_id", run.ID).
			Str("node_id", r.NodeID).
			Int("attempt", r.Attempt).
			Msg("Retried step carries no idempotency tag")
		e.event(run, events.EventDuplicateRisk,
			fmt.Sprintf("node %s attempt %d reported without an idempotency tag", r.NodeID, r.Attempt),
			map[string]string{"node_id": r.NodeID})
	}

	if err := e.artifacts.WriteReport(run.ID, stage, r); err != nil {
		return fmt.Errorf("writing report for node %s: %w", r.NodeID, err)
	}

	if r.Cost > 0 {
		category := r.Category
		if category == "" {
			category = types.CostOther
		}
		if err := e.budget.Record(run.AdmissionToken, r.Cost, category); err != nil {
			return fmt.Errorf("recording cost for node %s: %w", r.NodeID, err)
		}
		if err := e.artifacts.AppendCost(run.ID, &types.LedgerEntry{
			ID:       uuid.New().String(),
			TenantID: run.TenantID,
			RunID:    run.ID,
			Token:    run.AdmissionToken,
			Amount:   r.Cost,
			Category: category,
			At:       time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("appending cost entry for node %s: %w", r.NodeID, err)
		}
	}

	typ, msg := events.EventStepCompleted, fmt.Sprintf("node %s %s", r.NodeID, r.Status)
	if r.Status == types.ReportSkipped {
		typ, msg = events.EventStepSkipped, fmt.Sprintf("node %s held back by its guard", r.NodeID)
	}
	e.event(run, typ, msg, map[string]string{"node_id": r.NodeID, "status": string(r.Status)})
	return nil
}

// advanceCursor folds one stage's outcomes into the run record
func (e *Engine) advanceCursor(run *types.Run, stageReports []types.StepReport) (*types.Run, error) {
	var executedIDs, skippedIDs []string
	var cost float64
	for _, r := range stageReports {
		if r.Status == types.ReportSkipped {
			skippedIDs = append(skippedIDs, r.NodeID)
			continue
		}
		executedIDs = append(executedIDs, r.NodeID)
		cost += r.Cost
	}
	return e.state.Update(run.ID, func(r *types.Run) error {
		r.ExecutedNodes = append(r.ExecutedNodes, executedIDs...)
		r.SkippedNodes = append(r.SkippedNodes, skippedIDs...)
		r.ActualCost += cost
		return nil
	})
}

// finish closes out an exhausted plan. The run fails when its latest
// required-node failure was never answered by a plan switch at or
// after that checkpoint; otherwise it completes. Evidence is sealed
// before the state moves, so a terminal run always has a manifest.
func (e *Engine) finish(run *types.Run, lastRequiredFailure, lastSwitch int) (*types.Run, error) {
	failed := lastRequiredFailure >= 0 && lastSwitch < lastRequiredFailure

	if failed {
		e.appendBundleEvent(run, events.EventRunFailed, "required node failed with no recovery switch")
	} else {
		e.appendBundleEvent(run, events.EventRunCompleted, "plan exhausted")
	}
	if _, err := e.artifacts.Seal(run.ID); err != nil {
		return e.pauseSystem(run, fmt.Errorf("sealing bundle: %w", err))
	}

	var (
		final *types.Run
		err   error
	)
	if failed {
		final, err = e.state.Transition(run.ID, types.RunStateFailed, state.TransitionOpts{
			Reason:      "required node failed",
			Actor:       "engine",
			FailureCode: "required_node_failed",
		})
	} else {
		final, err = e.state.Transition(run.ID, types.RunStateCompleted, state.TransitionOpts{
			Reason: "plan exhausted",
			Actor:  "engine",
		})
	}
	if err != nil {
		return run, err
	}
	e.budget.Release(run.AdmissionToken)
	e.logger.Info().
		Str("run_id", run.ID).
		Str("state", string(final.State)).
		Float64("actual_cost", final.ActualCost).
		Msg("Run finished")
	return final, nil
}

// pauseOperator parks a run whose driver was cancelled
func (e *Engine) pauseOperator(run *types.Run) (*types.Run, error) {
	return e.state.Transition(run.ID, types.RunStatePaused, state.TransitionOpts{
		Reason: "operator cancel",
		Actor:  "operator",
	})
}

// pauseSystem parks a run in place after an infrastructure failure.
// The cause is returned alongside the paused run so callers can
// surface it; no state machine progress happens until an operator
// resolves the pause.
func (e *Engine) pauseSystem(run *types.Run, cause error) (*types.Run, error) {
	e.logger.Error().Err(cause).Str("run_id", run.ID).Msg("System failure, pausing run in place")
	e.event(run, events.EventSystemError, cause.Error(), nil)

	paused, err := e.state.Transition(run.ID, types.RunStatePaused, state.TransitionOpts{
		Reason: "system error",
		Actor:  "engine",
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Could not park run after system failure")
		return run, cause
	}
	return paused, cause
}

// runContext freezes the context one node executes against
func (e *Engine) runContext(run *types.Run, ten *types.Tenant, n plan.Node, remaining float64, prior []types.StepReport) *types.RunContext {
	return &types.RunContext{
		RunID:           run.ID,
		TenantID:        run.TenantID,
		NodeID:          n.ID,
		Role:            n.Role,
		Attempt:         1,
		Mode:            run.Mode,
		Spec:            run.Spec,
		Learning:        ten.Learning,
		BudgetRemaining: remaining,
		PriorReports:    prior,
	}
}

// loadReports reads every step report in the bundle, ordered by stage.
// A fresh run simply has none; a resumed run gets its full history
// back, which is what keeps re-driving idempotent.
func (e *Engine) loadReports(runID string) ([]types.StepReport, error) {
	files, err := e.artifacts.List(runID)
	if err != nil {
		return nil, err
	}

	type staged struct {
		stage  int
		report types.StepReport
	}
	var all []staged
	for _, f := range files {
		parts := strings.Split(f, "/")
		if len(parts) != 3 || parts[0] != "reports" {
			continue
		}
		stage, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		data, err := e.artifacts.Read(runID, f)
		if err != nil {
			return nil, err
		}
		var r types.StepReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decoding report %s: %w", f, err)
		}
		all = append(all, staged{stage: stage, report: r})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].stage < all[j].stage })

	out := make([]types.StepReport, len(all))
	for i, s := range all {
		out[i] = s.report
	}
	return out, nil
}

// event mirrors a run-scoped event into the bundle and onto the broker
func (e *Engine) event(run *types.Run, typ, message string, data map[string]string) {
	ev := &types.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		TenantID:  run.TenantID,
		RunID:     run.ID,
		Message:   message,
		Data:      data,
	}
	if err := e.artifacts.AppendEvent(run.ID, ev); err != nil {
		e.logger.Warn().Err(err).Str("run_id", run.ID).Str("type", typ).Msg("Failed to append run event")
	}
	if e.broker != nil {
		e.broker.Publish(ev)
	}
}

// appendBundleEvent writes a run event into the bundle without
// touching the broker. Terminal notifications ride on the state
// manager's transitions; this only preserves the evidence.
func (e *Engine) appendBundleEvent(run *types.Run, typ, message string) {
	ev := &types.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		TenantID:  run.TenantID,
		RunID:     run.ID,
		Message:   message,
	}
	if err := e.artifacts.AppendEvent(run.ID, ev); err != nil {
		e.logger.Warn().Err(err).Str("run_id", run.ID).Str("type", typ).Msg("Failed to append run event")
	}
}

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

func outcomeOf(r *types.StepReport) string {
	switch r.Status {
	case types.ReportSkipped:
		return outcomeSkipped
	case types.ReportError:
		return outcomeFailed
	default:
		return outcomeSucceeded
	}
}

// frontierOf finds the first stage with unexecuted nodes. Partially
// executed stages, the mark of a resumed run, redispatch only what is
// still open.
func frontierOf(stages [][]plan.Node, executed map[string]string) (int, []plan.Node) {
	for i, stage := range stages {
		var open []plan.Node
		for _, n := range stage {
			if _, done := executed[n.ID]; !done {
				open = append(open, n)
			}
		}
		if len(open) > 0 {
			return i, open
		}
	}
	return -1, nil
}

// failedDeps returns the listed dependencies that ended in failure.
// Skipped dependencies are pruned: a guard holding a node back is not
// evidence against its dependents.
func failedDeps(deps []string, executed map[string]string) []string {
	var failed []string
	for _, d := range deps {
		if executed[d] == outcomeFailed {
			failed = append(failed, d)
		}
	}
	return failed
}

func maxRisk(reports []types.StepReport) types.RiskLevel {
	var top types.RiskLevel
	for _, r := range reports {
		if r.Status == types.ReportSkipped {
			continue
		}
		if riskRank(r.Risk) > riskRank(top) {
			top = r.Risk
		}
	}
	return top
}

func riskRank(r types.RiskLevel) int {
	switch r {
	case types.RiskLow:
		return 1
	case types.RiskMedium:
		return 2
	case types.RiskHigh:
		return 3
	case types.RiskCritical:
		return 4
	default:
		return 0
	}
}

func remainingEstimate(p *plan.Plan, executed map[string]string) float64 {
	var total float64
	for _, n := range p.Nodes {
		if _, done := executed[n.ID]; !done {
			total += n.EstimatedCost
		}
	}
	return total
}

func workRemains(p *plan.Plan, executed map[string]string) bool {
	for _, n := range p.Nodes {
		if _, done := executed[n.ID]; !done {
			return true
		}
	}
	return false
}

func skippedReport(run *types.Run, n plan.Node) types.StepReport {
	now := time.Now().UTC()
	return types.StepReport{
		RunID:      run.ID,
		NodeID:     n.ID,
		Role:       n.Role,
		Status:     types.ReportSkipped,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func depFailureReport(run *types.Run, n plan.Node, failed []string) types.StepReport {
	now := time.Now().UTC()
	return types.StepReport{
		RunID:      run.ID,
		NodeID:     n.ID,
		Role:       n.Role,
		Status:     types.ReportError,
		Risk:       types.RiskHigh,
		Error:      "hard dependency failed: " + strings.Join(failed, ", "),
		StartedAt:  now,
		FinishedAt: now,
	}
}

func clonedSpec(spec *types.DeliverySpec) *types.DeliverySpec {
	out := &types.DeliverySpec{}
	if spec == nil {
		return out
	}
	*out = *spec
	out.Parameters = make(map[string]any, len(spec.Parameters))
	for k, v := range spec.Parameters {
		out.Parameters[k] = v
	}
	out.Capabilities = append([]string(nil), spec.Capabilities...)
	return out
}

func stringSlice(val any) ([]string, error) {
	switch v := val.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%v is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a list")
	}
}
