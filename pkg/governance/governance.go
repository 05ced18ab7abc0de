package governance

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// BudgetReader is the slice of the budget controller a checkpoint
// consults
type BudgetReader interface {
	Status(tenantID string) (*types.BudgetStatus, error)
	Forecast(tenantID string, estimate float64) (*types.BudgetForecast, error)
}

// Restrictions applied per mode. The strings are the operational
// vocabulary workers and operators see; they are enumerated here and
// nowhere else.
var modeRestrictions = map[types.ExecutionMode][]string{
	types.ModeNormal:   nil,
	types.ModeDegraded: {"skip_optional_nodes", "prefer_deterministic_adapters"},
	types.ModeMinimal:  {"required_nodes_only", "no_exploration"},
	types.ModePaused:   {"halt_scheduling", "await_operator"},
}

// Engine decides the execution mode for the remainder of a run at
// each stage boundary. It is a fixed rule table over aggregated
// inputs: no model call, no learned component, same inputs same
// decision. Every decision records the full input snapshot so an
// auditor can re-derive it.
type Engine struct {
	budget BudgetReader
	logger zerolog.Logger
}

// NewEngine creates a governance engine
func NewEngine(budget BudgetReader) *Engine {
	return &Engine{
		budget: budget,
		logger: log.WithComponent("governance"),
	}
}

// CheckpointContext names the run and stage a checkpoint belongs to
// and carries the cost estimate for the work still ahead, which feeds
// the budget projection.
type CheckpointContext struct {
	RunID             string
	TenantID          string
	Checkpoint        int
	Stage             int
	RemainingEstimate float64
}

// Checkpoint aggregates the stage's reports and applies the rule
// table, first match wins:
//
//	1  any hard conflict                      -> PAUSED
//	2  budget exceeded / projected to exceed  -> PAUSED / DEGRADED
//	3  >= 2 elevated risks and confidence < 0.5 -> PAUSED
//	4  >= 2 model-layer fallbacks             -> DEGRADED
//	5  any soft conflict                      -> MINIMAL
//	6  otherwise                              -> NORMAL
func (e *Engine) Checkpoint(ctx CheckpointContext, reports []types.StepReport) (*types.GovernanceDecision, error) {
	inputs, err := e.aggregate(ctx, reports)
	if err != nil {
		return nil, err
	}

	rule, mode, rationale := decide(inputs)
	decision := &types.GovernanceDecision{
		RunID:        ctx.RunID,
		Checkpoint:   ctx.Checkpoint,
		Stage:        ctx.Stage,
		Mode:         mode,
		RuleID:       rule,
		Restrictions: modeRestrictions[mode],
		Inputs:       *inputs,
		Rationale:    rationale,
		DecidedAt:    time.Now().UTC(),
	}

	metrics.GovernanceDecisions.WithLabelValues(string(mode), rule).Inc()
	e.logger.Info().
		Str("run_id", ctx.RunID).
		Int("checkpoint", ctx.Checkpoint).
		Str("mode", string(mode)).
		Str("rule", rule).
		Str("rationale", rationale).
		Msg("Checkpoint decided")
	return decision, nil
}

// decide is the pure rule table
func decide(in *types.GovernanceInputs) (rule string, mode types.ExecutionMode, rationale string) {
	switch {
	case len(in.HardConflicts) > 0:
		ids := ""
		for i, c := range in.HardConflicts {
			if i > 0 {
				ids += ", "
			}
			ids += c.NodeA + "x" + c.NodeB
		}
		return "rule-1", types.ModePaused, fmt.Sprintf("hard conflict: %s", ids)
	case in.ActualOverrun:
		return "rule-2", types.ModePaused, "budget breach"
	case in.ProjectedOver:
		return "rule-2", types.ModeDegraded, "budget breach"
	case in.HighRiskCount >= 2 && in.AvgConfidence < 0.5:
		return "rule-3", types.ModePaused, "high risk + low confidence"
	case in.LLMFallbacks >= 2:
		return "rule-4", types.ModeDegraded, "model-layer fallback"
	case len(in.SoftConflicts) > 0:
		return "rule-5", types.ModeMinimal, "soft conflict"
	default:
		return "rule-6", types.ModeNormal, "routine"
	}
}

// aggregate distills the stage's reports and the tenant's budget
// position into the decision inputs. Skipped reports carry no
// execution evidence and are left out of the confidence and risk
// aggregates.
func (e *Engine) aggregate(ctx CheckpointContext, reports []types.StepReport) (*types.GovernanceInputs, error) {
	inputs := &types.GovernanceInputs{}

	var confSum float64
	considered := 0
	for _, r := range reports {
		if r.Status == types.ReportSkipped {
			continue
		}
		considered++
		confSum += r.Confidence
		if r.Risk.Elevated() {
			inputs.HighRiskCount++
		}
		if fallback, ok := r.Signals[types.SignalLLMFallback].(bool); ok && fallback {
			inputs.LLMFallbacks++
		}
	}
	inputs.ReportCount = considered
	if considered > 0 {
		inputs.AvgConfidence = confSum / float64(considered)
	}

	hard, soft := Conflicts(reports)
	inputs.HardConflicts = hard
	inputs.SoftConflicts = soft

	if e.budget != nil && ctx.TenantID != "" {
		status, err := e.budget.Status(ctx.TenantID)
		if err != nil {
			return nil, err
		}
		inputs.BudgetSeverity = status.Severity
		inputs.ActualOverrun = status.Severity == types.BudgetExceeded

		forecast, err := e.budget.Forecast(ctx.TenantID, ctx.RemainingEstimate)
		if err != nil {
			return nil, err
		}
		// The forecast verdict carries the admission slack margin, so a
		// run can be projected over before the hard limit is touched.
		inputs.ProjectedOver = !forecast.WithinBudget
	} else {
		inputs.BudgetSeverity = types.BudgetHealthy
	}

	return inputs, nil
}

// Restrictions returns the enumerated restriction strings for a mode
func Restrictions(mode types.ExecutionMode) []string {
	return modeRestrictions[mode]
}
