package roles

import (
	"context"
	"fmt"
	"time"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

// BuiltinAdapter is the deterministic executor shipped for each core
// role. It produces the same report for the same run context, which
// keeps plan selection and governance reproducible end to end. Spec
// parameters steer it per run:
//
//	<role>_decision       string  override the outcome decision
//	<role>_fail           bool    report an error outcome
//	<role>_cost           number  override the observed cost
//	<role>_risk           string  override the risk level
//	<role>_confidence     number  override the confidence
//	<role>_delay_ms       number  hold the step for a latency window
//	<role>_llm_fallback   bool    mark a model-layer fallback
//	<role>_no_idempotency bool    omit the idempotency tag
type BuiltinAdapter struct {
	role types.Role
}

// NewBuiltinAdapter returns the built-in executor for a role
func NewBuiltinAdapter(role types.Role) *BuiltinAdapter {
	return &BuiltinAdapter{role: role}
}

// Role implements Adapter
func (a *BuiltinAdapter) Role() types.Role {
	return a.role
}

// defaults per role: observed cost, category, confidence
var builtinProfiles = map[types.Role]struct {
	cost       float64
	category   types.CostCategory
	confidence float64
	risk       types.RiskLevel
}{
	types.RoleProduct:    {0.05, types.CostLLM, 0.92, types.RiskLow},
	types.RoleData:       {0.08, types.CostRetrieval, 0.88, types.RiskMedium},
	types.RoleExecution:  {0.12, types.CostTool, 0.90, types.RiskMedium},
	types.RoleEvaluation: {0.03, types.CostLLM, 0.94, types.RiskLow},
	types.RoleCost:       {0.01, types.CostOther, 0.99, types.RiskLow},
}

// Execute implements Adapter
func (a *BuiltinAdapter) Execute(ctx context.Context, rc *types.RunContext) (*types.StepReport, error) {
	started := time.Now().UTC()

	if delay := a.paramFloat(rc, "delay_ms"); delay > 0 {
		select {
		case <-time.After(time.Duration(delay) * time.Millisecond):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.CodeTimeout, fmt.Sprintf("step %s cancelled", rc.NodeID), ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeTimeout, fmt.Sprintf("step %s cancelled", rc.NodeID), err)
	}

	profile := builtinProfiles[a.role]
	report := &types.StepReport{
		RunID:      rc.RunID,
		NodeID:     rc.NodeID,
		Role:       a.role,
		Attempt:    rc.Attempt,
		Decision:   types.DecisionProceed,
		Status:     types.ReportSuccess,
		Confidence: profile.confidence,
		Risk:       profile.risk,
		Cost:       profile.cost,
		Category:   profile.category,
		Signals:    map[string]any{},
		StartedAt:  started,
	}

	switch a.role {
	case types.RoleEvaluation:
		a.evaluate(rc, report)
	case types.RoleCost:
		a.tally(rc, report)
	}

	a.applyOverrides(rc, report)

	if report.Status != types.ReportError && !a.paramBool(rc, "no_idempotency") {
		report.IdempotencyTag = fmt.Sprintf("%s/%s", rc.RunID, rc.NodeID)
	}
	if a.paramBool(rc, "llm_fallback") {
		report.Signals[types.SignalLLMFallback] = true
	}

	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// evaluate grades the run so far: any errored prior step turns the
// evaluation into a failure carrying the category the plan selector
// keys on.
func (a *BuiltinAdapter) evaluate(rc *types.RunContext, report *types.StepReport) {
	for _, prior := range rc.PriorReports {
		if prior.Status != types.ReportError {
			continue
		}
		report.Status = types.ReportError
		report.Decision = types.DecisionRevise
		report.Confidence = 0.5
		report.Risk = types.RiskHigh
		report.Error = fmt.Sprintf("prior step %s failed", prior.NodeID)
		if prior.Role == types.RoleData {
			report.Signals[types.SignalFailureCategory] = types.FailureCategoryData
		} else {
			report.Signals[types.SignalFailureCategory] = types.FailureCategoryExecution
		}
		return
	}
}

// tally sums observed spend and holds when it crowds the remaining
// budget
func (a *BuiltinAdapter) tally(rc *types.RunContext, report *types.StepReport) {
	var spent float64
	for _, prior := range rc.PriorReports {
		spent += prior.Cost
	}
	report.Signals["observed_spend"] = spent
	if rc.BudgetRemaining > 0 && spent > rc.BudgetRemaining {
		report.Decision = types.DecisionHold
		report.Risk = types.RiskHigh
		report.Confidence = 0.7
	}
}

func (a *BuiltinAdapter) applyOverrides(rc *types.RunContext, report *types.StepReport) {
	if d := a.paramString(rc, "decision"); d != "" {
		report.Decision = d
	}
	if a.paramBool(rc, "fail") {
		report.Status = types.ReportError
		report.Decision = types.DecisionAbort
		report.Error = fmt.Sprintf("%s step directed to fail", a.role)
		report.Confidence = 0.1
	}
	if c, ok := a.param(rc, "cost"); ok {
		if f, ok := toFloat(c); ok {
			report.Cost = f
		}
	}
	if r := a.paramString(rc, "risk"); r != "" {
		report.Risk = types.RiskLevel(r)
	}
	if c, ok := a.param(rc, "confidence"); ok {
		if f, ok := toFloat(c); ok {
			report.Confidence = f
		}
	}
}

func (a *BuiltinAdapter) param(rc *types.RunContext, key string) (any, bool) {
	if rc.Spec == nil || rc.Spec.Parameters == nil {
		return nil, false
	}
	v, ok := rc.Spec.Parameters[fmt.Sprintf("%s_%s", a.role, key)]
	return v, ok
}

func (a *BuiltinAdapter) paramBool(rc *types.RunContext, key string) bool {
	v, ok := a.param(rc, key)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func (a *BuiltinAdapter) paramString(rc *types.RunContext, key string) string {
	v, ok := a.param(rc, key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (a *BuiltinAdapter) paramFloat(rc *types.RunContext, key string) float64 {
	v, ok := a.param(rc, key)
	if !ok {
		return 0
	}
	f, _ := toFloat(v)
	return f
}

// toFloat accepts the numeric shapes JSON decoding produces
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
