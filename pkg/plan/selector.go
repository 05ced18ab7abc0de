package plan

import (
	"time"

	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/types"
)

// lowBudgetFloor is the remaining-budget level, in currency units,
// below which the selector degrades the path regardless of mode.
const lowBudgetFloor = 100.0

// SelectionInput is the explicit, complete input set of one selection.
// The selector holds no state of its own: identical inputs always
// produce identical selections.
type SelectionInput struct {
	Mode            types.ExecutionMode `json:"mode"`
	BudgetRemaining float64             `json:"budget_remaining"`
	LastFailure     string              `json:"last_failure,omitempty"`
}

// Selection is the audit record of one plan choice. It is appended to
// the run's plan_history.jsonl by the engine.
type Selection struct {
	PlanID     string          `json:"plan_id,omitempty"`
	Version    int             `json:"version,omitempty"`
	PathClass  types.PathClass `json:"path_class,omitempty"`
	RuleID     string          `json:"rule_id"`
	NoPlan     bool            `json:"no_plan,omitempty"`
	Inputs     SelectionInput  `json:"inputs"`
	SelectedAt time.Time       `json:"selected_at"`
}

// Selector picks the plan for the next phase of a run by a fixed rule
// table, first match wins:
//
//	1  mode paused            -> no plan
//	2  mode minimal           -> minimal path
//	3  mode degraded          -> degraded path
//	4  budget remaining < 100 -> degraded path
//	5  last failure was data  -> degraded path
//	6  last failure was exec  -> minimal path
//	7  otherwise              -> normal path
type Selector struct {
	registry *Registry
}

// NewSelector creates a selector over a plan registry
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry}
}

// Select applies the rule table. LastFailureFrom distills lastReports
// into the input's LastFailure before calling this.
func (s *Selector) Select(in SelectionInput) (*Selection, error) {
	rule, class := decide(in)

	sel := &Selection{
		RuleID:     rule,
		Inputs:     in,
		SelectedAt: time.Now().UTC(),
	}
	if class == "" {
		sel.NoPlan = true
		metrics.PlanSelections.WithLabelValues("none", rule).Inc()
		return sel, nil
	}

	p, err := s.registry.ForClass(class)
	if err != nil {
		return nil, err
	}
	sel.PlanID = p.ID
	sel.Version = p.Version
	sel.PathClass = p.PathClass
	metrics.PlanSelections.WithLabelValues(string(class), rule).Inc()
	return sel, nil
}

// decide is the pure rule table; an empty class means stay paused
func decide(in SelectionInput) (rule string, class types.PathClass) {
	switch {
	case in.Mode == types.ModePaused:
		return "rule-1", ""
	case in.Mode == types.ModeMinimal:
		return "rule-2", types.PathMinimal
	case in.Mode == types.ModeDegraded:
		return "rule-3", types.PathDegraded
	case in.BudgetRemaining < lowBudgetFloor:
		return "rule-4", types.PathDegraded
	case in.LastFailure == types.FailureCategoryData:
		return "rule-5", types.PathDegraded
	case in.LastFailure == types.FailureCategoryExecution:
		return "rule-6", types.PathMinimal
	default:
		return "rule-7", types.PathNormal
	}
}

// LastFailureFrom distills the failure category consulted by rules 5
// and 6: the category signal of the most recent errored evaluation
// report, empty when none exists.
func LastFailureFrom(reports []types.StepReport) string {
	for i := len(reports) - 1; i >= 0; i-- {
		r := reports[i]
		if r.Role != types.RoleEvaluation || r.Status != types.ReportError {
			continue
		}
		if cat, ok := r.Signals[types.SignalFailureCategory].(string); ok {
			return cat
		}
		return ""
	}
	return ""
}
