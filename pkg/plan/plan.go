package plan

import (
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

// GuardKind names the closed set of node guard predicates
type GuardKind string

const (
	GuardAlways               GuardKind = "always"
	GuardBudgetRemainingAbove GuardKind = "budget_remaining_above"
	GuardRiskNotIn            GuardKind = "risk_not_in"
	GuardLastFailureNotIn     GuardKind = "last_failure_not_in"
)

// Guard is a declarative predicate deciding whether a node runs.
// Guards consult only the GuardInput snapshot, never live state.
type Guard struct {
	Kind      GuardKind         `json:"kind"`
	Threshold float64           `json:"threshold,omitempty"` // budget_remaining_above
	Risks     []types.RiskLevel `json:"risks,omitempty"`     // risk_not_in
	Failures  []string          `json:"failures,omitempty"`  // last_failure_not_in
}

// GuardInput is the context snapshot guards evaluate against
type GuardInput struct {
	BudgetRemaining float64
	MaxRisk         types.RiskLevel // highest risk among prior reports, empty if none
	LastFailure     string          // failure category of the latest failed evaluation, empty if none
}

// Evaluate reports whether the guard admits execution. Unknown kinds
// are closed: they admit nothing.
func (g Guard) Evaluate(in GuardInput) bool {
	switch g.Kind {
	case GuardAlways:
		return true
	case GuardBudgetRemainingAbove:
		return in.BudgetRemaining > g.Threshold
	case GuardRiskNotIn:
		for _, r := range g.Risks {
			if in.MaxRisk == r {
				return false
			}
		}
		return true
	case GuardLastFailureNotIn:
		for _, f := range g.Failures {
			if in.LastFailure == f {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Node is one unit of work in a plan. Hard dependencies must succeed
// before the node runs; soft dependencies only order it and attach a
// warning if they failed.
type Node struct {
	ID            string          `json:"id"`
	Role          types.Role      `json:"role"`
	Guard         Guard           `json:"guard"`
	Required      bool            `json:"required"`
	EstimatedCost float64         `json:"estimated_cost"`
	EstimatedRisk types.RiskLevel `json:"estimated_risk"`
	DependsOn     []string        `json:"depends_on,omitempty"`
	SoftDependsOn []string        `json:"soft_depends_on,omitempty"`
}

// Plan is an immutable ordered set of nodes. The engine switches
// between plans at checkpoints; it never mutates one.
type Plan struct {
	ID        string          `json:"id"`
	Version   int             `json:"version"`
	PathClass types.PathClass `json:"path_class"`
	Nodes     []Node          `json:"nodes"`
}

// Validate checks node identity, dependency references, and acyclicity
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fault.New(fault.CodeSpecInvalid, "plan id required")
	}
	switch p.PathClass {
	case types.PathNormal, types.PathDegraded, types.PathMinimal:
	default:
		return fault.Newf(fault.CodeSpecInvalid, "plan %s has unknown path class %q", p.ID, p.PathClass)
	}
	if len(p.Nodes) == 0 {
		return fault.Newf(fault.CodeSpecInvalid, "plan %s has no nodes", p.ID)
	}

	ids := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			return fault.Newf(fault.CodeSpecInvalid, "plan %s has a node without an id", p.ID)
		}
		if ids[n.ID] {
			return fault.Newf(fault.CodeSpecInvalid, "plan %s has duplicate node %s", p.ID, n.ID)
		}
		ids[n.ID] = true
	}
	for _, n := range p.Nodes {
		for _, dep := range append(append([]string{}, n.DependsOn...), n.SoftDependsOn...) {
			if !ids[dep] {
				return fault.Newf(fault.CodeSpecInvalid, "plan %s node %s depends on unknown node %s", p.ID, n.ID, dep)
			}
			if dep == n.ID {
				return fault.Newf(fault.CodeSpecInvalid, "plan %s node %s depends on itself", p.ID, n.ID)
			}
		}
	}
	if _, err := p.Stages(); err != nil {
		return err
	}
	return nil
}

// NodeByID returns the named node
func (p *Plan) NodeByID(id string) (*Node, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// Stages groups nodes by topological rank: a node's stage is one past
// the deepest stage among its dependencies, hard and soft alike.
// Nodes sharing a stage may run concurrently.
func (p *Plan) Stages() ([][]Node, error) {
	rank := make(map[string]int, len(p.Nodes))
	byID := make(map[string]*Node, len(p.Nodes))
	for i := range p.Nodes {
		byID[p.Nodes[i].ID] = &p.Nodes[i]
	}

	var visit func(id string, trail map[string]bool) (int, error)
	visit = func(id string, trail map[string]bool) (int, error) {
		if r, ok := rank[id]; ok {
			return r, nil
		}
		if trail[id] {
			return 0, fault.Newf(fault.CodeSpecInvalid, "plan %s has a dependency cycle through %s", p.ID, id)
		}
		trail[id] = true
		defer delete(trail, id)

		node := byID[id]
		max := -1
		for _, dep := range append(append([]string{}, node.DependsOn...), node.SoftDependsOn...) {
			r, err := visit(dep, trail)
			if err != nil {
				return 0, err
			}
			if r > max {
				max = r
			}
		}
		rank[id] = max + 1
		return max + 1, nil
	}

	deepest := 0
	for _, n := range p.Nodes {
		r, err := visit(n.ID, map[string]bool{})
		if err != nil {
			return nil, err
		}
		if r > deepest {
			deepest = r
		}
	}

	stages := make([][]Node, deepest+1)
	for _, n := range p.Nodes {
		r := rank[n.ID]
		stages[r] = append(stages[r], n)
	}
	return stages, nil
}

// TotalEstimatedCost sums node estimates
func (p *Plan) TotalEstimatedCost() float64 {
	var total float64
	for _, n := range p.Nodes {
		total += n.EstimatedCost
	}
	return total
}
