package plan

import (
	"sync"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

// Registry holds the active plan per path class plus any custom plans
// registered by id. Built-ins are seeded at construction and can be
// replaced by registering a new plan for the same class.
type Registry struct {
	mu      sync.RWMutex
	byClass map[types.PathClass]*Plan
	byID    map[string]*Plan
}

// NewRegistry returns a registry seeded with the built-in plans
func NewRegistry() *Registry {
	r := &Registry{
		byClass: make(map[types.PathClass]*Plan),
		byID:    make(map[string]*Plan),
	}
	for _, p := range builtins() {
		r.byClass[p.PathClass] = p
		r.byID[p.ID] = p
	}
	return r
}

// Register validates a plan and installs it as the active plan for its
// path class
func (r *Registry) Register(p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[p.ID]; ok && existing.Version >= p.Version {
		return fault.Newf(fault.CodeSpecInvalid, "plan %s version %d already registered", p.ID, existing.Version)
	}
	r.byClass[p.PathClass] = p
	r.byID[p.ID] = p
	return nil
}

// ForClass returns the active plan for a path class
func (r *Registry) ForClass(class types.PathClass) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byClass[class]
	if !ok {
		return nil, fault.Newf(fault.CodeSpecInvalid, "no plan registered for path class %s", class)
	}
	return p, nil
}

// ByID returns a plan by identity
func (r *Registry) ByID(id string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, fault.Newf(fault.CodeSpecInvalid, "unknown plan %s", id)
	}
	return p, nil
}

// List returns every registered plan
func (r *Registry) List() []*Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plans := make([]*Plan, 0, len(r.byID))
	for _, p := range r.byID {
		plans = append(plans, p)
	}
	return plans
}

// builtins are the default delivery paths. The full path runs every
// role in sequence; the degraded path drops the data stage; the
// minimal path keeps only execution and a closing evaluation.
func builtins() []*Plan {
	return []*Plan{
		{
			ID:        "delivery-normal",
			Version:   1,
			PathClass: types.PathNormal,
			Nodes: []Node{
				{
					ID:            "product",
					Role:          types.RoleProduct,
					Guard:         Guard{Kind: GuardAlways},
					Required:      true,
					EstimatedCost: 0.1,
					EstimatedRisk: types.RiskLow,
				},
				{
					ID:            "data",
					Role:          types.RoleData,
					Guard:         Guard{Kind: GuardLastFailureNotIn, Failures: []string{types.FailureCategoryData}},
					EstimatedCost: 0.15,
					EstimatedRisk: types.RiskMedium,
					DependsOn:     []string{"product"},
				},
				{
					ID:            "execution",
					Role:          types.RoleExecution,
					Guard:         Guard{Kind: GuardAlways},
					Required:      true,
					EstimatedCost: 0.2,
					EstimatedRisk: types.RiskMedium,
					DependsOn:     []string{"product"},
					SoftDependsOn: []string{"data"},
				},
				{
					ID:            "evaluation",
					Role:          types.RoleEvaluation,
					Guard:         Guard{Kind: GuardAlways},
					Required:      true,
					EstimatedCost: 0.05,
					EstimatedRisk: types.RiskLow,
					DependsOn:     []string{"execution"},
				},
			},
		},
		{
			ID:        "delivery-degraded",
			Version:   1,
			PathClass: types.PathDegraded,
			Nodes: []Node{
				{
					ID:            "product",
					Role:          types.RoleProduct,
					Guard:         Guard{Kind: GuardAlways},
					Required:      true,
					EstimatedCost: 0.1,
					EstimatedRisk: types.RiskLow,
				},
				{
					ID:            "execution",
					Role:          types.RoleExecution,
					Guard:         Guard{Kind: GuardBudgetRemainingAbove, Threshold: 0},
					Required:      true,
					EstimatedCost: 0.2,
					EstimatedRisk: types.RiskMedium,
					DependsOn:     []string{"product"},
				},
				{
					ID:            "evaluation",
					Role:          types.RoleEvaluation,
					Guard:         Guard{Kind: GuardAlways},
					Required:      true,
					EstimatedCost: 0.05,
					EstimatedRisk: types.RiskLow,
					DependsOn:     []string{"execution"},
				},
			},
		},
		{
			ID:        "delivery-minimal",
			Version:   1,
			PathClass: types.PathMinimal,
			Nodes: []Node{
				{
					ID:            "execution",
					Role:          types.RoleExecution,
					Guard:         Guard{Kind: GuardAlways},
					Required:      true,
					EstimatedCost: 0.2,
					EstimatedRisk: types.RiskMedium,
				},
				{
					ID:            "evaluation",
					Role:          types.RoleEvaluation,
					Guard:         Guard{Kind: GuardRiskNotIn, Risks: []types.RiskLevel{types.RiskCritical}},
					EstimatedCost: 0.05,
					EstimatedRisk: types.RiskLow,
					DependsOn:     []string{"execution"},
				},
			},
		},
	}
}
