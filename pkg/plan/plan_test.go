package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

func TestBuiltinPlansValidate(t *testing.T) {
	for _, p := range builtins() {
		assert.NoError(t, p.Validate(), p.ID)
	}
}

func TestNormalPlanStages(t *testing.T) {
	r := NewRegistry()
	p, err := r.ForClass(types.PathNormal)
	require.NoError(t, err)

	stages, err := p.Stages()
	require.NoError(t, err)
	require.Len(t, stages, 4)

	order := make([]string, 0, 4)
	for _, stage := range stages {
		require.Len(t, stage, 1)
		order = append(order, stage[0].ID)
	}
	assert.Equal(t, []string{"product", "data", "execution", "evaluation"}, order)
}

func TestDegradedPlanSkipsData(t *testing.T) {
	r := NewRegistry()
	p, err := r.ForClass(types.PathDegraded)
	require.NoError(t, err)

	for _, n := range p.Nodes {
		assert.NotEqual(t, types.RoleData, n.Role)
	}
}

func TestStagesParallelRank(t *testing.T) {
	p := &Plan{
		ID:        "fanout",
		Version:   1,
		PathClass: types.PathNormal,
		Nodes: []Node{
			{ID: "root", Role: types.RoleProduct, Guard: Guard{Kind: GuardAlways}},
			{ID: "left", Role: types.RoleData, Guard: Guard{Kind: GuardAlways}, DependsOn: []string{"root"}},
			{ID: "right", Role: types.RoleExecution, Guard: Guard{Kind: GuardAlways}, DependsOn: []string{"root"}},
			{ID: "join", Role: types.RoleEvaluation, Guard: Guard{Kind: GuardAlways}, DependsOn: []string{"left", "right"}},
		},
	}
	require.NoError(t, p.Validate())

	stages, err := p.Stages()
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Len(t, stages[1], 2)
	assert.Equal(t, "join", stages[2][0].ID)
}

func TestValidateRejectsBrokenPlans(t *testing.T) {
	tests := []struct {
		name string
		plan *Plan
	}{
		{
			name: "missing id",
			plan: &Plan{PathClass: types.PathNormal, Nodes: []Node{{ID: "a"}}},
		},
		{
			name: "unknown path class",
			plan: &Plan{ID: "p", PathClass: "turbo", Nodes: []Node{{ID: "a"}}},
		},
		{
			name: "no nodes",
			plan: &Plan{ID: "p", PathClass: types.PathNormal},
		},
		{
			name: "duplicate node",
			plan: &Plan{ID: "p", PathClass: types.PathNormal, Nodes: []Node{{ID: "a"}, {ID: "a"}}},
		},
		{
			name: "unknown dependency",
			plan: &Plan{ID: "p", PathClass: types.PathNormal, Nodes: []Node{{ID: "a", DependsOn: []string{"ghost"}}}},
		},
		{
			name: "self dependency",
			plan: &Plan{ID: "p", PathClass: types.PathNormal, Nodes: []Node{{ID: "a", DependsOn: []string{"a"}}}},
		},
		{
			name: "cycle",
			plan: &Plan{ID: "p", PathClass: types.PathNormal, Nodes: []Node{
				{ID: "a", DependsOn: []string{"b"}},
				{ID: "b", DependsOn: []string{"a"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			require.Error(t, err)
			assert.Equal(t, fault.CodeSpecInvalid, fault.CodeOf(err))
		})
	}
}

func TestGuardEvaluation(t *testing.T) {
	tests := []struct {
		name  string
		guard Guard
		input GuardInput
		want  bool
	}{
		{"always", Guard{Kind: GuardAlways}, GuardInput{}, true},
		{"budget above passes", Guard{Kind: GuardBudgetRemainingAbove, Threshold: 1.0}, GuardInput{BudgetRemaining: 1.5}, true},
		{"budget at threshold blocks", Guard{Kind: GuardBudgetRemainingAbove, Threshold: 1.0}, GuardInput{BudgetRemaining: 1.0}, false},
		{"risk not in passes", Guard{Kind: GuardRiskNotIn, Risks: []types.RiskLevel{types.RiskCritical}}, GuardInput{MaxRisk: types.RiskMedium}, true},
		{"risk in set blocks", Guard{Kind: GuardRiskNotIn, Risks: []types.RiskLevel{types.RiskCritical}}, GuardInput{MaxRisk: types.RiskCritical}, false},
		{"no prior risk passes", Guard{Kind: GuardRiskNotIn, Risks: []types.RiskLevel{types.RiskCritical}}, GuardInput{}, true},
		{"failure not in passes", Guard{Kind: GuardLastFailureNotIn, Failures: []string{types.FailureCategoryData}}, GuardInput{LastFailure: types.FailureCategoryExecution}, true},
		{"failure in set blocks", Guard{Kind: GuardLastFailureNotIn, Failures: []string{types.FailureCategoryData}}, GuardInput{LastFailure: types.FailureCategoryData}, false},
		{"unknown kind blocks", Guard{Kind: "sometimes"}, GuardInput{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.guard.Evaluate(tt.input))
		})
	}
}

func TestRegistryRegisterCustomPlan(t *testing.T) {
	r := NewRegistry()

	custom := &Plan{
		ID:        "delivery-with-cost-gate",
		Version:   1,
		PathClass: types.PathNormal,
		Nodes: []Node{
			{ID: "product", Role: types.RoleProduct, Guard: Guard{Kind: GuardAlways}, Required: true},
			{ID: "cost-check", Role: types.RoleCost, Guard: Guard{Kind: GuardAlways}, DependsOn: []string{"product"}},
			{ID: "execution", Role: types.RoleExecution, Guard: Guard{Kind: GuardAlways}, Required: true, DependsOn: []string{"cost-check"}},
			{ID: "evaluation", Role: types.RoleEvaluation, Guard: Guard{Kind: GuardAlways}, Required: true, DependsOn: []string{"execution"}},
		},
	}
	require.NoError(t, r.Register(custom))

	active, err := r.ForClass(types.PathNormal)
	require.NoError(t, err)
	assert.Equal(t, "delivery-with-cost-gate", active.ID)

	// The built-in stays reachable by id
	builtin, err := r.ByID("delivery-normal")
	require.NoError(t, err)
	assert.Equal(t, types.PathNormal, builtin.PathClass)

	// Re-registering the same version is rejected
	err = r.Register(custom)
	require.Error(t, err)
	assert.Equal(t, fault.CodeSpecInvalid, fault.CodeOf(err))
}
