package plan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

func TestSelectorRuleTable(t *testing.T) {
	s := NewSelector(NewRegistry())

	tests := []struct {
		name     string
		input    SelectionInput
		wantRule string
		wantPath types.PathClass
		noPlan   bool
	}{
		{
			name:     "paused selects nothing",
			input:    SelectionInput{Mode: types.ModePaused, BudgetRemaining: 5000},
			wantRule: "rule-1",
			noPlan:   true,
		},
		{
			name:     "minimal mode",
			input:    SelectionInput{Mode: types.ModeMinimal, BudgetRemaining: 5000},
			wantRule: "rule-2",
			wantPath: types.PathMinimal,
		},
		{
			name:     "degraded mode",
			input:    SelectionInput{Mode: types.ModeDegraded, BudgetRemaining: 5000},
			wantRule: "rule-3",
			wantPath: types.PathDegraded,
		},
		{
			name:     "mode outranks budget",
			input:    SelectionInput{Mode: types.ModeMinimal, BudgetRemaining: 1},
			wantRule: "rule-2",
			wantPath: types.PathMinimal,
		},
		{
			name:     "low budget degrades",
			input:    SelectionInput{Mode: types.ModeNormal, BudgetRemaining: 99.99},
			wantRule: "rule-4",
			wantPath: types.PathDegraded,
		},
		{
			name:     "budget at floor stays normal",
			input:    SelectionInput{Mode: types.ModeNormal, BudgetRemaining: 100},
			wantRule: "rule-7",
			wantPath: types.PathNormal,
		},
		{
			name:     "data failure degrades",
			input:    SelectionInput{Mode: types.ModeNormal, BudgetRemaining: 5000, LastFailure: types.FailureCategoryData},
			wantRule: "rule-5",
			wantPath: types.PathDegraded,
		},
		{
			name:     "execution failure minimizes",
			input:    SelectionInput{Mode: types.ModeNormal, BudgetRemaining: 5000, LastFailure: types.FailureCategoryExecution},
			wantRule: "rule-6",
			wantPath: types.PathMinimal,
		},
		{
			name:     "otherwise normal",
			input:    SelectionInput{Mode: types.ModeNormal, BudgetRemaining: 5000},
			wantRule: "rule-7",
			wantPath: types.PathNormal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := s.Select(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRule, sel.RuleID)
			if tt.noPlan {
				assert.True(t, sel.NoPlan)
				assert.Empty(t, sel.PlanID)
				return
			}
			assert.Equal(t, tt.wantPath, sel.PathClass)
			assert.NotEmpty(t, sel.PlanID)
			assert.Equal(t, tt.input, sel.Inputs)
		})
	}
}

// A fixed input snapshot must select identically from any number of
// concurrent callers.
func TestSelectorDeterministicUnderConcurrency(t *testing.T) {
	s := NewSelector(NewRegistry())
	input := SelectionInput{
		Mode:            types.ModeNormal,
		BudgetRemaining: 4200,
		LastFailure:     types.FailureCategoryData,
	}

	const calls = 1000
	results := make([]*Selection, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sel, err := s.Select(input)
			if err == nil {
				results[i] = sel
			}
		}(i)
	}
	wg.Wait()

	first := results[0]
	require.NotNil(t, first)
	for _, sel := range results {
		require.NotNil(t, sel)
		assert.Equal(t, first.PlanID, sel.PlanID)
		assert.Equal(t, first.RuleID, sel.RuleID)
		assert.Equal(t, first.Inputs, sel.Inputs)
	}
}

func TestLastFailureFrom(t *testing.T) {
	reports := []types.StepReport{
		{NodeID: "product", Role: types.RoleProduct, Status: types.ReportSuccess},
		{
			NodeID: "evaluation", Role: types.RoleEvaluation, Status: types.ReportError,
			Signals: map[string]any{types.SignalFailureCategory: types.FailureCategoryData},
		},
	}
	assert.Equal(t, types.FailureCategoryData, LastFailureFrom(reports))

	// Most recent errored evaluation wins
	reports = append(reports, types.StepReport{
		NodeID: "evaluation", Role: types.RoleEvaluation, Status: types.ReportError,
		Signals: map[string]any{types.SignalFailureCategory: types.FailureCategoryExecution},
	})
	assert.Equal(t, types.FailureCategoryExecution, LastFailureFrom(reports))

	// Successful evaluations carry no failure
	assert.Empty(t, LastFailureFrom([]types.StepReport{
		{Role: types.RoleEvaluation, Status: types.ReportSuccess},
	}))
	assert.Empty(t, LastFailureFrom(nil))
}
