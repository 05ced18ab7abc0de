package roles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

func runCtx(role types.Role, params map[string]any) *types.RunContext {
	return &types.RunContext{
		RunID:           "run-1",
		TenantID:        "tenant-a",
		NodeID:          string(role),
		Role:            role,
		Attempt:         1,
		Mode:            types.ModeNormal,
		Spec:            &types.DeliverySpec{Objective: "ship it", Parameters: params},
		BudgetRemaining: 5000,
	}
}

func TestDefaultRegistryCoversCoreRoles(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []types.Role{
		types.RoleCost,
		types.RoleData,
		types.RoleEvaluation,
		types.RoleExecution,
		types.RoleProduct,
	}, r.Roles())

	for _, role := range r.Roles() {
		a, err := r.Get(role)
		require.NoError(t, err)
		assert.Equal(t, role, a.Role())
	}
}

func TestRegistryUnknownRole(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(types.RoleProduct)
	require.Error(t, err)
	assert.Equal(t, fault.CodeCapabilityUnavailable, fault.CodeOf(err))
}

func TestRegisterDuplicateRejectedReplaceAllowed(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewBuiltinAdapter(types.RoleProduct)))

	err := r.Register(NewBuiltinAdapter(types.RoleProduct))
	require.Error(t, err)
	assert.Equal(t, fault.CodeSpecInvalid, fault.CodeOf(err))

	r.Replace(NewBuiltinAdapter(types.RoleProduct))
	_, err = r.Get(types.RoleProduct)
	assert.NoError(t, err)
}

func TestBuiltinProducesDeterministicReport(t *testing.T) {
	a := NewBuiltinAdapter(types.RoleProduct)

	first, err := a.Execute(context.Background(), runCtx(types.RoleProduct, nil))
	require.NoError(t, err)
	second, err := a.Execute(context.Background(), runCtx(types.RoleProduct, nil))
	require.NoError(t, err)

	assert.Equal(t, types.DecisionProceed, first.Decision)
	assert.Equal(t, types.ReportSuccess, first.Status)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Cost, second.Cost)
	assert.Equal(t, "run-1/product", first.IdempotencyTag)
}

func TestBuiltinParameterOverrides(t *testing.T) {
	a := NewBuiltinAdapter(types.RoleProduct)

	report, err := a.Execute(context.Background(), runCtx(types.RoleProduct, map[string]any{
		"product_decision":   types.DecisionAbort,
		"product_cost":       1.25,
		"product_risk":       "high",
		"product_confidence": 0.33,
	}))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionAbort, report.Decision)
	assert.Equal(t, 1.25, report.Cost)
	assert.Equal(t, types.RiskHigh, report.Risk)
	assert.Equal(t, 0.33, report.Confidence)
}

func TestBuiltinDirectedFailure(t *testing.T) {
	a := NewBuiltinAdapter(types.RoleExecution)

	report, err := a.Execute(context.Background(), runCtx(types.RoleExecution, map[string]any{
		"execution_fail": true,
	}))
	require.NoError(t, err)
	assert.Equal(t, types.ReportError, report.Status)
	assert.Equal(t, types.DecisionAbort, report.Decision)
	assert.NotEmpty(t, report.Error)
	assert.Empty(t, report.IdempotencyTag)
}

func TestBuiltinFallbackSignal(t *testing.T) {
	a := NewBuiltinAdapter(types.RoleData)

	report, err := a.Execute(context.Background(), runCtx(types.RoleData, map[string]any{
		"data_llm_fallback": true,
	}))
	require.NoError(t, err)
	assert.Equal(t, true, report.Signals[types.SignalLLMFallback])
}

func TestBuiltinHonorsTimeout(t *testing.T) {
	a := NewBuiltinAdapter(types.RoleExecution)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.Execute(ctx, runCtx(types.RoleExecution, map[string]any{
		"execution_delay_ms": 5000,
	}))
	require.Error(t, err)
	assert.Equal(t, fault.CodeTimeout, fault.CodeOf(err))
	assert.Equal(t, fault.ClassTransient, fault.Classify(err))
}

func TestEvaluationGradesPriorFailures(t *testing.T) {
	a := NewBuiltinAdapter(types.RoleEvaluation)

	rc := runCtx(types.RoleEvaluation, nil)
	rc.PriorReports = []types.StepReport{
		{NodeID: "data", Role: types.RoleData, Status: types.ReportError},
	}
	report, err := a.Execute(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, types.ReportError, report.Status)
	assert.Equal(t, types.FailureCategoryData, report.Signals[types.SignalFailureCategory])

	rc.PriorReports = []types.StepReport{
		{NodeID: "execution", Role: types.RoleExecution, Status: types.ReportError},
	}
	report, err = a.Execute(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, types.FailureCategoryExecution, report.Signals[types.SignalFailureCategory])

	rc.PriorReports = []types.StepReport{
		{NodeID: "product", Role: types.RoleProduct, Status: types.ReportSuccess},
	}
	report, err = a.Execute(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, types.ReportSuccess, report.Status)
}

func TestCostAdapterHoldsOnOverspend(t *testing.T) {
	a := NewBuiltinAdapter(types.RoleCost)

	rc := runCtx(types.RoleCost, nil)
	rc.BudgetRemaining = 0.1
	rc.PriorReports = []types.StepReport{
		{NodeID: "execution", Cost: 0.5, Status: types.ReportSuccess},
	}
	report, err := a.Execute(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionHold, report.Decision)
	assert.Equal(t, 0.5, report.Signals["observed_spend"])
}

func TestShellAdapterAuthorization(t *testing.T) {
	a := NewShellAdapter(types.RoleExecution, "definitely-not-allowed", nil, []string{"approved-tool"})

	_, err := a.Execute(context.Background(), runCtx(types.RoleExecution, nil))
	require.Error(t, err)
	assert.Equal(t, fault.CodeCapabilityUnavailable, fault.CodeOf(err))
}

func TestShellAdapterRoundTrip(t *testing.T) {
	// sh reads the run context from stdin and prints a minimal report
	a := NewShellAdapter(types.RoleExecution, "sh",
		[]string{"-c", `cat > /dev/null; echo '{"decision":"proceed","status":"success","confidence":0.8,"risk":"low","cost":0.2}'`},
		[]string{"sh"})

	report, err := a.Execute(context.Background(), runCtx(types.RoleExecution, nil))
	require.NoError(t, err)
	assert.Equal(t, types.DecisionProceed, report.Decision)
	assert.Equal(t, types.ReportSuccess, report.Status)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, "execution", report.NodeID)
	assert.Equal(t, types.RoleExecution, report.Role)
	assert.Equal(t, 1, report.Attempt)
}
