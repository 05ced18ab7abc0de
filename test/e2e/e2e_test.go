// Package e2e drives real drover binaries: a control plane process,
// worker processes, the CLI. Everything goes over the wire; nothing
// reaches into internals. These tests need DROVER_BINARY pointing at
// a build and skip otherwise.
package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/types"
)

func createTenant(t *testing.T, cl *client.Client, id string, daily float64, concurrent int) {
	t.Helper()
	_, err := cl.CreateTenant(context.Background(), client.TenantParams{
		ID:       id,
		Name:     id,
		Priority: 5,
		Budget: &types.BudgetProfile{
			DailyLimit:        daily,
			MonthlyLimit:      daily * 30,
			MaxConcurrentRuns: concurrent,
		},
	})
	require.NoError(t, err)
}

func catalogSpec(estimate float64, params map[string]any) *types.DeliverySpec {
	return &types.DeliverySpec{
		Objective:     "ship the spring catalog refresh",
		EstimatedCost: estimate,
		Parameters:    params,
	}
}

// slowParams stretches every stage so a test can act mid-run
func slowParams(ms float64) map[string]any {
	return map[string]any{
		"product_delay_ms":    ms,
		"data_delay_ms":       ms,
		"execution_delay_ms":  ms,
		"evaluation_delay_ms": ms,
	}
}
