package framework

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/types"
)

// AssertLedgerMatchesRuns checks the tenant's daily spend against the
// actual costs its terminal runs report, the accounting invariant a
// whole stack must hold under any dispatch mode.
func AssertLedgerMatchesRuns(t *testing.T, cl *client.Client, tenantID string) {
	t.Helper()
	ctx := context.Background()

	runs, err := cl.ListRuns(ctx, tenantID, "")
	require.NoError(t, err)

	var want float64
	for _, run := range runs {
		require.True(t, run.State.IsTerminal(), "run %s still %s; settle the tenant before auditing", run.ID, run.State)
		want += run.ActualCost
	}

	status, err := cl.BudgetStatus(ctx, tenantID)
	require.NoError(t, err)
	assert.InDelta(t, want, status.DailySpent, 1e-9, "ledger disagrees with run costs")
	assert.Zero(t, status.ActiveRuns, "terminal runs must not hold admission slots")
}

// AssertBundleSealed checks that a settled run left a sealed, hashed
// artifact bundle that downloads intact.
func AssertBundleSealed(t *testing.T, cl *client.Client, runID string) {
	t.Helper()
	ctx := context.Background()

	manifest, err := cl.RunManifest(ctx, runID)
	require.NoError(t, err, "run %s has no manifest", runID)
	assert.Equal(t, runID, manifest.RunID)
	assert.False(t, manifest.SealedAt.IsZero())
	assert.NotEmpty(t, manifest.BundleHash)
	assert.NotEmpty(t, manifest.Entries)

	n, err := cl.DownloadBundle(ctx, runID, io.Discard)
	require.NoError(t, err)
	assert.Positive(t, n, "sealed bundle downloaded empty")
}

// AssertRunClean checks the bookkeeping every settled run must satisfy
func AssertRunClean(t *testing.T, run *types.Run) {
	t.Helper()

	require.NotNil(t, run)
	assert.True(t, run.State.IsTerminal(), "run %s still %s", run.ID, run.State)
	assert.False(t, run.FinishedAt.IsZero(), "terminal run has no finish time")
	if run.State == types.RunStateCompleted {
		assert.Positive(t, run.ActualCost, "completed run reported no spend")
		assert.Empty(t, run.FailureCode)
	}
}
