package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
	"github.com/droverhq/drover/test/framework"
)

// A single-process control plane executes a run on its own pool, seals
// the evidence bundle and books the spend, driven purely over REST.
func TestSingleNodeRunLifecycle(t *testing.T) {
	s := framework.StartStack(t, framework.StackConfig{})
	cl := s.Client("")
	ctx := context.Background()

	createTenant(t, cl, "acme", 50, 3)

	run, err := cl.SubmitRun(ctx, "acme", catalogSpec(0.5, nil), types.PriorityNormal)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	final := framework.WaitForRun(t, cl, run.ID, types.RunStateCompleted, 30*time.Second)
	framework.AssertRunClean(t, final)
	framework.AssertBundleSealed(t, cl, run.ID)
	framework.AssertLedgerMatchesRuns(t, cl, "acme")

	// The transition history tells the whole story
	history, err := cl.RunHistory(ctx, run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, types.RunStateCompleted, history[len(history)-1].To)
}

// A graceful restart keeps tenants, settled runs and ledger state; the
// control plane owns nothing that lives only in memory.
func TestServerRestartKeepsState(t *testing.T) {
	s := framework.StartStack(t, framework.StackConfig{})
	cl := s.Client("")
	ctx := context.Background()

	createTenant(t, cl, "acme", 50, 3)
	run, err := cl.SubmitRunAndWait(ctx, "acme", catalogSpec(0.5, nil), types.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, types.RunStateCompleted, run.State)

	require.NoError(t, s.Server.Stop(20*time.Second))
	assert.Contains(t, s.Server.Logs(), "Shutdown complete")
	s.RestartServer()

	got, err := cl.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateCompleted, got.State)
	assert.Equal(t, run.ActualCost, got.ActualCost)

	framework.AssertLedgerMatchesRuns(t, cl, "acme")
	framework.AssertBundleSealed(t, cl, run.ID)

	// The restarted plane accepts new work immediately
	again, err := cl.SubmitRunAndWait(ctx, "acme", catalogSpec(0.5, nil), types.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateCompleted, again.State)
}
