package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestTenantCRUD tests tenant create, read, update and list
func TestTenantCRUD(t *testing.T) {
	store := newTestStore(t)

	tenant := &types.Tenant{
		ID:       "tenant-a",
		Name:     "Tenant A",
		Status:   types.TenantActive,
		Priority: 5,
		Budget: &types.BudgetProfile{
			DailyLimit:        100,
			MonthlyLimit:      2000,
			MaxConcurrentRuns: 3,
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateTenant(tenant))

	got, err := store.GetTenant("tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "Tenant A", got.Name)
	assert.Equal(t, 3, got.Budget.MaxConcurrentRuns)

	got.Status = types.TenantSuspended
	require.NoError(t, store.UpdateTenant(got))

	got, err = store.GetTenant("tenant-a")
	require.NoError(t, err)
	assert.Equal(t, types.TenantSuspended, got.Status)

	tenants, err := store.ListTenants()
	require.NoError(t, err)
	assert.Len(t, tenants, 1)
}

// TestGetTenantNotFound tests the categorized error for missing tenants
func TestGetTenantNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTenant("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrTenantUnknown))
}

// TestRunCRUD tests run persistence and tenant filtering
func TestRunCRUD(t *testing.T) {
	store := newTestStore(t)

	for i, tenantID := range []string{"tenant-a", "tenant-a", "tenant-b"} {
		run := &types.Run{
			ID:        types.NewRunID(),
			TenantID:  tenantID,
			State:     types.RunStateIdle,
			Priority:  types.PriorityNormal,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, store.CreateRun(run))
	}

	all, err := store.ListRuns()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byTenant, err := store.ListRunsByTenant("tenant-a")
	require.NoError(t, err)
	assert.Len(t, byTenant, 2)

	run := byTenant[0]
	run.State = types.RunStateSpecReady
	require.NoError(t, store.UpdateRun(run))

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateSpecReady, got.State)

	_, err = store.GetRun("missing")
	assert.True(t, errors.Is(err, fault.ErrRunNotFound))
}

// TestTransitionLogOrder tests that transition history scans in order
func TestTransitionLogOrder(t *testing.T) {
	store := newTestStore(t)
	runID := types.NewRunID()

	base := time.Now().UTC()
	states := []types.RunState{types.RunStateSpecReady, types.RunStateRunning, types.RunStateCompleted}
	from := types.RunStateIdle
	for i, to := range states {
		rec := &types.TransitionRecord{
			RunID:  runID,
			From:   from,
			To:     to,
			Reason: "test",
			Actor:  "engine",
			At:     base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, store.AppendTransition(rec))
		from = to
	}

	// Another run's history must not leak into the scan
	require.NoError(t, store.AppendTransition(&types.TransitionRecord{
		RunID: types.NewRunID(), From: types.RunStateIdle, To: types.RunStateSpecReady, At: base,
	}))

	recs, err := store.ListTransitions(runID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, types.RunStateSpecReady, recs[0].To)
	assert.Equal(t, types.RunStateRunning, recs[1].To)
	assert.Equal(t, types.RunStateCompleted, recs[2].To)
}

// TestLedgerSums tests time-windowed ledger aggregation
func TestLedgerSums(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	entries := []struct {
		amount float64
		at     time.Time
	}{
		{amount: 10, at: now.Add(-48 * time.Hour)},
		{amount: 5, at: now.Add(-2 * time.Hour)},
		{amount: 2.5, at: now.Add(-time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendLedger(&types.LedgerEntry{
			TenantID: "tenant-a",
			RunID:    "run-1",
			Token:    "tok-1",
			Amount:   e.amount,
			Category: types.CostTool,
			At:       e.at,
		}))
	}
	// Other tenants never count
	require.NoError(t, store.AppendLedger(&types.LedgerEntry{
		TenantID: "tenant-b", Amount: 100, Category: types.CostTool, At: now,
	}))

	daily, err := store.SumLedgerSince("tenant-a", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 7.5, daily, 1e-9)

	all, err := store.SumLedgerSince("tenant-a", time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 17.5, all, 1e-9)

	listed, err := store.ListLedger("tenant-a", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

// TestRejectionLog tests rejection records per tenant
func TestRejectionLog(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.AppendRejection(&types.RejectionRecord{
		TenantID: "tenant-a",
		Code:     string(fault.CodeConcurrencyExceeded),
		Estimate: 12,
		At:       now,
	}))

	recs, err := store.ListRejections("tenant-a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, string(fault.CodeConcurrencyExceeded), recs[0].Code)

	recs, err = store.ListRejections("tenant-b")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
