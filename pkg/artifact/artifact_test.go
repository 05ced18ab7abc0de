package artifact

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func seedBundle(t *testing.T, store *Store, runID string) {
	t.Helper()
	require.NoError(t, store.CreateBundle(runID, &types.DeliverySpec{
		Objective:     "ship the thing",
		EstimatedCost: 10,
	}))
	require.NoError(t, store.WriteReport(runID, 0, &types.StepReport{
		RunID:      runID,
		NodeID:     "product",
		Role:       types.RoleProduct,
		Decision:   "proceed",
		Status:     types.ReportSuccess,
		Confidence: 0.9,
		Risk:       types.RiskLow,
	}))
	require.NoError(t, store.WriteDecision(runID, &types.GovernanceDecision{
		RunID:      runID,
		Checkpoint: 0,
		Mode:       types.ModeNormal,
		RuleID:     "default",
	}))
	require.NoError(t, store.AppendEvent(runID, &types.Event{Type: "run.created", RunID: runID}))
	require.NoError(t, store.AppendCost(runID, &types.LedgerEntry{
		TenantID: "tenant-a", RunID: runID, Amount: 1.5, Category: types.CostTool, At: time.Now().UTC(),
	}))
}

// TestBundleLayout tests that the prescribed files land in place
func TestBundleLayout(t *testing.T) {
	store := newTestStore(t)
	runID := types.NewRunID()
	seedBundle(t, store, runID)

	files, err := store.List(runID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"spec.json",
		"reports/0/product.json",
		"governance/0.json",
		"events.jsonl",
		"cost_ledger.jsonl",
	}, files)

	data, err := store.Read(runID, "reports/0/product.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"decision\": \"proceed\"")
}

// TestAppendOrder tests that jsonl logs accumulate in append order
func TestAppendOrder(t *testing.T) {
	store := newTestStore(t)
	runID := types.NewRunID()
	require.NoError(t, store.CreateBundle(runID, &types.DeliverySpec{Objective: "x"}))

	for _, evType := range []string{"run.created", "run.admitted", "run.state_changed"} {
		require.NoError(t, store.AppendEvent(runID, &types.Event{Type: evType, RunID: runID}))
	}

	data, err := store.Read(runID, "events.jsonl")
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "run.created")
	assert.Contains(t, string(lines[2]), "run.state_changed")
}

// TestSealAndVerify tests manifest integrity end to end
func TestSealAndVerify(t *testing.T) {
	store := newTestStore(t)
	runID := types.NewRunID()
	seedBundle(t, store, runID)

	manifest, err := store.Seal(runID)
	require.NoError(t, err)
	assert.Equal(t, runID, manifest.RunID)
	assert.Len(t, manifest.Entries, 5)
	assert.NotEmpty(t, manifest.BundleHash)
	for _, entry := range manifest.Entries {
		assert.Len(t, entry.SHA256, 64)
		assert.Positive(t, entry.Size)
	}

	require.NoError(t, store.Verify(runID))
}

// TestSealedBundleRejectsWrites tests the append-only guarantee after seal
func TestSealedBundleRejectsWrites(t *testing.T) {
	store := newTestStore(t)
	runID := types.NewRunID()
	seedBundle(t, store, runID)

	_, err := store.Seal(runID)
	require.NoError(t, err)

	err = store.AppendEvent(runID, &types.Event{Type: "late", RunID: runID})
	assert.ErrorIs(t, err, ErrSealed)

	err = store.WriteReport(runID, 1, &types.StepReport{NodeID: "late"})
	assert.ErrorIs(t, err, ErrSealed)

	_, err = store.Seal(runID)
	assert.ErrorIs(t, err, ErrSealed)
}

// TestVerifyDetectsTampering tests hash mismatch detection
func TestVerifyDetectsTampering(t *testing.T) {
	store := newTestStore(t)
	runID := types.NewRunID()
	seedBundle(t, store, runID)

	_, err := store.Seal(runID)
	require.NoError(t, err)

	specPath := filepath.Join(store.BundleDir(runID), "spec.json")
	require.NoError(t, os.WriteFile(specPath, []byte(`{"objective":"tampered"}`), 0o644))

	err = store.Verify(runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spec.json")
}

// TestReadRejectsEscape tests path confinement
func TestReadRejectsEscape(t *testing.T) {
	store := newTestStore(t)
	runID := types.NewRunID()
	seedBundle(t, store, runID)

	_, err := store.Read(runID, "../../tenants/tenant-a/budget_usage.json")
	assert.Error(t, err)
}

// TestWriteTar tests bundle streaming with the manifest last
func TestWriteTar(t *testing.T) {
	store := newTestStore(t)
	runID := types.NewRunID()
	seedBundle(t, store, runID)
	_, err := store.Seal(runID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, store.WriteTar(runID, &buf))

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		_, err = io.Copy(io.Discard, tr)
		require.NoError(t, err)
	}
	require.Len(t, names, 6)
	assert.Equal(t, filepath.ToSlash(filepath.Join(runID, "manifest.json")), names[len(names)-1])
}

// TestLearningProfileRevisions tests immutable revision archiving
func TestLearningProfileRevisions(t *testing.T) {
	store := newTestStore(t)

	v1 := &types.LearningProfile{Revision: 1, Intensity: "standard", ExplorationShare: 0.1}
	require.NoError(t, store.WriteLearningProfile("tenant-a", v1))

	// Same revision cannot be rewritten
	err := store.WriteLearningProfile("tenant-a", &types.LearningProfile{Revision: 1, Intensity: "aggressive"})
	assert.Error(t, err)

	v2 := &types.LearningProfile{Revision: 2, Intensity: "aggressive", ExplorationShare: 0.3}
	require.NoError(t, store.WriteLearningProfile("tenant-a", v2))

	for _, name := range []string{"learning_profile_v1.json", "learning_profile_v2.json", "learning_profile.json"} {
		_, err := os.Stat(filepath.Join(store.TenantDir("tenant-a"), name))
		assert.NoError(t, err, name)
	}

	current, err := os.ReadFile(filepath.Join(store.TenantDir("tenant-a"), "learning_profile.json"))
	require.NoError(t, err)
	assert.Contains(t, string(current), "aggressive")
}

// TestBudgetUsageRoundTrip tests the rolling usage snapshot
func TestBudgetUsageRoundTrip(t *testing.T) {
	store := newTestStore(t)

	status := &types.BudgetStatus{
		TenantID:   "tenant-a",
		DailySpent: 42.5,
		DailyLimit: 100,
		Severity:   types.BudgetHealthy,
		AsOf:       time.Now().UTC(),
	}
	require.NoError(t, store.WriteBudgetUsage("tenant-a", status))

	got, err := store.ReadBudgetUsage("tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 42.5, got.DailySpent)
	assert.Equal(t, types.BudgetHealthy, got.Severity)
}

// TestCostReportNaming tests the per-day report file name
func TestCostReportNaming(t *testing.T) {
	store := newTestStore(t)
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.WriteCostReport("tenant-a", day, &CostReport{
		TenantID: "tenant-a",
		Date:     "2026-08-24",
		Total:    7.25,
	}))

	_, err := os.Stat(filepath.Join(store.TenantDir("tenant-a"), "cost_report_20260824.json"))
	assert.NoError(t, err)
}
