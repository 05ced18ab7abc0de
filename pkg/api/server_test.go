package api

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/droverhq/drover/pkg/artifact"
	"github.com/droverhq/drover/pkg/budget"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/controlplane"
	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/governance"
	"github.com/droverhq/drover/pkg/plan"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/roles"
	"github.com/droverhq/drover/pkg/state"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/tenant"
	"github.com/droverhq/drover/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testServer struct {
	t    *testing.T
	srv  *Server
	http *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, config.APIConfig{RatePerSecond: 1000, RateBurst: 1000})
}

func newTestServerWith(t *testing.T, apiCfg config.APIConfig) *testServer {
	t.Helper()
	deps, _ := newTestDeps(t)
	return startTestServer(t, apiCfg, deps)
}

// newTestDeps assembles a full in-process control plane. The bolt
// store is returned alongside so tests can attach stores of their own,
// like the credential keyring.
func newTestDeps(t *testing.T) (Deps, *storage.BoltStore) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	artifacts, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	tenants := tenant.NewRegistry(store, artifacts)
	ctrl := budget.NewController(store, tenants, artifacts, nil, config.BudgetConfig{
		Slack:           0.05,
		LedgerRetries:   1,
		LedgerBackoff:   time.Millisecond,
		BreakerCooldown: 50 * time.Millisecond,
	})

	q, err := queue.NewLocal(config.QueueConfig{
		Backend:          "local",
		LeaseDuration:    5 * time.Second,
		MaxAttempts:      3,
		SweepInterval:    50 * time.Millisecond,
		AgingBoost:       10 * time.Millisecond,
		PeekDepth:        64,
		SnapshotInterval: time.Hour,
	}, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	workers := controlplane.NewRegistry(config.RegistryConfig{
		HeartbeatTimeout: time.Second,
		SweepInterval:    100 * time.Millisecond,
	}, q, nil)
	t.Cleanup(func() { _ = workers.Close() })

	adapters := roles.DefaultRegistry()
	st := state.NewManager(store, nil)
	eng, err := engine.New(engine.Deps{
		State:      st,
		Tenants:    tenants,
		Budget:     ctrl,
		Artifacts:  artifacts,
		Plans:      plan.NewRegistry(),
		Governance: governance.NewEngine(ctrl),
		Runner: engine.NewPoolRunner(config.PoolConfig{
			Concurrency: 4,
			Threshold:   0.8,
			CancelGrace: 100 * time.Millisecond,
		}, 2*time.Second, adapters),
	})
	require.NoError(t, err)

	return Deps{
		Engine:    eng,
		State:     st,
		Tenants:   tenants,
		Budget:    ctrl,
		Artifacts: artifacts,
		Queue:     q,
		Workers:   workers,
	}, store
}

func startTestServer(t *testing.T, apiCfg config.APIConfig, deps Deps) *testServer {
	t.Helper()
	srv, err := New(apiCfg, deps)
	require.NoError(t, err)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testServer{t: t, srv: srv, http: hs}
}

func (ts *testServer) request(method, path string, body any) *http.Response {
	return ts.requestAs("", method, path, body)
}

func (ts *testServer) requestAs(token, method, path string, body any) *http.Response {
	ts.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(ts.t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, rd)
	require.NoError(ts.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.http.Client().Do(req)
	require.NoError(ts.t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// errorCode drains an error response and returns its fault code
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	decodeInto(t, resp, &body)
	return body.Code
}

func (ts *testServer) createTenant(id string, daily float64, maxRuns int) {
	ts.t.Helper()
	resp := ts.request(http.MethodPost, "/v1/tenants", map[string]any{
		"id":       id,
		"name":     id,
		"priority": 5,
		"budget": map[string]any{
			"daily_limit":         daily,
			"monthly_limit":       daily * 30,
			"max_concurrent_runs": maxRuns,
		},
	})
	defer resp.Body.Close()
	require.Equal(ts.t, http.StatusCreated, resp.StatusCode)
}

func submitBody(tenantID string, estimate float64, params map[string]any) map[string]any {
	return map[string]any{
		"tenant_id": tenantID,
		"spec": map[string]any{
			"objective":      "ship the spring catalog refresh",
			"estimated_cost": estimate,
			"parameters":     params,
		},
	}
}

// submitWait drives a run on the request and returns the settled run
func (ts *testServer) submitWait(tenantID string, estimate float64, params map[string]any) *types.Run {
	ts.t.Helper()
	resp := ts.request(http.MethodPost, "/v1/runs?wait=true", submitBody(tenantID, estimate, params))
	require.Equal(ts.t, http.StatusOK, resp.StatusCode)
	run := &types.Run{}
	decodeInto(ts.t, resp, run)
	return run
}

func (ts *testServer) getRun(runID string) *types.Run {
	ts.t.Helper()
	resp := ts.request(http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(ts.t, http.StatusOK, resp.StatusCode)
	run := &types.Run{}
	decodeInto(ts.t, resp, run)
	return run
}

func (ts *testServer) waitForState(runID string, want types.RunState) *types.Run {
	ts.t.Helper()
	var run *types.Run
	require.Eventually(ts.t, func() bool {
		run = ts.getRun(runID)
		return run.State == want
	}, 5*time.Second, 20*time.Millisecond)
	return run
}

func TestSubmitWaitRunsToCompletion(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("acme", 1000, 3)

	run := ts.submitWait("acme", 1, nil)
	assert.Equal(t, types.RunStateCompleted, run.State)
	assert.Equal(t, types.ModeNormal, run.Mode)
	assert.Equal(t, "delivery-normal", run.PlanID)
	assert.Equal(t, 4, run.Checkpoint)
	assert.InDelta(t, 0.28, run.ActualCost, 0.001)

	got := ts.getRun(run.ID)
	assert.Equal(t, types.RunStateCompleted, got.State)

	resp := ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []map[string]any
	decodeInto(t, resp, &recs)
	assert.NotEmpty(t, recs)
}

func TestSubmitAsyncAnswersAcceptedAndDrives(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("acme", 1000, 3)

	resp := ts.request(http.MethodPost, "/v1/runs", submitBody("acme", 1, nil))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := &types.Run{}
	decodeInto(t, resp, run)
	require.NotEmpty(t, run.ID)

	final := ts.waitForState(run.ID, types.RunStateCompleted)
	assert.Equal(t, 4, final.Checkpoint)
}

func TestSubmitRejections(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("acme", 1000, 3)

	t.Run("unknown tenant", func(t *testing.T) {
		resp := ts.request(http.MethodPost, "/v1/runs", submitBody("ghost", 1, nil))
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, string(fault.CodeTenantUnknown), errorCode(t, resp))
	})

	t.Run("missing body", func(t *testing.T) {
		resp := ts.request(http.MethodPost, "/v1/runs", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, string(fault.CodeSpecInvalid), errorCode(t, resp))
	})

	t.Run("unknown top-level field", func(t *testing.T) {
		resp := ts.request(http.MethodPost, "/v1/runs", map[string]any{
			"tenant_id": "acme",
			"specc":     map[string]any{"objective": "x"},
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, string(fault.CodeSpecInvalid), errorCode(t, resp))
	})

	t.Run("missing objective", func(t *testing.T) {
		resp := ts.request(http.MethodPost, "/v1/runs", map[string]any{
			"tenant_id": "acme",
			"spec":      map[string]any{"estimated_cost": 1},
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, string(fault.CodeSpecInvalid), errorCode(t, resp))
	})
}

func TestListRunsFilters(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("acme", 1000, 5)
	ts.createTenant("globex", 1000, 5)

	a := ts.submitWait("acme", 1, nil)
	b := ts.submitWait("globex", 1, nil)

	resp := ts.request(http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []*types.Run
	decodeInto(t, resp, &all)
	assert.Len(t, all, 2)

	resp = ts.request(http.MethodGet, "/v1/runs?tenant=acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mine []*types.Run
	decodeInto(t, resp, &mine)
	require.Len(t, mine, 1)
	assert.Equal(t, a.ID, mine[0].ID)

	resp = ts.request(http.MethodGet, "/v1/runs?state=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done []*types.Run
	decodeInto(t, resp, &done)
	require.Len(t, done, 2)
	ids := []string{done[0].ID, done[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	resp = ts.request(http.MethodGet, "/v1/runs?state=bananas", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(fault.CodeSpecInvalid), errorCode(t, resp))

	resp = ts.request(http.MethodGet, "/v1/runs/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(fault.CodeRunNotFound), errorCode(t, resp))
}

func TestArtifactEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("acme", 1000, 3)
	run := ts.submitWait("acme", 1, nil)
	require.Equal(t, types.RunStateCompleted, run.State)

	resp := ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/artifacts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var files []string
	decodeInto(t, resp, &files)
	assert.Contains(t, files, "spec.json")
	assert.Contains(t, files, "plan.json")
	assert.Contains(t, files, "events.jsonl")

	resp = ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/artifacts/spec.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var spec types.DeliverySpec
	decodeInto(t, resp, &spec)
	assert.Equal(t, "ship the spring catalog refresh", spec.Objective)

	resp = ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/artifacts/reports/9/nothing.json", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(fault.CodeArtifactNotFound), errorCode(t, resp))

	resp = ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/manifest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m artifact.Manifest
	decodeInto(t, resp, &m)
	assert.Equal(t, run.ID, m.RunID)
	assert.NotEmpty(t, m.Entries)
	assert.NotEmpty(t, m.BundleHash)

	resp = ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/events?limit=3", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []*types.Event
	decodeInto(t, resp, &events)
	require.NotEmpty(t, events)
	assert.LessOrEqual(t, len(events), 3)

	resp = ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/bundle", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-tar", resp.Header.Get("Content-Type"))
	tr := tar.NewReader(resp.Body)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.NotEmpty(t, hdr.Name)
	resp.Body.Close()
}

// A run that blows its daily budget pauses at the checkpoint. The
// operator raises the limit over the API and continues; the rerun
// checkpoint votes routine and the run completes.
func TestBudgetPauseThenRaiseLimitAndContinue(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("tight", 10, 3)

	run := ts.submitWait("tight", 1, map[string]any{"product_cost": 50.0})
	require.Equal(t, types.RunStatePaused, run.State)
	assert.Equal(t, types.ModePaused, run.Mode)

	resp := ts.request(http.MethodPut, "/v1/tenants/tight/budget", map[string]any{
		"daily_limit":         1000,
		"monthly_limit":       30000,
		"max_concurrent_runs": 3,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ten types.Tenant
	decodeInto(t, resp, &ten)
	assert.Equal(t, float64(1000), ten.Budget.DailyLimit)

	resp = ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/decision", map[string]any{
		"decision": "continue_normal",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	snapshot := &types.Run{}
	decodeInto(t, resp, snapshot)
	assert.Equal(t, types.RunStatePaused, snapshot.State)

	final := ts.waitForState(run.ID, types.RunStateCompleted)
	assert.Equal(t, types.ModeNormal, final.Mode)
	assert.Equal(t, 4, final.Checkpoint)
}

func TestDecisionValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("acme", 1000, 3)
	run := ts.submitWait("acme", 1, nil)
	require.Equal(t, types.RunStateCompleted, run.State)

	resp := ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/decision", map[string]any{
		"decision": "bogus",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(fault.CodeSpecInvalid), errorCode(t, resp))

	resp = ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/decision", map[string]any{
		"decision": "continue_normal",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(fault.CodeNotPaused), errorCode(t, resp))
}

func TestStopDecisionFailsRunSynchronously(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("tight", 10, 3)

	run := ts.submitWait("tight", 1, map[string]any{"product_cost": 50.0})
	require.Equal(t, types.RunStatePaused, run.State)

	resp := ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/decision", map[string]any{
		"decision": "stop",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := &types.Run{}
	decodeInto(t, resp, final)
	assert.Equal(t, types.RunStateFailed, final.State)
	assert.Equal(t, "operator_stop", final.FailureCode)

	resp = ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/manifest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRunInputPatchesPausedRun(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("tight", 10, 3)

	run := ts.submitWait("tight", 1, map[string]any{"product_cost": 50.0})
	require.Equal(t, types.RunStatePaused, run.State)

	resp := ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/input", map[string]any{
		"objective": 123,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(fault.CodePatchInvalid), errorCode(t, resp))

	resp = ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/input", map[string]any{
		"colour": "red",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(fault.CodePatchInvalid), errorCode(t, resp))

	resp = ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/input", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(fault.CodePatchInvalid), errorCode(t, resp))

	resp = ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/input", map[string]any{
		"parameters": map[string]any{"expedite": true},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// The patch merges into the spec; the budget is still blown, so the
	// rerun parks itself paused again at the next checkpoint.
	require.Eventually(t, func() bool {
		got := ts.getRun(run.ID)
		if got.State != types.RunStatePaused {
			return false
		}
		v, ok := got.Spec.Parameters["expedite"]
		return ok && v == true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPauseRejectsSettledRun(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("acme", 1000, 3)

	run := ts.submitWait("acme", 1, nil)
	require.Equal(t, types.RunStateCompleted, run.State)

	resp := ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/pause", map[string]any{"reason": "drill"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(fault.CodeTransitionIllegal), errorCode(t, resp))
}

func TestTenantLifecycleOverAPI(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(http.MethodPost, "/v1/tenants", map[string]any{
		"id":       "acme",
		"name":     "ACME!",
		"priority": 5,
		"budget":   map[string]any{"daily_limit": 100, "monthly_limit": 3000, "max_concurrent_runs": 2},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(fault.CodeSpecInvalid), errorCode(t, resp))

	ts.createTenant("acme", 100, 2)

	resp = ts.request(http.MethodPost, "/v1/tenants", map[string]any{
		"id":       "acme",
		"name":     "acme",
		"priority": 5,
		"budget":   map[string]any{"daily_limit": 100, "monthly_limit": 3000, "max_concurrent_runs": 2},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = ts.request(http.MethodGet, "/v1/tenants", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tenants []*types.Tenant
	decodeInto(t, resp, &tenants)
	assert.Len(t, tenants, 1)

	resp = ts.request(http.MethodPost, "/v1/tenants/acme/suspend", map[string]any{"reason": "invoices overdue"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ten types.Tenant
	decodeInto(t, resp, &ten)
	assert.Equal(t, types.TenantSuspended, ten.Status)

	resp = ts.request(http.MethodPost, "/v1/runs", submitBody("acme", 1, nil))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(fault.CodeTenantSuspended), errorCode(t, resp))

	resp = ts.request(http.MethodPost, "/v1/tenants/acme/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &ten)
	assert.Equal(t, types.TenantActive, ten.Status)

	resp = ts.request(http.MethodPut, "/v1/tenants/acme/learning", map[string]any{
		"intensity":         "aggressive",
		"exploration_share": 0.4,
		"pattern_opt_in":    true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &ten)
	assert.Equal(t, 2, ten.Learning.Revision)
	assert.Equal(t, "aggressive", ten.Learning.Intensity)

	resp = ts.request(http.MethodGet, "/v1/tenants/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(fault.CodeTenantUnknown), errorCode(t, resp))
}

func TestBudgetEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("acme", 1000, 3)
	run := ts.submitWait("acme", 1, nil)
	require.Equal(t, types.RunStateCompleted, run.State)

	resp := ts.request(http.MethodGet, "/v1/tenants/acme/budget", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status types.BudgetStatus
	decodeInto(t, resp, &status)
	assert.Equal(t, "acme", status.TenantID)
	assert.InDelta(t, 0.28, status.DailySpent, 0.001)
	assert.Equal(t, 0, status.ActiveRuns)

	resp = ts.request(http.MethodGet, "/v1/tenants/acme/forecast?estimate=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var forecast types.BudgetForecast
	decodeInto(t, resp, &forecast)
	assert.True(t, forecast.WithinBudget)

	resp = ts.request(http.MethodGet, "/v1/tenants/acme/forecast?estimate=-2", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(fault.CodeSpecInvalid), errorCode(t, resp))
}

func TestQueueSnapshotEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap queue.State
	decodeInto(t, resp, &snap)
	assert.NotNil(t, snap.Counts)
	assert.False(t, snap.AsOf.IsZero())
}

func TestWorkerRegistrationOverAPI(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(http.MethodPost, "/v1/workers", map[string]any{
		"id":             "w1",
		"capabilities":   []string{"execution", "gpu"},
		"max_concurrent": 2,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.request(http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var workers []*types.Worker
	decodeInto(t, resp, &workers)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ID)
	assert.Equal(t, types.WorkerReady, workers[0].Status)

	resp = ts.request(http.MethodPost, "/v1/workers/w1/heartbeat", map[string]any{"active_tasks": 1})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.request(http.MethodPost, "/v1/workers/ghost/heartbeat", map[string]any{"active_tasks": 0})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(fault.CodeWorkerUnknown), errorCode(t, resp))

	resp = ts.request(http.MethodDelete, "/v1/workers/w1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.request(http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &workers)
	assert.Empty(t, workers)
}

func TestHealthProbesAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.request(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.request(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "# HELP"))
}

func TestRateLimitExhaustionAnswers429(t *testing.T) {
	ts := newTestServerWith(t, config.APIConfig{RatePerSecond: 1, RateBurst: 1})

	resp := ts.request(http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.request(http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, string(fault.CodeRateLimited), errorCode(t, resp))

	// Probes bypass the limiter.
	resp = ts.request(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

// Shutdown cancels background drives; the in-flight run parks itself
// paused and survives for a later resume.
func TestShutdownParksInflightRun(t *testing.T) {
	ts := newTestServer(t)
	ts.createTenant("acme", 1000, 3)

	resp := ts.request(http.MethodPost, "/v1/runs", submitBody("acme", 1, map[string]any{
		"execution_delay_ms": 500.0,
	}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := &types.Run{}
	decodeInto(t, resp, run)

	ts.waitForState(run.ID, types.RunStateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))

	parked := ts.getRun(run.ID)
	assert.Equal(t, types.RunStatePaused, parked.State)
}
