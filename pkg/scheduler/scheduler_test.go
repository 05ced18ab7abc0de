package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/droverhq/drover/pkg/artifact"
	"github.com/droverhq/drover/pkg/budget"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/governance"
	"github.com/droverhq/drover/pkg/plan"
	"github.com/droverhq/drover/pkg/roles"
	"github.com/droverhq/drover/pkg/state"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/tenant"
	"github.com/droverhq/drover/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingRunner notes the first arrival of each run at the stage
// runner, then delegates to the real pool runner
type recordingRunner struct {
	inner engine.Runner

	mu       sync.Mutex
	arrivals []string
}

func (r *recordingRunner) RunStage(ctx context.Context, run *types.Run, ten *types.Tenant, nodes []engine.NodeExecution) ([]types.StepReport, error) {
	r.mu.Lock()
	if n := len(r.arrivals); n == 0 || r.arrivals[n-1] != run.ID {
		r.arrivals = append(r.arrivals, run.ID)
	}
	r.mu.Unlock()
	return r.inner.RunStage(ctx, run, ten, nodes)
}

func (r *recordingRunner) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.arrivals...)
}

func poolRunner() engine.Runner {
	return engine.NewPoolRunner(config.PoolConfig{
		Concurrency: 4,
		Threshold:   0.8,
		CancelGrace: 100 * time.Millisecond,
	}, 2*time.Second, roles.DefaultRegistry())
}

// newStack assembles the engine over a temp store with one tenant
// ("acme") ready to admit runs
func newStack(t *testing.T, runner engine.Runner) (*engine.Engine, *state.Manager, *artifact.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	artifacts, err := artifact.NewStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	tenants := tenant.NewRegistry(store, artifacts)
	ctrl := budget.NewController(store, tenants, artifacts, nil, config.BudgetConfig{
		Slack:           0.05,
		LedgerRetries:   1,
		LedgerBackoff:   time.Millisecond,
		BreakerCooldown: 50 * time.Millisecond,
	})
	st := state.NewManager(store, nil)
	if runner == nil {
		runner = poolRunner()
	}

	eng, err := engine.New(engine.Deps{
		State:      st,
		Tenants:    tenants,
		Budget:     ctrl,
		Artifacts:  artifacts,
		Plans:      plan.NewRegistry(),
		Governance: governance.NewEngine(ctrl),
		Runner:     runner,
	})
	require.NoError(t, err)

	_, err = tenants.Create(tenant.CreateParams{
		ID:       "acme",
		Name:     "acme",
		Priority: 5,
		Budget: &types.BudgetProfile{
			DailyLimit:        10000,
			MonthlyLimit:      300000,
			MaxConcurrentRuns: 5,
		},
	})
	require.NoError(t, err)
	return eng, st, artifacts
}

func submit(t *testing.T, eng *engine.Engine, priority types.Priority, params map[string]any) *types.Run {
	t.Helper()
	run, err := eng.Submit("acme", &types.DeliverySpec{
		Objective:     "ship the spring catalog refresh",
		EstimatedCost: 1,
		Parameters:    params,
	}, priority)
	require.NoError(t, err)
	return run
}

// TestDispatchesAbandonedRun tests the restart path: a run admitted
// but never driven is picked up and completed without operator action
func TestDispatchesAbandonedRun(t *testing.T) {
	eng, st, artifacts := newStack(t, nil)
	run := submit(t, eng, "", nil)

	s := New(config.SchedulerConfig{Interval: 20 * time.Millisecond, Burst: 4}, eng, st)
	defer s.Close()

	require.Eventually(t, func() bool {
		got, err := st.Get(run.ID)
		return err == nil && got.State == types.RunStateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, artifacts.Sealed(run.ID))
	data, err := artifacts.Read(run.ID, "plan_history.jsonl")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 1)
}

// TestDispatchOrderFollowsPriority tests that a backlog drains
// critical-first, then in admission order
func TestDispatchOrderFollowsPriority(t *testing.T) {
	rec := &recordingRunner{inner: poolRunner()}
	eng, st, _ := newStack(t, rec)

	batch := submit(t, eng, types.PriorityBatch, nil)
	crit := submit(t, eng, types.PriorityCritical, nil)
	norm := submit(t, eng, types.PriorityNormal, nil)

	// Interval parks the loop out of the way; passes run by hand
	s := New(config.SchedulerConfig{Interval: time.Hour, Burst: 1}, eng, st)
	defer s.Close()

	for _, want := range []*types.Run{crit, norm, batch} {
		s.dispatch()
		require.Eventually(t, func() bool {
			got, err := st.Get(want.ID)
			return err == nil && got.State == types.RunStateCompleted
		}, 5*time.Second, 10*time.Millisecond, "run %s should complete before the next pass", want.ID)
	}

	assert.Equal(t, []string{crit.ID, norm.ID, batch.ID}, rec.order())
}

// TestNoDuplicateDriveUnderAggressiveTicks tests that many ticks over
// one slow run still produce exactly one plan selection
func TestNoDuplicateDriveUnderAggressiveTicks(t *testing.T) {
	eng, st, artifacts := newStack(t, nil)
	run := submit(t, eng, "", map[string]any{"execution_delay_ms": 300})

	s := New(config.SchedulerConfig{Interval: 5 * time.Millisecond, Burst: 4}, eng, st)
	defer s.Close()

	require.Eventually(t, func() bool {
		got, err := st.Get(run.ID)
		return err == nil && got.State == types.RunStateCompleted
	}, 10*time.Second, 20*time.Millisecond)

	data, err := artifacts.Read(run.ID, "plan_history.jsonl")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 1,
		"initial selection must happen exactly once")
}

// TestCloseParksDrivenRuns tests shutdown: in-flight dispatched runs
// park paused instead of being abandoned mid-stage
func TestCloseParksDrivenRuns(t *testing.T) {
	eng, st, _ := newStack(t, nil)
	run := submit(t, eng, "", map[string]any{"execution_delay_ms": 500})

	s := New(config.SchedulerConfig{Interval: 10 * time.Millisecond, Burst: 4}, eng, st)

	require.Eventually(t, func() bool {
		got, err := st.Get(run.ID)
		return err == nil && got.State == types.RunStateRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())

	got, err := st.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatePaused, got.State)
}
