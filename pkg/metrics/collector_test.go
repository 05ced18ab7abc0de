package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/droverhq/drover/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRuns struct {
	runs []*types.Run
	err  error
}

func (f *fakeRuns) ListRuns() ([]*types.Run, error) { return f.runs, f.err }

type fakeTenants struct {
	tenants []*types.Tenant
}

func (f *fakeTenants) ListTenants() ([]*types.Tenant, error) { return f.tenants, nil }

func runsInState(states ...types.RunState) []*types.Run {
	out := make([]*types.Run, len(states))
	for i, s := range states {
		out[i] = &types.Run{ID: string(rune('a' + i)), State: s}
	}
	return out
}

func TestCollectShapesGauges(t *testing.T) {
	runs := &fakeRuns{runs: runsInState(
		types.RunStateRunning,
		types.RunStateRunning,
		types.RunStateCompleted,
	)}
	tenants := &fakeTenants{tenants: []*types.Tenant{{ID: "t1"}, {ID: "t2"}}}

	c := &Collector{runs: runs, tenants: tenants}
	c.collect()

	assert.Equal(t, 2.0, testutil.ToFloat64(RunsTotal.WithLabelValues(string(types.RunStateRunning))))
	assert.Equal(t, 1.0, testutil.ToFloat64(RunsTotal.WithLabelValues(string(types.RunStateCompleted))))
	assert.Equal(t, 0.0, testutil.ToFloat64(RunsTotal.WithLabelValues(string(types.RunStateFailed))))
	assert.Equal(t, 2.0, testutil.ToFloat64(TenantsTotal))

	// A run finishing must clear its old state on the next pass
	runs.runs = runsInState(types.RunStateRunning, types.RunStateCompleted, types.RunStateCompleted)
	c.collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(RunsTotal.WithLabelValues(string(types.RunStateRunning))))
	assert.Equal(t, 2.0, testutil.ToFloat64(RunsTotal.WithLabelValues(string(types.RunStateCompleted))))
}

func TestCollectKeepsLastGoodOnError(t *testing.T) {
	runs := &fakeRuns{runs: runsInState(types.RunStateIdle)}
	c := &Collector{runs: runs}
	c.collect()
	assert.Equal(t, 1.0, testutil.ToFloat64(RunsTotal.WithLabelValues(string(types.RunStateIdle))))

	runs.err = errors.New("store closed")
	c.collect()
	assert.Equal(t, 1.0, testutil.ToFloat64(RunsTotal.WithLabelValues(string(types.RunStateIdle))))
}

func TestCollectorCloseIsIdempotent(t *testing.T) {
	c := NewCollector(&fakeRuns{}, &fakeTenants{}, time.Hour)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
