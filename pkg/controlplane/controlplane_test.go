package controlplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testQueue(t *testing.T) *queue.Local {
	t.Helper()
	q, err := queue.NewLocal(config.QueueConfig{
		LeaseDuration:    time.Minute,
		MaxAttempts:      3,
		SweepInterval:    time.Hour,
		AgingBoost:       time.Minute,
		PeekDepth:        64,
		SnapshotInterval: time.Hour,
	}, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newRegistry(t *testing.T, q queue.Queue, broker *events.Broker, timeout time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(config.RegistryConfig{
		HeartbeatTimeout: timeout,
		SweepInterval:    20 * time.Millisecond,
	}, q, broker)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func worker(id string, caps ...string) types.Worker {
	return types.Worker{ID: id, Capabilities: caps, MaxConcurrent: 4}
}

func TestRegisterAndList(t *testing.T) {
	r := newRegistry(t, testQueue(t), nil, time.Minute)

	require.NoError(t, r.Register(worker("w2", "execution")))
	require.NoError(t, r.Register(worker("w1", "product", "shell")))

	workers := r.List()
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].ID)
	assert.Equal(t, "w2", workers[1].ID)
	assert.Equal(t, types.WorkerReady, workers[0].Status)
	assert.Equal(t, []string{"product", "shell"}, workers[0].Capabilities)
	assert.False(t, workers[0].RegisteredAt.IsZero())
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r := newRegistry(t, testQueue(t), nil, time.Minute)

	err := r.Register(types.Worker{})
	require.Error(t, err)
	assert.Equal(t, fault.CodeSpecInvalid, fault.CodeOf(err))
}

func TestReRegisterIsIdempotent(t *testing.T) {
	r := newRegistry(t, testQueue(t), nil, time.Minute)

	require.NoError(t, r.Register(worker("w1", "execution")))
	first, err := r.Get("w1")
	require.NoError(t, err)

	require.NoError(t, r.Register(worker("w1", "execution", "gpu")))

	workers := r.List()
	require.Len(t, workers, 1, "re-registration must not duplicate the worker")
	assert.Equal(t, []string{"execution", "gpu"}, workers[0].Capabilities)
	assert.Equal(t, first.RegisteredAt, workers[0].RegisteredAt, "original registration time survives")
}

func TestHeartbeatUpdatesLiveness(t *testing.T) {
	r := newRegistry(t, testQueue(t), nil, time.Minute)

	require.NoError(t, r.Register(worker("w1", "execution")))
	before, err := r.Get("w1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat("w1", 2))

	after, err := r.Get("w1")
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
	assert.Equal(t, 2, after.ActiveTasks)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r := newRegistry(t, testQueue(t), nil, time.Minute)

	err := r.Heartbeat("ghost", 0)
	require.Error(t, err)
	assert.Equal(t, fault.CodeWorkerUnknown, fault.CodeOf(err))
}

func TestConcurrentHeartbeats(t *testing.T) {
	r := newRegistry(t, testQueue(t), nil, time.Minute)

	require.NoError(t, r.Register(worker("w1", "execution")))
	require.NoError(t, r.Register(worker("w2", "execution")))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Heartbeat("w1", 1)
		}()
		go func() {
			defer wg.Done()
			_ = r.Heartbeat("w2", 1)
		}()
	}
	wg.Wait()

	for _, id := range []string{"w1", "w2"} {
		w, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.WorkerReady, w.Status)
	}
}

func TestDeadWorkerReleasesLeases(t *testing.T) {
	q := testQueue(t)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	r := newRegistry(t, q, broker, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.Register(worker("w1", "execution")))
	require.NoError(t, q.Enqueue(ctx, &types.Task{
		ID: "t1", TenantID: "acme", RunID: "run-1", NodeID: "n1",
		Role: types.RoleExecution, Priority: types.PriorityNormal,
	}))
	leased, err := q.Dequeue(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, 1, leased.Attempts)

	// No heartbeats: the sweeper marks w1 dead and the task rejoins
	// pending with the next attempt number.
	require.Eventually(t, func() bool {
		w, err := r.Get("w1")
		return err == nil && w.Status == types.WorkerDown
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stored, err := q.Get(ctx, "t1")
		return err == nil && stored.State == types.TaskPending && stored.Attempts == 2
	}, time.Second, 10*time.Millisecond)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventWorkerDown && ev.WorkerID == "w1" {
				assert.Contains(t, ev.Data["released_tasks"], "t1")
				return
			}
		case <-deadline:
			t.Fatal("expected a worker down event")
		}
	}
}

func TestHeartbeatRevivesDownWorker(t *testing.T) {
	r := newRegistry(t, testQueue(t), nil, 50*time.Millisecond)

	require.NoError(t, r.Register(worker("w1", "execution")))
	require.Eventually(t, func() bool {
		w, err := r.Get("w1")
		return err == nil && w.Status == types.WorkerDown
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, r.Heartbeat("w1", 0))
	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerReady, w.Status)
}

func TestDeregisterReleasesLeases(t *testing.T) {
	q := testQueue(t)
	r := newRegistry(t, q, nil, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Register(worker("w1", "execution")))
	require.NoError(t, q.Enqueue(ctx, &types.Task{
		ID: "t1", TenantID: "acme", RunID: "run-1", NodeID: "n1",
		Role: types.RoleExecution, Priority: types.PriorityNormal,
	}))
	_, err := q.Dequeue(ctx, "w1", nil, time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Deregister(ctx, "w1"))

	_, err = r.Get("w1")
	require.Error(t, err)

	stored, err := q.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, stored.State)

	err = r.Deregister(ctx, "w1")
	require.Error(t, err)
	assert.Equal(t, fault.CodeWorkerUnknown, fault.CodeOf(err))
}
