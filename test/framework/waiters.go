package framework

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/types"
)

// WaitForRun polls until the run reaches the wanted state and returns
// the run as last seen. A run that settles in a different terminal
// state stops the poll and fails with the run's failure detail.
func WaitForRun(t *testing.T, cl *client.Client, runID string, want types.RunState, timeout time.Duration) *types.Run {
	t.Helper()

	var run *types.Run
	require.Eventually(t, func() bool {
		got, err := cl.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = got
		// Wrong terminal states never change again; stop polling
		return got.State == want || got.State.IsTerminal()
	}, timeout, 50*time.Millisecond, "run %s never reached %s", runID, want)

	if run.State != want {
		t.Fatalf("run %s settled %s (code %q, error %q) while waiting for %s",
			runID, run.State, run.FailureCode, run.Error, want)
	}
	return run
}

// WaitForWorkers polls until n workers report ready
func WaitForWorkers(t *testing.T, cl *client.Client, n int, timeout time.Duration) {
	t.Helper()

	require.Eventually(t, func() bool {
		workers, err := cl.ListWorkers(context.Background())
		if err != nil {
			return false
		}
		ready := 0
		for _, w := range workers {
			if w.Status == types.WorkerReady {
				ready++
			}
		}
		return ready == n
	}, timeout, 100*time.Millisecond, "%d workers never became ready", n)
}

// WaitForQueueDrained polls until no stage task is pending or leased
func WaitForQueueDrained(t *testing.T, cl *client.Client, timeout time.Duration) {
	t.Helper()

	require.Eventually(t, func() bool {
		snap, err := cl.QueueSnapshot(context.Background())
		if err != nil {
			return false
		}
		return snap.Counts[types.TaskPending] == 0 && snap.Counts[types.TaskLeased] == 0
	}, timeout, 100*time.Millisecond, "queue never drained")
}
