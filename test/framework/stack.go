// Package framework boots real drover binaries for end to end tests:
// a control plane process, optional worker processes, and an in-test
// Redis they share. Tests talk to the stack through the public REST
// client and the CLI, never in-process, so these exercises cover the
// same surface a deployment does.
//
// Everything here needs DROVER_BINARY pointing at a drover build and
// skips otherwise.
package framework

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/config"
)

// Binary returns the drover build under test, skipping the test when
// the environment does not provide one.
func Binary(t *testing.T) string {
	t.Helper()
	bin := os.Getenv("DROVER_BINARY")
	if bin == "" {
		t.Skip("set DROVER_BINARY to a drover build to run process-level tests")
	}
	abs, err := filepath.Abs(bin)
	require.NoError(t, err)
	return abs
}

// StackConfig shapes the stack a test boots
type StackConfig struct {
	// Distributed switches stage dispatch from the in-process pool to
	// the Redis queue, so StartWorker processes do the executing. The
	// Redis is a miniredis owned by the test.
	Distributed bool

	// Auth requires bearer tokens on the API. The bootstrap admin
	// secret is scraped from server output via AdminToken.
	Auth bool

	// Tune edits the generated configuration before it is written,
	// for tests that need nonstandard intervals or limits.
	Tune func(*config.Config)
}

// Stack is one control plane process plus any workers a test started
type Stack struct {
	Binary  string
	Dir     string
	CfgPath string
	BaseURL string
	Server  *Process
	Workers []*Process

	t *testing.T
}

// StartStack boots a control plane on a fresh data directory and waits
// for it to serve readiness. Shutdown happens in test cleanup, workers
// first; server output is dumped when the test failed.
func StartStack(t *testing.T, sc StackConfig) *Stack {
	t.Helper()

	binary := Binary(t)
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "state")
	cfg.ArtifactRoot = filepath.Join(dir, "artifacts")
	cfg.Log.Level = "debug"
	cfg.Log.JSON = true
	cfg.API.Listen = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.API.AuthEnabled = sc.Auth

	// Tight loops so lifecycle tests settle in seconds
	cfg.Engine.StepTimeout = 10 * time.Second
	cfg.Engine.ResultPoll = 20 * time.Millisecond
	cfg.Scheduler.Interval = 50 * time.Millisecond
	cfg.Reconciler.Interval = 250 * time.Millisecond
	cfg.Workers.HeartbeatInterval = 250 * time.Millisecond
	cfg.Workers.DequeueWait = 100 * time.Millisecond
	cfg.Workers.StepTimeout = 10 * time.Second
	cfg.Registry.HeartbeatTimeout = 2 * time.Second
	cfg.Registry.SweepInterval = 200 * time.Millisecond

	if sc.Distributed {
		mr := miniredis.RunT(t)
		cfg.Engine.Dispatch = "queue"
		cfg.Queue.Backend = "redis"
		cfg.Queue.RedisAddr = mr.Addr()
		cfg.Queue.RedisPrefix = "drover-e2e"
		cfg.Queue.LeaseDuration = 2 * time.Second
		cfg.Queue.SweepInterval = 100 * time.Millisecond
		cfg.Queue.AgingBoost = 10 * time.Millisecond
		cfg.Queue.SnapshotInterval = 500 * time.Millisecond
	}
	if sc.Tune != nil {
		sc.Tune(&cfg)
	}
	require.NoError(t, cfg.Validate(), "generated stack config must be valid")

	raw, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	cfgPath := filepath.Join(dir, "drover.yaml")
	require.NoError(t, os.WriteFile(cfgPath, raw, 0o644))

	s := &Stack{
		Binary:  binary,
		Dir:     dir,
		CfgPath: cfgPath,
		BaseURL: "http://" + cfg.API.Listen,
		Server:  NewProcess(binary, "server", "--config", cfgPath),
		t:       t,
	}

	require.NoError(t, s.Server.Start())
	t.Cleanup(func() {
		for _, w := range s.Workers {
			_ = w.Stop(10 * time.Second)
		}
		_ = s.Server.Stop(20 * time.Second)
		if t.Failed() {
			t.Logf("server output:\n%s", s.Server.Logs())
		}
	})

	s.WaitReady(20 * time.Second)
	return s
}

// StartWorker launches one worker process against the stack's queue
// and control plane. token is required when the stack runs with Auth;
// pass "" otherwise.
func (s *Stack) StartWorker(id, token string) *Process {
	s.t.Helper()

	args := []string{
		"worker", "run",
		"--config", s.CfgPath,
		"--server", s.BaseURL,
		"--id", id,
	}
	if token != "" {
		args = append(args, "--token", token)
	}

	w := NewProcess(s.Binary, args...)
	require.NoError(s.t, w.Start())
	s.Workers = append(s.Workers, w)
	require.NoError(s.t, w.WaitForLog("Worker "+id+" running", 15*time.Second))
	return w
}

// RestartServer brings the control plane back on the same data
// directory, for crash recovery tests. The previous process must have
// exited already.
func (s *Stack) RestartServer() {
	s.t.Helper()
	require.False(s.t, s.Server.Running(), "stop or kill the server before restarting")
	require.NoError(s.t, s.Server.Start())
	s.WaitReady(20 * time.Second)
}

// AdminToken scrapes the one-time bootstrap admin secret from server
// output. Only the first start of a data directory mints one.
func (s *Stack) AdminToken() string {
	s.t.Helper()
	require.NoError(s.t, s.Server.WaitForLog("Admin credential minted", 10*time.Second))
	m := secretLine.FindStringSubmatch(s.Server.Logs())
	require.Len(s.t, m, 2, "server printed no admin secret:\n%s", s.Server.Logs())
	return m[1]
}

// probeClient keeps readiness polling off the keep-alive pool so
// stopped servers do not strand connections.
var probeClient = &http.Client{
	Transport: &http.Transport{DisableKeepAlives: true},
	Timeout:   2 * time.Second,
}

// WaitReady polls the readiness endpoint until the API answers
func (s *Stack) WaitReady(timeout time.Duration) {
	s.t.Helper()
	require.Eventually(s.t, func() bool {
		resp, err := probeClient.Get(s.BaseURL + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, timeout, 50*time.Millisecond, "control plane never became ready")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
