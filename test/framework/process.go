package framework

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Process manages one drover binary invocation with captured output
// and lifecycle control. A single Process can be started again after
// it exits, which is how crash tests bring a control plane back on the
// same data directory.
type Process struct {
	binary string
	args   []string
	env    []string

	logs *LogBuffer

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
	exit error
}

// NewProcess prepares a process; nothing runs until Start.
func NewProcess(binary string, args ...string) *Process {
	return &Process{
		binary: binary,
		args:   args,
		logs:   &LogBuffer{},
	}
}

// AppendEnv adds KEY=value pairs on top of the inherited environment
func (p *Process) AppendEnv(kv ...string) {
	p.env = append(p.env, kv...)
}

// Start launches the process. Output goes to the log buffer, so there
// is no pipe to drain; a reaper goroutine records the exit.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		select {
		case <-p.done:
		default:
			return fmt.Errorf("%s already running with PID %d", p.binary, p.cmd.Process.Pid)
		}
	}

	cmd := exec.Command(p.binary, p.args...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stdout = p.logs
	cmd.Stderr = p.logs

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.binary, err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exit = err
		p.mu.Unlock()
		close(done)
	}()

	return nil
}

// Stop sends SIGTERM and waits for a clean exit, escalating to SIGKILL
// when the process outlives the timeout. Returns the exit error, with
// the termination signal itself not counted as a failure.
func (p *Process) Stop(timeout time.Duration) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("%s never started", p.binary)
	}

	select {
	case <-done:
		return p.exitErr()
	default:
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s: %w", p.binary, err)
	}

	select {
	case <-done:
		err := p.exitErr()
		if err != nil && strings.Contains(err.Error(), "terminated") {
			return nil
		}
		return err
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("%s ignored SIGTERM for %v, killed", p.binary, timeout)
	}
}

// Kill terminates the process immediately, simulating a crash
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("%s never started", p.binary)
	}
	select {
	case <-done:
		return nil
	default:
	}

	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", p.binary, err)
	}
	<-done
	return nil
}

// Running reports whether the process is still alive
func (p *Process) Running() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// WaitExit blocks until the process exits on its own
func (p *Process) WaitExit(timeout time.Duration) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return fmt.Errorf("%s never started", p.binary)
	}
	select {
	case <-done:
		return p.exitErr()
	case <-time.After(timeout):
		return fmt.Errorf("%s still running after %v", p.binary, timeout)
	}
}

// Logs returns everything the process has written so far
func (p *Process) Logs() string {
	return p.logs.String()
}

// WaitForLog polls until the output contains substr
func (p *Process) WaitForLog(substr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if p.logs.Contains(substr) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no %q in output after %v; logs:\n%s", substr, timeout, p.logs.String())
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (p *Process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// LogBuffer accumulates process output. It is an io.Writer, so it
// plugs straight into exec.Cmd without pipe-draining goroutines.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer
func (lb *LogBuffer) Write(b []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(b)
}

// String returns the captured output
func (lb *LogBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// Contains reports whether the output includes substr
func (lb *LogBuffer) Contains(substr string) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return bytes.Contains(lb.buf.Bytes(), []byte(substr))
}
