package roles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/types"
)

// ShellAdapter runs a role step as an external command. This is the
// platform's only plugin boundary: the command must be on the
// configured allowlist, arguments are passed as argv with no shell
// involved, the run context goes in as JSON on stdin, and a StepReport
// is expected as JSON on stdout. There is no sandbox beyond the
// authorization check; operate the allowlist accordingly.
type ShellAdapter struct {
	role    types.Role
	command string
	args    []string
	allowed map[string]bool
	logger  zerolog.Logger
}

// NewShellAdapter builds a shell-out executor for a role. The
// allowlist is fixed at construction.
func NewShellAdapter(role types.Role, command string, args []string, allowlist []string) *ShellAdapter {
	allowed := make(map[string]bool, len(allowlist))
	for _, c := range allowlist {
		allowed[c] = true
	}
	return &ShellAdapter{
		role:    role,
		command: command,
		args:    args,
		allowed: allowed,
		logger:  log.WithComponent("roles"),
	}
}

// Role implements Adapter
func (s *ShellAdapter) Role() types.Role {
	return s.role
}

// Execute implements Adapter
func (s *ShellAdapter) Execute(ctx context.Context, rc *types.RunContext) (*types.StepReport, error) {
	if !s.allowed[s.command] {
		return nil, fault.Newf(fault.CodeCapabilityUnavailable, "command %q not on the adapter allowlist", s.command)
	}

	payload, err := json.Marshal(rc)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "encoding run context", err)
	}

	started := time.Now().UTC()
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, fault.Wrap(fault.CodeTimeout, fmt.Sprintf("step %s command cancelled", rc.NodeID), ctx.Err())
		}
		s.logger.Error().
			Err(err).
			Str("command", s.command).
			Str("stderr", stderr.String()).
			Msg("Adapter command failed")
		return nil, fault.Wrap(fault.CodeInternal, fmt.Sprintf("command %s failed", s.command), err)
	}

	var report types.StepReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, fmt.Sprintf("command %s returned invalid report", s.command), err)
	}

	// The engine's identity fields are authoritative regardless of
	// what the command printed
	report.RunID = rc.RunID
	report.NodeID = rc.NodeID
	report.Role = s.role
	report.Attempt = rc.Attempt
	if report.StartedAt.IsZero() {
		report.StartedAt = started
	}
	if report.FinishedAt.IsZero() {
		report.FinishedAt = time.Now().UTC()
	}
	return &report, nil
}
