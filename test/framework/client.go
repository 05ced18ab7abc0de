package framework

import (
	"bytes"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/client"
)

// Client builds a REST client against the stack. token may be empty
// on stacks running without auth.
func (s *Stack) Client(token string) *client.Client {
	s.t.Helper()

	transport := &http.Transport{DisableKeepAlives: true}
	opts := []client.Option{
		client.WithHTTPClient(&http.Client{Transport: transport, Timeout: 30 * time.Second}),
	}
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}

	cl, err := client.New(s.BaseURL, opts...)
	require.NoError(s.t, err)
	return cl
}

// AdminClient is a Client carrying the bootstrap admin credential
func (s *Stack) AdminClient() *client.Client {
	return s.Client(s.AdminToken())
}

// RunCLI runs one drover command against the stack and returns its
// combined output. The --server flag is injected; pass credentials via
// env ("DROVER_TOKEN=...") or an explicit --token argument.
func (s *Stack) RunCLI(env []string, args ...string) (string, error) {
	cmd := exec.Command(s.Binary, append(args, "--server", s.BaseURL)...)
	cmd.Env = append(os.Environ(), env...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// secretLine matches the one-time secret both the server bootstrap
// print and "drover token create" emit on an indented line of its own.
var secretLine = regexp.MustCompile(`(?m)^\s+([0-9a-f]{64})\s*$`)

// MintTokenCLI creates a credential through the CLI as adminToken and
// returns the secret, exercising the same path an operator types.
func (s *Stack) MintTokenCLI(adminToken string, createArgs ...string) string {
	s.t.Helper()

	args := append([]string{"token", "create"}, createArgs...)
	out, err := s.RunCLI([]string{"DROVER_TOKEN=" + adminToken}, args...)
	require.NoError(s.t, err, "token create failed:\n%s", out)

	m := secretLine.FindStringSubmatch(out)
	require.Len(s.t, m, 2, "token create printed no secret:\n%s", out)
	return m[1]
}
