package e2e

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
	"github.com/droverhq/drover/test/framework"
)

// The full credential story over real processes: the server mints a
// bootstrap admin secret on first start, the CLI turns it into scoped
// tokens, workers authenticate with worker tokens, and tenant tokens
// stay confined to their own tenant.
func TestAuthEndToEnd(t *testing.T) {
	s := framework.StartStack(t, framework.StackConfig{Distributed: true, Auth: true})
	ctx := context.Background()

	adminToken := s.AdminToken()
	admin := s.Client(adminToken)

	// Anonymous callers see only the ops endpoints
	anon := s.Client("")
	_, err := anon.ListTenants(ctx)
	require.Error(t, err)
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))

	createTenant(t, admin, "acme", 50, 3)
	createTenant(t, admin, "rival", 50, 3)

	// Scoped tokens minted the way an operator would, over the CLI
	workerSecret := s.MintTokenCLI(adminToken, "--scope", "worker", "--name", "e2e-workers")
	acmeSecret := s.MintTokenCLI(adminToken, "--scope", "tenant", "--tenant", "acme", "--name", "acme-ci")

	s.StartWorker("e2e-authed-worker", workerSecret)
	framework.WaitForWorkers(t, admin, 1, 15*time.Second)

	// The tenant token submits and observes its own runs
	acme := s.Client(acmeSecret)
	run, err := acme.SubmitRun(ctx, "acme", catalogSpec(0.5, nil), types.PriorityNormal)
	require.NoError(t, err)
	final := framework.WaitForRun(t, acme, run.ID, types.RunStateCompleted, 60*time.Second)
	framework.AssertRunClean(t, final)

	// ...and nothing of anyone else's
	_, err = acme.SubmitRun(ctx, "rival", catalogSpec(0.5, nil), types.PriorityNormal)
	require.Error(t, err)
	assert.Equal(t, fault.CodeForbidden, fault.CodeOf(err))

	_, err = acme.GetTenant(ctx, "rival")
	require.Error(t, err)
	assert.Equal(t, fault.CodeForbidden, fault.CodeOf(err))

	_, err = acme.ListTokens(ctx)
	require.Error(t, err)
	assert.Equal(t, fault.CodeForbidden, fault.CodeOf(err))

	// Revocation cuts access immediately
	creds, err := admin.ListTokens(ctx)
	require.NoError(t, err)
	var acmeCredID string
	for _, cred := range creds {
		if cred.Name == "acme-ci" {
			acmeCredID = cred.ID
		}
	}
	require.NotEmpty(t, acmeCredID, "minted credential missing from listing")
	require.NoError(t, admin.RevokeToken(ctx, acmeCredID))

	_, err = acme.ListRuns(ctx, "acme", "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))
}

// A second start of the same data directory must not mint another
// bootstrap credential or invalidate the first.
func TestBootstrapAdminMintedOnce(t *testing.T) {
	s := framework.StartStack(t, framework.StackConfig{Auth: true})

	adminToken := s.AdminToken()
	admin := s.Client(adminToken)
	createTenant(t, admin, "acme", 50, 3)

	require.NoError(t, s.Server.Stop(20*time.Second))
	s.RestartServer()

	assert.Equal(t, 1, strings.Count(s.Server.Logs(), "Admin credential minted"),
		"restart minted a second bootstrap credential")

	// The original credential still works
	tenants, err := admin.ListTenants(context.Background())
	require.NoError(t, err)
	assert.Len(t, tenants, 1)
}
