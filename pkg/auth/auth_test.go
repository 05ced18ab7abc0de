package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

func newKeyring(t *testing.T) (*Keyring, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	k, err := New(store)
	require.NoError(t, err)
	return k, store
}

func TestMintAndResolve(t *testing.T) {
	k, _ := newKeyring(t)

	secret, cred, err := k.Mint(MintParams{Scope: types.ScopeTenant, TenantID: "acme", Name: "ci"})
	require.NoError(t, err)
	assert.Len(t, secret, 64)
	assert.NotEqual(t, secret, cred.SecretHash)
	assert.Equal(t, Digest(secret), cred.SecretHash)
	assert.True(t, cred.ExpiresAt.IsZero())

	got, err := k.Resolve(secret)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
	assert.Equal(t, types.ScopeTenant, got.Scope)
	assert.Equal(t, "acme", got.TenantID)
}

func TestResolveRejectsUnknownSecret(t *testing.T) {
	k, _ := newKeyring(t)

	_, err := k.Resolve("not-a-secret")
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))
}

func TestResolveRejectsExpiredSecret(t *testing.T) {
	k, _ := newKeyring(t)

	secret, _, err := k.Mint(MintParams{Scope: types.ScopeWorker, Name: "short", TTL: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = k.Resolve(secret)
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))
}

func TestMintValidatesParams(t *testing.T) {
	k, _ := newKeyring(t)

	cases := []struct {
		name   string
		params MintParams
	}{
		{"unknown scope", MintParams{Scope: "root"}},
		{"tenant scope without tenant", MintParams{Scope: types.ScopeTenant}},
		{"admin scope with tenant", MintParams{Scope: types.ScopeAdmin, TenantID: "acme"}},
		{"negative ttl", MintParams{Scope: types.ScopeWorker, TTL: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := k.Mint(tc.params)
			assert.Equal(t, fault.CodeSpecInvalid, fault.CodeOf(err))
		})
	}
}

func TestRevoke(t *testing.T) {
	k, _ := newKeyring(t)

	secret, cred, err := k.Mint(MintParams{Scope: types.ScopeAdmin, Name: "ops"})
	require.NoError(t, err)

	require.NoError(t, k.Revoke(cred.ID))

	_, err = k.Resolve(secret)
	assert.Equal(t, fault.CodeUnauthorized, fault.CodeOf(err))

	err = k.Revoke(cred.ID)
	assert.Equal(t, fault.CodeCredentialUnknown, fault.CodeOf(err))
}

func TestIndexSurvivesRestart(t *testing.T) {
	k, store := newKeyring(t)

	secret, cred, err := k.Mint(MintParams{Scope: types.ScopeTenant, TenantID: "acme"})
	require.NoError(t, err)

	reloaded, err := New(store)
	require.NoError(t, err)

	got, err := reloaded.Resolve(secret)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
}

func TestBootstrapMintsAdminOnce(t *testing.T) {
	k, store := newKeyring(t)

	secret, cred, err := k.Bootstrap()
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	assert.Equal(t, types.ScopeAdmin, cred.Scope)
	assert.Equal(t, BootstrapName, cred.Name)

	again, _, err := k.Bootstrap()
	require.NoError(t, err)
	assert.Empty(t, again)

	// A restart must not mint a second admin credential
	reloaded, err := New(store)
	require.NoError(t, err)
	after, _, err := reloaded.Bootstrap()
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestSweepRemovesExpired(t *testing.T) {
	k, _ := newKeyring(t)

	_, expiring, err := k.Mint(MintParams{Scope: types.ScopeWorker, Name: "short", TTL: time.Millisecond})
	require.NoError(t, err)
	durableSecret, _, err := k.Mint(MintParams{Scope: types.ScopeWorker, Name: "durable"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, k.Sweep())
	assert.Equal(t, 0, k.Sweep())

	creds, err := k.List()
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "durable", creds[0].Name)
	assert.NotEqual(t, expiring.ID, creds[0].ID)

	_, err = k.Resolve(durableSecret)
	assert.NoError(t, err)
}

func TestListOrdersByCreation(t *testing.T) {
	k, _ := newKeyring(t)

	_, first, err := k.Mint(MintParams{Scope: types.ScopeAdmin, Name: "first"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, second, err := k.Mint(MintParams{Scope: types.ScopeWorker, Name: "second"})
	require.NoError(t, err)

	creds, err := k.List()
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.Equal(t, first.ID, creds[0].ID)
	assert.Equal(t, second.ID, creds[1].ID)
}
