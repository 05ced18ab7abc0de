package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

// secretBytes is the entropy of a minted secret. 32 bytes hex-encodes
// to a 64-character token.
const secretBytes = 32

// BootstrapName marks the admin credential the server mints on first
// start so operators can tell it apart from ones they created.
const BootstrapName = "bootstrap-admin"

// Keyring mints and verifies API credentials. Secrets leave Mint
// exactly once; the store and the verification index hold only SHA-256
// digests, so a copied database yields no usable tokens.
type Keyring struct {
	store  storage.Store
	logger zerolog.Logger

	mu     sync.RWMutex
	byHash map[string]*types.Credential
}

// New loads the persisted credentials into the verification index
func New(store storage.Store) (*Keyring, error) {
	k := &Keyring{
		store:  store,
		logger: log.WithComponent("auth"),
		byHash: make(map[string]*types.Credential),
	}
	creds, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	for _, cred := range creds {
		k.byHash[cred.SecretHash] = cred
	}
	return k, nil
}

// MintParams describes a credential to mint
type MintParams struct {
	Scope types.CredentialScope

	// TenantID is required for tenant scope and rejected otherwise
	TenantID string

	// Name is a free-form operator label
	Name string

	// TTL bounds the credential lifetime; zero means no expiry
	TTL time.Duration
}

// Mint creates a credential and returns its secret. This is the only
// time the secret exists in the clear; afterwards only the digest does.
func (k *Keyring) Mint(params MintParams) (string, *types.Credential, error) {
	if !params.Scope.Valid() {
		return "", nil, fault.Newf(fault.CodeSpecInvalid, "unknown credential scope %q", params.Scope)
	}
	if params.Scope == types.ScopeTenant && params.TenantID == "" {
		return "", nil, fault.New(fault.CodeSpecInvalid, "tenant-scoped credentials require a tenant ID")
	}
	if params.Scope != types.ScopeTenant && params.TenantID != "" {
		return "", nil, fault.Newf(fault.CodeSpecInvalid, "%s credentials take no tenant ID", params.Scope)
	}
	if params.TTL < 0 {
		return "", nil, fault.New(fault.CodeSpecInvalid, "credential TTL must not be negative")
	}

	secret, err := newSecret()
	if err != nil {
		return "", nil, fmt.Errorf("generate secret: %w", err)
	}

	now := time.Now().UTC()
	cred := &types.Credential{
		ID:         uuid.New().String(),
		SecretHash: Digest(secret),
		Scope:      params.Scope,
		TenantID:   params.TenantID,
		Name:       params.Name,
		CreatedAt:  now,
	}
	if params.TTL > 0 {
		cred.ExpiresAt = now.Add(params.TTL)
	}

	if err := k.store.PutCredential(cred); err != nil {
		return "", nil, fmt.Errorf("persist credential: %w", err)
	}

	k.mu.Lock()
	k.byHash[cred.SecretHash] = cred
	k.mu.Unlock()

	k.logger.Info().
		Str("credential_id", cred.ID).
		Str("scope", string(cred.Scope)).
		Str("tenant_id", cred.TenantID).
		Str("name", cred.Name).
		Msg("Credential minted")
	return secret, cred, nil
}

// Resolve verifies a presented secret. Unknown, revoked and expired
// secrets all come back as the same unauthorized fault; callers learn
// nothing about which it was.
func (k *Keyring) Resolve(secret string) (*types.Credential, error) {
	k.mu.RLock()
	cred, ok := k.byHash[Digest(secret)]
	k.mu.RUnlock()
	if !ok || cred.Expired(time.Now().UTC()) {
		return nil, fault.ErrUnauthorized
	}
	return cred, nil
}

// Revoke deletes a credential by ID. Revocation takes effect on the
// next Resolve; requests already past the boundary finish.
func (k *Keyring) Revoke(id string) error {
	if err := k.store.DeleteCredential(id); err != nil {
		return err
	}

	k.mu.Lock()
	for hash, cred := range k.byHash {
		if cred.ID == id {
			delete(k.byHash, hash)
			break
		}
	}
	k.mu.Unlock()

	k.logger.Info().Str("credential_id", id).Msg("Credential revoked")
	return nil
}

// List returns all credentials, oldest first. Secrets are not
// recoverable from the result; only digests are stored.
func (k *Keyring) List() ([]*types.Credential, error) {
	creds, err := k.store.ListCredentials()
	if err != nil {
		return nil, err
	}
	sort.Slice(creds, func(i, j int) bool {
		if !creds[i].CreatedAt.Equal(creds[j].CreatedAt) {
			return creds[i].CreatedAt.Before(creds[j].CreatedAt)
		}
		return creds[i].ID < creds[j].ID
	})
	return creds, nil
}

// Bootstrap mints the initial admin credential when none exists yet.
// The returned secret is empty when an admin credential already
// exists, expired or not; operators replace a lost admin credential by
// deleting it from the store, not by restarting.
func (k *Keyring) Bootstrap() (string, *types.Credential, error) {
	k.mu.RLock()
	var existing bool
	for _, cred := range k.byHash {
		if cred.Scope == types.ScopeAdmin {
			existing = true
			break
		}
	}
	k.mu.RUnlock()
	if existing {
		return "", nil, nil
	}
	return k.Mint(MintParams{Scope: types.ScopeAdmin, Name: BootstrapName})
}

// Sweep removes expired credentials from the store and the index and
// returns how many it removed. Expiry is already enforced at Resolve;
// sweeping keeps the credential list honest.
func (k *Keyring) Sweep() int {
	now := time.Now().UTC()

	k.mu.Lock()
	var expired []*types.Credential
	for hash, cred := range k.byHash {
		if cred.Expired(now) {
			expired = append(expired, cred)
			delete(k.byHash, hash)
		}
	}
	k.mu.Unlock()

	removed := 0
	for _, cred := range expired {
		if err := k.store.DeleteCredential(cred.ID); err != nil {
			k.logger.Warn().Err(err).Str("credential_id", cred.ID).Msg("Failed to delete expired credential")
			continue
		}
		k.logger.Info().Str("credential_id", cred.ID).Str("name", cred.Name).Msg("Expired credential removed")
		removed++
	}
	return removed
}

// Digest returns the hex SHA-256 of a secret, the only form a secret
// is ever stored or compared in.
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
