package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/pkg/auth"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

type createTokenRequest struct {
	Scope    types.CredentialScope `json:"scope"`
	TenantID string                `json:"tenant_id,omitempty"`
	Name     string                `json:"name,omitempty"`

	// TTL is a Go duration string, e.g. "720h". Empty means no expiry.
	TTL string `json:"ttl,omitempty"`
}

// tokenGrant is the one response that ever carries a secret
type tokenGrant struct {
	Token      string            `json:"token"`
	Credential *types.Credential `json:"credential"`
}

// handleCreateToken mints a credential. The secret in the response is
// the only copy that will ever exist; the server keeps the digest.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.error(w, r, err)
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(req.TTL); err != nil {
			s.error(w, r, fault.Wrap(fault.CodeSpecInvalid, "malformed ttl", err))
			return
		}
	}
	if req.Scope == types.ScopeTenant {
		if _, err := s.deps.Tenants.Get(req.TenantID); err != nil {
			s.error(w, r, err)
			return
		}
	}

	secret, cred, err := s.deps.Auth.Mint(auth.MintParams{
		Scope:    req.Scope,
		TenantID: req.TenantID,
		Name:     req.Name,
		TTL:      ttl,
	})
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenGrant{Token: secret, Credential: cred})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Auth.List()
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Auth.Revoke(chi.URLParam(r, "credentialID")); err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
