package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

type ctxKey int

const credentialKey ctxKey = iota

// credentialFrom returns the authenticated credential, nil when
// authentication is disabled.
func credentialFrom(ctx context.Context) *types.Credential {
	cred, _ := ctx.Value(credentialKey).(*types.Credential)
	return cred
}

// authenticate resolves the bearer credential and stashes it in the
// request context. With no keyring configured it is a no-op and every
// request proceeds anonymously.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.deps.Auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret, ok := bearerToken(r)
		if !ok {
			s.error(w, r, fault.ErrUnauthorized)
			return
		}
		cred, err := s.deps.Auth.Resolve(secret)
		if err != nil {
			s.error(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), credentialKey, cred)))
	})
}

// require builds a scope gate. Admin credentials pass everything; with
// authentication disabled there is no credential and the gate is open.
// Anything else runs the check.
func (s *Server) require(check func(cred *types.Credential, r *http.Request) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := credentialFrom(r.Context())
			if cred != nil && cred.Scope != types.ScopeAdmin {
				if err := check(cred, r); err != nil {
					s.error(w, r, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireAdmin admits only admin credentials
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return s.require(func(cred *types.Credential, r *http.Request) error {
		return fault.New(fault.CodeForbidden, "admin credential required")
	})(next)
}

// requireWorker admits worker credentials; the executor surface is not
// for tenants.
func (s *Server) requireWorker(next http.Handler) http.Handler {
	return s.require(func(cred *types.Credential, r *http.Request) error {
		if cred.Scope == types.ScopeWorker {
			return nil
		}
		return fault.New(fault.CodeForbidden, "worker credential required")
	})(next)
}

// requireTenant admits tenant credentials without binding them to a
// resource yet; the handler confines the tenant from the request body
// or query.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return s.require(func(cred *types.Credential, r *http.Request) error {
		if cred.Scope == types.ScopeTenant {
			return nil
		}
		return fault.New(fault.CodeForbidden, "tenant credential required")
	})(next)
}

// requireTenantSelf admits a tenant credential only for its own tenant
// subtree.
func (s *Server) requireTenantSelf(next http.Handler) http.Handler {
	return s.require(func(cred *types.Credential, r *http.Request) error {
		if cred.Scope == types.ScopeTenant && cred.TenantID == chi.URLParam(r, "tenantID") {
			return nil
		}
		return fault.New(fault.CodeForbidden, "credential does not cover this tenant")
	})(next)
}

// requireRunAccess admits a tenant credential only for runs the tenant
// owns. Other tenants' runs answer 404, not 403, so run IDs cannot be
// probed across tenants.
func (s *Server) requireRunAccess(next http.Handler) http.Handler {
	return s.require(func(cred *types.Credential, r *http.Request) error {
		if cred.Scope != types.ScopeTenant {
			return fault.New(fault.CodeForbidden, "tenant credential required")
		}
		runID := chi.URLParam(r, "runID")
		run, err := s.deps.State.Get(runID)
		if err != nil {
			return err
		}
		if run.TenantID != cred.TenantID {
			return fault.Newf(fault.CodeRunNotFound, "run not found: %s", runID)
		}
		return nil
	})(next)
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, secret, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	secret = strings.TrimSpace(secret)
	return secret, secret != ""
}
