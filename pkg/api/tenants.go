package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/tenant"
	"github.com/droverhq/drover/pkg/types"
)

type createTenantRequest struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Priority int                    `json:"priority"`
	Budget   *types.BudgetProfile   `json:"budget"`
	Learning *types.LearningProfile `json:"learning,omitempty"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	ten, err := s.deps.Tenants.Create(tenant.CreateParams{
		ID:       req.ID,
		Name:     req.Name,
		Priority: req.Priority,
		Budget:   req.Budget,
		Learning: req.Learning,
	})
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ten)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.deps.Tenants.List()
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	ten, err := s.deps.Tenants.Get(chi.URLParam(r, "tenantID"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ten)
}

type suspendTenantRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	var req suspendTenantRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		s.error(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator suspend"
	}
	if err := s.deps.Tenants.Suspend(id, req.Reason); err != nil {
		s.error(w, r, err)
		return
	}
	ten, err := s.deps.Tenants.Get(id)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ten)
}

func (s *Server) handleResumeTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if err := s.deps.Tenants.Resume(id); err != nil {
		s.error(w, r, err)
		return
	}
	ten, err := s.deps.Tenants.Get(id)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ten)
}

func (s *Server) handleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	var profile types.BudgetProfile
	if err := decodeJSON(w, r, &profile); err != nil {
		s.error(w, r, err)
		return
	}
	ten, err := s.deps.Tenants.UpdateBudget(chi.URLParam(r, "tenantID"), &profile)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ten)
}

func (s *Server) handleUpdateLearning(w http.ResponseWriter, r *http.Request) {
	var profile types.LearningProfile
	if err := decodeJSON(w, r, &profile); err != nil {
		s.error(w, r, err)
		return
	}
	ten, err := s.deps.Tenants.UpdateLearning(chi.URLParam(r, "tenantID"), &profile)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ten)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Budget.Status(chi.URLParam(r, "tenantID"))
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleBudgetForecast projects spend for a prospective run. The
// estimate query parameter is the run's estimated cost; it defaults
// to zero, which forecasts the tenant's position as it stands.
func (s *Server) handleBudgetForecast(w http.ResponseWriter, r *http.Request) {
	estimate := 0.0
	if raw := r.URL.Query().Get("estimate"); raw != "" {
		var err error
		estimate, err = strconv.ParseFloat(raw, 64)
		if err != nil || estimate < 0 {
			s.error(w, r, fault.Newf(fault.CodeSpecInvalid, "estimate must be a non-negative number, got %q", raw))
			return
		}
	}
	forecast, err := s.deps.Budget.Forecast(chi.URLParam(r, "tenantID"), estimate)
	if err != nil {
		s.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}
