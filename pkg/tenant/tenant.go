package tenant

import (
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/artifact"
	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/types"
)

var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Registry is the authority for tenant identity and profiles. Tenants
// are never hard-deleted; suspension blocks new admissions while
// in-flight runs finish.
type Registry struct {
	store     storage.Store
	artifacts *artifact.Store
	logger    zerolog.Logger

	mu sync.Mutex // serializes create and profile updates
}

// NewRegistry creates a tenant registry
func NewRegistry(store storage.Store, artifacts *artifact.Store) *Registry {
	return &Registry{
		store:     store,
		artifacts: artifacts,
		logger:    log.WithComponent("tenant"),
	}
}

// CreateParams are the caller-supplied fields for a new tenant
type CreateParams struct {
	ID       string
	Name     string
	Priority int
	Budget   *types.BudgetProfile
	Learning *types.LearningProfile
}

// Create registers a tenant. The learning profile starts at revision 1
// and is archived immediately.
func (r *Registry) Create(params CreateParams) (*types.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !nameRe.MatchString(params.Name) {
		return nil, fault.Newf(fault.CodeSpecInvalid, "tenant name %q must be lowercase alphanumeric with hyphens", params.Name)
	}
	if params.Priority < 1 || params.Priority > 10 {
		return nil, fault.Newf(fault.CodeSpecInvalid, "tenant priority must be 1..10, got %d", params.Priority)
	}
	if params.Budget == nil || params.Budget.DailyLimit <= 0 || params.Budget.MonthlyLimit <= 0 {
		return nil, fault.New(fault.CodeSpecInvalid, "tenant budget profile requires positive daily and monthly limits")
	}
	if params.Budget.MaxConcurrentRuns < 1 {
		return nil, fault.New(fault.CodeSpecInvalid, "tenant budget profile requires max_concurrent_runs of at least 1")
	}

	id := params.ID
	if id == "" {
		id = uuid.New().String()
	}
	if existing, err := r.store.GetTenant(id); err == nil && existing != nil {
		return nil, fault.Newf(fault.CodeSpecInvalid, "tenant %s already exists", id)
	}

	learning := params.Learning
	if learning == nil {
		learning = &types.LearningProfile{Intensity: "standard", ExplorationShare: 0.1}
	}
	learning.Revision = 1

	now := time.Now().UTC()
	tenant := &types.Tenant{
		ID:        id,
		Name:      params.Name,
		Status:    types.TenantActive,
		Priority:  params.Priority,
		Budget:    params.Budget,
		Learning:  learning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.CreateTenant(tenant); err != nil {
		return nil, err
	}
	if err := r.artifacts.WriteLearningProfile(id, learning); err != nil {
		r.logger.Warn().Err(err).Str("tenant_id", id).Msg("Failed to archive learning profile")
	}

	r.logger.Info().Str("tenant_id", id).Str("name", params.Name).Int("priority", params.Priority).Msg("Tenant created")
	return tenant, nil
}

// Get returns one tenant
func (r *Registry) Get(id string) (*types.Tenant, error) {
	return r.store.GetTenant(id)
}

// List returns all tenants
func (r *Registry) List() ([]*types.Tenant, error) {
	return r.store.ListTenants()
}

// EnsureActive resolves a tenant for admission: unknown and suspended
// tenants return categorized faults.
func (r *Registry) EnsureActive(id string) (*types.Tenant, error) {
	tenant, err := r.store.GetTenant(id)
	if err != nil {
		return nil, err
	}
	if tenant.Status == types.TenantSuspended {
		return nil, fault.Newf(fault.CodeTenantSuspended, "tenant %s is suspended", id)
	}
	return tenant, nil
}

// Suspend blocks new admissions for a tenant. In-flight runs finish.
func (r *Registry) Suspend(id, reason string) error {
	return r.setStatus(id, types.TenantSuspended, reason)
}

// Resume re-enables admissions for a tenant
func (r *Registry) Resume(id string) error {
	return r.setStatus(id, types.TenantActive, "resumed")
}

func (r *Registry) setStatus(id string, status types.TenantStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenant, err := r.store.GetTenant(id)
	if err != nil {
		return err
	}
	if tenant.Status == status {
		return nil // idempotent
	}
	tenant.Status = status
	tenant.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateTenant(tenant); err != nil {
		return err
	}

	r.logger.Info().Str("tenant_id", id).Str("status", string(status)).Str("reason", reason).Msg("Tenant status changed")
	return nil
}

// UpdateLearning replaces the learning profile, bumping the revision
// and archiving the new version immutably
func (r *Registry) UpdateLearning(id string, profile *types.LearningProfile) (*types.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if profile == nil {
		return nil, fault.New(fault.CodePatchInvalid, "learning profile required")
	}
	if profile.ExplorationShare < 0 || profile.ExplorationShare > 1 {
		return nil, fault.Newf(fault.CodePatchInvalid, "exploration share must be in [0,1], got %v", profile.ExplorationShare)
	}

	tenant, err := r.store.GetTenant(id)
	if err != nil {
		return nil, err
	}

	profile.Revision = tenant.Learning.Revision + 1
	tenant.Learning = profile
	tenant.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateTenant(tenant); err != nil {
		return nil, err
	}
	if err := r.artifacts.WriteLearningProfile(id, profile); err != nil {
		return nil, err
	}

	r.logger.Info().Str("tenant_id", id).Int("revision", profile.Revision).Msg("Learning profile updated")
	return tenant, nil
}

// UpdateBudget replaces the budget profile
func (r *Registry) UpdateBudget(id string, budget *types.BudgetProfile) (*types.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if budget == nil || budget.DailyLimit <= 0 || budget.MonthlyLimit <= 0 || budget.MaxConcurrentRuns < 1 {
		return nil, fault.New(fault.CodePatchInvalid, "budget profile requires positive limits and concurrency")
	}

	tenant, err := r.store.GetTenant(id)
	if err != nil {
		return nil, err
	}
	tenant.Budget = budget
	tenant.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateTenant(tenant); err != nil {
		return nil, err
	}
	return tenant, nil
}
