package roles

import (
	"context"
	"sort"
	"sync"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/types"
)

// Adapter executes one role step against an immutable run context and
// returns a report. Adapters never touch run state or the artifact
// bundle; the engine records what they return. An adapter must honor
// cancellation of the passed context, which carries the step timeout.
type Adapter interface {
	Role() types.Role
	Execute(ctx context.Context, rc *types.RunContext) (*types.StepReport, error)
}

// Registry maps role tags to adapters. Registration happens at
// startup; the engine dispatches through the table and stays closed
// to new role kinds afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.Role]Adapter
}

// NewRegistry returns an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[types.Role]Adapter)}
}

// DefaultRegistry returns a registry with the built-in adapter for
// every core role
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, role := range []types.Role{
		types.RoleProduct,
		types.RoleData,
		types.RoleExecution,
		types.RoleEvaluation,
		types.RoleCost,
	} {
		// Registration of builtins cannot collide on a fresh registry
		_ = r.Register(NewBuiltinAdapter(role))
	}
	return r
}

// Register installs an adapter for its role
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	role := a.Role()
	if _, exists := r.adapters[role]; exists {
		return fault.Newf(fault.CodeSpecInvalid, "adapter for role %s already registered", role)
	}
	r.adapters[role] = a
	return nil
}

// Replace installs an adapter, displacing any existing one for the
// role. Used by deployments that bring their own executors.
func (r *Registry) Replace(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Role()] = a
}

// Get returns the adapter for a role
func (r *Registry) Get(role types.Role) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[role]
	if !ok {
		return nil, fault.Newf(fault.CodeCapabilityUnavailable, "no adapter registered for role %s", role)
	}
	return a, nil
}

// Roles lists the registered role tags in stable order
func (r *Registry) Roles() []types.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make([]types.Role, 0, len(r.adapters))
	for role := range r.adapters {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
