package storage

import (
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// Store defines the interface for durable platform state. Runs,
// tenants, transition audit records and the cost ledger all live here;
// artifact bundles are file-based and handled by pkg/artifact.
type Store interface {
	// Tenants
	CreateTenant(tenant *types.Tenant) error
	GetTenant(id string) (*types.Tenant, error)
	ListTenants() ([]*types.Tenant, error)
	UpdateTenant(tenant *types.Tenant) error

	// Runs
	CreateRun(run *types.Run) error
	GetRun(id string) (*types.Run, error)
	ListRuns() ([]*types.Run, error)
	ListRunsByTenant(tenantID string) ([]*types.Run, error)
	UpdateRun(run *types.Run) error

	// Transition audit log, append-only per run
	AppendTransition(rec *types.TransitionRecord) error
	ListTransitions(runID string) ([]*types.TransitionRecord, error)

	// Cost ledger, append-only per tenant
	AppendLedger(entry *types.LedgerEntry) error
	ListLedger(tenantID string, since time.Time) ([]*types.LedgerEntry, error)
	SumLedgerSince(tenantID string, since time.Time) (float64, error)

	// Admission rejections, append-only per tenant
	AppendRejection(rec *types.RejectionRecord) error
	ListRejections(tenantID string) ([]*types.RejectionRecord, error)

	// API credentials, keyed by ID, secrets stored hashed
	PutCredential(cred *types.Credential) error
	ListCredentials() ([]*types.Credential, error)
	DeleteCredential(id string) error

	// Utility
	Close() error
}
