// Package tenant manages the registry of tenants that submit delivery
// runs.
//
// Each tenant carries a priority (1..10), a budget profile with daily
// and monthly limits, and a versioned learning profile. Learning
// profiles are append-only: every update bumps the revision and
// archives the new version under the tenant's artifact directory, so
// past behavior can always be traced to the profile that produced it.
//
// Tenants are never hard-deleted. Suspension is the off switch: a
// suspended tenant keeps its history and its in-flight runs, but new
// admissions fail with a TenantSuspended fault until the tenant is
// resumed.
package tenant
