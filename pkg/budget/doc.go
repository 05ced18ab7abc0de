// Package budget is the admission gate and spend authority for the
// platform.
//
// Every run starts with an admission: the controller checks the
// tenant's concurrent-run count and the estimated cost against the
// daily and monthly limits, then issues a one-time token that holds a
// concurrency slot until released. The admission comparison is exact.
// An estimate that lands precisely on the remaining budget is
// admitted; one unit over is rejected with BudgetExceeded. Concurrency
// saturation is rejected separately with ConcurrencyExceeded so
// callers can decide whether to queue or fail.
//
// Actual spend flows back through Record, which appends to the
// per-tenant ledger in bbolt and keeps cached daily and monthly totals
// warm. Appends are retried with backoff; persistent failure trips a
// per-tenant circuit breaker, which pauses new admissions with
// LedgerUnavailable until a probe write succeeds after the cooldown.
// The platform refuses to take on spend it cannot account for.
//
// Forecast produces the concurrency-aware projection used by
// governance: each other active run is assumed to consume twice its
// estimate, and confidence decays as the active count grows.
//
//	projected  = spent + estimate + 2 × Σ(other active estimates)
//	confidence = 1 / (1 + 0.15 × (active − 1)), clamped to ≥ 0.4
//
// The identity and profile of a tenant live in the tenant registry;
// this package reads them at decision time and never replicates them.
package budget
